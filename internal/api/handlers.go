package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/leafsii/leafsii-liquidity/internal/allowance"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/deposit"
	"github.com/leafsii/leafsii-liquidity/internal/ledger"
	"github.com/leafsii/leafsii-liquidity/internal/wallet"
	"github.com/leafsii/leafsii-liquidity/internal/ws"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type DepositService interface {
	SubmitAsync(ctx context.Context, in deposit.Intent) (*deposit.Result, error)
	ContinueAsync(ctx context.Context, id string) (*deposit.Result, error)
	Get(ctx context.Context, id string) (*deposit.Result, error)
}

type PositionService interface {
	DepositIDs(ctx context.Context, owner common.Address) ([]string, error)
}

type WithdrawService interface {
	Withdraw(ctx context.Context, depositID *big.Int) (*deposit.Withdrawal, error)
}

type AllowanceReader interface {
	Read(ctx context.Context, owner, spender, token common.Address) (allowance.State, error)
}

type LedgerLister interface {
	List(ctx context.Context) ([]ledger.Record, error)
}

type ReconciliationService interface {
	List(ctx context.Context, status ledger.Status, limit int) ([]ledger.Entry, error)
	Retry(ctx context.Context, ref string) error
	Get(ctx context.Context, ref string) (ledger.Entry, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the handler's collaborators. Decimals, Ledger, WSHub and
// SSE may be nil; the routes they back answer 503 or are not mounted.
type Services struct {
	Deposits       DepositService
	Positions      PositionService
	Withdrawals    WithdrawService
	Allowances     AllowanceReader
	Wallet         wallet.Provider
	Decimals       deposit.DecimalsReader
	Ledger         LedgerLister
	Reconciliation ReconciliationService
	WSHub          *ws.Hub
	SSE            *ws.SSEHandler
	Readiness      map[string]Pinger
}

type Settings struct {
	Table         calc.Table
	LockDurations []int
	DefaultToken  common.Address
	Spender       common.Address
	TokenDecimals uint8
}

type Handler struct {
	svc      Services
	settings Settings
	logger   *zap.SugaredLogger
}

func NewHandler(svc Services, settings Settings, logger *zap.SugaredLogger) *Handler {
	if len(settings.LockDurations) == 0 {
		settings.LockDurations = calc.DefaultLockDurations
	}
	return &Handler{svc: svc, settings: settings, logger: logger}
}

// APY endpoints
func (h *Handler) GetAPY(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a decimal number")
		return
	}

	h.writeJSON(w, http.StatusOK, APYDTO{
		Amount:      amount.String(),
		RatePercent: h.settings.Table.RateFor(amount).String(),
		Cap:         h.settings.Table.Cap().String(),
	})
}

func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	t := h.settings.Table
	h.writeJSON(w, http.StatusOK, TiersDTO{
		Tiers:         t.Tiers,
		FloorRate:     t.FloorRate.String(),
		Cap:           t.Cap().String(),
		LockDurations: h.settings.LockDurations,
	})
}

// GetProjection returns the accrual snapshot at elapsedSeconds after the
// deposit. ratePercent overrides the tier rate when given.
func (h *Handler) GetProjection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	principal, err := decimal.NewFromString(q.Get("principal"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_PRINCIPAL", "principal must be a decimal number")
		return
	}
	months, err := strconv.Atoi(q.Get("months"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_MONTHS", "months must be an integer")
		return
	}
	var elapsed int64
	if s := q.Get("elapsedSeconds"); s != "" {
		elapsed, err = strconv.ParseInt(s, 10, 64)
		if err != nil || elapsed < 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_ELAPSED", "elapsedSeconds must be a non-negative integer")
			return
		}
	}

	params := calc.AccrualParams{
		Principal:          principal,
		AnnualRatePercent:  h.settings.Table.RateFor(principal),
		LockDurationMonths: months,
	}
	if s := q.Get("ratePercent"); s != "" {
		rate, err := decimal.NewFromString(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_RATE", "ratePercent must be a decimal number")
			return
		}
		params.AnnualRatePercent = rate
	}
	if err := params.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	origin := time.Unix(0, 0).UTC()
	snap := calc.Project(params, origin, origin.Add(time.Duration(elapsed)*time.Second))

	h.writeJSON(w, http.StatusOK, ProjectionDTO{
		Principal:          snap.Principal.String(),
		RatePercent:        snap.AnnualRatePercent.String(),
		LockDurationMonths: snap.LockDurationMonths,
		ElapsedSeconds:     snap.ElapsedSeconds,
		AccruedAmount:      snap.AccruedAmount.String(),
		TotalYield:         snap.TotalYield.String(),
		PerMinuteYield:     calc.PerTickYield(params).String(),
		Matured:            snap.Matured,
	})
}

// Wallet endpoints
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	dto := WalletDTO{Connected: h.svc.Wallet.IsConnected(r.Context())}
	if addr, ok := h.svc.Wallet.CurrentAddress(r.Context()); ok {
		dto.Address = addr.Hex()
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ConnectWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Wallet.PromptConnect(r.Context()); err != nil {
		h.writeError(w, http.StatusForbidden, string(deposit.KindWalletRejected), err.Error())
		return
	}
	h.GetWallet(w, r)
}

// owner resolves ?owner= or falls back to the connected wallet.
func (h *Handler) owner(r *http.Request) (common.Address, error) {
	if s := r.URL.Query().Get("owner"); s != "" {
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("invalid owner address %q", s)
		}
		return common.HexToAddress(s), nil
	}
	addr, ok := h.svc.Wallet.CurrentAddress(r.Context())
	if !ok {
		return common.Address{}, wallet.ErrNotConnected
	}
	return addr, nil
}

func (h *Handler) token(s string) (common.Address, error) {
	if s == "" {
		return h.settings.DefaultToken, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid token address %q", s)
	}
	return common.HexToAddress(s), nil
}

func (h *Handler) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if h.svc.Decimals == nil {
		return h.settings.TokenDecimals, nil
	}
	return h.svc.Decimals.TokenDecimals(ctx, token)
}

func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.writeOwnerError(w, err)
		return
	}
	token, err := h.token(r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_TOKEN", err.Error())
		return
	}

	state, err := h.svc.Allowances.Read(r.Context(), owner, h.settings.Spender, token)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, string(deposit.KindNetworkOrChain), err.Error())
		return
	}

	dto := AllowanceDTO{
		Owner:            owner.Hex(),
		Spender:          h.settings.Spender.Hex(),
		Token:            token.Hex(),
		CurrentAllowance: state.CurrentAllowance.String(),
		TokenBalance:     state.TokenBalance.String(),
	}

	if s := r.URL.Query().Get("amount"); s != "" {
		amount, err := decimal.NewFromString(s)
		if err != nil || !amount.IsPositive() {
			h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive decimal number")
			return
		}
		decimals, err := h.tokenDecimals(r.Context(), token)
		if err != nil {
			h.writeError(w, http.StatusBadGateway, string(deposit.KindNetworkOrChain), err.Error())
			return
		}
		required := amount.Shift(int32(decimals)).Truncate(0).BigInt()
		dto.Required = required.String()
		dto.Sufficient = state.Sufficient(required)
	}

	h.writeJSON(w, http.StatusOK, dto)
}

// Deposit endpoints
func (h *Handler) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, string(deposit.KindValidation), "amount must be a decimal number")
		return
	}
	token, err := h.token(req.Token)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, string(deposit.KindValidation), err.Error())
		return
	}

	res, err := h.svc.Deposits.SubmitAsync(r.Context(), deposit.Intent{
		Token:              token,
		Amount:             amount,
		LockDurationMonths: req.LockDurationMonths,
	})
	if err != nil {
		h.writeDepositError(w, res, err)
		return
	}

	h.logger.Infow("Deposit accepted",
		"intent", res.Intent.ID,
		"owner", res.Intent.Owner.Hex(),
		"amount", res.Intent.Amount,
		"months", res.Intent.LockDurationMonths,
	)
	h.writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) ContinueDeposit(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Deposits.ContinueAsync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDepositError(w, res, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Deposits.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDepositError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetOnchainDeposits(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.writeOwnerError(w, err)
		return
	}

	ids, err := h.svc.Positions.DepositIDs(r.Context(), owner)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, string(deposit.KindNetworkOrChain), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, DepositIDsDTO{Owner: owner.Hex(), DepositIDs: ids})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	id, err := deposit.ParseDepositID(req.DepositID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, string(deposit.KindValidation), err.Error())
		return
	}

	wd, err := h.svc.Withdrawals.Withdraw(r.Context(), id)
	if err != nil {
		h.writeDepositError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, wd)
}

// Ledger endpoints
func (h *Handler) ListLiquidity(w http.ResponseWriter, r *http.Request) {
	if h.svc.Ledger == nil {
		h.writeError(w, http.StatusServiceUnavailable, "LEDGER_DISABLED", "ledger API is not configured")
		return
	}
	records, err := h.svc.Ledger.List(r.Context())
	if err != nil {
		var apiErr *ledger.APIError
		if errors.As(err, &apiErr) {
			h.writeJSON(w, http.StatusBadGateway, LiquidityListResponse{Success: false, Message: apiErr.Error(), Data: []ledger.Record{}})
			return
		}
		h.writeError(w, http.StatusBadGateway, string(deposit.KindLedger), err.Error())
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	h.writeJSON(w, http.StatusOK, LiquidityListResponse{Success: true, Data: records})
}

func (h *Handler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	status, err := ledger.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error())
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.svc.Reconciliation.List(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "RECONCILIATION_ERROR", err.Error())
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	h.writeJSON(w, http.StatusOK, ReconciliationListDTO{Entries: entries})
}

// RetryReconciliation delivers one outbox entry now. A failed delivery still
// answers 200 with the entry, whose lastError explains the failure.
func (h *Handler) RetryReconciliation(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	err := h.svc.Reconciliation.Retry(r.Context(), ref)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	case err != nil && !ledger.IsReconciliationError(err):
		h.writeError(w, http.StatusInternalServerError, "RECONCILIATION_ERROR", err.Error())
		return
	}

	entry, err := h.svc.Reconciliation.Get(r.Context(), ref)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "RECONCILIATION_ERROR", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// Health and ops endpoints
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, p := range h.svc.Readiness {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.logger.Warnw("Readiness check failed", "failed", failed)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// Live updates
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.svc.WSHub.HandleWebSocket(w, r)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.svc.SSE.HandleSSE(w, r)
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeErrorResponse(w, status, ErrorResponse{Code: code, Message: message})
}

func (h *Handler) writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", resp.Code, "message", resp.Message, "status", status)
	} else {
		h.logger.Debugw("API error", "code", resp.Code, "message", resp.Message, "status", status)
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeOwnerError(w http.ResponseWriter, err error) {
	if errors.Is(err, wallet.ErrNotConnected) {
		h.writeError(w, http.StatusConflict, "WALLET_NOT_CONNECTED", err.Error())
		return
	}
	h.writeError(w, http.StatusBadRequest, "INVALID_OWNER", err.Error())
}

// writeDepositError maps orchestrator and withdrawal errors to status codes.
// res, when present, contributes the intent id.
func (h *Handler) writeDepositError(w http.ResponseWriter, res *deposit.Result, err error) {
	resp := ErrorResponse{Message: err.Error()}
	if res != nil {
		resp.IntentID = res.Intent.ID
	}

	var derr *deposit.Error
	switch {
	case errors.Is(err, deposit.ErrIntentInFlight):
		resp.Code = "INTENT_IN_FLIGHT"
		h.writeErrorResponse(w, http.StatusConflict, resp)
	case errors.Is(err, deposit.ErrNotFound):
		resp.Code = "NOT_FOUND"
		h.writeErrorResponse(w, http.StatusNotFound, resp)
	case errors.Is(err, deposit.ErrNotAwaitingInput):
		resp.Code = "NOT_AWAITING_INPUT"
		h.writeErrorResponse(w, http.StatusConflict, resp)
	case errors.Is(err, deposit.ErrClosed):
		resp.Code = "SHUTTING_DOWN"
		h.writeErrorResponse(w, http.StatusServiceUnavailable, resp)
	case errors.As(err, &derr):
		resp.Code = string(derr.Kind)
		resp.Hint = derr.Hint
		resp.TxRef = derr.TxRef.String()
		h.writeErrorResponse(w, statusForKind(derr.Kind), resp)
	default:
		resp.Code = "INTERNAL_ERROR"
		h.writeErrorResponse(w, http.StatusInternalServerError, resp)
	}
}

func statusForKind(kind deposit.ErrorKind) int {
	switch kind {
	case deposit.KindValidation:
		return http.StatusBadRequest
	case deposit.KindInsufficientBalance, deposit.KindReverted:
		return http.StatusUnprocessableEntity
	case deposit.KindWalletRejected:
		return http.StatusForbidden
	case deposit.KindNetworkOrChain, deposit.KindLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
