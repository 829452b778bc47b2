package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/leafsii/leafsii-liquidity/internal/allowance"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/leafsii/leafsii-liquidity/internal/deposit"
	"github.com/leafsii/leafsii-liquidity/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testPool  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type MockDeposits struct {
	mock.Mock
}

func (m *MockDeposits) SubmitAsync(ctx context.Context, in deposit.Intent) (*deposit.Result, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*deposit.Result)
	return res, args.Error(1)
}

func (m *MockDeposits) ContinueAsync(ctx context.Context, id string) (*deposit.Result, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*deposit.Result)
	return res, args.Error(1)
}

func (m *MockDeposits) Get(ctx context.Context, id string) (*deposit.Result, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*deposit.Result)
	return res, args.Error(1)
}

type MockPositions struct {
	mock.Mock
}

func (m *MockPositions) DepositIDs(ctx context.Context, owner common.Address) ([]string, error) {
	args := m.Called(ctx, owner)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

type MockWithdrawals struct {
	mock.Mock
}

func (m *MockWithdrawals) Withdraw(ctx context.Context, id *big.Int) (*deposit.Withdrawal, error) {
	args := m.Called(ctx, id)
	wd, _ := args.Get(0).(*deposit.Withdrawal)
	return wd, args.Error(1)
}

type MockAllowances struct {
	mock.Mock
}

func (m *MockAllowances) Read(ctx context.Context, owner, spender, token common.Address) (allowance.State, error) {
	args := m.Called(ctx, owner, spender, token)
	return args.Get(0).(allowance.State), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) List(ctx context.Context) ([]ledger.Record, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]ledger.Record)
	return recs, args.Error(1)
}

type MockReconciliation struct {
	mock.Mock
}

func (m *MockReconciliation) List(ctx context.Context, status ledger.Status, limit int) ([]ledger.Entry, error) {
	args := m.Called(ctx, status, limit)
	entries, _ := args.Get(0).([]ledger.Entry)
	return entries, args.Error(1)
}

func (m *MockReconciliation) Retry(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *MockReconciliation) Get(ctx context.Context, ref string) (ledger.Entry, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(ledger.Entry), args.Error(1)
}

type fakeWallet struct {
	connected  bool
	connectErr error
}

func (w *fakeWallet) IsConnected(context.Context) bool { return w.connected }

func (w *fakeWallet) CurrentAddress(context.Context) (common.Address, bool) {
	return testOwner, w.connected
}

func (w *fakeWallet) PromptConnect(context.Context) error {
	if w.connectErr != nil {
		return w.connectErr
	}
	w.connected = true
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	deposits       *MockDeposits
	positions      *MockPositions
	withdrawals    *MockWithdrawals
	allowances     *MockAllowances
	ledger         *MockLedger
	reconciliation *MockReconciliation
	wallet         *fakeWallet
	readiness      map[string]Pinger
	jwtSecret      string
	// depositSvc replaces the deposits mock when set.
	depositSvc DepositService
}

func newTestServer() *testServer {
	return &testServer{
		deposits:       &MockDeposits{},
		positions:      &MockPositions{},
		withdrawals:    &MockWithdrawals{},
		allowances:     &MockAllowances{},
		ledger:         &MockLedger{},
		reconciliation: &MockReconciliation{},
		wallet:         &fakeWallet{connected: true},
		readiness:      map[string]Pinger{},
	}
}

func (s *testServer) router() http.Handler {
	logger := zap.NewNop().Sugar()
	var deposits DepositService = s.deposits
	if s.depositSvc != nil {
		deposits = s.depositSvc
	}
	h := NewHandler(Services{
		Deposits:       deposits,
		Positions:      s.positions,
		Withdrawals:    s.withdrawals,
		Allowances:     s.allowances,
		Wallet:         s.wallet,
		Ledger:         s.ledger,
		Reconciliation: s.reconciliation,
		Readiness:      s.readiness,
	}, Settings{
		Table:         calc.DefaultTable(),
		DefaultToken:  testToken,
		Spender:       testPool,
		TokenDecimals: 6,
	}, logger)
	return h.Routes(NewMiddleware(logger, nil, s.jwtSecret), RouteOptions{})
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestGetAPY(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		amount string
		rate   string
	}{
		{"0", "12"},
		{"999", "12"},
		{"1000", "12"},
		{"10000", "14"},
		{"250000", "18"},
		{"1000000", "20"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/v1/apy?amount="+tt.amount, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var dto APYDTO
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
			assert.Equal(t, tt.rate, dto.RatePercent)
			assert.Equal(t, "10000000", dto.Cap)
		})
	}

	rec := s.do(t, http.MethodGet, "/v1/apy?amount=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTiers(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodGet, "/v1/apy/tiers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto TiersDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
	assert.Len(t, dto.Tiers, 4)
	assert.Equal(t, []int{1, 2, 3, 6}, dto.LockDurations)
	assert.Equal(t, "12", dto.FloorRate)
}

func TestGetProjection(t *testing.T) {
	s := newTestServer()

	t.Run("matured", func(t *testing.T) {
		// 1000 at 12% for 6 months yields 60, matured after 6*30 days.
		rec := s.do(t, http.MethodGet, "/v1/accrual/projection?principal=1000&months=6&elapsedSeconds=15552000", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var dto ProjectionDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
		assert.Equal(t, "60", dto.TotalYield)
		assert.Equal(t, "60", dto.AccruedAmount)
		assert.True(t, dto.Matured)
	})

	t.Run("start", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/accrual/projection?principal=1000&months=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var dto ProjectionDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
		assert.Equal(t, "0", dto.AccruedAmount)
		assert.False(t, dto.Matured)
	})

	for _, q := range []string{
		"principal=x&months=1",
		"principal=10&months=x",
		"principal=10&months=0",
		"principal=10&months=1&elapsedSeconds=-1",
		"principal=10&months=1&ratePercent=nope",
	} {
		t.Run("bad "+q, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/v1/accrual/projection?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestWalletEndpoints(t *testing.T) {
	s := newTestServer()
	s.wallet.connected = false

	rec := s.do(t, http.MethodGet, "/v1/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto WalletDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
	assert.False(t, dto.Connected)

	rec = s.do(t, http.MethodPost, "/v1/wallet/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
	assert.True(t, dto.Connected)
	assert.Equal(t, testOwner.Hex(), dto.Address)

	s.wallet = &fakeWallet{connectErr: errors.New("user denied")}
	rec = s.do(t, http.MethodPost, "/v1/wallet/connect", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "WALLET_REJECTED", decodeError(t, rec).Code)
}

func TestGetAllowance(t *testing.T) {
	s := newTestServer()
	s.allowances.On("Read", mock.Anything, testOwner, testPool, testToken).
		Return(allowance.State{
			Owner:            testOwner,
			Spender:          testPool,
			Token:            testToken,
			CurrentAllowance: big.NewInt(5_000_000),
			TokenBalance:     big.NewInt(9_000_000),
		}, nil)

	tests := []struct {
		amount     string
		required   string
		sufficient bool
	}{
		{"5", "5000000", true},
		{"5.5", "5500000", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/v1/allowance?amount="+tt.amount, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var dto AllowanceDTO
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
			assert.Equal(t, tt.required, dto.Required)
			assert.Equal(t, tt.sufficient, dto.Sufficient)
			assert.Equal(t, "5000000", dto.CurrentAllowance)
		})
	}

	s.wallet.connected = false
	rec := s.do(t, http.MethodGet, "/v1/allowance", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "WALLET_NOT_CONNECTED", decodeError(t, rec).Code)
}

func TestSubmitDeposit(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		s := newTestServer()
		s.deposits.On("SubmitAsync", mock.Anything, mock.MatchedBy(func(in deposit.Intent) bool {
			return in.Amount.Equal(decimal.NewFromInt(2500)) && in.LockDurationMonths == 3 && in.Token == testToken
		})).Return(&deposit.Result{
			Intent:      deposit.Intent{ID: "intent-1", Owner: testOwner, Token: testToken, Amount: decimal.NewFromInt(2500), LockDurationMonths: 3},
			State:       deposit.StateCheckingAllowance,
			RatePercent: decimal.NewFromInt(12),
		}, nil)

		rec := s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{Amount: "2500", LockDurationMonths: 3})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var res deposit.Result
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, "intent-1", res.Intent.ID)
		assert.Equal(t, deposit.StateCheckingAllowance, res.State)
		s.deposits.AssertExpectations(t)
	})

	tests := []struct {
		name   string
		err    error
		res    *deposit.Result
		status int
		code   string
	}{
		{"in flight", deposit.ErrIntentInFlight, nil, http.StatusConflict, "INTENT_IN_FLIGHT"},
		{
			"validation",
			&deposit.Error{Kind: deposit.KindValidation, Op: "validate", Err: errors.New("unsupported lock duration")},
			&deposit.Result{Intent: deposit.Intent{ID: "intent-2"}, State: deposit.StateRejected},
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
		{
			"wallet",
			&deposit.Error{Kind: deposit.KindWalletRejected, Op: "connect wallet", Err: errors.New("user denied")},
			nil, http.StatusForbidden, "WALLET_REJECTED",
		},
		{"closed", deposit.ErrClosed, nil, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{"unknown", errors.New("boom"), nil, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			s.deposits.On("SubmitAsync", mock.Anything, mock.Anything).Return(tt.res, tt.err)

			rec := s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{Amount: "100", LockDurationMonths: 5})
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			if tt.res != nil {
				assert.Equal(t, tt.res.Intent.ID, resp.IntentID)
			}
		})
	}

	t.Run("bad amount", func(t *testing.T) {
		s := newTestServer()
		rec := s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{Amount: "lots", LockDurationMonths: 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		s.deposits.AssertNotCalled(t, "SubmitAsync", mock.Anything, mock.Anything)
	})
}

func TestSubmitDeposit_RejectedIntentIsNotAccepted(t *testing.T) {
	tests := []struct {
		name   string
		req    DepositRequest
		status int
		code   string
	}{
		{"zero amount", DepositRequest{Amount: "0", LockDurationMonths: 1}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unsupported duration", DepositRequest{Amount: "500", LockDurationMonths: 5}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			orch := deposit.NewOrchestrator(nil, nil, s.wallet, nil, testPool, zap.NewNop().Sugar(),
				deposit.WithTokenDecimals(6))
			defer orch.Close()
			s.depositSvc = orch

			rec := s.do(t, http.MethodPost, "/v1/deposits", tt.req)
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			require.NotEmpty(t, resp.IntentID)

			got, err := orch.Get(context.Background(), resp.IntentID)
			require.NoError(t, err)
			assert.Equal(t, deposit.StateRejected, got.State)
		})
	}

	t.Run("wallet rejected", func(t *testing.T) {
		s := newTestServer()
		s.wallet.connected = false
		s.wallet.connectErr = errors.New("user denied")
		orch := deposit.NewOrchestrator(nil, nil, s.wallet, nil, testPool, zap.NewNop().Sugar())
		defer orch.Close()
		s.depositSvc = orch

		rec := s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{Amount: "500", LockDurationMonths: 1})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "WALLET_REJECTED", decodeError(t, rec).Code)
	})
}

func TestContinueAndGetDeposit(t *testing.T) {
	s := newTestServer()
	s.deposits.On("ContinueAsync", mock.Anything, "intent-1").
		Return(&deposit.Result{Intent: deposit.Intent{ID: "intent-1"}, State: deposit.StateCheckingAllowance}, nil)
	s.deposits.On("ContinueAsync", mock.Anything, "intent-9").Return(nil, deposit.ErrNotAwaitingInput)
	s.deposits.On("Get", mock.Anything, "intent-1").
		Return(&deposit.Result{Intent: deposit.Intent{ID: "intent-1"}, State: deposit.StateConfirmed}, nil)
	s.deposits.On("Get", mock.Anything, "missing").Return(nil, deposit.ErrNotFound)

	rec := s.do(t, http.MethodPost, "/v1/deposits/intent-1/continue", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/deposits/intent-9/continue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_AWAITING_INPUT", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodGet, "/v1/deposits/intent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res deposit.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, deposit.StateConfirmed, res.State)

	rec = s.do(t, http.MethodGet, "/v1/deposits/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOnchainDeposits(t *testing.T) {
	s := newTestServer()
	other := common.HexToAddress("0x00000000000000000000000000000000000000d4")
	s.positions.On("DepositIDs", mock.Anything, testOwner).Return([]string{"1", "4"}, nil)
	s.positions.On("DepositIDs", mock.Anything, other).Return(nil, errors.New("rpc down"))

	rec := s.do(t, http.MethodGet, "/v1/deposits/onchain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto DepositIDsDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
	assert.Equal(t, []string{"1", "4"}, dto.DepositIDs)

	rec = s.do(t, http.MethodGet, "/v1/deposits/onchain?owner="+other.Hex(), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/deposits/onchain?owner=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdraw(t *testing.T) {
	s := newTestServer()
	s.withdrawals.On("Withdraw", mock.Anything, big.NewInt(7)).Return(&deposit.Withdrawal{
		DepositID: "7",
		Owner:     testOwner.Hex(),
		Attempt:   chain.NewAttempt(chain.AttemptWithdrawal, "0xabc", time.Now()),
	}, nil)
	s.withdrawals.On("Withdraw", mock.Anything, big.NewInt(8)).Return(nil, &deposit.Error{
		Kind: deposit.KindReverted,
		Op:   "submit withdrawal",
		Err:  chain.ErrReverted,
		Hint: chain.WithdrawRevertHint,
	})

	rec := s.do(t, http.MethodPost, "/v1/withdrawals", WithdrawRequest{DepositID: "7"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var wd deposit.Withdrawal
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&wd))
	assert.Equal(t, "7", wd.DepositID)

	rec = s.do(t, http.MethodPost, "/v1/withdrawals", WithdrawRequest{DepositID: "8"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "TRANSACTION_REVERTED", resp.Code)
	assert.Equal(t, chain.WithdrawRevertHint, resp.Hint)

	rec = s.do(t, http.MethodPost, "/v1/withdrawals", WithdrawRequest{DepositID: "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLiquidity(t *testing.T) {
	s := newTestServer()
	s.ledger.On("List", mock.Anything).Return([]ledger.Record{{
		Amount:               decimal.NewFromInt(1000),
		InterestRatePercent:  decimal.NewFromInt(12),
		LockDurationMonths:   1,
		TransactionReference: "0xaaa",
	}}, nil).Once()

	rec := s.do(t, http.MethodGet, "/v1/liquidity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LiquidityListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "0xaaa", resp.Data[0].TransactionReference)

	s.ledger.On("List", mock.Anything).Return(nil, &ledger.APIError{StatusCode: http.StatusUnauthorized, Message: "bad token"}).Once()
	rec = s.do(t, http.MethodGet, "/v1/liquidity", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
}

func TestReconciliationEndpoints(t *testing.T) {
	s := newTestServer()
	entry := ledger.Entry{ID: 1, Record: ledger.Record{TransactionReference: "0xaaa"}, Status: ledger.StatusPending, Attempts: 2}

	s.reconciliation.On("List", mock.Anything, ledger.StatusPending, 50).Return([]ledger.Entry{entry}, nil)
	rec := s.do(t, http.MethodGet, "/v1/reconciliation?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ReconciliationListDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Entries, 1)

	rec = s.do(t, http.MethodGet, "/v1/reconciliation?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	failedEntry := entry
	failedEntry.Attempts = 3
	failedEntry.LastError = "ledger unavailable"
	s.reconciliation.On("Retry", mock.Anything, "0xaaa").Return(&ledger.ReconciliationError{Ref: "0xaaa", Attempts: 3, Err: errors.New("ledger unavailable")})
	s.reconciliation.On("Get", mock.Anything, "0xaaa").Return(failedEntry, nil)
	rec = s.do(t, http.MethodPost, "/v1/reconciliation/0xaaa/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ledger.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int32(3), got.Attempts)
	assert.Equal(t, "ledger unavailable", got.LastError)

	s.reconciliation.On("Retry", mock.Anything, "0xmissing").Return(ledger.ErrNotFound)
	rec = s.do(t, http.MethodPost, "/v1/reconciliation/0xmissing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyz(t *testing.T) {
	s := newTestServer()
	s.readiness["cache"] = pingFunc(func(context.Context) error { return nil })

	rec := s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.readiness["postgres"] = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	rec = s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestAuth(t *testing.T) {
	s := newTestServer()
	s.jwtSecret = "test-secret"

	sign := func(secret string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		raw, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return raw
	}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + sign("other", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + sign("test-secret", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"valid", "Bearer " + sign("test-secret", time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rec := s.do(t, http.MethodGet, "/v1/wallet", nil, headers...)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	// Public routes stay open.
	rec := s.do(t, http.MethodGet, "/v1/apy?amount=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_SubjectInContext(t *testing.T) {
	m := NewMiddleware(zap.NewNop().Sugar(), nil, "s3cret")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	raw, err := tok.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	var subject string
	h := m.Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = SubjectFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", subject)
}

func TestRateLimit(t *testing.T) {
	m := NewMiddleware(zap.NewNop().Sugar(), nil, "")
	h := m.RateLimit(6)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}
