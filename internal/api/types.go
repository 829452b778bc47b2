package api

import (
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/ledger"
)

type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Hint     string `json:"hint,omitempty"`
	TxRef    string `json:"txRef,omitempty"`
	// IntentID is set when a deposit was rejected after it was assigned an id.
	IntentID string `json:"intentId,omitempty"`
}

type APYDTO struct {
	Amount      string `json:"amount"`
	RatePercent string `json:"ratePercent"`
	Cap         string `json:"cap"`
}

type TiersDTO struct {
	Tiers         []calc.Tier `json:"tiers"`
	FloorRate     string      `json:"floorRate"`
	Cap           string      `json:"cap"`
	LockDurations []int       `json:"lockDurations"`
}

type ProjectionDTO struct {
	Principal          string `json:"principal"`
	RatePercent        string `json:"ratePercent"`
	LockDurationMonths int    `json:"lockDurationMonths"`
	ElapsedSeconds     int64  `json:"elapsedSeconds"`
	AccruedAmount      string `json:"accruedAmount"`
	TotalYield         string `json:"totalYield"`
	PerMinuteYield     string `json:"perMinuteYield"`
	Matured            bool   `json:"matured"`
}

type WalletDTO struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

type AllowanceDTO struct {
	Owner            string `json:"owner"`
	Spender          string `json:"spender"`
	Token            string `json:"token"`
	CurrentAllowance string `json:"currentAllowance"`
	TokenBalance     string `json:"tokenBalance"`
	Required         string `json:"required,omitempty"`
	Sufficient       bool   `json:"sufficient"`
}

// DepositRequest is the body of POST /v1/deposits. Token may be omitted to
// use the configured default.
type DepositRequest struct {
	Amount             string `json:"amount"`
	LockDurationMonths int    `json:"lockDurationMonths"`
	Token              string `json:"token,omitempty"`
}

type DepositIDsDTO struct {
	Owner      string   `json:"owner"`
	DepositIDs []string `json:"depositIds"`
}

type WithdrawRequest struct {
	DepositID string `json:"depositId"`
}

// LiquidityListResponse mirrors the ledger's {success, message, data}
// envelope.
type LiquidityListResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    []ledger.Record `json:"data"`
}

type ReconciliationListDTO struct {
	Entries []ledger.Entry `json:"entries"`
}
