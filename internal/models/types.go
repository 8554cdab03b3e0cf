package models

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Chain identifies a supported EVM chain. Names are lowercase.
type Chain string

const (
	ChainPolygon  Chain = "polygon"
	ChainBSC      Chain = "bsc"
	ChainEthereum Chain = "ethereum"
)

// AllChains is the ordered list of reference chains.
var AllChains = []Chain{ChainPolygon, ChainBSC, ChainEthereum}

// Token is an uppercase stablecoin symbol.
type Token string

const (
	TokenUSDT Token = "USDT"
	TokenUSDC Token = "USDC"
)

// AllTokens is the ordered list of supported stablecoins.
var AllTokens = []Token{TokenUSDT, TokenUSDC}

// DerivedAddress is an address computed from (master seed, index).
type DerivedAddress struct {
	Address string `json:"address"`
	Path    string `json:"path"`
	Index   uint32 `json:"index"`
	Demo    bool   `json:"demo,omitempty"`
}

// UserIndex is one row of the user index registry.
type UserIndex struct {
	UserID    string `json:"userId"`
	Index     uint32 `json:"index"`
	CreatedAt string `json:"createdAt"`
}

// TokenBalance is an ERC-20 balance read from chain.
type TokenBalance struct {
	Chain    Chain           `json:"chain"`
	Token    Token           `json:"token"`
	Address  string          `json:"address"`
	Raw      *big.Int        `json:"raw"`
	Decimals uint8           `json:"decimals"`
	Amount   decimal.Decimal `json:"amount"`
}

// NativeBalance is a native-asset balance read from chain.
type NativeBalance struct {
	Chain   Chain           `json:"chain"`
	Address string          `json:"address"`
	Raw     *big.Int        `json:"raw"`
	Amount  decimal.Decimal `json:"amount"`
	Symbol  string          `json:"symbol"`
}

// BalanceCheck is the non-failing form of a balance read. Confirmed is false
// when the read failed, in which case Balance is "0" and Error says why.
type BalanceCheck struct {
	Balance    string  `json:"balance"`
	BalanceUSD float64 `json:"balanceUSD"`
	Symbol     string  `json:"symbol,omitempty"`
	Confirmed  bool    `json:"confirmed"`
	Error      string  `json:"error,omitempty"`
}

// Sweep attempt states.
const (
	SweepStatePending        = "pending"
	SweepStateBalanceChecked = "balance_checked"
	SweepStateSkipped        = "skipped_below_threshold"
	SweepStateSigned         = "transfer_signed"
	SweepStateBroadcast      = "broadcast"
	SweepStateConfirmed      = "confirmed"
	SweepStateFailed         = "failed"
	SweepStateUnconfirmed    = "unconfirmed"
)

// SweepOptions selects what a batch sweep collects.
type SweepOptions struct {
	Chains    []Chain         `json:"chains"`
	Tokens    []Token         `json:"tokens"`
	MinAmount decimal.Decimal `json:"minAmount"`
}

// SweepTransfer is one broadcast transfer to the hot wallet.
type SweepTransfer struct {
	UserID string `json:"userId"`
	Chain  Chain  `json:"chain"`
	Token  Token  `json:"token"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
}

// SweepFailure is one (user, chain, token) that could not be swept.
type SweepFailure struct {
	UserID string `json:"userId"`
	Chain  Chain  `json:"chain"`
	Token  Token  `json:"token"`
	Error  string `json:"error"`
}

// SweepResult is returned by every batch sweep, including partial ones.
type SweepResult struct {
	SweepID      string          `json:"sweepId"`
	TotalSwept   decimal.Decimal `json:"totalSwept"`
	Successes    []SweepTransfer `json:"successes"`
	Failures     []SweepFailure  `json:"failures"`
	Unconfirmed  []SweepTransfer `json:"unconfirmed"`
	Skipped      int             `json:"skipped"`
	NotAttempted int             `json:"notAttempted"`
	Cancelled    bool            `json:"cancelled"`
}

// LedgerCreditIntent asks the ledger to credit a user once per idempotency key.
type LedgerCreditIntent struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         string          `json:"userId"`
	Units          decimal.Decimal `json:"units"`
	Amount         decimal.Decimal `json:"amount"`
	Chain          Chain           `json:"chain"`
	Token          Token           `json:"token"`
	TxHash         string          `json:"txHash"`
}

// CreditOutcome reports what the ledger did with an intent.
type CreditOutcome struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Units          decimal.Decimal `json:"units"`
	Credited       bool            `json:"credited"`
	Duplicate      bool            `json:"duplicate"`
}

// FormatAmount renders a human amount, always with a fractional part ("25" -> "25.0").
func FormatAmount(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Data interface{} `json:"data,omitempty"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

// APIMeta contains execution metadata.
type APIMeta struct {
	Total         int64 `json:"total,omitempty"`
	ExecutionTime int64 `json:"executionTime,omitempty"`
}

// APIError is the standard error response.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail contains error code and message.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
