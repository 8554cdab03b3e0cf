package config

import (
	"errors"
	"time"
)

// Sentinel errors for internal use.
var (
	ErrInvalidConfig           = errors.New("invalid configuration")
	ErrInvalidMnemonic         = errors.New("invalid mnemonic")
	ErrMnemonicFileNotSet      = errors.New("mnemonic file path not configured")
	ErrMasterSeedNotConfigured = errors.New("master seed not configured")
	ErrKeyDerivation           = errors.New("key derivation failed")

	// Registry
	ErrUnknownChain   = errors.New("unknown chain")
	ErrUnknownToken   = errors.New("unknown token")
	ErrInvalidAddress = errors.New("invalid address")

	// User index registry
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrUserNotFound       = errors.New("user not found")
	ErrStorageUnavailable = errors.New("index storage unavailable")
	ErrIndexConflict      = errors.New("derivation index conflict")

	// RPC
	ErrProviderRateLimit   = errors.New("provider rate limit exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrMalformedResponse   = errors.New("malformed contract response")

	// Transactions
	ErrInsufficientGas   = errors.New("insufficient gas for transaction")
	ErrGasTopUpFailed    = errors.New("gas top-up failed")
	ErrTransactionFailed = errors.New("transaction broadcast failed")
	ErrTxReverted        = errors.New("transaction reverted")
	ErrReceiptTimeout    = errors.New("receipt polling timeout")
	ErrAddressMismatch   = errors.New("derived address mismatch")

	// Sweep
	ErrInvalidDestination = errors.New("invalid destination address")
	ErrSweepInProgress    = errors.New("sweep already in progress")
	ErrNoChainsRequested  = errors.New("no chains requested")
	ErrNoTokensRequested  = errors.New("no tokens requested")
	ErrInvalidAmount      = errors.New("invalid amount")

	// Ledger
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrInvalidTxHash     = errors.New("invalid transaction hash")

	// Price
	ErrPriceFetchFailed = errors.New("price fetch failed")
)

// TransientError wraps an error that should be retried.
type TransientError struct {
	Err        error
	RetryAfter time.Duration // 0 = use default backoff
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient (retriable).
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// NewTransientErrorWithRetry wraps with explicit retry delay.
func NewTransientErrorWithRetry(err error, retryAfter time.Duration) error {
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// IsTransient returns true if the error is transient (retriable).
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// GetRetryAfter returns the retry delay if set, or 0.
func GetRetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// Error codes returned in API error responses.
const (
	ErrorInvalidMnemonic     = "ERROR_INVALID_MNEMONIC"
	ErrorMasterSeedMissing   = "ERROR_MASTER_SEED_MISSING"
	ErrorDatabase            = "ERROR_DATABASE"
	ErrorStorageUnavailable  = "ERROR_STORAGE_UNAVAILABLE"
	ErrorIndexConflict       = "ERROR_INDEX_CONFLICT"
	ErrorInvalidUserID       = "ERROR_INVALID_USER_ID"
	ErrorInvalidChain        = "ERROR_INVALID_CHAIN"
	ErrorInvalidToken        = "ERROR_INVALID_TOKEN"
	ErrorInvalidAddress      = "ERROR_INVALID_ADDRESS"
	ErrorInvalidDestination  = "ERROR_INVALID_DESTINATION"
	ErrorInvalidAmount       = "ERROR_INVALID_AMOUNT"
	ErrorInvalidTxHash       = "ERROR_INVALID_TX_HASH"
	ErrorInvalidRequest      = "ERROR_INVALID_REQUEST"
	ErrorProviderUnavailable = "ERROR_PROVIDER_UNAVAILABLE"
	ErrorSweepInProgress     = "ERROR_SWEEP_IN_PROGRESS"
	ErrorSweepFailed         = "ERROR_SWEEP_FAILED"
	ErrorLedgerUnavailable   = "ERROR_LEDGER_UNAVAILABLE"
	ErrorUnauthorized        = "ERROR_UNAUTHORIZED"
	ErrorAddressDerivation   = "ERROR_ADDRESS_DERIVATION"
	ErrorInternal            = "ERROR_INTERNAL"
	ErrorNotFound            = "ERROR_NOT_FOUND"
)
