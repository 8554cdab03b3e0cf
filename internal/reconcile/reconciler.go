package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/metrics"
	"github.com/Fantasim/hdcustody/internal/models"
)

// Ledger credits a user at most once per idempotency key. Implemented by
// db.DB (local ledger tables) and ledger.HTTPClient (external service).
type Ledger interface {
	Credit(ctx context.Context, intent models.LedgerCreditIntent) (models.CreditOutcome, error)
}

// SettingsReader is the key-value settings store. Implemented by db.DB.
type SettingsReader interface {
	GetSetting(key string) (string, error)
}

// Reconciler turns observed deposits into ledger credits.
type Reconciler struct {
	ledger   Ledger
	registry *chain.Registry
	rate     decimal.Decimal
	settings SettingsReader
	metrics  *metrics.Metrics
}

// NewReconciler creates a reconciler. rate is the number of ledger units per
// USD; a positive "luris_per_usd" setting overrides it when settings is set.
func NewReconciler(ledger Ledger, registry *chain.Registry, rate decimal.Decimal, settings SettingsReader, m *metrics.Metrics) *Reconciler {
	if !rate.IsPositive() {
		rate = decimal.RequireFromString(config.DefaultLurisPerUSD)
	}
	slog.Info("reconciler created", "lurisPerUSD", rate.String(), "settingsOverride", settings != nil)
	return &Reconciler{
		ledger:   ledger,
		registry: registry,
		rate:     rate,
		settings: settings,
		metrics:  m,
	}
}

// IdempotencyKey derives the ledger key of a deposit. One transaction can pay
// several users or move several tokens, so the key names all four parts.
// The user id goes last and is kept verbatim.
func IdempotencyKey(name models.Chain, token models.Token, txHash, userID string) string {
	return "deposit:" + string(name) +
		":" + strings.ToLower(string(token)) +
		":" + strings.ToLower(strings.TrimSpace(txHash)) +
		":" + strings.TrimSpace(userID)
}

// Rate returns the ledger units credited per USD.
func (r *Reconciler) Rate() decimal.Decimal {
	if r.settings == nil {
		return r.rate
	}
	v, err := r.settings.GetSetting(db.SettingLurisPerUSD)
	if err != nil || v == "" {
		return r.rate
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		slog.Warn("ignoring invalid luris_per_usd setting", "value", v)
		return r.rate
	}
	return d
}

// ReconcileDeposit credits userID for a deposit of amount token observed in
// txHash. Repeating the call for the same chain, token, txHash and user is a
// successful no-op reported as Duplicate.
func (r *Reconciler) ReconcileDeposit(ctx context.Context, userID string, name models.Chain, token models.Token, amount decimal.Decimal, txHash string) (models.CreditOutcome, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CreditOutcome{}, fmt.Errorf("%w: empty", config.ErrInvalidUserID)
	}
	if _, err := r.registry.TokenContract(name, token); err != nil {
		return models.CreditOutcome{}, err
	}
	if !amount.IsPositive() {
		return models.CreditOutcome{}, fmt.Errorf("%w: deposit amount %s must be positive", config.ErrInvalidAmount, amount)
	}
	if err := validateTxHash(txHash); err != nil {
		return models.CreditOutcome{}, err
	}

	// Stablecoins are worth their peg: units follow from the amount alone.
	intent := models.LedgerCreditIntent{
		IdempotencyKey: IdempotencyKey(name, token, txHash, userID),
		UserID:         strings.TrimSpace(userID),
		Units:          amount.Mul(r.Rate()),
		Amount:         amount,
		Chain:          name,
		Token:          token,
		TxHash:         strings.TrimSpace(txHash),
	}

	outcome, err := r.ledger.Credit(ctx, intent)
	if err != nil {
		r.metrics.LedgerCredit("error")
		slog.Error("ledger credit failed",
			"idempotencyKey", intent.IdempotencyKey,
			"userID", userID,
			"error", err,
		)
		return models.CreditOutcome{}, fmt.Errorf("credit %s: %w", intent.IdempotencyKey, err)
	}

	if outcome.Duplicate {
		r.metrics.LedgerCredit("duplicate")
	} else {
		r.metrics.LedgerCredit("credited")
	}
	slog.Info("deposit reconciled",
		"idempotencyKey", intent.IdempotencyKey,
		"userID", userID,
		"amount", amount.String(),
		"units", intent.Units.String(),
		"duplicate", outcome.Duplicate,
	)
	return outcome, nil
}

// CreditSweep credits a confirmed sweep transfer. Its signature matches
// sweep.CreditFunc.
func (r *Reconciler) CreditSweep(ctx context.Context, transfer models.SweepTransfer, amount decimal.Decimal) error {
	_, err := r.ReconcileDeposit(ctx, transfer.UserID, transfer.Chain, transfer.Token, amount, transfer.TxHash)
	return err
}

// validateTxHash accepts any non-empty printable identifier without spaces;
// ledger keys are built from it verbatim.
func validateTxHash(txHash string) error {
	h := strings.TrimSpace(txHash)
	if h == "" || len(h) > 128 {
		return fmt.Errorf("%w: %q", config.ErrInvalidTxHash, txHash)
	}
	for _, r := range h {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %q", config.ErrInvalidTxHash, txHash)
		}
	}
	return nil
}
