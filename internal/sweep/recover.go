package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/models"
)

// RecoverSummary counts what RecoverPending did.
type RecoverSummary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// sqliteTimeLayout is the format of datetime('now').
const sqliteTimeLayout = "2006-01-02 15:04:05"

// RecoverPending settles attempts a previous run left signed, broadcast or
// unconfirmed. Each one gets a single receipt lookup: mined transfers are
// finalised (and credited), transfers never broadcast or older than
// RecoverMaxAge are failed, the rest stay unconfirmed for the next run.
func (e *Engine) RecoverPending(ctx context.Context) (RecoverSummary, error) {
	var summary RecoverSummary
	if e.store == nil {
		return summary, nil
	}

	attempts, err := e.store.GetUnsettledSweepAttempts(ctx)
	if err != nil {
		return summary, fmt.Errorf("load unsettled sweep attempts: %w", err)
	}
	if len(attempts) == 0 {
		slog.Debug("no unsettled sweep attempts")
		return summary, nil
	}

	slog.Info("recovering unsettled sweep attempts", "count", len(attempts))

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		switch e.recoverAttempt(ctx, a) {
		case models.SweepStateConfirmed:
			summary.Confirmed++
		case models.SweepStateFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}

	slog.Info("sweep recovery complete",
		"checked", summary.Checked,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"pending", summary.Pending,
	)
	return summary, nil
}

// recoverAttempt returns the status the attempt was left in.
func (e *Engine) recoverAttempt(ctx context.Context, a db.SweepAttemptRow) string {
	log := slog.With("attemptID", a.ID, "chain", a.Chain, "token", a.Token, "txHash", a.TxHash)

	if a.TxHash == "" {
		log.Warn("attempt has no transaction hash, marking failed")
		e.updateAttempt(ctx, log, a.ID, models.SweepStateFailed, "", "", "interrupted before signing")
		return models.SweepStateFailed
	}

	client, ok := e.senders[models.Chain(a.Chain)]
	if !ok {
		log.Warn("no rpc client for attempt chain, leaving unconfirmed")
		return a.Status
	}

	checkCtx, cancel := context.WithTimeout(ctx, config.RecoverCheckTimeout)
	receipt, err := client.TransactionReceipt(checkCtx, common.HexToHash(a.TxHash))
	cancel()

	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			log.Info("recovered sweep transfer confirmed", "block", receipt.BlockNumber)
			e.updateAttempt(ctx, log, a.ID, models.SweepStateConfirmed, "", "", "")
			e.metrics.SweepJob(a.Chain, a.Token, models.SweepStateConfirmed)
			e.creditRecovered(ctx, log, a)
			return models.SweepStateConfirmed
		}
		log.Warn("recovered sweep transfer reverted", "block", receipt.BlockNumber)
		e.updateAttempt(ctx, log, a.ID, models.SweepStateFailed, "", "", config.ErrTxReverted.Error())
		e.metrics.SweepJob(a.Chain, a.Token, models.SweepStateFailed)
		return models.SweepStateFailed
	}

	if !errors.Is(err, ethereum.NotFound) {
		log.Warn("receipt lookup failed, leaving attempt for the next run", "error", err)
		return a.Status
	}

	created, perr := time.Parse(sqliteTimeLayout, a.CreatedAt)
	if perr == nil && time.Since(created) > config.RecoverMaxAge {
		log.Warn("sweep transfer never mined, marking failed", "createdAt", a.CreatedAt)
		e.updateAttempt(ctx, log, a.ID, models.SweepStateFailed, "", "", "transaction dropped")
		e.metrics.SweepJob(a.Chain, a.Token, models.SweepStateFailed)
		return models.SweepStateFailed
	}

	if a.Status != models.SweepStateUnconfirmed {
		e.updateAttempt(ctx, log, a.ID, models.SweepStateUnconfirmed, "", "", "receipt not found")
	}
	return models.SweepStateUnconfirmed
}

func (e *Engine) creditRecovered(ctx context.Context, log *slog.Logger, a db.SweepAttemptRow) {
	amount, err := decimal.NewFromString(a.Amount)
	if err != nil {
		log.Error("recovered attempt has unparsable amount, reconcile manually", "amount", a.Amount, "error", err)
		return
	}
	e.creditTransfer(ctx, log, models.SweepTransfer{
		UserID: a.UserID,
		Chain:  models.Chain(a.Chain),
		Token:  models.Token(a.Token),
		Amount: a.Amount,
		TxHash: a.TxHash,
	}, amount)
}
