package tx

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Fantasim/hdcustody/internal/config"
)

// BroadcastOutcome classifies the error of a SendTransaction call.
type BroadcastOutcome int

const (
	// BroadcastAccepted: the node took the transaction or already holds it.
	BroadcastAccepted BroadcastOutcome = iota
	// BroadcastRejected: the node refused it; it cannot be mined as sent.
	BroadcastRejected
	// BroadcastUnknown: the call failed in a way that may have delivered it.
	BroadcastUnknown
)

func (o BroadcastOutcome) String() string {
	switch o {
	case BroadcastAccepted:
		return "accepted"
	case BroadcastRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ClassifyBroadcastError tells whether a failed broadcast may still land.
// A circuit the call never passed is a rejection; a timeout or a dropped
// connection is not.
func ClassifyBroadcastError(err error) BroadcastOutcome {
	if err == nil {
		return BroadcastAccepted
	}
	if errors.Is(err, config.ErrCircuitOpen) {
		return BroadcastRejected
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, "already known", "known transaction", "already imported", "alreadyknown") {
		return BroadcastAccepted
	}
	// The request never reached a node.
	if containsAny(lower, "connection refused", "no such host") {
		return BroadcastRejected
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, config.ErrProviderTimeout),
		errors.Is(err, config.ErrProviderUnavailable),
		errors.As(err, &netErr):
		return BroadcastUnknown
	case containsAny(lower, "timeout", "timed out", "connection reset", "broken pipe", "unexpected eof"):
		return BroadcastUnknown
	}
	return BroadcastRejected
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Sender is the write path of one chain. Every call is bounded by a per-call
// timeout so a hung endpoint fails the call instead of the batch. A broadcast
// the primary endpoint does not accept is repeated once on the secondary.
// Reads always go to the primary.
type Sender struct {
	chain     string
	primary   EthClient
	secondary EthClient
	timeout   time.Duration
}

// NewSender creates the write path of chain. secondary may be nil; a
// non-positive timeout uses config.DefaultRPCTimeout.
func NewSender(chain string, primary, secondary EthClient, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = config.DefaultRPCTimeout
	}
	slog.Debug("sender created",
		"chain", chain,
		"hasSecondary", secondary != nil,
		"callTimeout", timeout,
	)
	return &Sender{chain: chain, primary: primary, secondary: secondary, timeout: timeout}
}

// SendTransaction broadcasts signed. "Already known" counts as accepted.
// When both endpoints fail, the returned error is an ambiguous one if either
// was ambiguous, so the caller keeps waiting for a receipt.
func (s *Sender) SendTransaction(ctx context.Context, signed *types.Transaction) error {
	err := s.send(ctx, s.primary, signed)
	outcome := ClassifyBroadcastError(err)
	if outcome == BroadcastAccepted {
		if err != nil {
			slog.Info("node already holds transaction", "chain", s.chain, "txHash", signed.Hash().Hex())
		}
		return nil
	}
	if s.secondary == nil || IsNonceTooLowError(err) {
		return err
	}

	slog.Warn("primary broadcast failed, trying secondary rpc",
		"chain", s.chain,
		"txHash", signed.Hash().Hex(),
		"outcome", outcome.String(),
		"error", err,
	)
	secondaryErr := s.send(ctx, s.secondary, signed)
	secondaryOutcome := ClassifyBroadcastError(secondaryErr)
	if secondaryOutcome == BroadcastAccepted {
		slog.Info("secondary broadcast accepted", "chain", s.chain, "txHash", signed.Hash().Hex())
		return nil
	}

	slog.Error("broadcast failed on both endpoints",
		"chain", s.chain,
		"txHash", signed.Hash().Hex(),
		"primaryError", err,
		"secondaryError", secondaryErr,
	)
	if outcome != BroadcastUnknown && secondaryOutcome == BroadcastUnknown {
		return secondaryErr
	}
	return err
}

func (s *Sender) send(ctx context.Context, client EthClient, signed *types.Transaction) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return client.SendTransaction(callCtx, signed)
}

func (s *Sender) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.primary.PendingNonceAt(callCtx, account)
}

func (s *Sender) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.primary.SuggestGasPrice(callCtx)
}

func (s *Sender) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.primary.TransactionReceipt(callCtx, txHash)
}

func (s *Sender) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.primary.BalanceAt(callCtx, account, blockNumber)
}

func (s *Sender) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.primary.CallContract(callCtx, msg, blockNumber)
}
