package scanner

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Fantasim/hdcustody/internal/tx"
)

// GuardedSender runs a chain's write path through its Guard, so sweeps share
// the rate limit, breaker and per-call timeout of the reads on that endpoint. Broadcasts and
// receipt lookups are never retried here: the sweep engine decides what a
// failed broadcast means.
type GuardedSender struct {
	next  tx.EthClient
	guard *Guard
}

// NewGuardedSender wraps next with guard.
func NewGuardedSender(next tx.EthClient, guard *Guard) *GuardedSender {
	return &GuardedSender{next: next, guard: guard}
}

func (s *GuardedSender) SendTransaction(ctx context.Context, signed *types.Transaction) error {
	return s.guard.DoOnce(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return s.next.SendTransaction(ctx, signed)
	})
}

func (s *GuardedSender) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := s.guard.DoOnce(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = s.next.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (s *GuardedSender) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := s.guard.Do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		nonce, err = s.next.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (s *GuardedSender) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := s.guard.Do(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var err error
		price, err = s.next.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (s *GuardedSender) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := s.guard.Do(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		balance, err = s.next.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

func (s *GuardedSender) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := s.guard.Do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = s.next.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}
