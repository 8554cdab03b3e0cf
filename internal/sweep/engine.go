package sweep

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/metrics"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/tx"
	"github.com/Fantasim/hdcustody/internal/wallet"
)

// UserSource enumerates the user index registry. Implemented by db.DB.
type UserSource interface {
	ListUserIndexes(ctx context.Context) ([]models.UserIndex, error)
}

// AddressSource maps an index to its deposit address.
// Implemented by wallet.DepositAddressService.
type AddressSource interface {
	AddressForIndex(index uint32) (models.DerivedAddress, error)
}

// BalanceReader reads token balances. Implemented by scanner.Inspector.
type BalanceReader interface {
	TokenBalance(ctx context.Context, address string, token models.Token, name models.Chain) (models.TokenBalance, error)
}

// Signer derives user signing keys. Implemented by tx.KeyService.
type Signer interface {
	Configured() bool
	DeriveUserKey(ctx context.Context, index uint32) (*ecdsa.PrivateKey, common.Address, error)
}

// GasFunder makes sure a sender can pay for its transfer.
// Implemented by tx.GasTopUpService.
type GasFunder interface {
	EnsureGas(ctx context.Context, chain string, client tx.EthClient, chainID *big.Int, target common.Address, gasPrice *big.Int, gasLimit uint64) (string, error)
}

// AttemptStore persists sweep attempts. Implemented by db.DB.
type AttemptStore interface {
	CreateSweepAttempt(ctx context.Context, a db.SweepAttemptRow) error
	UpdateSweepAttempt(ctx context.Context, id, status, amount, txHash, attemptErr string) error
	SetSweepAttemptNonce(ctx context.Context, id string, nonce uint64) error
	GetUnsettledSweepAttempts(ctx context.Context) ([]db.SweepAttemptRow, error)
}

// CreditFunc is called once for every confirmed sweep transfer.
type CreditFunc func(ctx context.Context, transfer models.SweepTransfer, amount decimal.Decimal) error

// Config wires an Engine. Store, Credit and Metrics are optional.
type Config struct {
	Registry  *chain.Registry
	Users     UserSource
	Addresses AddressSource
	Balances  BalanceReader
	Keys      Signer
	Senders   map[models.Chain]tx.EthClient
	Gas       GasFunder
	Store     AttemptStore
	Credit    CreditFunc
	Metrics   *metrics.Metrics

	Concurrency    int
	BalanceTimeout time.Duration
	ReceiptTimeout time.Duration
	// CallTimeout bounds every write-path RPC call of a job.
	CallTimeout time.Duration
}

// Engine moves token balances of every user address to a hot wallet.
type Engine struct {
	registry  *chain.Registry
	users     UserSource
	addresses AddressSource
	balances  BalanceReader
	keys      Signer
	senders   map[models.Chain]tx.EthClient
	gas       GasFunder
	store     AttemptStore
	credit    CreditFunc
	metrics   *metrics.Metrics

	concurrency    int
	balanceTimeout time.Duration
	receiptTimeout time.Duration

	running atomic.Bool
	locks   addressLocks
}

// NewEngine creates a sweep engine. Without a GasFunder shortfalls are only
// reported.
func NewEngine(c Config) *Engine {
	if c.Concurrency <= 0 {
		c.Concurrency = config.DefaultSweepConcurrency
	}
	if c.Concurrency > config.MaxSweepConcurrency {
		c.Concurrency = config.MaxSweepConcurrency
	}
	if c.BalanceTimeout <= 0 {
		c.BalanceTimeout = config.DefaultRPCTimeout
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = config.ReceiptPollTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = config.DefaultRPCTimeout
	}
	senders := make(map[models.Chain]tx.EthClient, len(c.Senders))
	for name, client := range c.Senders {
		senders[name] = tx.NewSender(string(name), client, nil, c.CallTimeout)
	}
	if c.Gas == nil {
		c.Gas = tx.NewGasTopUpService(nil, 0, false)
	}

	slog.Info("sweep engine created",
		"concurrency", c.Concurrency,
		"chains", len(senders),
		"callTimeout", c.CallTimeout,
		"persistent", c.Store != nil,
		"crediting", c.Credit != nil,
	)

	return &Engine{
		registry:       c.Registry,
		users:          c.Users,
		addresses:      c.Addresses,
		balances:       c.Balances,
		keys:           c.Keys,
		senders:        senders,
		gas:            c.Gas,
		store:          c.Store,
		credit:         c.Credit,
		metrics:        c.Metrics,
		concurrency:    c.Concurrency,
		balanceTimeout: c.BalanceTimeout,
		receiptTimeout: c.ReceiptTimeout,
		locks:          addressLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// job is one (user, chain, token) of a batch.
type job struct {
	userID string
	index  uint32
	chain  models.Chain
	token  models.Token
}

type outcomeKind int

const (
	outcomeNotAttempted outcomeKind = iota
	outcomeSkipped
	outcomeSuccess
	outcomeFailure
	outcomeUnconfirmed
)

type outcome struct {
	kind     outcomeKind
	amount   decimal.Decimal
	transfer models.SweepTransfer
	err      error
}

// BatchSweep transfers the full balance of every (user, chain, token) that
// holds at least opts.MinAmount to hotWallet. Invalid options fail before
// anything is attempted; after that every job ends up in the result, and one
// failing job never stops the others.
func (e *Engine) BatchSweep(ctx context.Context, hotWallet string, opts models.SweepOptions) (*models.SweepResult, error) {
	hot, chains, tokens, err := e.validate(hotWallet, opts)
	if err != nil {
		return nil, err
	}

	if !e.running.CompareAndSwap(false, true) {
		return nil, config.ErrSweepInProgress
	}
	defer e.running.Store(false)

	users, err := e.users.ListUserIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Index < users[j].Index })

	jobs := make([]job, 0, len(users)*len(chains)*len(tokens))
	for _, u := range users {
		for _, c := range chains {
			for _, t := range tokens {
				jobs = append(jobs, job{userID: u.UserID, index: u.Index, chain: c, token: t})
			}
		}
	}

	sweepID := uuid.NewString()
	start := time.Now()
	slog.Info("batch sweep started",
		"sweepID", sweepID,
		"hotWallet", hot.Hex(),
		"users", len(users),
		"chains", chains,
		"tokens", tokens,
		"minAmount", opts.MinAmount.String(),
		"jobs", len(jobs),
	)

	outcomes := make([]outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i := range jobs {
		// Go blocks while the pool is full; re-check before every launch.
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			outcomes[i] = e.runJob(ctx, sweepID, hot, jobs[i], opts.MinAmount)
			return nil
		})
	}
	_ = g.Wait()

	result := &models.SweepResult{
		SweepID:     sweepID,
		TotalSwept:  decimal.Zero,
		Successes:   []models.SweepTransfer{},
		Failures:    []models.SweepFailure{},
		Unconfirmed: []models.SweepTransfer{},
		Cancelled:   ctx.Err() != nil,
	}
	for i, o := range outcomes {
		j := jobs[i]
		switch o.kind {
		case outcomeSuccess:
			result.Successes = append(result.Successes, o.transfer)
			result.TotalSwept = result.TotalSwept.Add(o.amount)
		case outcomeUnconfirmed:
			result.Unconfirmed = append(result.Unconfirmed, o.transfer)
		case outcomeFailure:
			result.Failures = append(result.Failures, models.SweepFailure{
				UserID: j.userID,
				Chain:  j.chain,
				Token:  j.token,
				Error:  o.err.Error(),
			})
		case outcomeSkipped:
			result.Skipped++
		default:
			result.NotAttempted++
		}
	}

	elapsed := time.Since(start)
	e.metrics.SweepBatch(elapsed)
	slog.Info("batch sweep completed",
		"sweepID", sweepID,
		"successes", len(result.Successes),
		"failures", len(result.Failures),
		"unconfirmed", len(result.Unconfirmed),
		"skipped", result.Skipped,
		"notAttempted", result.NotAttempted,
		"cancelled", result.Cancelled,
		"totalSwept", result.TotalSwept.String(),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return result, nil
}

// validate resolves the options into registry order so results are stable.
func (e *Engine) validate(hotWallet string, opts models.SweepOptions) (common.Address, []models.Chain, []models.Token, error) {
	if !common.IsHexAddress(hotWallet) {
		return common.Address{}, nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidDestination, hotWallet)
	}
	hot := common.HexToAddress(hotWallet)
	if hot == (common.Address{}) {
		return common.Address{}, nil, nil, fmt.Errorf("%w: zero address", config.ErrInvalidDestination)
	}
	if len(opts.Chains) == 0 {
		return common.Address{}, nil, nil, config.ErrNoChainsRequested
	}
	if len(opts.Tokens) == 0 {
		return common.Address{}, nil, nil, config.ErrNoTokensRequested
	}
	if opts.MinAmount.IsNegative() {
		return common.Address{}, nil, nil, fmt.Errorf("%w: min amount %s is negative", config.ErrInvalidAmount, opts.MinAmount)
	}

	requested := make(map[models.Chain]bool, len(opts.Chains))
	for _, c := range opts.Chains {
		if _, err := e.registry.GetChainConfig(c); err != nil {
			return common.Address{}, nil, nil, err
		}
		if _, ok := e.senders[c]; !ok {
			return common.Address{}, nil, nil, fmt.Errorf("%w: no rpc client for %s", config.ErrProviderUnavailable, c)
		}
		for _, t := range opts.Tokens {
			if _, err := e.registry.TokenContract(c, t); err != nil {
				return common.Address{}, nil, nil, err
			}
		}
		requested[c] = true
	}

	var chains []models.Chain
	for _, c := range e.registry.Chains() {
		if requested[c] {
			chains = append(chains, c)
		}
	}

	seen := make(map[models.Token]bool, len(opts.Tokens))
	var tokens []models.Token
	for _, t := range opts.Tokens {
		if !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	if e.keys == nil || !e.keys.Configured() {
		return common.Address{}, nil, nil, config.ErrMasterSeedNotConfigured
	}

	return hot, chains, tokens, nil
}

func attemptID(sweepID string, j job) string {
	return sweepID + ":" + strconv.FormatUint(uint64(j.index), 10) + ":" + string(j.chain) + ":" + string(j.token)
}

func (e *Engine) runJob(ctx context.Context, sweepID string, hot common.Address, j job, minAmount decimal.Decimal) outcome {
	if ctx.Err() != nil {
		return outcome{kind: outcomeNotAttempted}
	}

	log := slog.With("sweepID", sweepID, "userID", j.userID, "chain", j.chain, "token", j.token)
	id := attemptID(sweepID, j)

	addr, err := e.addresses.AddressForIndex(j.index)
	if err != nil {
		return e.fail(ctx, log, id, j, fmt.Errorf("derive deposit address: %w", err))
	}
	from := common.HexToAddress(addr.Address)

	e.createAttempt(ctx, log, db.SweepAttemptRow{
		ID:          id,
		SweepID:     sweepID,
		UserID:      j.userID,
		Index:       j.index,
		Chain:       string(j.chain),
		Token:       string(j.token),
		FromAddress: from.Hex(),
		ToAddress:   hot.Hex(),
		Amount:      "0",
		Status:      models.SweepStatePending,
	})

	balCtx, cancel := context.WithTimeout(ctx, e.balanceTimeout)
	balance, err := e.balances.TokenBalance(balCtx, from.Hex(), j.token, j.chain)
	cancel()
	if err != nil {
		return e.fail(ctx, log, id, j, fmt.Errorf("read balance: %w", err))
	}
	amount := models.FormatAmount(balance.Amount)
	e.updateAttempt(ctx, log, id, models.SweepStateBalanceChecked, amount, "", "")

	if balance.Raw == nil || balance.Raw.Sign() == 0 || balance.Amount.LessThan(minAmount) {
		log.Debug("balance below threshold, skipping", "balance", amount, "minAmount", minAmount.String())
		e.updateAttempt(ctx, log, id, models.SweepStateSkipped, "", "", "")
		e.metrics.SweepJob(string(j.chain), string(j.token), models.SweepStateSkipped)
		return outcome{kind: outcomeSkipped}
	}

	unlock := e.locks.lock(string(j.chain) + ":" + from.Hex())
	defer unlock()

	if ctx.Err() != nil {
		e.updateAttempt(ctx, log, id, models.SweepStateFailed, "", "", "cancelled before transfer")
		return outcome{kind: outcomeNotAttempted}
	}

	cc, _ := e.registry.GetChainConfig(j.chain)
	contract, _ := e.registry.TokenContract(j.chain, j.token)
	client := e.senders[j.chain]
	chainID := big.NewInt(cc.ChainID)

	gasPrice, err := tx.EstimateGasPrice(ctx, client)
	if err != nil {
		return e.fail(ctx, log, id, j, err)
	}

	topUp, err := e.gas.EnsureGas(ctx, string(j.chain), client, chainID, from, gasPrice, cc.TokenGasLimit)
	if topUp != "" || errors.Is(err, config.ErrGasTopUpFailed) {
		e.metrics.GasTopUp(string(j.chain), err)
	}
	if err != nil {
		return e.fail(ctx, log, id, j, err)
	}

	key, signer, err := e.keys.DeriveUserKey(ctx, j.index)
	if err != nil {
		return e.fail(ctx, log, id, j, fmt.Errorf("derive signing key: %w", err))
	}
	defer wallet.ZeroKey(key)
	if signer != from {
		return e.fail(ctx, log, id, j, fmt.Errorf("%w: index %d signs as %s, deposit address is %s",
			config.ErrAddressMismatch, j.index, signer.Hex(), from.Hex()))
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return e.fail(ctx, log, id, j, fmt.Errorf("get nonce: %w", err))
	}

	signed, err := tx.SignTx(tx.BuildTokenTransfer(nonce, contract, hot, balance.Raw, gasPrice, cc.TokenGasLimit), chainID, key)
	if err != nil {
		return e.fail(ctx, log, id, j, err)
	}
	txHash := signed.Hash().Hex()
	transfer := models.SweepTransfer{
		UserID: j.userID,
		Chain:  j.chain,
		Token:  j.token,
		Amount: amount,
		TxHash: txHash,
	}

	e.updateAttempt(ctx, log, id, models.SweepStateSigned, "", txHash, "")
	if e.store != nil {
		if err := e.store.SetSweepAttemptNonce(context.WithoutCancel(ctx), id, nonce); err != nil {
			log.Warn("failed to record sweep nonce", "error", err)
		}
	}

	// A signed transfer may reach the chain: finish it even if the batch is cancelled.
	detached := context.WithoutCancel(ctx)

	// An ambiguous broadcast may still be mined: wait for it like a sent one.
	sendErr := client.SendTransaction(detached, signed)
	switch tx.ClassifyBroadcastError(sendErr) {
	case tx.BroadcastRejected:
		return e.fail(detached, log, id, j, fmt.Errorf("%w: %v", config.ErrTransactionFailed, sendErr))
	case tx.BroadcastUnknown:
		log.Warn("broadcast outcome unknown, waiting for receipt", "txHash", txHash, "error", sendErr)
		e.updateAttempt(detached, log, id, models.SweepStateBroadcast, "", "", sendErr.Error())
	default:
		e.updateAttempt(detached, log, id, models.SweepStateBroadcast, "", "", "")
	}
	log.Info("sweep transfer broadcast",
		"txHash", txHash,
		"from", from.Hex(),
		"amount", amount,
		"nonce", nonce,
	)

	if _, err := tx.WaitForReceipt(detached, client, signed.Hash(), e.receiptTimeout); err != nil {
		if errors.Is(err, config.ErrReceiptTimeout) {
			log.Warn("sweep transfer unconfirmed", "txHash", txHash, "error", err)
			e.updateAttempt(detached, log, id, models.SweepStateUnconfirmed, "", "", err.Error())
			e.metrics.SweepJob(string(j.chain), string(j.token), models.SweepStateUnconfirmed)
			return outcome{kind: outcomeUnconfirmed, transfer: transfer}
		}
		return e.fail(detached, log, id, j, err)
	}

	e.updateAttempt(detached, log, id, models.SweepStateConfirmed, "", "", "")
	e.metrics.SweepJob(string(j.chain), string(j.token), models.SweepStateConfirmed)
	log.Info("sweep transfer confirmed", "txHash", txHash, "amount", amount)

	e.creditTransfer(detached, log, transfer, balance.Amount)
	return outcome{kind: outcomeSuccess, amount: balance.Amount, transfer: transfer}
}

func (e *Engine) creditTransfer(ctx context.Context, log *slog.Logger, transfer models.SweepTransfer, amount decimal.Decimal) {
	if e.credit == nil {
		return
	}
	if err := e.credit(ctx, transfer, amount); err != nil {
		// The key is derived from the tx hash, so a manual reconcile is safe.
		log.Error("crediting swept transfer failed, reconcile manually",
			"txHash", transfer.TxHash,
			"amount", transfer.Amount,
			"error", err,
		)
	}
}

// fail records a failed job. Nothing was broadcast when ctx is already
// cancelled, so the job counts as not attempted.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, id string, j job, err error) outcome {
	if ctx.Err() != nil {
		e.updateAttempt(ctx, log, id, models.SweepStateFailed, "", "", "cancelled before transfer")
		return outcome{kind: outcomeNotAttempted}
	}
	log.Warn("sweep job failed", "error", err)
	e.updateAttempt(ctx, log, id, models.SweepStateFailed, "", "", err.Error())
	e.metrics.SweepJob(string(j.chain), string(j.token), models.SweepStateFailed)
	return outcome{kind: outcomeFailure, err: err}
}

func (e *Engine) createAttempt(ctx context.Context, log *slog.Logger, row db.SweepAttemptRow) {
	if e.store == nil {
		return
	}
	if err := e.store.CreateSweepAttempt(context.WithoutCancel(ctx), row); err != nil {
		log.Warn("failed to persist sweep attempt", "error", err)
	}
}

func (e *Engine) updateAttempt(ctx context.Context, log *slog.Logger, id, status, amount, txHash, attemptErr string) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateSweepAttempt(context.WithoutCancel(ctx), id, status, amount, txHash, attemptErr); err != nil {
		log.Warn("failed to update sweep attempt", "status", status, "error", err)
	}
}

// addressLocks serialises transfers from one (chain, address).
type addressLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *addressLocks) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
