package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/metrics"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/scanner"
)

// LogClient is the RPC subset needed to find incoming transfers.
// Implemented by ethclient.Client.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// CursorStore persists the last fully credited block. Implemented by db.DB.
type CursorStore interface {
	GetDepositCursor(ctx context.Context, chain, token string) (uint64, bool, error)
	SetDepositCursor(ctx context.Context, chain, token string, block uint64) error
}

// UserLister enumerates the user index registry. Implemented by db.DB.
type UserLister interface {
	ListUserIndexes(ctx context.Context) ([]models.UserIndex, error)
}

// AddressSource maps an index to its deposit address.
type AddressSource interface {
	AddressForIndex(index uint32) (models.DerivedAddress, error)
}

// DecimalsSource returns token decimals. Implemented by scanner.Inspector.
type DecimalsSource interface {
	TokenDecimals(ctx context.Context, token models.Token, name models.Chain) (uint8, error)
}

// CheckerConfig wires a DepositChecker. Guards and Metrics are optional.
type CheckerConfig struct {
	Registry      *chain.Registry
	Clients       map[models.Chain]LogClient
	Guards        map[models.Chain]*scanner.Guard
	Cursors       CursorStore
	Users         UserLister
	Addresses     AddressSource
	Decimals      DecimalsSource
	Reconciler    *Reconciler
	Confirmations uint64
	Metrics       *metrics.Metrics
}

// DepositChecker finds confirmed ERC-20 transfers into user addresses and
// reconciles each one.
type DepositChecker struct {
	registry      *chain.Registry
	clients       map[models.Chain]LogClient
	guards        map[models.Chain]*scanner.Guard
	cursors       CursorStore
	users         UserLister
	addresses     AddressSource
	decimals      DecimalsSource
	reconciler    *Reconciler
	confirmations uint64
	metrics       *metrics.Metrics
}

// CheckSummary counts the work of one Run.
type CheckSummary struct {
	Blocks     uint64 `json:"blocks"`
	Deposits   int    `json:"deposits"`
	Credited   int    `json:"credited"`
	Duplicates int    `json:"duplicates"`
}

// NewDepositChecker creates a deposit checker.
func NewDepositChecker(c CheckerConfig) *DepositChecker {
	slog.Info("deposit checker created",
		"chains", len(c.Clients),
		"confirmations", c.Confirmations,
	)
	return &DepositChecker{
		registry:      c.Registry,
		clients:       c.Clients,
		guards:        c.Guards,
		cursors:       c.Cursors,
		users:         c.Users,
		addresses:     c.Addresses,
		decimals:      c.Decimals,
		reconciler:    c.Reconciler,
		confirmations: c.Confirmations,
		metrics:       c.Metrics,
	}
}

// Run scans every (chain, token) from its cursor to the confirmed head. A
// failing chain does not stop the others; its error is returned joined.
func (c *DepositChecker) Run(ctx context.Context) (CheckSummary, error) {
	var summary CheckSummary
	start := time.Now()

	owners, err := c.ownerIndex(ctx)
	if err != nil {
		return summary, err
	}
	if len(owners) == 0 {
		slog.Debug("no users registered, skipping deposit check")
		return summary, nil
	}

	var errs []error
	for _, name := range c.registry.Chains() {
		if _, ok := c.clients[name]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := c.checkChain(ctx, name, owners, &summary); err != nil {
			slog.Error("deposit check failed", "chain", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	slog.Info("deposit check complete",
		"users", len(owners),
		"blocks", summary.Blocks,
		"deposits", summary.Deposits,
		"credited", summary.Credited,
		"duplicates", summary.Duplicates,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return summary, errors.Join(errs...)
}

// ownerIndex maps every user address to its user id.
func (c *DepositChecker) ownerIndex(ctx context.Context) (map[common.Address]string, error) {
	users, err := c.users.ListUserIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	owners := make(map[common.Address]string, len(users))
	for _, u := range users {
		addr, err := c.addresses.AddressForIndex(u.Index)
		if err != nil {
			return nil, fmt.Errorf("derive address of %q: %w", u.UserID, err)
		}
		if addr.Demo {
			continue
		}
		owners[common.HexToAddress(addr.Address)] = u.UserID
	}
	return owners, nil
}

func (c *DepositChecker) checkChain(ctx context.Context, name models.Chain, owners map[common.Address]string, summary *CheckSummary) error {
	var head uint64
	err := c.call(ctx, name, "eth_blockNumber", func(ctx context.Context) error {
		var callErr error
		head, callErr = c.clients[name].BlockNumber(ctx)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}
	if head < c.confirmations {
		return nil
	}
	safe := head - c.confirmations

	tokens, err := c.registry.ListSupportedTokens(name)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		if err := c.checkToken(ctx, name, token, safe, owners, summary); err != nil {
			return fmt.Errorf("%s: %w", token, err)
		}
	}
	return nil
}

func (c *DepositChecker) checkToken(ctx context.Context, name models.Chain, token models.Token, safe uint64, owners map[common.Address]string, summary *CheckSummary) error {
	cursor, ok, err := c.cursors.GetDepositCursor(ctx, string(name), string(token))
	if err != nil {
		return err
	}
	if !ok {
		// First run: history before the checker existed is reconciled by hand.
		slog.Info("deposit cursor initialised", "chain", name, "token", token, "block", safe)
		c.metrics.SetDepositCursor(string(name), string(token), safe)
		return c.cursors.SetDepositCursor(ctx, string(name), string(token), safe)
	}
	if cursor >= safe {
		return nil
	}

	contract, err := c.registry.TokenContract(name, token)
	if err != nil {
		return err
	}
	dec, err := c.decimals.TokenDecimals(ctx, token, name)
	if err != nil {
		return err
	}

	for from := cursor + 1; from <= safe; from += config.DepositLogBlockSpan {
		to := from + config.DepositLogBlockSpan - 1
		if to > safe {
			to = safe
		}

		deposits, err := c.scanRange(ctx, name, contract, from, to, owners)
		if err != nil {
			return fmt.Errorf("scan blocks %d-%d: %w", from, to, err)
		}

		for _, d := range deposits {
			amount := decimal.NewFromBigInt(d.raw, -int32(dec))
			outcome, err := c.reconciler.ReconcileDeposit(ctx, d.userID, name, token, amount, d.txHash)
			if err != nil {
				// The cursor stays put; credited deposits come back as duplicates.
				return err
			}
			summary.Deposits++
			if outcome.Duplicate {
				summary.Duplicates++
			} else {
				summary.Credited++
			}
		}

		if err := c.cursors.SetDepositCursor(ctx, string(name), string(token), to); err != nil {
			return err
		}
		c.metrics.SetDepositCursor(string(name), string(token), to)
		summary.Blocks += to - from + 1
	}
	return nil
}

type deposit struct {
	userID string
	txHash string
	raw    *big.Int
}

// scanRange returns one deposit per (transaction, user) in log order;
// several transfers to the same user in one transaction are summed.
func (c *DepositChecker) scanRange(ctx context.Context, name models.Chain, contract common.Address, from, to uint64, owners map[common.Address]string) ([]deposit, error) {
	addrs := make([]common.Address, 0, len(owners))
	for a := range owners {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })

	transferTopic := common.HexToHash(config.ERC20TransferTopic)
	byKey := make(map[string]*deposit)
	var order []string

	for i := 0; i < len(addrs); i += config.DepositAddressChunk {
		end := i + config.DepositAddressChunk
		if end > len(addrs) {
			end = len(addrs)
		}
		toTopics := make([]common.Hash, 0, end-i)
		for _, a := range addrs[i:end] {
			toTopics = append(toTopics, common.BytesToHash(a.Bytes()))
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{{transferTopic}, nil, toTopics},
		}

		var logs []types.Log
		err := c.call(ctx, name, "eth_getLogs", func(ctx context.Context) error {
			var callErr error
			logs, callErr = c.clients[name].FilterLogs(ctx, query)
			return callErr
		})
		if err != nil {
			return nil, err
		}

		for _, l := range logs {
			if l.Removed || len(l.Topics) != 3 || len(l.Data) < 32 || l.Address != contract {
				continue
			}
			userID, ok := owners[common.BytesToAddress(l.Topics[2].Bytes())]
			if !ok {
				continue
			}
			value := new(big.Int).SetBytes(l.Data[:32])
			if value.Sign() == 0 {
				continue
			}
			txHash := l.TxHash.Hex()
			key := strings.ToLower(txHash) + "|" + userID
			if d, seen := byKey[key]; seen {
				d.raw.Add(d.raw, value)
				continue
			}
			byKey[key] = &deposit{userID: userID, txHash: txHash, raw: value}
			order = append(order, key)
		}
	}

	out := make([]deposit, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

func (c *DepositChecker) call(ctx context.Context, name models.Chain, method string, fn func(ctx context.Context) error) error {
	if g := c.guards[name]; g != nil {
		return g.Do(ctx, method, fn)
	}
	return fn(ctx)
}
