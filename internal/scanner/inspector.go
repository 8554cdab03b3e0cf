package scanner

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// ChainClient is the read-only RPC subset the inspector needs.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// PriceSource converts a symbol to its USD price.
type PriceSource interface {
	USDPrice(ctx context.Context, symbol string) (float64, error)
}

var (
	balanceOfSelector = mustSelector(config.ERC20BalanceOfMethodID)
	decimalsSelector  = mustSelector(config.ERC20DecimalsMethodID)
)

func mustSelector(id string) []byte {
	b, err := hex.DecodeString(id)
	if err != nil || len(b) != 4 {
		panic("invalid selector " + id)
	}
	return b
}

type decimalsKey struct {
	chain    models.Chain
	contract common.Address
}

// Inspector reads token and native balances of any address on the
// configured chains.
type Inspector struct {
	registry *chain.Registry
	clients  map[models.Chain]ChainClient
	guards   map[models.Chain]*Guard
	prices   PriceSource

	mu       sync.RWMutex
	decimals map[decimalsKey]uint8
}

// NewInspector creates an inspector. Chains without a guard get one with
// default options; prices may be nil.
func NewInspector(registry *chain.Registry, clients map[models.Chain]ChainClient, guards map[models.Chain]*Guard, prices PriceSource) *Inspector {
	g := make(map[models.Chain]*Guard, len(clients))
	for name := range clients {
		if guard, ok := guards[name]; ok && guard != nil {
			g[name] = guard
			continue
		}
		g[name] = NewGuard(string(name), GuardOptions{})
	}

	slog.Info("balance inspector created",
		"chains", len(clients),
		"priceFeed", prices != nil,
	)

	return &Inspector{
		registry: registry,
		clients:  clients,
		guards:   g,
		prices:   prices,
		decimals: make(map[decimalsKey]uint8),
	}
}

// Guard returns the RPC guard of a chain, or nil.
func (in *Inspector) Guard(name models.Chain) *Guard {
	return in.guards[name]
}

// Client returns the RPC client of a chain, or nil.
func (in *Inspector) Client(name models.Chain) ChainClient {
	return in.clients[name]
}

type tokenTarget struct {
	cfg      chain.ChainConfig
	contract common.Address
	holder   common.Address
	client   ChainClient
	guard    *Guard
}

// resolveToken validates everything that is a caller mistake rather than an RPC failure.
func (in *Inspector) resolveToken(address string, token models.Token, name models.Chain) (tokenTarget, error) {
	cfg, err := in.registry.GetChainConfig(name)
	if err != nil {
		return tokenTarget{}, err
	}
	contract, err := in.registry.TokenContract(name, token)
	if err != nil {
		return tokenTarget{}, err
	}
	if !common.IsHexAddress(address) {
		return tokenTarget{}, fmt.Errorf("%w: %q", config.ErrInvalidAddress, address)
	}
	client, ok := in.clients[name]
	if !ok {
		return tokenTarget{}, fmt.Errorf("%w: no rpc client for %s", config.ErrProviderUnavailable, name)
	}
	return tokenTarget{
		cfg:      cfg,
		contract: contract,
		holder:   common.HexToAddress(address),
		client:   client,
		guard:    in.guards[name],
	}, nil
}

// TokenBalance returns the ERC-20 balance of address. Every failure is an error.
func (in *Inspector) TokenBalance(ctx context.Context, address string, token models.Token, name models.Chain) (models.TokenBalance, error) {
	target, err := in.resolveToken(address, token, name)
	if err != nil {
		return models.TokenBalance{}, err
	}
	return in.fetchToken(ctx, target, token)
}

func (in *Inspector) fetchToken(ctx context.Context, t tokenTarget, token models.Token) (models.TokenBalance, error) {
	dec, err := in.tokenDecimals(ctx, t)
	if err != nil {
		return models.TokenBalance{}, err
	}

	data := make([]byte, 4+32)
	copy(data[:4], balanceOfSelector)
	copy(data[4+12:], t.holder.Bytes())

	var out []byte
	err = t.guard.Do(ctx, "balanceOf", func(ctx context.Context) error {
		var callErr error
		out, callErr = t.client.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return models.TokenBalance{}, fmt.Errorf("balanceOf %s on %s: %w", t.holder.Hex(), t.cfg.Name, err)
	}
	if len(out) < 32 {
		return models.TokenBalance{}, fmt.Errorf("%w: balanceOf returned %d bytes", config.ErrMalformedResponse, len(out))
	}

	raw := new(big.Int).SetBytes(out[:32])
	balance := models.TokenBalance{
		Chain:    t.cfg.Name,
		Token:    token,
		Address:  t.holder.Hex(),
		Raw:      raw,
		Decimals: dec,
		Amount:   decimal.NewFromBigInt(raw, -int32(dec)),
	}

	slog.Debug("token balance fetched",
		"chain", t.cfg.Name,
		"token", token,
		"address", balance.Address,
		"raw", raw,
	)
	return balance, nil
}

// TokenDecimals returns the decimals() of a configured token.
func (in *Inspector) TokenDecimals(ctx context.Context, token models.Token, name models.Chain) (uint8, error) {
	target, err := in.resolveToken(common.Address{}.Hex(), token, name)
	if err != nil {
		return 0, err
	}
	return in.tokenDecimals(ctx, target)
}

// tokenDecimals reads decimals() once per contract.
func (in *Inspector) tokenDecimals(ctx context.Context, t tokenTarget) (uint8, error) {
	key := decimalsKey{chain: t.cfg.Name, contract: t.contract}

	in.mu.RLock()
	dec, ok := in.decimals[key]
	in.mu.RUnlock()
	if ok {
		return dec, nil
	}

	var out []byte
	err := t.guard.Do(ctx, "decimals", func(ctx context.Context) error {
		var callErr error
		out, callErr = t.client.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: decimalsSelector}, nil)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("decimals of %s on %s: %w", t.contract.Hex(), t.cfg.Name, err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("%w: decimals returned %d bytes", config.ErrMalformedResponse, len(out))
	}
	v := new(big.Int).SetBytes(out[:32])
	if !v.IsUint64() || v.Uint64() > 77 {
		return 0, fmt.Errorf("%w: decimals %s out of range", config.ErrMalformedResponse, v)
	}
	dec = uint8(v.Uint64())

	in.mu.Lock()
	in.decimals[key] = dec
	in.mu.Unlock()

	slog.Info("token decimals cached", "chain", t.cfg.Name, "contract", t.contract.Hex(), "decimals", dec)
	return dec, nil
}

// NativeBalance returns the native balance of address. Every failure is an error.
func (in *Inspector) NativeBalance(ctx context.Context, address string, name models.Chain) (models.NativeBalance, error) {
	cfg, client, guard, holder, err := in.resolveNative(address, name)
	if err != nil {
		return models.NativeBalance{}, err
	}
	return fetchNative(ctx, cfg, client, guard, holder)
}

func (in *Inspector) resolveNative(address string, name models.Chain) (chain.ChainConfig, ChainClient, *Guard, common.Address, error) {
	cfg, err := in.registry.GetChainConfig(name)
	if err != nil {
		return chain.ChainConfig{}, nil, nil, common.Address{}, err
	}
	if !common.IsHexAddress(address) {
		return chain.ChainConfig{}, nil, nil, common.Address{}, fmt.Errorf("%w: %q", config.ErrInvalidAddress, address)
	}
	client, ok := in.clients[name]
	if !ok {
		return chain.ChainConfig{}, nil, nil, common.Address{}, fmt.Errorf("%w: no rpc client for %s", config.ErrProviderUnavailable, name)
	}
	return cfg, client, in.guards[name], common.HexToAddress(address), nil
}

func fetchNative(ctx context.Context, cfg chain.ChainConfig, client ChainClient, guard *Guard, holder common.Address) (models.NativeBalance, error) {
	var raw *big.Int
	err := guard.Do(ctx, "eth_getBalance", func(ctx context.Context) error {
		var callErr error
		raw, callErr = client.BalanceAt(ctx, holder, nil)
		return callErr
	})
	if err != nil {
		return models.NativeBalance{}, fmt.Errorf("balance of %s on %s: %w", holder.Hex(), cfg.Name, err)
	}

	return models.NativeBalance{
		Chain:   cfg.Name,
		Address: holder.Hex(),
		Raw:     raw,
		Amount:  decimal.NewFromBigInt(raw, -int32(cfg.NativeDecimals)),
		Symbol:  cfg.NativeSymbol,
	}, nil
}

// CheckTokenBalance is the non-failing form of TokenBalance: an RPC failure
// yields a zero balance with Confirmed=false. Unknown chains or tokens and
// malformed addresses are still returned as errors.
func (in *Inspector) CheckTokenBalance(ctx context.Context, address string, token models.Token, name models.Chain) (models.BalanceCheck, error) {
	target, err := in.resolveToken(address, token, name)
	if err != nil {
		return models.BalanceCheck{}, err
	}

	balance, err := in.fetchToken(ctx, target, token)
	if err != nil {
		slog.Warn("token balance unavailable, reporting unconfirmed zero",
			"chain", name,
			"token", token,
			"address", address,
			"error", err,
		)
		return models.BalanceCheck{Balance: "0", Symbol: string(token), Error: err.Error()}, nil
	}

	return models.BalanceCheck{
		Balance:    balance.Amount.String(),
		BalanceUSD: in.usdValue(ctx, string(token), balance.Amount),
		Symbol:     string(token),
		Confirmed:  true,
	}, nil
}

// CheckNativeBalance is the non-failing form of NativeBalance.
func (in *Inspector) CheckNativeBalance(ctx context.Context, address string, name models.Chain) (models.BalanceCheck, error) {
	cfg, client, guard, holder, err := in.resolveNative(address, name)
	if err != nil {
		return models.BalanceCheck{}, err
	}

	balance, err := fetchNative(ctx, cfg, client, guard, holder)
	if err != nil {
		slog.Warn("native balance unavailable, reporting unconfirmed zero",
			"chain", name,
			"address", address,
			"error", err,
		)
		return models.BalanceCheck{Balance: "0", Symbol: cfg.NativeSymbol, Error: err.Error()}, nil
	}

	return models.BalanceCheck{
		Balance:    balance.Amount.String(),
		BalanceUSD: in.usdValue(ctx, cfg.NativeSymbol, balance.Amount),
		Symbol:     cfg.NativeSymbol,
		Confirmed:  true,
	}, nil
}

func (in *Inspector) usdValue(ctx context.Context, symbol string, amount decimal.Decimal) float64 {
	if in.prices == nil || amount.IsZero() {
		return 0
	}
	p, err := in.prices.USDPrice(ctx, symbol)
	if err != nil {
		slog.Debug("usd price unavailable", "symbol", symbol, "error", err)
		return 0
	}
	usd, _ := amount.Mul(decimal.NewFromFloat(p)).Float64()
	return usd
}
