package tx

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/wallet"
)

// GasTankKeys derives keys on the gas tank account branch.
type GasTankKeys interface {
	DeriveGasTankKey(ctx context.Context, n uint32) (*ecdsa.PrivateKey, common.Address, error)
}

// GasTopUpService funds derived addresses with native currency from the gas
// tank before they send a token transfer.
type GasTopUpService struct {
	keys      GasTankKeys
	tankIndex uint32
	enabled   bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGasTopUpService creates a gas top-up service. When enabled is false,
// EnsureGas only reports shortfalls.
func NewGasTopUpService(keys GasTankKeys, tankIndex uint32, enabled bool) *GasTopUpService {
	slog.Info("gas top-up service created",
		"enabled", enabled,
		"tankPath", wallet.DerivationPath(config.GasTankAccount, tankIndex),
	)
	return &GasTopUpService{
		keys:      keys,
		tankIndex: tankIndex,
		enabled:   enabled,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Enabled reports whether top-ups are sent.
func (s *GasTopUpService) Enabled() bool {
	return s != nil && s.enabled
}

// RequiredGas returns gasPrice * gasLimit in wei.
func RequiredGas(gasPrice *big.Int, gasLimit uint64) *big.Int {
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
}

// TopUpAmount returns the shortfall plus the safety margin.
func TopUpAmount(shortfall *big.Int) *big.Int {
	amount := new(big.Int).Mul(shortfall, big.NewInt(config.GasTopUpMarginNumerator))
	return amount.Div(amount, big.NewInt(config.GasTopUpMarginDenominator))
}

// EnsureGas checks that target holds enough native currency to pay for a
// transfer of gasLimit at gasPrice. A shortfall is topped up from the tank and
// the hash of the funding transaction is returned; an empty hash means no
// top-up was needed.
func (s *GasTopUpService) EnsureGas(
	ctx context.Context,
	chain string,
	client EthClient,
	chainID *big.Int,
	target common.Address,
	gasPrice *big.Int,
	gasLimit uint64,
) (string, error) {
	needed := RequiredGas(gasPrice, gasLimit)

	balance, err := client.BalanceAt(ctx, target, nil)
	if err != nil {
		return "", fmt.Errorf("get native balance of %s: %w", target.Hex(), err)
	}
	if balance.Cmp(needed) >= 0 {
		return "", nil
	}

	shortfall := new(big.Int).Sub(needed, balance)
	if !s.Enabled() {
		return "", fmt.Errorf("%w: %s needs %s wei more on %s",
			config.ErrInsufficientGas, target.Hex(), shortfall, chain)
	}

	// One tank per chain: serialise so pending nonces never collide.
	lock := s.chainLock(chain)
	lock.Lock()
	defer lock.Unlock()

	amount := TopUpAmount(shortfall)
	slog.Info("gas top-up required",
		"chain", chain,
		"target", target.Hex(),
		"balance", balance,
		"needed", needed,
		"topUp", amount,
	)

	privKey, tankAddr, err := s.keys.DeriveGasTankKey(ctx, s.tankIndex)
	if err != nil {
		return "", fmt.Errorf("%w: derive gas tank key: %v", config.ErrGasTopUpFailed, err)
	}
	defer wallet.ZeroKey(privKey)

	tankBalance, err := client.BalanceAt(ctx, tankAddr, nil)
	if err != nil {
		return "", fmt.Errorf("%w: get gas tank balance: %v", config.ErrGasTopUpFailed, err)
	}
	cost := new(big.Int).Add(amount, RequiredGas(gasPrice, config.NativeGasLimitTransfer))
	if tankBalance.Cmp(cost) < 0 {
		return "", fmt.Errorf("%w: gas tank %s on %s holds %s wei, needs %s",
			config.ErrGasTopUpFailed, tankAddr.Hex(), chain, tankBalance, cost)
	}

	nonce, err := client.PendingNonceAt(ctx, tankAddr)
	if err != nil {
		return "", fmt.Errorf("%w: get gas tank nonce: %v", config.ErrGasTopUpFailed, err)
	}

	signed, err := SignTx(BuildNativeTransfer(nonce, target, amount, gasPrice), chainID, privKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrGasTopUpFailed, err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: broadcast: %v", config.ErrGasTopUpFailed, err)
	}
	txHash := signed.Hash()

	slog.Info("gas top-up broadcast",
		"chain", chain,
		"txHash", txHash.Hex(),
		"from", tankAddr.Hex(),
		"to", target.Hex(),
		"nonce", nonce,
	)

	if _, err := WaitForReceipt(ctx, client, txHash, config.ReceiptPollTimeout); err != nil {
		return txHash.Hex(), fmt.Errorf("%w: %v", config.ErrGasTopUpFailed, err)
	}

	return txHash.Hex(), nil
}

func (s *GasTopUpService) chainLock(chain string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chain]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chain] = l
	}
	return l
}
