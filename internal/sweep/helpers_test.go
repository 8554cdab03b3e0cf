package sweep

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/tx"
	"github.com/Fantasim/hdcustody/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const testHotWallet = "0x1111111111111111111111111111111111111111"

// fakeChain is an in-memory EVM chain: it holds ERC-20 balances, applies
// signed transfers, and mines them instantly unless told otherwise.
type fakeChain struct {
	mu       sync.Mutex
	registry *chain.Registry
	chainID  *big.Int

	tokens  map[common.Address]map[common.Address]*big.Int // contract -> holder -> raw
	native  *big.Int
	nonces  map[common.Address]uint64
	mined   map[common.Hash]bool
	sent    []*types.Transaction
	failFor map[common.Address]bool

	noReceipt bool
	sendErr   error
	onSend    func()

	// hangGasPrice and hangSend block the call until its context ends.
	hangGasPrice bool
	hangSend     bool
	// appliedErr is returned after a transfer has been applied, like a
	// response lost on the way back.
	appliedErr error

	// balanceGate, when set, blocks TokenBalance until closed.
	balanceGate    chan struct{}
	balanceEntered chan struct{}
}

func newFakeChain(t *testing.T, registry *chain.Registry, name models.Chain) *fakeChain {
	t.Helper()
	cc, err := registry.GetChainConfig(name)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeChain{
		registry: registry,
		chainID:  big.NewInt(cc.ChainID),
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
		native:   new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		nonces:   make(map[common.Address]uint64),
		mined:    make(map[common.Hash]bool),
		failFor:  make(map[common.Address]bool),
	}
}

// fund sets the token balance of holder to a human amount with 6 decimals.
func (fc *fakeChain) fund(t *testing.T, name models.Chain, token models.Token, holder string, amount string) {
	t.Helper()
	contract, err := fc.registry.TokenContract(name, token)
	if err != nil {
		t.Fatal(err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.tokens[contract] == nil {
		fc.tokens[contract] = make(map[common.Address]*big.Int)
	}
	fc.tokens[contract][common.HexToAddress(holder)] = d.Shift(6).BigInt()
}

func (fc *fakeChain) balanceOf(contract, holder common.Address) *big.Int {
	if b, ok := fc.tokens[contract][holder]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (fc *fakeChain) TokenBalance(ctx context.Context, address string, token models.Token, name models.Chain) (models.TokenBalance, error) {
	if fc.balanceGate != nil {
		if fc.balanceEntered != nil {
			select {
			case fc.balanceEntered <- struct{}{}:
			default:
			}
		}
		select {
		case <-fc.balanceGate:
		case <-ctx.Done():
			return models.TokenBalance{}, ctx.Err()
		}
	}

	contract, err := fc.registry.TokenContract(name, token)
	if err != nil {
		return models.TokenBalance{}, err
	}
	holder := common.HexToAddress(address)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.failFor[holder] {
		return models.TokenBalance{}, errors.New("balanceOf: 502 bad gateway")
	}
	raw := fc.balanceOf(contract, holder)
	return models.TokenBalance{
		Chain:    name,
		Token:    token,
		Address:  holder.Hex(),
		Raw:      raw,
		Decimals: 6,
		Amount:   decimal.NewFromBigInt(raw, -6),
	}, nil
}

func (fc *fakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.nonces[account], nil
}

func (fc *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if fc.hangGasPrice {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return big.NewInt(1_000_000_000), nil
}

func (fc *fakeChain) SendTransaction(ctx context.Context, signed *types.Transaction) error {
	if fc.onSend != nil {
		fc.onSend()
	}
	if fc.hangSend {
		<-ctx.Done()
		return ctx.Err()
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.sendErr != nil {
		return fc.sendErr
	}

	from, err := types.Sender(types.NewEIP155Signer(fc.chainID), signed)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if signed.Nonce() != fc.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", signed.Nonce(), fc.nonces[from])
	}
	data := signed.Data()
	if len(data) != 68 || signed.To() == nil {
		return errors.New("not an erc20 transfer")
	}
	contract := *signed.To()
	to := common.BytesToAddress(data[4:36])
	amount := new(big.Int).SetBytes(data[36:68])

	balance := fc.balanceOf(contract, from)
	if balance.Cmp(amount) < 0 {
		return errors.New("transfer amount exceeds balance")
	}
	if fc.tokens[contract] == nil {
		fc.tokens[contract] = make(map[common.Address]*big.Int)
	}
	fc.tokens[contract][from] = balance.Sub(balance, amount)
	fc.tokens[contract][to] = new(big.Int).Add(fc.balanceOf(contract, to), amount)

	fc.nonces[from]++
	fc.sent = append(fc.sent, signed)
	if !fc.noReceipt {
		fc.mined[signed.Hash()] = true
	}
	return fc.appliedErr
}

func (fc *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.mined[hash] {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(100),
		GasUsed:     52_000,
	}, nil
}

func (fc *fakeChain) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return new(big.Int).Set(fc.native), nil
}

func (fc *fakeChain) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, nil
}

func (fc *fakeChain) sentCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.sent)
}

type memUsers []models.UserIndex

func (m memUsers) ListUserIndexes(_ context.Context) ([]models.UserIndex, error) {
	out := make([]models.UserIndex, len(m))
	copy(out, m)
	return out, nil
}

func numberedUsers(n int) memUsers {
	users := make(memUsers, n)
	for i := range users {
		users[i] = models.UserIndex{UserID: fmt.Sprintf("user_%d", i), Index: uint32(i)}
	}
	return users
}

func writeMnemonicFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemonic.txt")
	if err := os.WriteFile(path, []byte(testMnemonic+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

type testEnv struct {
	engine   *Engine
	chain    *fakeChain
	deriver  *wallet.Deriver
	registry *chain.Registry
}

// newTestEnv wires an engine against a fake polygon. mutate may adjust the
// config before the engine is built.
func newTestEnv(t *testing.T, users UserSource, mutate func(*Config, *fakeChain)) *testEnv {
	t.Helper()

	registry, err := chain.NewRegistry(chain.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	deriver, err := wallet.NewDeriver(testMnemonic, 0)
	if err != nil {
		t.Fatal(err)
	}
	fc := newFakeChain(t, registry, models.ChainPolygon)

	cfg := Config{
		Registry:       registry,
		Users:          users,
		Addresses:      wallet.NewDepositAddressService(nil, deriver, false),
		Balances:       fc,
		Keys:           tx.NewKeyService(writeMnemonicFile(t)),
		Senders:        map[models.Chain]tx.EthClient{models.ChainPolygon: fc},
		Concurrency:    4,
		BalanceTimeout: time.Second,
		ReceiptTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg, fc)
	}

	return &testEnv{
		engine:   NewEngine(cfg),
		chain:    fc,
		deriver:  deriver,
		registry: registry,
	}
}

func (env *testEnv) address(t *testing.T, index uint32) string {
	t.Helper()
	addr, err := env.deriver.Address(index)
	if err != nil {
		t.Fatal(err)
	}
	return addr.Address
}

func polygonUSDT(min string) models.SweepOptions {
	return models.SweepOptions{
		Chains:    []models.Chain{models.ChainPolygon},
		Tokens:    []models.Token{models.TokenUSDT},
		MinAmount: decimal.RequireFromString(min),
	}
}
