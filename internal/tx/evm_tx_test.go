package tx

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Fantasim/hdcustody/internal/config"
)

// --- Mock EthClient ---

type mockEthClient struct {
	mu sync.Mutex

	pendingNonce    uint64
	pendingNonceErr error
	gasPrice        *big.Int
	gasPriceErr     error
	sendTxErr       error
	receipt         *types.Receipt
	receiptErr      error
	balance         *big.Int
	balances        map[common.Address]*big.Int
	balanceErr      error
	callResult      []byte
	callErr         error

	// Track calls for assertions
	sentTxs []*types.Transaction
}

func (m *mockEthClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return m.pendingNonce, m.pendingNonceErr
}

func (m *mockEthClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if m.gasPriceErr != nil {
		return nil, m.gasPriceErr
	}
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *mockEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentTxs = append(m.sentTxs, tx)
	return m.sendTxErr
}

func (m *mockEthClient) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipt, nil
}

func (m *mockEthClient) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	if m.balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.balance), nil
}

func (m *mockEthClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.callResult, nil
}

func successReceipt() *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		GasUsed:     21000,
	}
}

func generateTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// --- Tests ---

func TestEncodeERC20Transfer(t *testing.T) {
	to := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	amount := big.NewInt(25_000_000)

	data := EncodeERC20Transfer(to, amount)

	if len(data) != 68 {
		t.Fatalf("expected 68 bytes, got %d", len(data))
	}
	if hex.EncodeToString(data[:4]) != config.ERC20TransferMethodID {
		t.Errorf("selector = %x, want %s", data[:4], config.ERC20TransferMethodID)
	}
	if !bytes.Equal(data[16:36], to.Bytes()) {
		t.Errorf("recipient = %x, want %x", data[16:36], to.Bytes())
	}
	if got := new(big.Int).SetBytes(data[36:68]); got.Cmp(amount) != 0 {
		t.Errorf("amount = %s, want %s", got, amount)
	}
}

func TestEncodeERC20Transfer_LargeAmount(t *testing.T) {
	amount, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	data := EncodeERC20Transfer(common.Address{}, amount)
	if got := new(big.Int).SetBytes(data[36:68]); got.Cmp(amount) != 0 {
		t.Errorf("max uint256 round trip = %s", got)
	}
}

func TestBuildNativeTransfer(t *testing.T) {
	to := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tx := BuildNativeTransfer(7, to, big.NewInt(1000), big.NewInt(5))

	if tx.Nonce() != 7 || tx.Gas() != config.NativeGasLimitTransfer {
		t.Errorf("nonce/gas = %d/%d", tx.Nonce(), tx.Gas())
	}
	if *tx.To() != to || tx.Value().Int64() != 1000 || tx.GasPrice().Int64() != 5 {
		t.Errorf("unexpected tx fields: to=%s value=%s gasPrice=%s", tx.To().Hex(), tx.Value(), tx.GasPrice())
	}
	if len(tx.Data()) != 0 {
		t.Errorf("native transfer carries data: %x", tx.Data())
	}
}

func TestBuildTokenTransfer(t *testing.T) {
	contract := common.HexToAddress(config.PolygonUSDTContract)
	recipient := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	tx := BuildTokenTransfer(3, contract, recipient, big.NewInt(42), big.NewInt(30), config.ERC20GasLimitDefault)

	if *tx.To() != contract {
		t.Errorf("To = %s, want token contract %s", tx.To().Hex(), contract.Hex())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("Value = %s, want 0", tx.Value())
	}
	if tx.Gas() != config.ERC20GasLimitDefault {
		t.Errorf("Gas = %d", tx.Gas())
	}
	if !bytes.Equal(tx.Data(), EncodeERC20Transfer(recipient, big.NewInt(42))) {
		t.Error("data is not the encoded transfer call")
	}
}

func TestSignTx(t *testing.T) {
	key, addr := generateTestKey(t)

	tests := []struct {
		name    string
		chainID int64
	}{
		{"polygon", config.PolygonChainID},
		{"bsc", config.BSCChainID},
		{"ethereum", config.EthereumChainID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chainID := big.NewInt(tt.chainID)
			signed, err := SignTx(BuildNativeTransfer(0, addr, big.NewInt(1), big.NewInt(1)), chainID, key)
			if err != nil {
				t.Fatalf("SignTx: %v", err)
			}
			if signed.ChainId().Cmp(chainID) != 0 {
				t.Errorf("ChainId = %s, want %s", signed.ChainId(), chainID)
			}
			sender, err := types.Sender(types.NewEIP155Signer(chainID), signed)
			if err != nil {
				t.Fatalf("recover sender: %v", err)
			}
			if sender != addr {
				t.Errorf("sender = %s, want %s", sender.Hex(), addr.Hex())
			}
		})
	}
}

func TestBufferedGasPrice(t *testing.T) {
	suggested := big.NewInt(3_000_000_000) // 3 Gwei
	buffered := BufferedGasPrice(suggested)

	// 3 Gwei * 12/10 = 3.6 Gwei
	expected := big.NewInt(3_600_000_000)
	if buffered.Cmp(expected) != 0 {
		t.Errorf("buffered gas price: expected %s, got %s", expected, buffered)
	}
	if suggested.Int64() != 3_000_000_000 {
		t.Error("BufferedGasPrice mutated its input")
	}
}

func TestEstimateGasPrice(t *testing.T) {
	gp, err := EstimateGasPrice(context.Background(), &mockEthClient{gasPrice: big.NewInt(10)})
	if err != nil {
		t.Fatal(err)
	}
	if gp.Int64() != 12 {
		t.Errorf("EstimateGasPrice = %s, want 12", gp)
	}

	if _, err := EstimateGasPrice(context.Background(), &mockEthClient{gasPriceErr: errors.New("down")}); err == nil {
		t.Error("expected error when node fails")
	}
}

func TestWaitForReceipt_Success(t *testing.T) {
	mock := &mockEthClient{receipt: successReceipt()}

	receipt, err := WaitForReceipt(context.Background(), mock, common.HexToHash("0xabc123"), time.Second)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Errorf("expected successful receipt, got status %d", receipt.Status)
	}
}

func TestWaitForReceipt_Reverted(t *testing.T) {
	mock := &mockEthClient{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(12345),
		},
	}

	_, err := WaitForReceipt(context.Background(), mock, common.HexToHash("0xdef456"), time.Second)
	if !errors.Is(err, config.ErrTxReverted) {
		t.Errorf("expected ErrTxReverted, got: %v", err)
	}
}

func TestWaitForReceipt_Timeout(t *testing.T) {
	mock := &mockEthClient{receiptErr: ethereum.NotFound}

	_, err := WaitForReceipt(context.Background(), mock, common.HexToHash("0x789abc"), 100*time.Millisecond)
	if !errors.Is(err, config.ErrReceiptTimeout) {
		t.Errorf("expected ErrReceiptTimeout, got: %v", err)
	}
}

func TestWaitForReceipt_RPCErrorKeepsPolling(t *testing.T) {
	mock := &mockEthClient{receiptErr: errors.New("connection reset")}

	_, err := WaitForReceipt(context.Background(), mock, common.HexToHash("0x01"), 100*time.Millisecond)
	if !errors.Is(err, config.ErrReceiptTimeout) {
		t.Errorf("expected ErrReceiptTimeout after RPC errors, got: %v", err)
	}
}

func TestIsNonceTooLowError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("nonce too low"), true},
		{errors.New("Nonce Is Too Low: next nonce 5"), true},
		{errors.New("already known"), false},
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("insufficient funds for gas * price + value"), false},
	}

	for _, tt := range tests {
		if got := IsNonceTooLowError(tt.err); got != tt.want {
			t.Errorf("IsNonceTooLowError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
