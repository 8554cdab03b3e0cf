package tx

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Fantasim/hdcustody/internal/config"
)

// EthClient is the subset of ethclient.Client needed to sign and send
// transfers on any EVM chain. It allows mocking in tests.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// erc20TransferSelector is the 4-byte function selector for transfer(address,uint256).
var erc20TransferSelector = func() []byte {
	b, _ := hex.DecodeString(config.ERC20TransferMethodID)
	return b
}()

// EncodeERC20Transfer encodes a transfer(address,uint256) call.
// Returns 68 bytes: 4-byte selector + 32-byte padded address + 32-byte padded amount.
func EncodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// BufferedGasPrice applies the 20% buffer to a suggested gas price.
func BufferedGasPrice(suggested *big.Int) *big.Int {
	buffered := new(big.Int).Mul(suggested, big.NewInt(config.GasPriceBufferNumerator))
	buffered.Div(buffered, big.NewInt(config.GasPriceBufferDenominator))
	return buffered
}

// EstimateGasPrice returns the node's suggested gas price with the buffer applied.
func EstimateGasPrice(ctx context.Context, client EthClient) (*big.Int, error) {
	suggested, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return BufferedGasPrice(suggested), nil
}

// BuildNativeTransfer builds an unsigned native-asset transfer.
func BuildNativeTransfer(nonce uint64, to common.Address, amount *big.Int, gasPrice *big.Int) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      config.NativeGasLimitTransfer,
		GasPrice: gasPrice,
	})
}

// BuildTokenTransfer builds an unsigned ERC-20 transfer. The To address is
// the token contract and Value is 0.
func BuildTokenTransfer(nonce uint64, contractAddr, recipient common.Address, amount, gasPrice *big.Int, gasLimit uint64) *types.Transaction {
	toAddr := contractAddr
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     EncodeERC20Transfer(recipient, amount),
	})
}

// SignTx signs a transaction with EIP-155 replay protection.
func SignTx(tx *types.Transaction, chainID *big.Int, privKey *ecdsa.PrivateKey) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), privKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// WaitForReceipt polls for a receipt until mined, reverted, or timeout.
// A reverted receipt is returned together with ErrTxReverted.
func WaitForReceipt(ctx context.Context, client EthClient, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		receipt, err := client.TransactionReceipt(pollCtx, txHash)
		if err == nil {
			slog.Info("receipt received",
				"txHash", txHash.Hex(),
				"status", receipt.Status,
				"blockNumber", receipt.BlockNumber,
				"gasUsed", receipt.GasUsed,
			)

			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: tx %s reverted in block %d",
					config.ErrTxReverted, txHash.Hex(), blockNumber(receipt))
			}
			return receipt, nil
		}

		// Anything other than "not yet mined" is an RPC hiccup: keep polling
		// until the deadline so a mined transfer is never reported as failed.
		if !errors.Is(err, ethereum.NotFound) && pollCtx.Err() == nil {
			slog.Warn("receipt query failed, retrying", "txHash", txHash.Hex(), "error", err)
		}

		select {
		case <-pollCtx.Done():
			return nil, fmt.Errorf("%w: tx %s not mined within %s", config.ErrReceiptTimeout, txHash.Hex(), timeout)
		case <-time.After(config.ReceiptPollInterval):
			slog.Debug("receipt not ready, polling again", "txHash", txHash.Hex())
		}
	}
}

func blockNumber(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}

// IsNonceTooLowError checks whether a node rejected a transaction for its nonce.
// Different nodes return different strings for this.
func IsNonceTooLowError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "nonce too low") ||
		strings.Contains(lower, "nonce is too low") ||
		strings.Contains(lower, "replacement transaction underpriced")
}
