package tx

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/wallet"
)

// KeyService derives private keys on demand from the mnemonic file.
// The mnemonic is read fresh each time to minimize time secrets spend in memory.
type KeyService struct {
	mnemonicFilePath string
}

// NewKeyService creates a key derivation service.
func NewKeyService(mnemonicFilePath string) *KeyService {
	slog.Info("key service created", "mnemonicFileConfigured", mnemonicFilePath != "")
	return &KeyService{mnemonicFilePath: mnemonicFilePath}
}

// Configured reports whether a mnemonic file is set.
func (ks *KeyService) Configured() bool {
	return ks != nil && ks.mnemonicFilePath != ""
}

// DeriveUserKey derives the signing key of user index at m/44'/60'/0'/0/{index}.
// The caller MUST zero the returned key with wallet.ZeroKey after use.
func (ks *KeyService) DeriveUserKey(ctx context.Context, index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	return ks.derive(ctx, config.UserAccount, index)
}

// DeriveGasTankKey derives the gas tank key at m/44'/60'/1'/0/{n}.
// The caller MUST zero the returned key with wallet.ZeroKey after use.
func (ks *KeyService) DeriveGasTankKey(ctx context.Context, n uint32) (*ecdsa.PrivateKey, common.Address, error) {
	return ks.derive(ctx, config.GasTankAccount, n)
}

func (ks *KeyService) derive(ctx context.Context, account, index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	if !ks.Configured() {
		return nil, common.Address{}, config.ErrMasterSeedNotConfigured
	}

	// Check context before potentially slow file I/O.
	if err := ctx.Err(); err != nil {
		return nil, common.Address{}, fmt.Errorf("context cancelled before key derivation: %w", err)
	}

	mnemonic, err := wallet.ReadMnemonicFromFile(ks.mnemonicFilePath)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("read mnemonic: %w", err)
	}

	masterKey, err := wallet.MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		return nil, common.Address{}, err
	}

	parent, err := wallet.DeriveAccountParentKey(masterKey, account)
	if err != nil {
		return nil, common.Address{}, err
	}

	key, err := wallet.DerivePrivateKeyFromParent(parent, index)
	if err != nil {
		return nil, common.Address{}, err
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	slog.Debug("signing key derived", "path", wallet.DerivationPath(account, index), "address", addr.Hex())
	return key, addr, nil
}
