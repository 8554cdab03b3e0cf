package wallet

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Fantasim/hdcustody/internal/config"
)

// ValidateMnemonic validates a BIP-39 mnemonic phrase of 12 or 24 words.
// The phrase itself never appears in the returned error.
func ValidateMnemonic(mnemonic string) error {
	words := strings.Fields(mnemonic)
	if len(words) != 12 && len(words) != 24 {
		return fmt.Errorf("expected 12 or 24 words, got %d: %w", len(words), config.ErrInvalidMnemonic)
	}

	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return fmt.Errorf("bad word list or checksum: %w", config.ErrInvalidMnemonic)
	}

	slog.Debug("mnemonic validated", "wordCount", len(words))
	return nil
}

// MnemonicToSeed converts a BIP-39 mnemonic to a 64-byte seed (empty passphrase).
func MnemonicToSeed(mnemonic string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(strings.Join(strings.Fields(mnemonic), " "), "")
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", config.ErrInvalidMnemonic)
	}
	return seed, nil
}

// ReadMnemonicFromFile reads a mnemonic from a file, trims whitespace, and validates it.
func ReadMnemonicFromFile(path string) (string, error) {
	if path == "" {
		return "", config.ErrMnemonicFileNotSet
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read mnemonic file %q: %w", path, err)
	}

	mnemonic := strings.TrimSpace(string(data))
	if mnemonic == "" {
		return "", fmt.Errorf("mnemonic file %q is empty: %w", path, config.ErrInvalidMnemonic)
	}

	if err := ValidateMnemonic(mnemonic); err != nil {
		return "", fmt.Errorf("mnemonic file %q: %w", path, err)
	}

	return mnemonic, nil
}

// DeriveMasterKey derives a BIP-32 master extended key from a seed.
// EVM derivation does not depend on the network params; mainnet is used
// only for the extended key version bytes.
func DeriveMasterKey(seed []byte) (*hdkeychain.ExtendedKey, error) {
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w: %v", config.ErrKeyDerivation, err)
	}
	return masterKey, nil
}

// MasterKeyFromMnemonic validates the mnemonic and returns its master key.
func MasterKeyFromMnemonic(mnemonic string) (*hdkeychain.ExtendedKey, error) {
	if err := ValidateMnemonic(mnemonic); err != nil {
		return nil, err
	}
	seed, err := MnemonicToSeed(mnemonic)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(seed)

	return DeriveMasterKey(seed)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
