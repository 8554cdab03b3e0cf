package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// DerivationPath returns the BIP-44 path of an EVM key on the given account branch.
func DerivationPath(account, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", config.BIP44Purpose, config.EVMCoinType, account, index)
}

// DeriveAccountParentKey pre-derives m/44'/60'/{account}'/0 so that each
// address costs a single child derivation. The returned key is safe for
// concurrent read-only use.
func DeriveAccountParentKey(masterKey *hdkeychain.ExtendedKey, account uint32) (*hdkeychain.ExtendedKey, error) {
	purpose, err := masterKey.Derive(hdkeychain.HardenedKeyStart + uint32(config.BIP44Purpose))
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w: %v", config.ErrKeyDerivation, err)
	}

	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + uint32(config.EVMCoinType))
	if err != nil {
		return nil, fmt.Errorf("derive coin key: %w: %v", config.ErrKeyDerivation, err)
	}

	acct, err := coin.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, fmt.Errorf("derive account %d key: %w: %v", account, config.ErrKeyDerivation, err)
	}

	change, err := acct.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive external chain key: %w: %v", config.ErrKeyDerivation, err)
	}

	// Force lazy pubkey computation so concurrent Derive() calls don't race.
	if _, err := change.ECPubKey(); err != nil {
		return nil, fmt.Errorf("warm parent pubkey cache: %w: %v", config.ErrKeyDerivation, err)
	}

	return change, nil
}

// DerivePrivateKeyFromParent returns the ECDSA key at parent/index.
// Callers must zero it with ZeroKey when done.
func DerivePrivateKeyFromParent(parentKey *hdkeychain.ExtendedKey, index uint32) (*ecdsa.PrivateKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d is in the hardened range: %w", index, config.ErrKeyDerivation)
	}

	child, err := parentKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive child key at index %d: %w: %v", index, config.ErrKeyDerivation, err)
	}

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("get private key at index %d: %w: %v", index, config.ErrKeyDerivation, err)
	}

	return toECDSA(privKey), nil
}

// toECDSA copies k into an ecdsa key and zeroes the secp256k1 scalar, so the
// returned copy is the only one left.
func toECDSA(k *btcec.PrivateKey) *ecdsa.PrivateKey {
	defer k.Zero()
	return k.ToECDSA()
}

// DeriveAddressFromParent derives the EIP-55 checksummed address at parent/index.
func DeriveAddressFromParent(parentKey *hdkeychain.ExtendedKey, index uint32) (string, error) {
	key, err := DerivePrivateKeyFromParent(parentKey, index)
	if err != nil {
		return "", err
	}
	defer ZeroKey(key)

	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// DeriveAddress maps (mnemonic, index) to the user deposit address at
// m/44'/60'/0'/0/{index}. The same address is valid on every EVM chain.
func DeriveAddress(mnemonic string, index uint32) (models.DerivedAddress, error) {
	masterKey, err := MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		return models.DerivedAddress{}, err
	}

	parent, err := DeriveAccountParentKey(masterKey, config.UserAccount)
	if err != nil {
		return models.DerivedAddress{}, err
	}

	addr, err := DeriveAddressFromParent(parent, index)
	if err != nil {
		return models.DerivedAddress{}, err
	}

	return models.DerivedAddress{
		Address: addr,
		Path:    DerivationPath(config.UserAccount, index),
		Index:   index,
	}, nil
}

// ZeroKey overwrites the private scalar of key.
func ZeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	b := key.D.Bits()
	for i := range b {
		b[i] = 0
	}
	key.D.SetInt64(0)
}
