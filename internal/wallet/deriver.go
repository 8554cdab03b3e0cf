package wallet

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// Deriver derives user deposit addresses from a pre-derived parent key and
// keeps a bounded cache of recent results. Safe for concurrent use.
type Deriver struct {
	parent *hdkeychain.ExtendedKey

	mu      sync.Mutex
	cache   map[uint32]string
	order   []uint32
	maxSize int
}

// NewDeriver validates mnemonic and pre-derives m/44'/60'/0'/0.
// The mnemonic and seed are not retained.
func NewDeriver(mnemonic string, cacheSize int) (*Deriver, error) {
	masterKey, err := MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	parent, err := DeriveAccountParentKey(masterKey, config.UserAccount)
	if err != nil {
		return nil, err
	}

	if cacheSize <= 0 {
		cacheSize = config.AddressCacheSize
	}

	slog.Info("address deriver ready", "path", "m/44'/60'/0'/0", "cacheSize", cacheSize)

	return &Deriver{
		parent:  parent,
		cache:   make(map[uint32]string, cacheSize),
		maxSize: cacheSize,
	}, nil
}

// NewDeriverFromFile reads the mnemonic file and builds a Deriver.
func NewDeriverFromFile(path string) (*Deriver, error) {
	mnemonic, err := ReadMnemonicFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewDeriver(mnemonic, config.AddressCacheSize)
}

// Address returns the deposit address at index.
func (d *Deriver) Address(index uint32) (models.DerivedAddress, error) {
	if index > config.MaxDerivationIndex {
		return models.DerivedAddress{}, fmt.Errorf("index %d out of range: %w", index, config.ErrKeyDerivation)
	}

	d.mu.Lock()
	addr, ok := d.cache[index]
	d.mu.Unlock()

	if !ok {
		var err error
		addr, err = DeriveAddressFromParent(d.parent, index)
		if err != nil {
			return models.DerivedAddress{}, err
		}
		d.remember(index, addr)
	}

	return models.DerivedAddress{
		Address: addr,
		Path:    DerivationPath(config.UserAccount, index),
		Index:   index,
	}, nil
}

// remember stores addr, evicting the oldest entry once the cache is full.
func (d *Deriver) remember(index uint32, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.cache[index]; ok {
		return
	}
	if len(d.order) >= d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.cache, oldest)
	}
	d.cache[index] = addr
	d.order = append(d.order, index)
}

// CacheLen returns the number of cached addresses.
func (d *Deriver) CacheLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}
