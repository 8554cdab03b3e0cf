package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// IndexRegistry assigns stable derivation indexes to user ids.
type IndexRegistry interface {
	GetOrAssignIndex(ctx context.Context, userID string) (uint32, error)
}

// DepositAddressService hands out per-user deposit addresses.
type DepositAddressService struct {
	registry    IndexRegistry
	deriver     *Deriver
	demoAllowed bool
}

// NewDepositAddressService creates the service. deriver may be nil when no
// master seed is configured; demoAllowed must only be true outside production.
func NewDepositAddressService(registry IndexRegistry, deriver *Deriver, demoAllowed bool) *DepositAddressService {
	if deriver == nil && demoAllowed {
		slog.Warn("deposit addresses are demo placeholders; do not send funds to them")
	}
	return &DepositAddressService{
		registry:    registry,
		deriver:     deriver,
		demoAllowed: demoAllowed,
	}
}

// HasSeed reports whether real addresses can be derived.
func (s *DepositAddressService) HasSeed() bool {
	return s.deriver != nil
}

// GetUserDepositAddress returns the address assigned to userID, assigning an
// index on first call.
func (s *DepositAddressService) GetUserDepositAddress(ctx context.Context, userID string) (models.DerivedAddress, error) {
	if s.deriver == nil && !s.demoAllowed {
		return models.DerivedAddress{}, config.ErrMasterSeedNotConfigured
	}

	index, err := s.registry.GetOrAssignIndex(ctx, userID)
	if err != nil {
		return models.DerivedAddress{}, fmt.Errorf("assign index for %q: %w", userID, err)
	}

	if s.deriver == nil {
		return DemoAddress(index), nil
	}

	addr, err := s.deriver.Address(index)
	if err != nil {
		return models.DerivedAddress{}, fmt.Errorf("derive address for %q: %w", userID, err)
	}

	slog.Debug("deposit address resolved", "userID", userID, "index", index, "address", addr.Address)
	return addr, nil
}

// AddressForIndex derives the deposit address of an already known index.
func (s *DepositAddressService) AddressForIndex(index uint32) (models.DerivedAddress, error) {
	if s.deriver == nil {
		if s.demoAllowed {
			return DemoAddress(index), nil
		}
		return models.DerivedAddress{}, config.ErrMasterSeedNotConfigured
	}
	return s.deriver.Address(index)
}

// DemoAddress returns a deterministic placeholder with no known private key.
func DemoAddress(index uint32) models.DerivedAddress {
	hash := crypto.Keccak256([]byte("demo:" + strconv.FormatUint(uint64(index), 10)))
	return models.DerivedAddress{
		Address: common.BytesToAddress(hash[12:]).Hex(),
		Path:    "demo/" + strconv.FormatUint(uint64(index), 10),
		Index:   index,
		Demo:    true,
	}
}
