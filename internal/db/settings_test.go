package db

import (
	"errors"
	"testing"

	"github.com/Fantasim/hdcustody/internal/config"
)

func TestGetSetting_Default(t *testing.T) {
	d := setupTestDB(t)

	val, err := d.GetSetting(SettingSweepMinAmount)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if val != config.DefaultMinSweepAmount {
		t.Errorf("default sweep_min_amount = %q, want %q", val, config.DefaultMinSweepAmount)
	}
}

func TestGetSetting_UnknownKey(t *testing.T) {
	d := setupTestDB(t)

	if _, err := d.GetSetting("nonexistent_key"); err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestSetSetting_AndGet(t *testing.T) {
	d := setupTestDB(t)

	if err := d.SetSetting("rpc_url.polygon", "http://localhost:8545"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := d.SetSetting("rpc_url.polygon", "http://localhost:9545"); err != nil {
		t.Fatalf("SetSetting() upsert error = %v", err)
	}

	val, err := d.GetSetting("rpc_url.polygon")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if val != "http://localhost:9545" {
		t.Errorf("rpc_url.polygon = %q, want upserted value", val)
	}
}

func TestSetSetting_RejectsUnknownKeys(t *testing.T) {
	d := setupTestDB(t)

	tests := []string{"network", "rpc_url.", "contract.bsc", "contract.bsc.usdt.extra"}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			if err := d.SetSetting(key, "x"); !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("SetSetting(%q) error = %v, want ErrInvalidConfig", key, err)
			}
		})
	}
}

func TestGetAllSettings(t *testing.T) {
	d := setupTestDB(t)

	if err := d.SetSetting("contract.bsc.usdc", "0x0000000000000000000000000000000000000abc"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := d.SetSetting(SettingLurisPerUSD, "100"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}

	all, err := d.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings() error = %v", err)
	}
	if all["contract.bsc.usdc"] == "" {
		t.Error("expected contract override in settings")
	}
	if all[SettingLurisPerUSD] != "100" {
		t.Errorf("luris_per_usd = %q, want 100", all[SettingLurisPerUSD])
	}
	if all[SettingSweepMinAmount] != config.DefaultMinSweepAmount {
		t.Errorf("expected default sweep_min_amount to be filled in")
	}
}
