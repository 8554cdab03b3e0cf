package sweep

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/models"
)

func TestRecoverPending(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	var mu sync.Mutex
	var credited []string
	env := newTestEnv(t, store, func(c *Config, _ *fakeChain) {
		c.Store = store
		c.Credit = func(_ context.Context, transfer models.SweepTransfer, _ decimal.Decimal) error {
			mu.Lock()
			defer mu.Unlock()
			credited = append(credited, transfer.TxHash)
			return nil
		}
	})

	minedHash := common.HexToHash("0xaa").Hex()
	pendingHash := common.HexToHash("0xbb").Hex()
	droppedHash := common.HexToHash("0xcc").Hex()
	env.chain.mined[common.HexToHash(minedHash)] = true

	rows := []db.SweepAttemptRow{
		{ID: "mined", TxHash: minedHash, Amount: "4.5", Status: models.SweepStateBroadcast},
		{ID: "unsigned", Status: models.SweepStateSigned},
		{ID: "pending", TxHash: pendingHash, Amount: "1.0", Status: models.SweepStateBroadcast},
		{ID: "dropped", TxHash: droppedHash, Amount: "2.0", Status: models.SweepStateUnconfirmed},
		{ID: "done", TxHash: minedHash, Amount: "4.5", Status: models.SweepStateConfirmed},
	}
	for _, r := range rows {
		r.SweepID = "sweep-1"
		r.UserID = "user_" + r.ID
		r.Chain = string(models.ChainPolygon)
		r.Token = string(models.TokenUSDT)
		r.FromAddress = env.address(t, 0)
		r.ToAddress = testHotWallet
		if err := store.CreateSweepAttempt(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Conn().Exec(
		"UPDATE sweep_attempts SET created_at = datetime('now', '-2 days') WHERE id = 'dropped'"); err != nil {
		t.Fatal(err)
	}

	summary, err := env.engine.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("RecoverPending() error = %v", err)
	}

	want := RecoverSummary{Checked: 4, Confirmed: 1, Failed: 2, Pending: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}

	attempts, err := store.GetSweepAttempts(ctx, "sweep-1")
	if err != nil {
		t.Fatal(err)
	}
	status := make(map[string]string, len(attempts))
	for _, a := range attempts {
		status[a.ID] = a.Status
	}
	expected := map[string]string{
		"mined":    models.SweepStateConfirmed,
		"unsigned": models.SweepStateFailed,
		"pending":  models.SweepStateUnconfirmed,
		"dropped":  models.SweepStateFailed,
		"done":     models.SweepStateConfirmed,
	}
	for id, want := range expected {
		if status[id] != want {
			t.Errorf("attempt %s status = %q, want %q", id, status[id], want)
		}
	}

	if len(credited) != 1 || credited[0] != minedHash {
		t.Errorf("credited = %v, want only %s", credited, minedHash)
	}

	// Only the still-pending attempt is left for the next run.
	again, err := env.engine.RecoverPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Checked != 1 || again.Pending != 1 {
		t.Errorf("second run = %+v, want one pending attempt", again)
	}
}

func TestRecoverPending_NoStore(t *testing.T) {
	env := newTestEnv(t, numberedUsers(1), nil)
	summary, err := env.engine.RecoverPending(context.Background())
	if err != nil || summary != (RecoverSummary{}) {
		t.Errorf("RecoverPending() = %+v, %v; want empty summary", summary, err)
	}
}
