package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/models"
)

type fakeSweeper struct {
	hotWallet string
	opts      models.SweepOptions
	result    *models.SweepResult
	err       error
}

func (f *fakeSweeper) BatchSweep(_ context.Context, hotWallet string, opts models.SweepOptions) (*models.SweepResult, error) {
	f.hotWallet, f.opts = hotWallet, opts
	return f.result, f.err
}

func sweepRouter(s Sweeper, store *db.DB) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/sweeps", PostSweep(s, store))
	r.Get("/api/sweeps/{sweepID}", GetSweep(store))
	return r
}

func TestPostSweep(t *testing.T) {
	store := setupTestDB(t)
	fake := &fakeSweeper{result: &models.SweepResult{
		SweepID:    "s-1",
		TotalSwept: decimal.NewFromInt(25),
		Successes:  []models.SweepTransfer{{UserID: "user_42", Chain: models.ChainPolygon, Token: models.TokenUSDT, Amount: "25.0", TxHash: "0x01"}},
	}}

	body := `{"hotWallet":"0x1111111111111111111111111111111111111111","chains":["Polygon"],"tokens":["usdt"],"minAmount":"10"}`
	w := serve(sweepRouter(fake, store), "POST", "/api/sweeps", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if fake.hotWallet != "0x1111111111111111111111111111111111111111" {
		t.Errorf("hot wallet = %s", fake.hotWallet)
	}
	if len(fake.opts.Chains) != 1 || fake.opts.Chains[0] != models.ChainPolygon {
		t.Errorf("chains = %v", fake.opts.Chains)
	}
	if len(fake.opts.Tokens) != 1 || fake.opts.Tokens[0] != models.TokenUSDT {
		t.Errorf("tokens = %v", fake.opts.Tokens)
	}
	if !fake.opts.MinAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("min = %s, want 10", fake.opts.MinAmount)
	}

	var got models.SweepResult
	decodeData(t, w, &got)
	if got.SweepID != "s-1" || len(got.Successes) != 1 || got.Successes[0].Amount != "25.0" {
		t.Errorf("result = %+v", got)
	}
}

func TestPostSweep_MinAmountFromSettings(t *testing.T) {
	store := setupTestDB(t)
	if err := store.SetSetting(db.SettingSweepMinAmount, "2.5"); err != nil {
		t.Fatal(err)
	}
	fake := &fakeSweeper{result: &models.SweepResult{SweepID: "s-2"}}

	body := `{"hotWallet":"0x1111111111111111111111111111111111111111","chains":["bsc"],"tokens":["USDC"]}`
	if w := serve(sweepRouter(fake, store), "POST", "/api/sweeps", strings.NewReader(body)); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !fake.opts.MinAmount.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("min = %s, want stored 2.5", fake.opts.MinAmount)
	}
}

func TestPostSweep_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"hotWallet":`, nil, http.StatusBadRequest, config.ErrorInvalidRequest},
		{"unknown field", `{"hotwallets":"x"}`, nil, http.StatusBadRequest, config.ErrorInvalidRequest},
		{"unknown chain", `{"hotWallet":"0x1","chains":["tron"],"tokens":["USDT"]}`, nil, http.StatusBadRequest, config.ErrorInvalidChain},
		{"bad min", `{"hotWallet":"0x1","chains":["bsc"],"tokens":["USDT"],"minAmount":"lots"}`, nil, http.StatusBadRequest, config.ErrorInvalidAmount},
		{"bad destination", `{"hotWallet":"0x1","chains":["bsc"],"tokens":["USDT"]}`, config.ErrInvalidDestination, http.StatusBadRequest, config.ErrorInvalidDestination},
		{"sweep running", `{"hotWallet":"0x1","chains":["bsc"],"tokens":["USDT"]}`, config.ErrSweepInProgress, http.StatusConflict, config.ErrorSweepInProgress},
		{"no seed", `{"hotWallet":"0x1","chains":["bsc"],"tokens":["USDT"]}`, config.ErrMasterSeedNotConfigured, http.StatusServiceUnavailable, config.ErrorMasterSeedMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSweeper{err: tt.err}
			w := serve(sweepRouter(fake, setupTestDB(t)), "POST", "/api/sweeps", strings.NewReader(tt.body))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestGetSweep(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	for i, status := range []string{models.SweepStateConfirmed, models.SweepStateConfirmed, models.SweepStateFailed} {
		err := store.CreateSweepAttempt(ctx, db.SweepAttemptRow{
			ID:          "s-9:" + string(rune('a'+i)),
			SweepID:     "s-9",
			UserID:      "user",
			Index:       uint32(i),
			Chain:       "polygon",
			Token:       "USDT",
			FromAddress: "0xfrom",
			ToAddress:   "0xto",
			Amount:      "1",
			Status:      status,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	router := sweepRouter(&fakeSweeper{}, store)
	w := serve(router, "GET", "/api/sweeps/s-9", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got sweepStatusResponse
	decodeData(t, w, &got)
	if len(got.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(got.Attempts))
	}
	if got.Counts[models.SweepStateConfirmed] != 2 || got.Counts[models.SweepStateFailed] != 1 {
		t.Errorf("counts = %v", got.Counts)
	}

	if w := serve(router, "GET", "/api/sweeps/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown sweep status = %d, want 404", w.Code)
	}
}
