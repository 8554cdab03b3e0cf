package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/metrics"
	"github.com/Fantasim/hdcustody/internal/models"
)

type stubSweeper struct{ calls int }

func (s *stubSweeper) BatchSweep(context.Context, string, models.SweepOptions) (*models.SweepResult, error) {
	s.calls++
	return &models.SweepResult{SweepID: "s"}, nil
}

func setupRouter(t *testing.T, token string) (http.Handler, *stubSweeper) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RunMigrations(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sweeper := &stubSweeper{}
	router := NewRouter(Deps{
		Config:    &config.Config{Env: "development", CreditMode: config.CreditModeDeposit, OperatorToken: token},
		Store:     store,
		Sweeper:   sweeper,
		Metrics:   metrics.New().Handler(),
		SeedReady: true,
	})
	return router, sweeper
}

func TestRouter_PublicRoutes(t *testing.T) {
	router, _ := setupRouter(t, "op")

	for _, path := range []string{"/api/health", "/api/settings", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestRouter_OperatorRoutesRequireToken(t *testing.T) {
	router, sweeper := setupRouter(t, "op")
	body := `{"hotWallet":"0x1111111111111111111111111111111111111111","chains":["polygon"],"tokens":["USDT"]}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/sweeps", strings.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without token = %d, want 401", w.Code)
	}
	if sweeper.calls != 0 {
		t.Fatal("sweep ran without a token")
	}

	req := httptest.NewRequest("POST", "/api/sweeps", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer op")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with token = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if sweeper.calls != 1 {
		t.Errorf("sweep calls = %d, want 1", sweeper.calls)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
}

func TestRouter_OversizedBody(t *testing.T) {
	router, sweeper := setupRouter(t, "op")
	body := `{"hotWallet":"` + strings.Repeat("a", config.MaxRequestBodyBytes) + `"}`

	req := httptest.NewRequest("POST", "/api/sweeps", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer op")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized body = %d, want 400", w.Code)
	}
	if sweeper.calls != 0 {
		t.Error("sweep ran with an oversized body")
	}
}
