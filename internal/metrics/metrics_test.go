package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// counterValue gathers the registry and returns the counter matching labels.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestObserveRPC(t *testing.T) {
	m := New()

	m.ObserveRPC("polygon", "eth_call", 10*time.Millisecond, nil)
	m.ObserveRPC("polygon", "eth_call", 10*time.Millisecond, errors.New("boom"))
	m.ObserveRPC("polygon", "eth_call", 10*time.Millisecond, nil)

	ok := map[string]string{"chain": "polygon", "method": "eth_call", "outcome": "ok"}
	if got := counterValue(t, m, "custody_rpc_requests_total", ok); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	failed := map[string]string{"chain": "polygon", "method": "eth_call", "outcome": "error"}
	if got := counterValue(t, m, "custody_rpc_requests_total", failed); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveRPC("bsc", "eth_getBalance", time.Second, nil)
	m.BreakerTripped("bsc")
	m.SweepJob("bsc", "USDT", "confirmed")
	m.SweepBatch(time.Second)
	m.LedgerCredit("credited")
	m.SetDepositCursor("bsc", "USDT", 10)
	m.GasTopUp("bsc", nil)

	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.SweepJob("ethereum", "USDC", "confirmed")
	m.SetDepositCursor("ethereum", "USDC", 1234)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`custody_sweep_transfers_total{chain="ethereum",state="confirmed",token="USDC"} 1`,
		`custody_deposit_cursor_block{chain="ethereum",token="USDC"} 1234`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
