package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/metrics"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/tx"
)

// Endpoints is the set of live RPC connections of every configured chain.
type Endpoints struct {
	// Clients are the primary connections, used for reads and log queries.
	Clients map[models.Chain]*ethclient.Client
	// Senders broadcast through the primary and fall back to the secondary RPC.
	Senders   map[models.Chain]tx.EthClient
	Guards    map[models.Chain]*Guard
	Inspector *Inspector

	closers []func()
}

// Setup dials every chain of the registry and wires guards and the inspector.
func Setup(ctx context.Context, cfg *config.Config, registry *chain.Registry, health HealthRecorder, m *metrics.Metrics, prices PriceSource) (*Endpoints, error) {
	e := &Endpoints{
		Clients: make(map[models.Chain]*ethclient.Client),
		Senders: make(map[models.Chain]tx.EthClient),
		Guards:  make(map[models.Chain]*Guard),
	}
	fallbacks := cfg.RPCFallbacks()
	readers := make(map[models.Chain]ChainClient)

	for _, name := range registry.Chains() {
		cc, _ := registry.GetChainConfig(name)

		client, err := ethclient.DialContext(ctx, cc.RPCURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("dial %s rpc: %w", name, err)
		}
		e.closers = append(e.closers, client.Close)
		e.Clients[name] = client
		readers[name] = client

		var fallback tx.EthClient
		if url := fallbacks[string(name)]; url != "" {
			fc, err := ethclient.DialContext(ctx, url)
			if err != nil {
				slog.Warn("fallback rpc dial failed, broadcasting through primary only",
					"chain", name,
					"error", err,
				)
			} else {
				e.closers = append(e.closers, fc.Close)
				fallback = fc
			}
		}

		guard := NewGuard(string(name), GuardOptions{
			RateLimit: cfg.RPCRateLimit,
			Timeout:   cfg.RPCTimeout,
			Retries:   cfg.RPCRetries,
			Metrics:   m,
			Health:    health,
		})
		e.Guards[name] = guard
		// The guard covers the primary endpoint only, so an open circuit still broadcasts on the secondary.
		e.Senders[name] = tx.NewSender(string(name), NewGuardedSender(client, guard), fallback, cfg.RPCTimeout)
	}

	e.Inspector = NewInspector(registry, readers, e.Guards, prices)

	slog.Info("rpc endpoints ready", "chains", len(e.Clients), "fallbacks", len(fallbacks))
	return e, nil
}

// Close closes every connection.
func (e *Endpoints) Close() {
	for _, c := range e.closers {
		c()
	}
	e.closers = nil
}
