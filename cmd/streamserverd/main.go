// Command streamserverd runs the event-transport and transcript-ledger
// daemon: an event store, a run/ledger store, the fan-out websocket server,
// and a periodic stale-run reconciliation sweep, all behind a small JSON
// HTTP API. Grounded on registry/cmd/registry/main.go's run() error +
// envOr/envDurationOr configuration-loading pattern and
// example/cmd/assistant/main.go's signal.Notify/context.WithCancel/
// sync.WaitGroup graceful-shutdown pattern.
//
// # Configuration
//
// Environment variables:
//
//	STREAMSERVERD_CONFIG   - path to a YAML config file (optional; defaults
//	                         in-memory storage, see config.Default)
//	STREAMSERVERD_ADDR     - HTTP listen address (overrides config file)
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/runledger/runledger/config"
	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/eventstore/inmem"
	eventstoresqlite "github.com/runledger/runledger/eventstore/sqlite"
	"github.com/runledger/runledger/httpapi"
	"github.com/runledger/runledger/reconcile"
	"github.com/runledger/runledger/runledger"
	runledgerinmem "github.com/runledger/runledger/runledger/inmem"
	runledgersqlite "github.com/runledger/runledger/runledger/sqlite"
	"github.com/runledger/runledger/runmanager"
	"github.com/runledger/runledger/streamserver"
	"github.com/runledger/runledger/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()
	logger := telemetry.NewClueLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr := os.Getenv("STREAMSERVERD_ADDR"); addr != "" {
		cfg.StreamServer.Addr = addr
	}

	events, closeEvents, err := openEventStore(ctx, cfg.EventStore)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer closeEvents()

	ledger, closeLedger, err := openRunLedger(ctx, cfg.RunLedger)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	defer closeLedger()

	manager := runmanager.New(events, ledger, runmanager.Options{Logger: logger})
	stream := streamserver.NewServer(events, streamserver.Options{
		MaxBufferSize:     cfg.StreamServer.MaxBufferSize,
		HeartbeatInterval: cfg.StreamServer.HeartbeatInterval,
		HeartbeatTimeout:  cfg.StreamServer.HeartbeatTimeout,
		Logger:            logger,
	})

	api := httpapi.NewServer(manager, stream, httpapi.Options{
		PingInterval: cfg.StreamServer.HeartbeatInterval,
		Logger:       logger,
	})
	httpSrv := &http.Server{Addr: cfg.StreamServer.Addr, Handler: api.Mux()}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReconcileLoop(ctx, ledger, cfg.Reconcile, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("streamserverd listening on %s", cfg.StreamServer.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for an interrupt or a server failure, then shut everything down.
	err = <-errc
	log.Printf("shutting down: %v", err)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Printf("http server shutdown: %v", serr)
	}

	wg.Wait()
	return nil
}

func loadConfig() (config.Config, error) {
	path := os.Getenv("STREAMSERVERD_CONFIG")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openEventStore(ctx context.Context, cfg config.EventStoreConfig) (eventstore.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := eventstoresqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return inmem.New(), func() {}, nil
	}
}

func openRunLedger(ctx context.Context, cfg config.RunLedgerConfig) (runledger.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := runledgersqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return runledgerinmem.New(), func() {}, nil
	}
}

// runReconcileLoop runs reconcile.Sweep on a ticker until ctx is cancelled.
// A zero Interval disables the periodic sweep entirely (operators can still
// trigger one out of band); deployments with a Temporal cluster available
// should prefer reconcile/temporal's workflow instead, which survives a
// process restart mid-sweep.
func runReconcileLoop(ctx context.Context, store runledger.Store, cfg config.ReconcileConfig, logger telemetry.Logger) {
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			succeeded, failed := reconcile.Sweep(ctx, store, runledger.RecoverFail, reconcile.SweepOptions{
				OlderThan: cfg.StaleAfter,
				Logger:    logger,
			})
			if len(succeeded)+len(failed) > 0 {
				logger.Info(ctx, "reconcile sweep complete", "succeeded", len(succeeded), "failed", len(failed))
			}
		}
	}
}
