package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relves/randao/internal/ledger"
	"github.com/relves/randao/internal/metrics"
	"github.com/relves/randao/internal/receipts"
	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/internal/storage/dsstore"
	"github.com/relves/randao/internal/storage/sqlite"
	"github.com/relves/randao/pkg/chain"
	"github.com/relves/randao/pkg/config"
	"github.com/relves/randao/pkg/delivery"
	"github.com/relves/randao/pkg/flip"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/server"
	"github.com/relves/randao/pkg/tlog"
)

const (
	metricsNamespace = "randao"
	shutdownTimeout  = 10 * time.Second
)

func registerServe(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the beacon, the block producer and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	})
}

// backend is the state the beacon keeps between restarts.
type backend struct {
	store   storage.StateStore
	ledger  ledger.Ledger
	archive ds.Batching
	close   func() error
}

// openBackend opens the state store, the ledger and the datastore receipts
// are archived in. The sqlite backend keeps all three in one database.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	genesis, err := cfg.Ledger.GenesisBalances()
	if err != nil {
		return nil, err
	}
	ledgerCfg := ledger.Config{
		FeeCollector: cfg.Ledger.FeeCollectorAddress(),
		Genesis:      genesis,
		Logger:       logger,
	}

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := sqlite.OpenStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		led, err := store.Ledger(ctx, ledgerCfg)
		if err != nil {
			store.Close()
			return nil, err
		}
		return &backend{store: store, ledger: led, archive: store.Datastore(), close: store.Close}, nil
	default:
		store := dsstore.NewMemory()
		return &backend{
			store:   store,
			ledger:  ledger.NewMemory(ledgerCfg),
			archive: store.Datastore(),
			close:   store.Close,
		}, nil
	}
}

func openLog(ctx context.Context, cfg config.TlogConfig, logger *slog.Logger) (*tlog.Log, error) {
	keys, err := tlog.LoadOrCreateKeys(cfg.KeyFile, cfg.Origin)
	if err != nil {
		return nil, err
	}
	l, err := tlog.Open(ctx, tlog.Config{
		Path:               cfg.Path,
		Keys:               keys,
		CheckpointInterval: cfg.CheckpointInterval,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open fulfillment log: %w", err)
	}
	logger.Info("checkpoint verifier key", "key", keys.Verifier)
	return l, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	state, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer state.close()

	head, err := state.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	start := cfg.Chain.StartHeight
	if head > 0 {
		start = head
	}

	blocks := chain.NewProducer(chain.Config{
		Interval: cfg.Chain.BlockInterval,
		Start:    start,
		Logger:   logger,
	})
	collective := flip.New()
	blocks.Subscribe(func(b chain.Block) { collective.OnBlock(b.Number, b.Parent) })

	inbox, err := delivery.NewInbox(delivery.Config{Logger: logger})
	if err != nil {
		return err
	}
	archive := receipts.New(state.archive, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	events, err := metrics.NewEventCollector(metricsNamespace, reg)
	if err != nil {
		return err
	}
	requests, err := metrics.NewRequestMetrics(metricsNamespace, reg)
	if err != nil {
		return err
	}
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	sinks := randao.MultiSink{randao.LogSink{Logger: logger}, events}
	serverOpts := []server.Option{
		server.WithResults(inbox),
		server.WithReceipts(archive),
		server.WithFlip(collective),
		server.WithMetrics(requests, metricsHandler),
		server.WithMaxSkew(cfg.Server.MaxSkew),
		server.WithLogger(logger),
	}

	if cfg.Tlog.Enabled() {
		fulfillments, err := openLog(context.WithoutCancel(ctx), cfg.Tlog, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := fulfillments.Close(closeCtx); err != nil {
				logger.Warn("failed to close fulfillment log", "error", err)
			}
		}()
		sinks = append(sinks, fulfillments)
		serverOpts = append(serverOpts, server.WithLog(fulfillments))
	}

	beacon, err := randao.New(ctx, randao.Config{
		Governance:  cfg.Server.GovernanceAddress(),
		Store:       state.store,
		Ledger:      state.ledger,
		Blocks:      blocks,
		Events:      sinks,
		Deliverer:   inbox,
		Receipts:    archive,
		SlashPolicy: cfg.Randao.SlashPolicy(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create beacon: %w", err)
	}

	api, err := server.NewServer(append(serverOpts, server.WithBeacon(beacon))...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	servers := []*http.Server{{Addr: cfg.Server.Addr, Handler: api}}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux})
	}

	logger.Info("randao started",
		"addr", cfg.Server.Addr,
		"backend", cfg.Storage.Backend,
		"start", start,
		"interval", cfg.Chain.BlockInterval,
		"governance", cfg.Server.GovernanceAddress().Hex(),
		"slash_mode", cfg.Randao.SlashMode,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return blocks.Run(ctx)
	})
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("randao stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
