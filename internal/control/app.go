// Package control wires configuration into a running sync session.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/continuity"
	"github.com/vietddude/chainsync/internal/indexing/health"
	"github.com/vietddude/chainsync/internal/indexing/ingest"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
	"github.com/vietddude/chainsync/internal/indexing/syncer"
	"github.com/vietddude/chainsync/internal/infra/chain/evm"
	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
	"github.com/vietddude/chainsync/internal/infra/storage/postgres"
)

// App is one sync session: a driver plus its health endpoints.
type App struct {
	SessionID string

	cfg        config.AppConfig
	db         storage.Database
	pg         *postgres.DB
	redis      *redisclient.Client
	client     *rpc.Client
	driver     *syncer.Driver
	monitor    *health.Monitor
	httpServer *health.Server
	grpcServer *health.GRPCServer
	log        *slog.Logger
}

// New builds the application. handler defaults to BlockHandler.
func New(ctx context.Context, cfg config.AppConfig, handler syncer.Handler) (*App, error) {
	if handler == nil {
		handler = BlockHandler
	}
	a := &App{
		SessionID: uuid.NewString(),
		cfg:       cfg,
	}
	a.log = slog.Default().With("session", a.SessionID, "chain", cfg.Chain.Name)

	if err := a.openDatabase(ctx); err != nil {
		return nil, err
	}

	providers := make([]rpc.Provider, 0, len(cfg.Chain.Providers))
	for _, p := range cfg.Chain.Providers {
		providers = append(providers, rpc.NewHTTPProvider(p.Name, p.URL, cfg.Chain.RPCTimeout))
	}
	a.client = rpc.NewClient(cfg.Chain.Name, rpc.DefaultRetryConfig, providers...)
	fetcher := evm.NewFetcher(a.client, cfg.Chain.FinalityBlocks)

	var sub ingest.Subscription
	var progress ingest.Progress
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rc
		sub = rc.HeadSubscription(cfg.Redis.HeadChannel, a.log)
		progress = rc.SplitProgress(cfg.Chain.Name)
		a.log.Info("Following heads from redis", "channel", cfg.Redis.HeadChannel)
	}

	retry := recovery.FixedBackoff(cfg.Sync.ConsistencyDelay, cfg.Sync.ConsistencyAttempts, nil)
	source := ingest.NewSource(fetcher, sub, ingest.Config{
		Chain:        cfg.Chain.Name,
		WindowSize:   cfg.Sync.WindowSize,
		Stride:       cfg.Sync.Stride,
		Concurrency:  cfg.Sync.Concurrency,
		PollInterval: cfg.Sync.PollInterval,
		IdleTimeout:  cfg.Sync.IdleTimeout,
		Retry:        retry,
		Logger:       a.log,
	})
	if progress != nil {
		source.WithProgress(progress)
	}

	opener := &continuity.Opener{
		Source: source,
		Options: continuity.Options{
			MaxGapDepth:    cfg.Sync.MaxGapDepth,
			ForkProbeDepth: cfg.Sync.ForkProbeDepth,
			Retry:          retry,
			Logger:         a.log,
		},
	}

	a.monitor = health.NewMonitor(a.SessionID, cfg.Chain.Name, func(ctx context.Context) (uint64, error) {
		ref, err := fetcher.Head(ctx, domain.CommitmentLatest)
		return ref.Number, err
	})
	a.driver = syncer.New(a.db, opener, handler, syncer.Config{
		Chain:    cfg.Chain.Name,
		From:     cfg.Chain.From,
		To:       cfg.Chain.To,
		Logger:   a.log,
		Observer: a.monitor,
	})
	a.httpServer = health.NewServer(a.monitor, cfg.Server.Port)
	a.grpcServer = health.NewGRPCServer(a.monitor, cfg.Server.GRPCPort)

	return a, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.db = memory.NewDB()
		a.log.Info("Using memory storage")
		return nil
	}

	pg, err := postgres.NewDB(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	a.pg = pg
	a.db = pg
	a.log.Info("Using PostgreSQL storage")
	return nil
}

// Database returns the synced database.
func (a *App) Database() storage.Database { return a.db }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Run syncs until the configured range is finished, ctx is cancelled or the
// driver fails. Cancellation is not an error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.grpcServer.Start(); err != nil {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	})
	if a.pg != nil {
		a.pg.StartMetricsCollector(gctx)
	}

	g.Go(func() error {
		defer a.stopServers()

		a.log.Info("Sync started", "from", a.cfg.Chain.From, "to", a.cfg.Chain.To)
		err := a.driver.Run(gctx)
		switch {
		case err == nil:
			a.monitor.Finished()
			a.log.Info("Sync finished")
			return nil
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			a.log.Info("Sync stopped")
			return nil
		default:
			a.monitor.Failed(err)
			if syncer.IsFatal(err) {
				a.log.Error("Invariant violated", "error", err)
			}
			return err
		}
	})

	return g.Wait()
}

func (a *App) stopServers() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Warn("Failed to stop health server", "error", err)
	}
	a.grpcServer.Stop()
}

// Close releases connections.
func (a *App) Close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
}
