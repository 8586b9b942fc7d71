package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/announce"
	"github.com/meshboard/meshboard/internal/api"
	"github.com/meshboard/meshboard/internal/clock/system"
	"github.com/meshboard/meshboard/internal/config"
	"github.com/meshboard/meshboard/internal/crawl"
	"github.com/meshboard/meshboard/internal/federation"
	"github.com/meshboard/meshboard/internal/identity"
	"github.com/meshboard/meshboard/internal/logging"
	"github.com/meshboard/meshboard/internal/metrics"
	"github.com/meshboard/meshboard/internal/policy/ratelimit"
	"github.com/meshboard/meshboard/internal/pool"
	"github.com/meshboard/meshboard/internal/status"
	statussinks "github.com/meshboard/meshboard/internal/status/sinks"
	memorystore "github.com/meshboard/meshboard/internal/storage/memory"
	"github.com/meshboard/meshboard/internal/storage/postgres"
	"github.com/meshboard/meshboard/internal/transport"
)

const (
	firstAnnounceWait = 30 * time.Second
	shutdownGrace     = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation service",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := metrics.InitTracerProvider(ctx, "meshboard")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// The keypair is the one startup-fatal dependency: without it the
	// instance has no stable identity.
	id, generated, err := identity.LoadOrGenerate(cfg.Instance.KeyPath, cfg.Instance.LegacyKeyPath, logger)
	if err != nil {
		return fmt.Errorf("load instance keypair: %w", err)
	}
	logger.Info("instance identity ready",
		zap.String("instance_id", id.ID()), zap.Bool("generated", generated))

	clock := system.New()
	store, closeStore, err := buildStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeStore()

	workers := pool.New(cfg.Pool.Size, cfg.Pool.QueueDepth, cfg.Pool.TaskTimeout, "federation", logger)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.OutboundRPS,
		DefaultBurst: cfg.HTTP.OutboundBurst,
	})
	builder := transport.NewBuilder(cfg.HTTP.ConnectTimeout, cfg.HTTP.ReadTimeout, limiter, logger)
	verifier := identity.Verifier{}
	nodes := memorystore.NewNodeSource()

	tracker := statussinks.NewTracker()
	hub := status.NewHub(status.Config{Logger: logger},
		statussinks.NewLogSink(logger), tracker)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("status hub shutdown", zap.Error(err))
		}
	}()

	var selfFn api.SelfFunc
	if cfg.Federation.Enabled {
		announcer, err := announce.New(id, store, builder, clock, workers, hub, announce.Config{
			Domain:          cfg.Instance.Domain,
			Name:            cfg.Instance.Name,
			Version:         cfg.Instance.Version,
			Channel:         cfg.Instance.Channel,
			Frequency:       cfg.Instance.Frequency,
			Latitude:        cfg.Instance.Latitude,
			Longitude:       cfg.Instance.Longitude,
			Private:         cfg.Instance.Private,
			Seeds:           cfg.Federation.Seeds,
			Interval:        cfg.Federation.AnnounceInterval,
			InitialDelay:    cfg.Federation.InitialDelay,
			FreshnessWindow: cfg.Federation.FreshnessWindow,
		}, logger)
		if err != nil {
			return fmt.Errorf("init announcer: %w", err)
		}
		selfFn = announcer.SelfRecord

		orchestrator := crawl.New(store, builder, verifier, clock, hub, crawl.Config{
			MaxInstancesPerResponse: cfg.Federation.MaxInstancesPerResponse,
			MaxDomainsPerCrawl:      cfg.Federation.MaxDomainsPerCrawl,
			MinNodeCount:            cfg.Federation.MinNodeCount,
			MaxNodeAge:              cfg.Federation.MaxNodeAge,
		}, id.ID(), logger)

		go announcer.Run(ctx)
		go runInitialFederation(ctx, announcer, orchestrator, workers, cfg.Federation.Seeds, logger)
	} else {
		logger.Info("federation disabled", zap.Bool("private", cfg.Instance.Private))
	}

	server := api.NewServer(store, verifier, nodes, clock, selfFn, tracker, api.Config{
		FreshnessWindow: cfg.Federation.FreshnessWindow,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := workers.Shutdown(shutdownGrace); err != nil {
		logger.Warn("pool shutdown", zap.Error(err))
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, clock federation.Clock) (federation.InstanceStore, func(), error) {
	switch cfg.DB.Provider {
	case "postgres":
		store, err := postgres.NewInstanceStore(ctx, cfg.DB.DSN, clock)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, store.Close, nil
	case "memory":
		return memorystore.NewInstanceStore(clock), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown db.provider %q", cfg.DB.Provider)
	}
}

// runInitialFederation blocks (bounded) on the first announcement so the
// instance is visible to seeds before the first crawl walks outward.
func runInitialFederation(
	ctx context.Context,
	announcer *announce.Announcer,
	orchestrator *crawl.Orchestrator,
	workers *pool.Pool,
	seeds []string,
	logger *zap.Logger,
) {
	if ctx.Err() != nil {
		return
	}
	task, err := announcer.ScheduleAnnouncement()
	if err != nil {
		logger.Warn("initial announcement not scheduled", zap.Error(err))
	} else if _, err := task.Wait(firstAnnounceWait); err != nil {
		logger.Warn("initial announcement incomplete", zap.Error(err))
	}

	if len(seeds) == 0 {
		return
	}
	if _, err := workers.Schedule(func(taskCtx context.Context) (any, error) {
		stats := orchestrator.Crawl(taskCtx, seeds)
		logger.Info("initial crawl complete",
			zap.Int("domains_visited", stats.DomainsVisited),
			zap.Int("instances_stored", stats.InstancesStored),
		)
		return stats, nil
	}); err != nil {
		logger.Warn("initial crawl not scheduled", zap.Error(err))
	}
}
