// The main package for the frontierd executable, which serves the crawl
// frontier and triage API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/api"
	"github.com/JakeFAU/oddfrontier/internal/bandit"
	"github.com/JakeFAU/oddfrontier/internal/cascade"
	"github.com/JakeFAU/oddfrontier/internal/clock/system"
	"github.com/JakeFAU/oddfrontier/internal/config"
	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/dedup"
	"github.com/JakeFAU/oddfrontier/internal/dedup/redisseen"
	"github.com/JakeFAU/oddfrontier/internal/extract"
	"github.com/JakeFAU/oddfrontier/internal/frontier"
	"github.com/JakeFAU/oddfrontier/internal/id/uuid"
	"github.com/JakeFAU/oddfrontier/internal/ledger"
	"github.com/JakeFAU/oddfrontier/internal/logging"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
	memorypub "github.com/JakeFAU/oddfrontier/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/oddfrontier/internal/publisher/pubsub"
	gcssnap "github.com/JakeFAU/oddfrontier/internal/snapshot/gcs"
	localsnap "github.com/JakeFAU/oddfrontier/internal/snapshot/local"
	memorysnap "github.com/JakeFAU/oddfrontier/internal/snapshot/memory"
	pgsnap "github.com/JakeFAU/oddfrontier/internal/snapshot/postgres"
	"github.com/JakeFAU/oddfrontier/internal/triage"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional, env vars apply either way)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("frontierd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	var exact dedup.ExactStore
	if cfg.Redis.Addr != "" {
		store, err := redisseen.New(ctx, redisseen.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			SetKey:   cfg.Redis.Key,
		})
		if err != nil {
			return fmt.Errorf("connect redis seen store: %w", err)
		}
		defer store.Close()
		exact = store
		logger.Info("using redis seen store", zap.String("addr", cfg.Redis.Addr))
	} else {
		exact = dedup.NewMemoryExactStore()
	}

	seen, err := dedup.NewSeenURLs(cfg.Dedup.BloomCapacity, cfg.Dedup.BloomFPRate, exact, logger.Named("dedup"))
	if err != nil {
		return fmt.Errorf("build seen filter: %w", err)
	}
	if err := seen.Rebuild(ctx, cfg.Dedup.BloomCapacity, cfg.Dedup.BloomFPRate); err != nil {
		return fmt.Errorf("rebuild seen filter: %w", err)
	}

	ldg, err := ledger.New(cfg.LedgerConfig(), ledger.NewBlocklist(cfg.Ledger.Blocklist), logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("build host ledger: %w", err)
	}

	seed := cfg.Bandit.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	alloc, err := bandit.New(cfg.BanditConfig(), rand.New(rand.NewSource(seed)))
	if err != nil {
		return fmt.Errorf("build bandit allocator: %w", err)
	}

	front, err := frontier.New(
		cfg.FrontierConfig(),
		cfg.CanonicalPolicy(),
		seen,
		ldg,
		alloc,
		clock,
		idGen,
		logger.Named("frontier"),
	)
	if err != nil {
		return fmt.Errorf("build frontier: %w", err)
	}

	fusion, err := cascade.NewFusion(cfg.FusionConfig())
	if err != nil {
		return fmt.Errorf("build fusion: %w", err)
	}
	nearDup, err := cascade.NewNearDuplicate(dedup.NewIndex(clock.Now), cfg.Dedup.HammingThreshold)
	if err != nil {
		return fmt.Errorf("build near-duplicate stage: %w", err)
	}
	casc, err := cascade.New(
		fusion,
		cfg.Cascade.OverrideStages,
		logger.Named("cascade"),
		cascade.NewStructuralGate(cfg.StructuralConfig()),
		cascade.NewKeywordSkim(cfg.Cascade.BoringKeywords),
		nearDup,
	)
	if err != nil {
		return fmt.Errorf("build cascade: %w", err)
	}

	var pub crawler.Publisher
	switch cfg.PubSub.Backend {
	case "pubsub":
		p, err := pubsubpub.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		defer func() { _ = p.Close() }()
		pub = p
		logger.Info("using pubsub publisher", zap.String("project", cfg.PubSub.ProjectID))
	default:
		pub = memorypub.New()
	}

	router, err := triage.NewRouter(cfg.TriageConfig(), casc, front, pub, clock, logger.Named("triage"))
	if err != nil {
		return fmt.Errorf("build triage router: %w", err)
	}

	snapStore, err := buildSnapshotStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	persister, err := frontier.NewPersister(front, snapStore, cfg.Snapshot.Name, cfg.SnapshotInterval(), logger.Named("snapshot"))
	if err != nil {
		return fmt.Errorf("build snapshot persister: %w", err)
	}
	if err := persister.Load(ctx); err != nil {
		return fmt.Errorf("restore frontier snapshot: %w", err)
	}

	go persister.Run(ctx)
	go front.RunReaper(ctx)

	extractor := extract.New(extract.Config{}, cfg.CanonicalPolicy(), clock)

	apiServer := api.NewServer(api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, front, router, extractor, clock, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildSnapshotStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "local":
		store, err := localsnap.New(localsnap.Config{BaseDir: cfg.Snapshot.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local snapshot store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		store, err := gcssnap.New(client, gcssnap.Config{Bucket: cfg.Snapshot.GCSBucket, Prefix: cfg.Snapshot.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("build gcs snapshot store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := pgsnap.New(ctx, pgsnap.Config{DSN: cfg.Snapshot.DSN, Table: cfg.Snapshot.Table})
		if err != nil {
			return nil, fmt.Errorf("build postgres snapshot store: %w", err)
		}
		return store, nil
	default:
		logger.Info("using in-memory snapshot store, frontier state will not survive restarts")
		return memorysnap.New(), nil
	}
}
