// Package main — cmd/middlewared/main.go
//
// Governance middleware daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/govspine/config.yaml.
//  2. Initialise structured logger (zap, JSON by default).
//  3. Load and validate the initial Constitution from its YAML file.
//  4. Open the BoltDB-backed audit ledger.
//  5. Wire Sensor, Gate, Drafter, Verifier collaborators.
//  6. Construct the Spine.
//  7. Start the Prometheus metrics server (loopback only).
//  8. Start the operator Unix domain socket.
//  9. Start the gRPC caller-facing service.
// 10. Register SIGHUP handler for Constitution hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Stop accepting new gRPC/operator connections.
//  3. Close the ledger.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config or constitution validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/govspine/govspine/internal/budget"
	"github.com/govspine/govspine/internal/config"
	"github.com/govspine/govspine/internal/constitution"
	"github.com/govspine/govspine/internal/drafter"
	"github.com/govspine/govspine/internal/gate"
	"github.com/govspine/govspine/internal/ledger"
	"github.com/govspine/govspine/internal/observability"
	"github.com/govspine/govspine/internal/operator"
	"github.com/govspine/govspine/internal/sensor"
	"github.com/govspine/govspine/internal/spine"
	"github.com/govspine/govspine/internal/transport/grpcapi"
	"github.com/govspine/govspine/internal/verifier"
)

func main() {
	configPath := flag.String("config", "/etc/govspine/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("govspine %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("govspine starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial, err := constitution.LoadFromFile(cfg.Constitution.Path)
	if err != nil {
		log.Fatal("constitution load failed", zap.Error(err), zap.String("path", cfg.Constitution.Path))
	}
	if err := initial.Validate(); err != nil {
		log.Fatal("constitution validation failed", zap.Error(err))
	}
	constStore, err := constitution.NewStore(initial, cfg.Constitution.Path, log)
	if err != nil {
		log.Fatal("constitution store init failed", zap.Error(err))
	}
	log.Info("constitution loaded", zap.Int("version", initial.Version))

	lockFile, err := acquireLedgerLock(cfg.Ledger.DBPath)
	if err != nil {
		log.Fatal("ledger lock failed", zap.Error(err))
	}
	defer lockFile.Close() //nolint:errcheck

	led, err := ledger.Open(cfg.Ledger.DBPath, log)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err), zap.String("path", cfg.Ledger.DBPath))
	}
	defer led.CloseDB() //nolint:errcheck
	log.Info("ledger opened", zap.String("path", cfg.Ledger.DBPath))
	go led.RetentionLoop(ctx, cfg.Ledger.RetentionDays, 6*time.Hour)

	if err := dropNoNewPrivs(); err != nil {
		log.Warn("failed to set PR_SET_NO_NEW_PRIVS", zap.Error(err))
	} else {
		log.Info("PR_SET_NO_NEW_PRIVS set")
	}

	var embedder sensor.Embedder
	var verifierEmbedder verifier.Embedder
	if cfg.Sensor.EmbedderEndpoint != "" {
		e := sensor.NewHTTPEmbedder(cfg.Sensor.EmbedderEndpoint, cfg.Sensor.EmbedderTimeout)
		embedder = e
		verifierEmbedder = e
		log.Info("embedder configured", zap.String("endpoint", cfg.Sensor.EmbedderEndpoint))
	} else {
		log.Warn("no embedder endpoint configured, running on Jaccard fallback only")
	}

	sens := sensor.New(embedder, log)
	g := gate.New()
	verify := verifier.New(verifierEmbedder, log)

	if cfg.Drafter.Endpoint == "" {
		log.Fatal("drafter.endpoint must be set")
	}
	backend := drafter.NewHTTPBackend(cfg.Drafter.Endpoint, cfg.Drafter.Timeout)
	draft := drafter.New(backend, log)

	metrics := observability.NewMetrics()

	if cfg.Drafter.RateLimitCapacity > 0 {
		drafterBudget := budget.New(cfg.Drafter.RateLimitCapacity, cfg.Drafter.RateLimitRefillPeriod)
		defer drafterBudget.Close()
		draft = draft.WithBudget(drafterBudget).WithThrottleObserver(metrics)
		go sampleDrafterBudget(ctx, drafterBudget, metrics)
		log.Info("drafter rate limit enabled",
			zap.Int("capacity", cfg.Drafter.RateLimitCapacity),
			zap.Duration("refill_period", cfg.Drafter.RateLimitRefillPeriod))
	}

	sp := spine.New(spine.Config{
		Constitution:         constStore,
		Sensor:               sens,
		Gate:                 g,
		Drafter:              draft,
		Verifier:             verify,
		Ledger:               led,
		Log:                  log,
		PromptTemplate:       cfg.Spine.PromptTemplate,
		MaxOutstandingDrafts: cfg.Spine.MaxOutstandingDrafts,
		SubmitTimeout:        cfg.Spine.SubmitTimeout,
	})

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, sp, led, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	lis, err := net.Listen("tcp", cfg.Transport.ListenAddr)
	if err != nil {
		log.Fatal("grpc listen failed", zap.Error(err), zap.String("addr", cfg.Transport.ListenAddr))
	}
	gs := grpc.NewServer()
	grpcapi.NewServer(sp, log).Register(gs)
	go func() {
		log.Info("grpc server started", zap.String("addr", cfg.Transport.ListenAddr))
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc server error", zap.Error(err))
		}
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading constitution...")
			if err := constStore.Reload(); err != nil {
				log.Error("constitution hot-reload failed — retaining previous snapshot", zap.Error(err))
				continue
			}
			log.Info("constitution hot-reload successful", zap.Int("version", constStore.Snapshot().Version))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	gs.GracefulStop()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("govspine shutdown complete")
}

// sampleDrafterBudget periodically copies the rate limit bucket's
// remaining token count into the DrafterBudgetRemaining gauge. Runs
// until ctx is cancelled.
func sampleDrafterBudget(ctx context.Context, b *budget.Bucket, m *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DrafterBudgetRemaining.Set(float64(b.Remaining()))
		case <-ctx.Done():
			return
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
