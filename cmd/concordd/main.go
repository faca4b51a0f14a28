// concordd runs the decision governance pipeline as a single daemon:
// consensus voting, execution arbitration, liveness monitoring, and the
// forensic ledger behind one HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Concord-Labs/concord/pkg/agent"
	"github.com/Concord-Labs/concord/pkg/arbiter"
	"github.com/Concord-Labs/concord/pkg/audit"
	"github.com/Concord-Labs/concord/pkg/config"
	"github.com/Concord-Labs/concord/pkg/connector"
	"github.com/Concord-Labs/concord/pkg/consensus"
	"github.com/Concord-Labs/concord/pkg/forensic"
	"github.com/Concord-Labs/concord/pkg/heartbeat"
	"github.com/Concord-Labs/concord/pkg/observability"
	"github.com/Concord-Labs/concord/pkg/reputation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("concordd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile(cfg.ProfileDir, cfg.Profile)
	if err != nil {
		return err
	}
	logger.Info("governance profile loaded", "code", profile.Code, "name", profile.Name)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "concord-pipeline",
		ServiceVersion: "1.0.0",
		Environment:    envName(cfg.DryRun),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "off",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	store, closer, err := openLedgerStore(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}
	ledger, err := forensic.Open(ctx, store)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()
	rep := reputation.NewLedger(profile.ReputationSettings())
	auditor := audit.NewLogger()

	monitor := heartbeat.NewMonitor(profile.HeartbeatSettings(), ledger, logger)
	monitor.Subscribe(func(st heartbeat.Status, safe bool) {
		obs.RecordSafeMode(context.Background(), safe)
		logger.Warn("safe mode transition", "status", st, "safe_mode", safe)
	})

	engine := consensus.NewEngine(registry, rep, ledger, logger)
	engine.OnResolution(func(status consensus.Status) {
		obs.RecordProposal(context.Background(), string(status))
	})

	var dedup arbiter.DedupStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		dedup = arbiter.NewRedisDedup(client, "concord")
		logger.Info("redis dedup store enabled", "addr", cfg.RedisAddr)
	} else {
		dedup = arbiter.NewMemoryDedup()
	}

	exchange, market := buildConnectors(cfg, logger)
	arb := arbiter.New(profile.ExecutionLimits(), ledger, dedup, monitor, exchange, logger).
		WithMarketData(market).
		WithExecutionMarker(engine).
		WithOutcomeSink(rep)
	arb.OnVerdict(func(state arbiter.IntentState, reason arbiter.RejectReason) {
		obs.RecordIntentVerdict(context.Background(), string(state), string(reason))
	})
	engine.SetIntentSink(arb)

	go monitor.Run(ctx)
	go engine.Run(ctx, time.Duration(profile.Consensus.SweepIntervalMs)*time.Millisecond)

	srv := &Server{
		registry:         registry,
		rep:              rep,
		engine:           engine,
		arb:              arb,
		monitor:          monitor,
		ledger:           ledger,
		auditor:          auditor,
		obs:              obs,
		logger:           logger,
		defaultThreshold: profile.Consensus.DefaultThreshold,
		defaultTTL:       time.Duration(profile.Consensus.DefaultTTLMs) * time.Millisecond,
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("concordd listening", "port", cfg.Port, "ledger", cfg.LedgerDriver, "dry_run", cfg.DryRun)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envName(dryRun bool) string {
	if dryRun {
		return "dry-run"
	}
	return "production"
}

// openLedgerStore picks the forensic backend from configuration. The
// returned closer, if any, releases the underlying database handle.
func openLedgerStore(cfg *config.Config) (forensic.Store, func() error, error) {
	switch cfg.LedgerDriver {
	case "memory":
		return forensic.NewMemoryStore(), nil, nil
	case "postgres":
		store, err := forensic.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := forensic.OpenSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

// buildConnectors returns the exchange and market-data collaborators. The
// dry-run mode wires the in-memory mock so the whole pipeline runs with no
// external venue.
func buildConnectors(cfg *config.Config, logger *slog.Logger) (connector.Exchange, connector.MarketData) {
	if !cfg.DryRun {
		logger.Warn("no live exchange connector configured, falling back to mock")
	}
	return connector.NewMockExchange(), connector.NewStaticMarketData(map[string]float64{})
}
