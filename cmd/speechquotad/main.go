// Command speechquotad serves the metered text-to-speech API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/speechquota"
	"github.com/ineyio/speechquota/internal/httpserver"
	"github.com/ineyio/speechquota/meter"
	"github.com/ineyio/speechquota/policy"
	"github.com/ineyio/speechquota/provider/azure"
	"github.com/ineyio/speechquota/quota"
	pgstore "github.com/ineyio/speechquota/quota/postgres"
	redisstore "github.com/ineyio/speechquota/quota/redis"
	sqlitestore "github.com/ineyio/speechquota/quota/sqlite"
)

func main() {
	configPath := flag.String("config", "speechquota.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := speechquota.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("speechquotad stopped", zap.Error(err))
	}
}

func run(cfg speechquota.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, purger, closeStore, err := openStore(ctx, cfg.Storage, cfg.Retention)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("quota store ready", zap.String("driver", cfg.Storage.Driver))

	meters := []speechquota.Meter{meter.NewZapMeter(logger)}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pm, err := meter.NewPrometheusMeter(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		meters = append(meters, pm)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("speechquotad"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		meters = append(meters, meter.NewNATSMeter(nc, cfg.NATS.Subject, func(err error) {
			logger.Error("publish ledger anomaly", zap.Error(err))
		}))
		logger.Info("publishing ledger anomalies", zap.String("subject", cfg.NATS.Subject))
	}

	synthOpts := []azure.Option{
		azure.WithHTTPClient(&http.Client{Timeout: cfg.Synthesis.Timeout}),
		azure.WithDefaultVoice(cfg.Synthesis.DefaultVoice),
	}
	if cfg.Synthesis.BaseURL != "" {
		synthOpts = append(synthOpts, azure.WithBaseURL(cfg.Synthesis.BaseURL))
	}
	if cfg.Synthesis.OutputFormat != "" {
		synthOpts = append(synthOpts, azure.WithOutputFormat(cfg.Synthesis.OutputFormat))
	}

	keyPolicy, err := policy.ByName(cfg.Synthesis.KeyPolicy)
	if err != nil {
		return err
	}

	svc, err := speechquota.NewService(store, azure.New(synthOpts...),
		speechquota.WithPolicy(keyPolicy),
		speechquota.WithMeter(meter.Multi(meters...)),
		speechquota.WithPlans(cfg.EffectivePlans()),
		speechquota.WithLocation(cfg.Location()),
		speechquota.WithMaxAttempts(cfg.Synthesis.MaxAttempts),
		speechquota.WithLedgerRetries(cfg.Synthesis.LedgerRetries),
		speechquota.WithDefaultVoice(cfg.Synthesis.DefaultVoice),
		speechquota.WithDefaultFormat(cfg.Synthesis.OutputFormat),
	)
	if err != nil {
		return err
	}

	admin := speechquota.NewAdmin(svc)
	if n, err := admin.SeedKeys(ctx, cfg.Keys); err != nil {
		return err
	} else if n > 0 {
		logger.Info("seeded keys from config", zap.Int("created", n))
	}

	serverOpts := []httpserver.Option{httpserver.WithLogger(logger.Named("http"))}
	if metricsHandler != nil {
		serverOpts = append(serverOpts, httpserver.WithMetrics(cfg.Metrics.Path, metricsHandler))
	}
	if purger != nil {
		purgeOpts := []speechquota.PurgerOption{
			speechquota.WithReservationReaper(store, cfg.Retention.ReservationTTL),
		}
		if cleaner, ok := store.(speechquota.CommitCleaner); ok {
			purgeOpts = append(purgeOpts, speechquota.WithCommitCleaner(cleaner, cfg.Retention.CommitTTL))
		}
		p := speechquota.NewPurger(purger, cfg.Retention.DailyDays, cfg.Retention.MonthlyMonths, nil, purgeOpts...)
		p.OnError(func(err error) { logger.Warn("maintenance failed", zap.Error(err)) })
		go p.Run(ctx, cfg.Retention.Interval)
		serverOpts = append(serverOpts, httpserver.WithPurger(p))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpserver.New(svc, admin, serverOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore connects the configured ledger backend. Every backend also
// purges its own usage rows.
func openStore(ctx context.Context, cfg speechquota.StorageConfig, retention speechquota.RetentionConfig) (speechquota.Store, speechquota.UsagePurger, func(), error) {
	switch cfg.Driver {
	case "memory":
		s := quota.NewMemoryStore()
		return s, s, func() {}, nil

	case "sqlite":
		s, err := sqlitestore.New(cfg.DSN, sqlitestore.WithTablePrefix(cfg.Prefix))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := pgstore.New(pool, pgstore.WithTablePrefix(cfg.Prefix))
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return s, s, pool.Close, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		daily, monthly := retention.UsageTTL()
		s := redisstore.New(client,
			redisstore.WithKeyPrefix(cfg.Prefix),
			redisstore.WithUsageTTL(daily, monthly),
			redisstore.WithCommitTTL(retention.CommitTTL),
		)
		return s, s, func() { _ = client.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newLogger(cfg speechquota.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = cfg.Format
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	if err := zapCfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "speechquotad")), nil
}
