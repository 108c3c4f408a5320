package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnykmshr/tokenflow/internal/config"
	"github.com/vnykmshr/tokenflow/internal/logger"
	"github.com/vnykmshr/tokenflow/internal/workload"
	"github.com/vnykmshr/tokenflow/pkg/metrics"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/keyed"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/reconfig"
)

func newRunCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured workers against the limiter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "apply rate and burst edits to the config file while running")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, watch bool) error {
	m := config.NewManager(cfgFile)
	cfg, err := loadConfig(m)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Close()

	metricsConfig := metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Registry:  prometheus.DefaultRegisterer,
		Namespace: cfg.Metrics.Namespace,
	}

	target, admitter := buildLimiter(cfg, metricsConfig, log.Logger)

	sched := reconfig.New(target, reconfig.Config{
		Logger:  log.Named("reconfig"),
		Metrics: metricsConfig,
		OnError: func(id string, err error) {
			log.Error("scheduled change failed", zap.String("id", id), zap.Error(err))
		},
	})
	if err := addSchedule(sched, cfg.Schedule); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() { <-sched.Stop() }()

	if watch && m.ConfigFile() != "" {
		m.Watch(func(newCfg *config.Config) {
			reload(target, log, newCfg, logLevel)
		})
		log.Info("watching config file", zap.String("file", m.ConfigFile()))
	}

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Addr, log.Logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("starting workload",
		zap.Float64("rate", float64(target.Limit())),
		zap.Float64("burst", target.Burst()),
		zap.Int("workers", cfg.Workload.Workers),
		zap.String("mode", cfg.Workload.Mode))

	stats := workload.Run(ctx, admitter, workload.Config{
		Workers:      cfg.Workload.Workers,
		Tokens:       cfg.Workload.Tokens,
		MaxWait:      cfg.Workload.MaxWait,
		Mode:         workload.Mode(cfg.Workload.Mode),
		Iterations:   cfg.Workload.Iterations,
		RetryBackoff: cfg.Workload.RetryBackoff,
		Keys:         cfg.Keyed.Keys,
	}, log.Named("workload"))

	fmt.Fprintf(cmd.OutOrStdout(), "granted %d (%.1f tokens), refused %d in %v\n",
		stats.Granted, stats.Tokens, stats.Refused, stats.Duration.Round(time.Millisecond))
	if stats.Abandoned > 0 {
		return fmt.Errorf("%d workers stopped: %.1f tokens exceed the burst of %.1f",
			stats.Abandoned, cfg.Workload.Tokens, target.Burst())
	}
	return nil
}

// buildLimiter returns the reconfiguration target and the admitter the
// workers draw from: a keyed registry, or a single (optionally
// instrumented) limiter.
func buildLimiter(cfg *config.Config, metricsConfig metrics.Config, log *zap.Logger) (bucket.Reconfigurable, workload.Admitter) {
	limiterConfig := bucket.Config{
		Rate:          bucket.Limit(cfg.Limiter.Rate),
		Burst:         cfg.Limiter.Burst,
		InitialTokens: cfg.Limiter.InitialTokens,
		Logger:        log.Named("bucket"),
	}

	if cfg.Keyed.Keys > 0 {
		registry := keyed.New(keyed.Config{
			Limiter:         limiterConfig,
			TTL:             cfg.Keyed.TTL,
			CleanupInterval: cfg.Keyed.CleanupInterval,
			Name:            cfg.Limiter.Name,
			Metrics:         metricsConfig,
			Logger:          log.Named("keyed"),
		})
		return registry, registry
	}

	limiter := bucket.NewWithConfig(limiterConfig)
	if metricsConfig.Enabled {
		instrumented := bucket.Instrument(limiter, cfg.Limiter.Name, metricsConfig)
		return instrumented, workload.Single{Limiter: instrumented}
	}
	return limiter, workload.Single{Limiter: limiter}
}

func addSchedule(sched *reconfig.Schedule, entries []config.ScheduleConfig) error {
	for _, e := range entries {
		change := toChange(e.Rate, e.Burst)
		var err error
		if e.Cron != "" {
			_, err = sched.Cron(e.ID, e.Cron, change)
		} else {
			_, err = sched.After(e.ID, e.After, change)
		}
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.ID, err)
		}
	}
	return nil
}

func toChange(rate, burst *float64) reconfig.Change {
	var change reconfig.Change
	if rate != nil {
		change = change.WithRate(bucket.Limit(*rate))
	}
	if burst != nil {
		change = change.WithBurst(*burst)
	}
	return change
}

// reload pushes an edited config file into the running limiter and logger.
// A log level given on the command line wins over the file.
func reload(target bucket.Reconfigurable, log *logger.Logger, cfg *config.Config, levelOverride string) {
	if levelOverride == "" {
		if err := log.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("ignoring log level from reloaded config", zap.Error(err))
		}
	}

	rate := bucket.Limit(cfg.Limiter.Rate)
	if rate == target.Limit() && cfg.Limiter.Burst == target.Burst() {
		return
	}
	change := reconfig.SetRate(rate).WithBurst(cfg.Limiter.Burst)
	if err := change.Apply(target); err != nil {
		log.Error("config reload rejected", zap.Error(err))
		return
	}
	log.Info("config reloaded", zap.Stringer("change", change))
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
