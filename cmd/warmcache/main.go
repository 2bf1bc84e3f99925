package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/warmcache/internal/app"
	"github.com/mohammed-shakir/warmcache/internal/background"
	"github.com/mohammed-shakir/warmcache/internal/core/config"
	"github.com/mohammed-shakir/warmcache/internal/core/health"
	"github.com/mohammed-shakir/warmcache/internal/core/observability"
	"github.com/mohammed-shakir/warmcache/internal/core/server"
	"github.com/mohammed-shakir/warmcache/internal/jobs"
	"github.com/mohammed-shakir/warmcache/internal/logger"
	"github.com/mohammed-shakir/warmcache/internal/metrics"
	"github.com/mohammed-shakir/warmcache/internal/serve"
	"github.com/mohammed-shakir/warmcache/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		SampleN: cfg.LogSampleN,
		Service: "warmcache",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	for _, w := range cfg.Warnings {
		appLog.Warn("config fallback", "detail", w)
	}

	opts := server.Options{}
	var reg prometheus.Registerer
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Path: os.Getenv("METRICS_PATH"),
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
			Settings: map[string]float64{
				"warm_concurrency":         float64(cfg.WarmConcurrency),
				"warm_hour":                float64(cfg.WarmHour),
				"upstream_timeout_seconds": cfg.Upstream.Timeout.Seconds(),
				"upstream_retries":         float64(cfg.Upstream.Retries),
				"entity_ttl_seconds":       cfg.Cache.EntityTTL.Seconds(),
				"list_ttl_seconds":         cfg.Cache.ListTTL.Seconds(),
			},
		})
		reg = p.Registerer()
		opts.Metrics, opts.MetricsPath = p.Handler(), p.Path()
	} else {
		observability.Init(nil, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("startup failed", "err", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Error("close failed", "err", err)
		}
	}()

	appLog.Info("starting warmcache",
		"addr", cfg.Addr,
		"version", Version,
		"upstream", cfg.Upstream.BaseURL,
		"credentials", a.Creds.Names(),
		"warm_hour", cfg.WarmHour,
		"timezone", cfg.Timezone,
		"concurrency", cfg.WarmConcurrency)

	exec := background.New(appLog.With("component", "background"), cfg.BackgroundSlots)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exec.Close(closeCtx); err != nil {
			appLog.Warn("background tasks did not stop in time", "err", err)
		}
	}()

	checks := a.ReadyChecks()

	invCfg := kafka.FromEnv()
	inv := kafka.New(invCfg, a.Stores, kafka.Options{
		Logger:   appLog.With("component", "invalidation"),
		Register: reg,
		OnApply: func(ctx context.Context, ns string, ks []string) {
			appLog.DebugContext(ctx, "cache entries invalidated", "namespace", ns, "keys", len(ks))
		},
	})
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation runner failed to start", "err", err)
		return 1
	}
	defer inv.Stop()
	if invCfg.Enabled && invCfg.Driver == kafka.DriverKafka {
		checks = append(checks, health.ReporterCheck("kafka", inv))
	}

	if cfg.SchedulerInterval > 0 {
		sched := jobs.NewScheduler(a.Runner, cfg.SchedulerInterval, cfg.SchedulerJobs...)
		defer startBackground(ctx, sched.Run)()
	}

	primary, views, lists := a.Endpoints()
	svc := serve.NewService(a.Warmer, exec, appLog.With("component", "serve"))
	opts.Ready = health.Readiness(2*time.Second, checks...)
	opts.Mounts = []server.Mounter{
		serve.NewHandler(svc, a.Creds, primary, views, lists),
		a.Runner,
	}

	if err := server.Run(ctx, cfg, appLog, opts); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// startBackground runs fn until the returned stop is called or ctx ends.
// stop cancels fn and waits for it, so it is safe to defer when ctx may never end.
func startBackground(ctx context.Context, fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
