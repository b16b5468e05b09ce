package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/galois26/page-weight-monitor/internal/browser/cdp"
	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/logger"
	"github.com/galois26/page-weight-monitor/internal/metrics"
	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/postprocess"
	"github.com/galois26/page-weight-monitor/internal/runner"
	"github.com/galois26/page-weight-monitor/internal/scheduler"
	"github.com/galois26/page-weight-monitor/internal/session"
	"github.com/galois26/page-weight-monitor/internal/sink"
	"github.com/galois26/page-weight-monitor/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		cfgPath  = flag.String("config", "/config.yml", "path to YAML config")
		once     = flag.Bool("once", false, "run a single cycle then exit")
		mode     = flag.String("mode", "", "production or diagnostic (overrides config)")
		logLevel = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	)
	flag.Parse()

	// Flags win over the file and the environment; they go through the
	// same override path so validation sees the final values.
	if *mode != "" {
		_ = os.Setenv("PWM_MODE", *mode)
	}
	if *logLevel != "" {
		_ = os.Setenv("PWM_LOG_LEVEL", *logLevel)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "page-weight-monitor: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("page-weight-monitor", logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)
	log.Info("starting", "version", Version, "mode", cfg.Mode, "urls", len(cfg.URLs))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath, cfg, *once, log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// state is the part of the config that can change on reload.
type state struct {
	jobs    []model.Job
	labeler *postprocess.Engine
}

func newState(cfg *config.Config) (*state, error) {
	eng, err := postprocess.New(cfg.Post)
	if err != nil {
		return nil, err
	}
	return &state{jobs: cfg.Jobs(), labeler: eng}, nil
}

// checkOnce rejects a single-cycle run whose samples could only end up in
// gauges that no server would expose.
func checkOnce(cfg *config.Config, log *slog.Logger) error {
	if cfg.Mode != config.ModeProduction || !cfg.Sinks.Prometheus.Enable {
		return nil
	}
	sc := cfg.Sinks
	if sc.Victoria.URL == "" && sc.Loki.URL == "" && sc.Store.DSN == "" && sc.Redis.Addr == "" && sc.NATS.URL == "" {
		return &config.ConfigError{Field: "sinks.prometheus", Err: errors.New("-once with the prometheus sink alone persists nothing")}
	}
	log.Warn("prometheus sink is not scraped with -once; its samples are dropped")
	return nil
}

func run(ctx context.Context, cfgPath string, cfg *config.Config, once bool, log *slog.Logger) error {
	if once {
		if err := checkOnce(cfg, log); err != nil {
			return err
		}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	out, closeSinks, err := buildSinks(ctx, cfg, reg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSinks(); err != nil {
			log.Warn("close sinks", "error", err)
		}
	}()

	var srv *metrics.Server
	if !once && (cfg.Metrics.Enable || cfg.Sinks.Prometheus.Enable) {
		srv = metrics.NewServer(cfg.Metrics, reg)
		go func() {
			if err := srv.Serve(); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		log.Info("metrics server listening", "addr", cfg.Metrics.ListenAddress)
	}

	br, err := cdp.New(ctx, cfg.Browser, log)
	if err != nil {
		if srv != nil {
			srv.SetHealthy(false)
		}
		return err
	}
	defer func() {
		if err := br.Close(); err != nil {
			log.Warn("close browser", "error", err)
		}
	}()
	drv := session.NewDriver(br, log)

	st, err := newState(cfg)
	if err != nil {
		return err
	}
	var cur atomic.Pointer[state]
	cur.Store(st)

	task := func(ctx context.Context) {
		s := cur.Load()
		r := runner.New(drv, out, log, runner.Options{
			Concurrency:   cfg.Concurrency,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			Labeler:       s.labeler,
			Metrics:       m,
		})
		sum, err := r.Run(ctx, s.jobs)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("run aborted", "run_id", sum.RunID, "error", err)
		}
		if srv != nil {
			srv.SetHealthy(sum.Jobs == 0 || sum.Failed < sum.Jobs)
		}
	}

	if once {
		task(ctx)
		return nil
	}

	go func() {
		err := config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			ns, err := newState(next)
			if err != nil {
				log.Error("config reload rejected", "error", err)
				return
			}
			cur.Store(ns)
			log.Info("config reloaded", "urls", len(ns.jobs))
		})
		if err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}()

	sched, err := scheduler.New(cfg.Schedule, cfg.Interval, task, log)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

// buildSinks returns the diagnostic printer or the configured persistence
// sinks, plus a func releasing their connections.
func buildSinks(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, log *slog.Logger) (sink.Sink, func() error, error) {
	if cfg.Mode == config.ModeDiagnostic {
		return sink.NewLog(os.Stdout), func() error { return nil }, nil
	}

	var sinks sink.Multi
	fail := func(err error) (sink.Sink, func() error, error) {
		_ = sinks.Close()
		return nil, nil, err
	}
	sc := cfg.Sinks
	if sc.Victoria.URL != "" {
		s, err := sink.NewVictoria(sc.Victoria)
		if err != nil {
			return fail(fmt.Errorf("init victoria sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if sc.Loki.URL != "" {
		sinks = append(sinks, sink.NewLoki(sc.Loki))
	}
	if sc.Prometheus.Enable {
		s, err := sink.NewPrometheus(reg)
		if err != nil {
			return fail(fmt.Errorf("init prometheus sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if sc.Store.DSN != "" {
		s, err := store.Open(ctx, sc.Store.Driver, sc.Store.DSN)
		if err != nil {
			return fail(fmt.Errorf("init store sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if sc.Redis.Addr != "" {
		s, err := sink.NewRedis(ctx, sc.Redis)
		if err != nil {
			return fail(fmt.Errorf("init redis sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if sc.NATS.URL != "" {
		s, err := sink.NewNATS(sc.NATS)
		if err != nil {
			return fail(fmt.Errorf("init nats sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	for _, s := range sinks {
		log.Info("configured sink", "sink", s.Name())
	}
	return sinks, sinks.Close, nil
}
