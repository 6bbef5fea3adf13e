package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arborworks/arbor/internal/config"
	"github.com/arborworks/arbor/internal/engine"
	"github.com/arborworks/arbor/internal/gateway"
	"github.com/arborworks/arbor/internal/janitor"
	"github.com/arborworks/arbor/internal/launcher"
	"github.com/arborworks/arbor/internal/observability"
	"github.com/arborworks/arbor/internal/probe"
	"github.com/arborworks/arbor/internal/queue"
	"github.com/arborworks/arbor/internal/runner"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/tools"
)

// entryToken is the subcommand the probe looks for in a runtime process
// command line.
const entryToken = "run"

// runtime is the wired object graph shared by all commands.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    *store.RedisStore
	probe    *probe.Prober
	queue    *queue.Queue
	launcher *launcher.Launcher
}

// newRuntime wires the store-level components. Gateway construction is
// separate since only model-calling commands need AWS credentials.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	redisStore, err := store.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}

	metrics := observability.NewMetrics()
	prober := probe.New(redisStore, entryToken, logger)
	q := queue.New(redisStore, prober, logger)
	l := launcher.New(redisStore, q, prober, execPath, entryToken, cfg.Runtime.DefaultModel, logger)
	l.SetMetrics(metrics)
	q.SetLaunchFunc(l.Relaunch)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    redisStore,
		probe:    prober,
		queue:    q,
		launcher: l,
	}, nil
}

// newEngine wires the model-calling half: gateway, tool registry, and
// turn engine.
func (rt *runtime) newEngine(ctx context.Context) (*engine.Engine, error) {
	gw, err := gateway.Dial(ctx, gateway.AWSOptions{
		Region:          rt.cfg.AWS.Region,
		AccessKeyID:     rt.cfg.AWS.AccessKeyID,
		SecretAccessKey: rt.cfg.AWS.SecretAccessKey,
		SessionToken:    rt.cfg.AWS.SessionToken,
	}, rt.store, rt.probe, rt.logger)
	if err != nil {
		return nil, err
	}
	gw.SetMetrics(rt.metrics)
	registry := tools.NewRegistry(
		tools.NewBash(rt.cfg.Runtime.BashTimeout.Std()),
		tools.NewThink(),
		tools.NewSpawnTask(rt.store, rt.launcher),
		tools.NewQueryTask(rt.store, gw, rt.probe, rt.cfg.Runtime.DefaultModel),
	)
	return engine.New(rt.store, rt.queue, gw, registry, rt.metrics, rt.logger), nil
}

// newRunner wires the full per-process run loop.
func (rt *runtime) newRunner(ctx context.Context) (*runner.Runner, error) {
	eng, err := rt.newEngine(ctx)
	if err != nil {
		return nil, err
	}
	j := janitor.New(rt.store, rt.probe, rt.logger)
	return runner.New(rt.store, rt.queue, eng, rt.probe, j, rt.logger), nil
}

// serveMetrics exposes the Prometheus endpoint when enabled. Best
// effort: a bind failure is logged, not fatal.
func (rt *runtime) serveMetrics() {
	if !rt.cfg.Metrics.Enabled {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(rt.cfg.Metrics.Addr, mux); err != nil {
			rt.logger.Warn("metrics endpoint failed", "addr", rt.cfg.Metrics.Addr, "error", err)
		}
	}()
}
