package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/infra/buildinfo"
	"github.com/yndnr/dps-go/internal/infra/confloader"
	"github.com/yndnr/dps-go/internal/infra/shutdown"
	"github.com/yndnr/dps-go/internal/server/clusterserver"
	"github.com/yndnr/dps-go/internal/server/config"
	"github.com/yndnr/dps-go/internal/server/dpsserver"
	"github.com/yndnr/dps-go/internal/server/httpserver"
	"github.com/yndnr/dps-go/internal/telemetry/logger"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

const shutdownTimeout = 30 * time.Second

// node owns every component of a running server.
type node struct {
	cfg    *config.ServerConfig
	loader *confloader.Loader
	log    *slog.Logger

	metrics   *metric.Registry
	transport *dpsserver.Server
	cluster   *clusterserver.Server
	engine    *service.Engine
	http      *httpserver.Server
	httpAddr  net.Addr
	watcher   *confloader.Watcher
	reloadMu  sync.Mutex

	shutdown *shutdown.Handler
}

// run starts a node and blocks until a termination signal or ctx ends.
func run(ctx context.Context, cfg *config.ServerConfig, loader *confloader.Loader) error {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	log.Info("starting dps-server", "build", buildinfo.Get(), "config", loader.FilePath())

	n := &node{
		cfg:      cfg,
		loader:   loader,
		log:      log,
		shutdown: shutdown.NewHandler(shutdownTimeout),
	}
	if err := n.start(); err != nil {
		return multierr.Append(err, n.shutdown.Shutdown())
	}

	log.Info("server started, press Ctrl+C to stop")
	if err := n.shutdown.WaitContext(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

// start brings components up in dependency order. Every component that
// started registers its own shutdown hook, so a failure part way through
// is unwound by running the handler.
func (n *node) start() error {
	n.metrics = metric.NewRegistry()

	n.transport = dpsserver.New(dpsserver.Config{
		ListenAddr: n.cfg.Server.DPS.Addr,
		Logger:     n.log,
		Metrics:    n.metrics,
	})
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("start dps transport: %w", err)
	}
	n.shutdown.OnShutdown(func(ctx context.Context) error {
		n.log.Info("shutting down dps transport")
		return n.transport.Shutdown(ctx)
	})

	clusterCfg, err := config.ToClusterConfig(n.cfg, n.transport.Addr(), n.log)
	if err != nil {
		return fmt.Errorf("cluster config: %w", err)
	}
	n.cluster, err = clusterserver.New(clusterCfg)
	if err != nil {
		return fmt.Errorf("init cluster: %w", err)
	}

	n.engine = service.NewEngine(config.ToEngineConfig(n.cfg, n.log, n.metrics), n.transport, n.cluster.Database())
	n.transport.SetHooks(dpsserver.Hooks{
		NextQueryID: n.engine.Registry().NextQueryID,
		Retransmit:  n.engine.Retransmit,
		Acks:        n.engine,
		Replicas:    n.engine,
		Liveness:    n.engine.Hosts,
	})
	n.engine.Start()
	n.shutdown.OnShutdown(func(context.Context) error {
		n.log.Info("stopping engine")
		n.engine.Stop()
		return nil
	})

	if err := n.cluster.Start(); err != nil {
		return fmt.Errorf("start cluster: %w", err)
	}
	n.shutdown.OnShutdown(func(ctx context.Context) error {
		n.log.Info("leaving cluster")
		return n.cluster.Shutdown(ctx)
	})

	if err := n.startHTTP(); err != nil {
		return err
	}

	if path := n.loader.FilePath(); path != "" {
		if err := n.startWatcher(path); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) startHTTP() error {
	ln, err := net.Listen("tcp", n.cfg.Server.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", n.cfg.Server.HTTP.Addr, err)
	}
	n.httpAddr = ln.Addr()
	n.http = httpserver.New(n.cfg.Server.HTTP.Addr, httpserver.NewRouter(&httpserver.RouterConfig{
		Engine:    n.engine,
		Cluster:   n.cluster.Database(),
		Metrics:   n.metrics,
		Logger:    n.log,
		RateLimit: n.cfg.Server.HTTP.RateLimit,
		RateBurst: n.cfg.Server.HTTP.RateBurst,
		AccessLog: n.cfg.Server.HTTP.AccessLog,
	}))

	go func() {
		n.log.Info("HTTP server listening", "addr", n.httpAddr.String())
		if err := n.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("HTTP server error", "error", err)
		}
	}()
	n.shutdown.OnShutdown(func(ctx context.Context) error {
		n.log.Info("shutting down HTTP server")
		return n.http.Shutdown(ctx)
	})
	return nil
}

func (n *node) startWatcher(path string) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(n.log))
	if err != nil {
		return fmt.Errorf("init config watcher: %w", err)
	}
	if err := w.Watch(path); err != nil {
		return multierr.Append(fmt.Errorf("watch %s: %w", path, err), w.Stop())
	}
	w.OnChange(func(string) { n.reload() })
	w.StartAsync()
	n.watcher = w
	n.shutdown.OnShutdown(func(context.Context) error {
		return w.Stop()
	})
	return nil
}

// reload applies the settings that can change at runtime. Everything else
// in the file is ignored until restart.
func (n *node) reload() {
	n.reloadMu.Lock()
	defer n.reloadMu.Unlock()

	next := config.Default()
	if err := n.loader.Reload(next); err != nil {
		n.log.Warn("config reload failed, keeping current settings", "error", err)
		return
	}
	if err := config.Verify(next); err != nil {
		n.log.Warn("reloaded config is invalid, keeping current settings", "error", err)
		return
	}

	if err := logger.SetLevel(next.Log.Level); err != nil {
		n.log.Warn("apply log level", "error", err)
	}
	n.engine.Hosts.SetProbeRate(next.Heartbeat.ProbesPerSecond, next.Heartbeat.ProbeBurst)
	n.log.Info("configuration reloaded",
		"log_level", next.Log.Level,
		"probes_per_second", next.Heartbeat.ProbesPerSecond,
		"probe_burst", next.Heartbeat.ProbeBurst)
}
