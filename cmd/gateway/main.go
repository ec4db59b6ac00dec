// Command gateway is the process entry point: flag parsing, configuration
// loading, logger construction, and HTTP server bootstrapping. None of
// this is core gateway logic — per spec.md §1, "HTTP server bootstrapping"
// and "configuration loading" are external collaborators the core is
// wired against, not things it does itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wudi/canary-gateway/internal/config"
	"github.com/wudi/canary-gateway/internal/discovery"
	"github.com/wudi/canary-gateway/internal/events"
	"github.com/wudi/canary-gateway/internal/gateway"
	"github.com/wudi/canary-gateway/internal/logging"
)

// liveGateway lets a config hot-reload (running on the watcher's own
// goroutine) swap in a freshly built *gateway.Gateway without the
// already-running http.Server needing to know anything changed.
type liveGateway struct {
	ptr atomic.Pointer[gateway.Gateway]
}

func (l *liveGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.ptr.Load().ServeHTTP(w, r)
}

var (
	buildVersion = "dev"
	buildTime    = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", ":8080", "Address the gateway listens on")
	metricsAddr := flag.String("metrics-listen", ":9090", "Address the Prometheus /metrics endpoint listens on")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	logLevel := flag.String("log-level", "info", "Logger level: debug, info, warn, error")
	flag.Parse()

	if *showVersion {
		fmt.Printf("canary-gateway %s (built %s)\n", buildVersion, buildTime)
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{Level: *logLevel, Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	if closer != nil {
		defer closer.Close()
	}
	defer logger.Sync()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.String("path", *configPath), zap.Error(err))
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logger.Info("starting canary-gateway",
		zap.String("version", buildVersion),
		zap.String("config", *configPath),
		zap.Int("routes", len(watcher.GetConfig().Gateway.Routes)),
	)

	sink := events.FuncSink(func(e events.Event) {
		logger.Info("gateway event",
			zap.String("kind", string(e.Kind)),
			zap.String("route", e.Route),
			zap.String("service", e.Service),
			zap.Any("data", e.Data),
		)
	})

	registry := discovery.NewMemory()

	gw, err := gateway.New(watcher.GetConfig(), registry, sink, logger)
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}
	gw.Start()

	live := &liveGateway{}
	live.ptr.Store(gw)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(gw.PrometheusCollector())

	watcher.OnChange(func(cfg *config.Config) {
		reloaded, err := gateway.New(cfg, registry, sink, logger)
		if err != nil {
			logger.Error("failed to rebuild gateway from reloaded configuration", zap.Error(err))
			return
		}
		reloaded.Start()
		old := live.ptr.Swap(reloaded)
		promRegistry.Unregister(old.PrometheusCollector())
		promRegistry.MustRegister(reloaded.PrometheusCollector())
		old.Stop()
		logger.Info("gateway rebuilt from reloaded configuration")
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("configuration hot-reload disabled", zap.Error(err))
	}

	defer live.ptr.Load().Stop()

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: live,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	go func() {
		logger.Info("serving metrics", zap.String("addr", *metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("listening", zap.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
	if err := watcher.Stop(); err != nil {
		logger.Warn("failed to stop config watcher", zap.Error(err))
	}
}
