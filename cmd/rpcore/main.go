// Command rpcore is the process entry point: it loads a configuration
// document, builds one connection manager per listener, and runs them
// until a termination signal asks for a graceful drain.
//
// This replaces the teacher's cmd/caddy module-registry-and-cobra-command
// entry point with a small flag-based one (spec.md §1 carves the config
// parser and CLI surface out as an external collaborator), but keeps its
// signal-driven drain shape from caddyhttp/httpserver/graceful.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rpcore/rpcore/internal/cluster"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/connmanager"
	"github.com/rpcore/rpcore/internal/dfp"
	"github.com/rpcore/rpcore/internal/filtermanager"
	"github.com/rpcore/rpcore/internal/filters/encode"
	"github.com/rpcore/rpcore/internal/log"
	"github.com/rpcore/rpcore/internal/metrics"
	"github.com/rpcore/rpcore/internal/router"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration document")
	logLevel := flag.String("log-level", "info", "zap log level (debug, info, warn, error)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables it)")
	dfpIdleTTL := flag.Duration("dfp-idle-ttl", 5*time.Minute, "idle eviction TTL for dynamic-forward-proxy sub-clusters")
	flag.Parse()

	var level zapcore.Level
	if err := level.Set(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "rpcore: invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logger := log.Must(log.New(level))
	defer logger.Sync() //nolint:errcheck

	if err := run(logger, *configPath, *metricsAddr, *dfpIdleTTL); err != nil {
		logger.Error("rpcore exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, configPath, metricsAddr string, dfpIdleTTL time.Duration) error {
	if configPath == "" {
		return errors.New("missing required -config flag")
	}
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	cfg, err := config.Load(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg := metrics.NewRegistry()
	clusters := cluster.NewManager(cfg.Clusters, reg)
	dfpStores := buildDFPStores(clusters, cfg.Clusters, dfpIdleTTL, reg)
	stopReaper := startDFPReapers(logger, dfpStores, dfpIdleTTL)
	defer stopReaper()

	if metricsAddr != "" {
		startMetricsServer(logger, metricsAddr, reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managers := make([]*connmanager.Manager, 0, len(cfg.Listeners))
	listeners := make([]net.Listener, 0, len(cfg.Listeners))
	for _, lnCfg := range cfg.Listeners {
		table := &router.Table{Name: lnCfg.Address, Routes: toRoutes(lnCfg.Routes)}

		ln, err := net.Listen("tcp", lnCfg.Address)
		if err != nil {
			closeAll(listeners)
			return fmt.Errorf("listening on %q: %w", lnCfg.Address, err)
		}

		m := connmanager.New(logger, cfg.ConnectionManager, table, clusters, encoderFilterFactory, reg, dfpStores)
		managers = append(managers, m)
		listeners = append(listeners, ln)

		logger.Info("listening", zap.String("address", lnCfg.Address), zap.Int("routes", len(lnCfg.Routes)))
		ln := ln
		m := m
		go func() {
			if err := m.Serve(ctx, ln); err != nil {
				logger.Error("listener exited", zap.String("address", ln.Addr().String()), zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, draining listeners")
	for _, m := range managers {
		m.Drain()
	}
	for _, m := range managers {
		m.Wait()
	}
	logger.Info("drain complete, exiting")
	return nil
}

// encoderFilterFactory builds the per-stream encoder filters every
// connection manager installs ahead of the codec: currently just the
// compression filter, negotiated per request.
func encoderFilterFactory() []filtermanager.EncoderFilter {
	return []filtermanager.EncoderFilter{encode.New()}
}

func toRoutes(routes []config.RouteConfig) []router.Route {
	out := make([]router.Route, len(routes))
	for i, r := range routes {
		out[i] = router.Route{
			Name:        r.Name,
			Methods:     r.Methods,
			HostExact:   r.HostExact,
			PathPrefix:  r.PathPrefix,
			ClusterName: r.ClusterName,
		}
	}
	return out
}

// buildDFPStores builds one dfp.Store per DYNAMIC_FORWARD_PROXY cluster,
// keyed by that cluster's configured name — the same key internal/router
// uses to look up the store that serves a request matched to it (spec.md
// §4.6's on-demand sub-cluster resolution).
func buildDFPStores(clusters *cluster.Manager, cfgs []config.ClusterConfig, idleTTL time.Duration, reg *metrics.Registry) map[string]*dfp.Store {
	stores := make(map[string]*dfp.Store)
	for _, c := range cfgs {
		if c.Type != config.DiscoveryDynamicForwardProxy {
			continue
		}
		stores[c.Name] = dfp.NewStore(clusters, dfp.SystemResolver{}, c.LBPolicy, idleTTL, reg)
	}
	return stores
}

// startDFPReapers periodically evicts idle sub-clusters out of every DFP
// store, mirroring spec.md §4.6's idle-TTL reclamation. Plain-ticker driven
// rather than routed through internal/dispatcher's single-threaded Loop:
// the loop models per-worker request dispatch, and reaping is a
// process-wide housekeeping concern with no per-stream ordering
// requirement.
func startDFPReapers(logger *zap.Logger, stores map[string]*dfp.Store, idleTTL time.Duration) func() {
	if len(stores) == 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(idleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, s := range stores {
					evicted := s.ReapIdle()
					if len(evicted) > 0 {
						logger.Debug("reaped idle dynamic-forward-proxy sub-clusters", zap.Strings("clusters", evicted))
					}
				}
			}
		}
	}()
	return func() { close(done) }
}

func startMetricsServer(logger *zap.Logger, addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", zap.Error(err))
		}
	}()
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
