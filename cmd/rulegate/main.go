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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaypoint/rulegate/internal/admin"
	"github.com/relaypoint/rulegate/internal/auth"
	"github.com/relaypoint/rulegate/internal/config"
	"github.com/relaypoint/rulegate/internal/logging"
	"github.com/relaypoint/rulegate/internal/metrics"
	"github.com/relaypoint/rulegate/internal/proxy"
	"github.com/relaypoint/rulegate/internal/ratelimit"
	"github.com/relaypoint/rulegate/internal/rules"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (defaults only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rulegate stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server gracefully stopped")
}

// app is the wired gateway: rule store, limiter, metrics and the handlers
// built on them.
type app struct {
	store   *rules.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Registry
	handler http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	storage, err := newStorage(cfg.Store)
	if err != nil {
		return nil, err
	}

	store, err := rules.Open(ctx, storage, rules.Options{
		ReloadInterval: cfg.Store.ReloadInterval,
		Watch:          cfg.Store.Watch,
		Logger:         logger.Named("store"),
	})
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		CleanupInterval: cfg.Proxy.LimiterCleanup,
		IdleTTL:         cfg.Proxy.LimiterIdleTTL,
	})

	m := metrics.New(metrics.Config{
		Namespace:      cfg.Metrics.Namespace,
		LatencyBuckets: cfg.Metrics.LatencyBuckets,
	})

	t := cfg.Proxy.Transport
	dispatcher, err := proxy.NewDispatcher(proxy.Options{
		Rules:   store,
		Gate:    auth.NewGate(),
		Limiter: limiter,
		Metrics: m,
		Forwarder: proxy.NewHTTPForwarder(proxy.TransportConfig{
			MaxIdleConns:        t.MaxIdleConns,
			MaxIdleConnsPerHost: t.MaxIdleConnsPerHost,
			IdleConnTimeout:     t.IdleConnTimeout,
			DialTimeout:         t.DialTimeout,
			TLSHandshakeTimeout: t.TLSHandshakeTimeout,
		}),
		ExcludedPaths:  cfg.Proxy.ExcludedPaths,
		DefaultTimeout: cfg.Proxy.DefaultTimeout,
		Logger:         logger.Named("dispatch"),
	})
	if err != nil {
		limiter.Stop()
		store.Close()
		return nil, err
	}

	var adminHandler *admin.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.New(store, m, cfg.Admin.Prefix, logger.Named("admin"))
	}

	return &app{
		store:   store,
		limiter: limiter,
		metrics: m,
		handler: admin.NewRouter(adminHandler, dispatcher),
	}, nil
}

func (a *app) Close() error {
	a.limiter.Stop()
	return a.store.Close()
}

func newStorage(cfg config.StoreConfig) (rules.Storage, error) {
	switch cfg.Backend {
	case "sqlite":
		return rules.NewSQLiteStorage(cfg.Path)
	case "file", "":
		return rules.NewFileStorage(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.store.Get()
	logger.Info("configuration loaded",
		zap.String("store", cfg.Store.Backend),
		zap.String("path", cfg.Store.Path),
		zap.String("version", snap.Version),
		zap.Int("routes", len(snap.Routes)),
		zap.Bool("admin", cfg.Admin.Enabled),
	)

	// WriteTimeout is usually 0: streaming responses are bounded per route.
	servers := []*http.Server{{
		Addr:         cfg.Addr(),
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}}

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, a.metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metricsMux,
		})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			logger.Info("server starting", zap.String("address", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
