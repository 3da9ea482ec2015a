// Command connector exposes the metrics of a Sōzu proxy to Prometheus. It
// loads a YAML configuration file, resolves the proxy command socket, serves
// GET /metrics by querying the proxy on every scrape, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/config"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/server/rest"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		verbosity   int
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("sozu-prometheus-connector", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the configuration file (default: search the standard locations)")
	flagSet.CountVarP(&verbosity, "verbose", "v", "increase log verbosity, may be repeated")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("sozu-prometheus-connector", version)
		return nil
	}

	if configPath == "" {
		var err error
		if configPath, err = config.Locate(); err != nil {
			return err
		}
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, verbosity)
	slog.SetDefault(logger)

	socket, err := config.ResolveCommandSocket(cfg)
	if err != nil {
		return err
	}

	logger.Info("sozu prometheus connector starting",
		slog.String("version", version),
		slog.String("config", configPath),
		slog.String("command_socket", socket),
		slog.String("listening_address", cfg.ListeningAddress),
	)

	// ── Self telemetry ────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ── Proxy session ─────────────────────────────────────────────────────────
	q := cfg.Sozu.Query
	session := transport.New(socket, logger,
		transport.WithTimeout(cfg.Sozu.Timeout),
		transport.WithMaxResurrections(cfg.Sozu.MaxResurrections),
		transport.WithMaxProcessingWaits(cfg.Sozu.MaxProcessingWaits),
		transport.WithMaxFrameSize(cfg.Sozu.MaxFrameSize),
		transport.WithQueryOptions(transport.QueryMetricsOptions{
			ClusterIDs:  q.ClusterIDs,
			BackendIDs:  q.BackendIDs,
			MetricNames: q.MetricNames,
			NoClusters:  q.NoClusters,
			Workers:     q.Workers,
		}),
		transport.WithMetrics(transport.NewMetrics(reg)),
	)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("closing command channel", slog.Any("error", err))
		}
	}()

	// ── REST server ───────────────────────────────────────────────────────────
	pubKey, err := loadPublicKey(cfg.Authorization.JWTPublicKey)
	if err != nil {
		return err
	}
	if pubKey != nil {
		logger.Info("JWT validation enabled on /metrics")
	}

	opts := []rest.ServerOption{
		rest.WithLogger(logger),
		rest.WithHTTPMetrics(rest.NewHTTPMetrics(reg)),
		rest.WithCompression(cfg.HTTP.Compress),
	}
	if cfg.Telemetry.ConnectorMetrics {
		opts = append(opts, rest.WithSelfMetrics(reg))
	}
	restSrv := rest.NewServer(session, opts...)
	handler := rest.NewRouter(restSrv, pubKey,
		rest.WithIssuer(cfg.Authorization.Issuer),
		rest.WithAudience(cfg.Authorization.Audience),
	)

	httpServer := &http.Server{
		Addr:         cfg.ListeningAddress,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListeningAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			return err
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("sozu prometheus connector exited cleanly")
	return nil
}

// loadPublicKey reads the PEM RSA key at path. An empty path disables
// authentication and returns a nil key.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	key, err := rest.ParseRSAPublicKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse JWT public key %s: %w", path, err)
	}
	return key, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr. Each verbosity step lowers the configured level by one.
func newLogger(level string, verbosity int) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	l -= slog.Level(4 * verbosity)
	if l < slog.LevelDebug {
		l = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
