package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/agentworkforce/listmirror/internal/atproto"
	"github.com/agentworkforce/listmirror/internal/config"
	"github.com/agentworkforce/listmirror/internal/dedupe"
	"github.com/agentworkforce/listmirror/internal/firehose"
	"github.com/agentworkforce/listmirror/internal/httpapi"
	"github.com/agentworkforce/listmirror/internal/labelsync"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/listsync"
	"github.com/agentworkforce/listmirror/internal/logging"
	"github.com/agentworkforce/listmirror/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const userAgent = "listmirror/1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "listmirror: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	var missing *config.MissingError
	if err != nil && !errors.As(err, &missing) {
		return err
	}
	cfg, err = parseFlags(args, cfg)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration value ignored", zap.String("detail", warning))
	}

	registry, err := lists.Build(cfg.ListsFile, cfg.Lists)
	if err != nil {
		return fmt.Errorf("load lists: %w", err)
	}
	if registry.Len() == 0 {
		logger.Warn("no lists configured, every label event will be skipped")
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	cache, err := dedupe.BuildCacheFromDSN(cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("marker cache %s: %w", redactDSN(cfg.CacheURL), err)
	}
	defer func() { _ = cache.Close() }()
	if pinger, ok := cache.(interface{ Ping(context.Context) error }); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pinger.Ping(pingCtx); err != nil {
			logger.Warn("marker cache unreachable, events will be processed without deduplication", zap.String("cache", redactDSN(cfg.CacheURL)), zap.Error(err))
		}
		cancel()
	}
	m := metrics.New()

	repo := atproto.NewClient(atproto.ClientOptions{
		Host:       cfg.PDS,
		Identifier: cfg.Handle,
		Password:   cfg.Password,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		UserAgent:  userAgent,
	})
	if err := repo.Login(ctx); err != nil {
		return fmt.Errorf("login to %s: %w", cfg.PDS, err)
	}
	if session := repo.Session(); session != nil && session.DID != "" && session.DID != cfg.DID {
		logger.Warn("session DID differs from configured list owner", zap.String("session_did", session.DID), zap.String("owner", cfg.DID))
	}

	mutator, err := listsync.NewMutator(listsync.MutatorOptions{
		Repository: repo,
		Registry:   registry,
		Owner:      cfg.DID,
		Limiter:    listsync.NewLimiter(cfg.MutationConcurrency, cfg.MutationRate, 0),
		Logger:     logger.Named("listsync"),
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	handler, err := labelsync.NewHandler(labelsync.Options{
		Registry: registry,
		Tracker:  dedupe.NewTracker(cache, logger.Named("dedupe")),
		Mutator:  mutator,
		Logger:   logger.Named("labelsync"),
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	stream, err := firehose.NewClient(firehose.Options{
		URL:       cfg.StreamURL,
		UserAgent: userAgent,
		Logger:    logger.Named("firehose"),
		Metrics:   m,
	}, handler)
	if err != nil {
		return err
	}

	var ops *http.Server
	if cfg.MetricsAddr != "" {
		ops = &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: httpapi.NewServer(httpapi.ServerOptions{
				Stream:   stream,
				Handler:  handler,
				Registry: registry,
				Mutator:  mutator,
				Metrics:  m,
				Logger:   logger.Named("httpapi"),
			}, httpapi.ServerConfig{
				JWTSecret:       cfg.OpsJWTSecret,
				RateLimitMax:    60,
				RateLimitWindow: time.Minute,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("ops listener started", zap.String("addr", cfg.MetricsAddr))
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops listener failed", zap.Error(err))
			}
		}()
	}

	if err := stream.Start(ctx); err != nil {
		return err
	}
	logger.Info("listmirror started",
		zap.String("owner", cfg.DID),
		zap.Strings("lists", registry.Labels()),
		zap.Int("mutation_concurrency", cfg.MutationConcurrency),
	)

	<-ctx.Done()
	logger.Info("shutdown requested, draining in-flight events", zap.Duration("grace", cfg.ShutdownGrace), zap.Int("in_flight", handler.InFlight()))
	stream.Stop()

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := handler.Wait(graceCtx); err != nil {
		logger.Warn("shutdown grace period elapsed", zap.Error(err))
	}
	if ops != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops listener shutdown failed", zap.Error(err))
		}
	}
	logger.Info("listmirror stopped")
	return nil
}

// parseFlags lets command-line flags override the environment for non-secret settings.
func parseFlags(args []string, cfg config.Config) (config.Config, error) {
	fs := flag.NewFlagSet("listmirror", flag.ContinueOnError)
	fs.StringVar(&cfg.StreamURL, "stream-url", cfg.StreamURL, "label stream websocket URL")
	fs.StringVar(&cfg.PDS, "pds", cfg.PDS, "PDS host")
	fs.StringVar(&cfg.ListsFile, "lists-file", cfg.ListsFile, "list registry file (yaml or json)")
	fs.StringVar(&cfg.Lists, "lists", cfg.Lists, "inline list registry (label=rkey,label=rkey)")
	fs.StringVar(&cfg.CacheURL, "cache-url", cfg.CacheURL, "marker cache DSN (redis://, postgres://, memory://)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "ops listener address, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, console)")
	fs.IntVar(&cfg.MutationConcurrency, "mutation-concurrency", cfg.MutationConcurrency, "maximum concurrent list mutations")
	fs.Float64Var(&cfg.MutationRate, "mutation-rate", cfg.MutationRate, "list mutations per second, 0 for unlimited")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "time allowed for in-flight events on shutdown")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cfg.MutationConcurrency <= 0 {
		cfg.MutationConcurrency = config.DefaultMutationConcurrency
	}
	if cfg.MutationRate < 0 {
		cfg.MutationRate = 0
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = config.DefaultShutdownGrace
	}
	return cfg, cfg.Validate()
}

// redactDSN hides credentials embedded in a cache DSN.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || parsed.Scheme == "" {
		return "<invalid dsn>"
	}
	return parsed.Redacted()
}
