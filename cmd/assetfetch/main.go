package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/assetfetch/internal/artifact"
	"github.com/italolelis/assetfetch/internal/cleanup"
	"github.com/italolelis/assetfetch/internal/config"
	"github.com/italolelis/assetfetch/internal/http/rest"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/notifier"
	"github.com/italolelis/assetfetch/internal/storage/sqlite"
	"github.com/italolelis/assetfetch/internal/telemetry"
	"github.com/italolelis/assetfetch/internal/transfer"
	"github.com/italolelis/assetfetch/internal/transport/httpfetch"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("assetfetch starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedRepository(database, tel)

	// =========================================================================
	// Start Artifact Store
	store, tempDir, err := setupStore(cfg)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Transfer Manager
	fetcher := httpfetch.New(tempDir,
		httpfetch.WithHTTPClient(buildHTTPClient(cfg)),
		httpfetch.WithRetryMax(cfg.RetryMax),
		httpfetch.WithProgressInterval(cfg.ProgressInterval),
		httpfetch.WithLogger(logger.With("component", "httpfetch")),
	)

	sink := transfer.NewChannelSink(64)
	manager := transfer.NewManager(
		transfer.NewInstrumentedTransport(fetcher, tel, "http"),
		store,
		sink,
		transfer.WithJournal(repo),
		transfer.WithTelemetry(tel),
		transfer.WithLogger(logger.With("component", "manager")),
	)

	paused, err := repo.GetPaused(ctx)
	if err != nil {
		return fmt.Errorf("failed to load paused transfers: %w", err)
	}

	manager.Restore(ctx, paused)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		notifier.Forward(gctx, sink, buildNotifier(cfg))

		return nil
	})

	// =========================================================================
	// Start Cleanup
	runner := &cleanup.Runner{
		Transfers:         manager,
		Downloads:         repo,
		PausedTTL:         cfg.PausedTTL,
		KeepDownloadedFor: cfg.KeepDownloadedFor,
		Interval:          cfg.CleanupInterval,
	}

	g.Go(func() error {
		return runner.Run(gctx)
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, manager, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	logger.Info("waiting for transfers...",
		"store_dir", cfg.StoreDir,
		"temp_dir", tempDir,
		"artifact_kind", store.Kind().Name,
		"restored", len(paused),
		"paused_ttl", cfg.PausedTTL.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Pause what is still running so it can continue after a restart.
		pauseCtx, cancelPause := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownPauseTimeout)
		defer cancelPause()

		if err := manager.PauseAll(pauseCtx); err != nil {
			logger.Error("failed to pause running transfers", "err", err)
		}

		return nil
	})

	return g.Wait()
}

func setupStore(cfg *config.Config) (*artifact.Store, string, error) {
	kind, err := artifact.KindByName(cfg.ArtifactKind)
	if err != nil {
		return nil, "", err
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "assetfetch")
	}

	for _, dir := range []string{cfg.StoreDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return artifact.NewStore(cfg.StoreDir, kind), tempDir, nil
}

// buildHTTPClient returns the client used for fetches: traced, and carrying a
// bearer token when one is configured.
func buildHTTPClient(cfg *config.Config) *http.Client {
	var rt http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

	if cfg.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken}),
			Base:   rt,
		}
	}

	return &http.Client{Transport: rt}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return &notifier.DiscordNotifier{
		WebhookURL: cfg.DiscordWebhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *transfer.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := rest.NewTransfersHandler(cfg.API.Username, cfg.API.Password, manager)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", tHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
