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
	"syscall"

	"github.com/go-chi/chi/v5"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/backend/httpfetch"
	"github.com/italolelis/attachment_downloader/internal/backend/putio"
	"github.com/italolelis/attachment_downloader/internal/config"
	"github.com/italolelis/attachment_downloader/internal/connectivity"
	"github.com/italolelis/attachment_downloader/internal/http/rest"
	"github.com/italolelis/attachment_downloader/internal/logctx"
	"github.com/italolelis/attachment_downloader/internal/notifier"
	"github.com/italolelis/attachment_downloader/internal/storage"
	"github.com/italolelis/attachment_downloader/internal/storage/sqlite"
	"github.com/italolelis/attachment_downloader/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, tel)
	slog.SetDefault(logger)

	logger.Info("attachment downloader starting...", "log_level", cfg.LogLevel, "max_concurrent", cfg.MaxConcurrent)

	err = run(logctx.WithLogger(ctx, logger), cfg, tel)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("failed to shutdown telemetry", "err", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry) *slog.Logger {
	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	}

	if h := tel.LogHandler(); h != nil {
		handlers = append(handlers, h)
	}

	return slog.New(logctx.NewTraceHandler(slogmulti.Fanout(handlers...)))
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	cache := storage.NewDiskCache(sqlite.NewInstrumentedCacheRepository(database, tel), cfg.CacheDir)

	// =========================================================================
	// Start Transfer Backend
	resolver, err := buildResolver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build resolver: %w", err)
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	fetcher := httpfetch.New(resolver, cache, httpfetch.Options{
		Client:    httpClient,
		Telemetry: tel,
		Logger:    logger.With("component", "fetcher"),
	})

	// =========================================================================
	// Start Download Queue
	queue, err := attachment.NewQueue(fetcher, cache, attachment.Options{
		MaxConcurrent:        cfg.MaxConcurrent,
		MaxRetries:           cfg.MaxRetries,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		StallTimeout:         cfg.StallTimeout,
		RenderCacheSize:      cfg.RenderCacheSize,
		Telemetry:            tel,
		Logger:               logger.With("component", "queue"),
	})
	if err != nil {
		return fmt.Errorf("failed to create download queue: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		queue.Run(ctx, fetcher.Events())

		return nil
	})

	// =========================================================================
	// Start Connectivity
	if cfg.ConnectivityProbeURL != "" {
		prober := connectivity.NewProber(cfg.ConnectivityProbeURL, cfg.ConnectivityProbeInterval, httpClient)
		reactor := connectivity.NewReactor(queue, tel)

		g.Go(func() error {
			prober.Run(ctx)

			return nil
		})
		g.Go(func() error {
			reactor.Run(ctx, prober.Signal())

			return nil
		})
	}

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		reporter := notifier.NewFailureReporter(&notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Client: httpClient}, 0)

		sub := queue.SubscribeAll(reporter.Observe)
		defer sub.Unsubscribe()

		g.Go(func() error {
			reporter.Run(ctx)

			return nil
		})
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, queue, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

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

		queue.Close()
		fetcher.Close()

		return nil
	})

	logger.Info("waiting for attachments...",
		"cache_dir", cfg.CacheDir,
		"backend_source", cfg.BackendSource,
		"stall_timeout", cfg.StallTimeout.String(),
	)

	return g.Wait()
}

// buildResolver is an abstract factory for the backend's URL resolution.
func buildResolver(ctx context.Context, cfg *config.Config) (httpfetch.Resolver, error) {
	switch cfg.BackendSource {
	case config.SourceHTTP:
		return httpfetch.DirectResolver{BaseURL: cfg.BackendBaseURL}, nil
	case config.SourcePutio:
		r := putio.NewResolver(cfg.PutioToken)
		if err := r.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		return r, nil
	}

	return nil, fmt.Errorf("invalid backend source: %s", cfg.BackendSource)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, queue *attachment.Queue, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/attachments", rest.NewAttachmentHandler(queue, tel).Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "attachment_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
