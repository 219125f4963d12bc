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
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/cleanup"
	"github.com/Wajid2001/Free-Download-Manager/internal/config"
	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/downloader"
	"github.com/Wajid2001/Free-Download-Manager/internal/engine"
	"github.com/Wajid2001/Free-Download-Manager/internal/http/rest"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/notifier"
	"github.com/Wajid2001/Free-Download-Manager/internal/registry"
	"github.com/Wajid2001/Free-Download-Manager/internal/scheduler"
	"github.com/Wajid2001/Free-Download-Manager/internal/storage/sqlite"
	"github.com/Wajid2001/Free-Download-Manager/internal/telemetry"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer/bittorrent"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer/httpsource"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer/putio"
	"github.com/go-chi/chi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const serviceName = "free-download-manager"

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

	slog.Info("free download manager starting...", "version", version, "log_level", cfg.LogLevel)

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
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
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

	records := registry.New(sqlite.NewInstrumentedDownloadRepository(database, tel))

	// =========================================================================
	// Start Transfer Sources
	down, up := cfg.Limits()
	lim := limiter.New(limiter.Limits{DownloadBps: down, UploadBps: up}, func(dir limiter.Direction, waited time.Duration) {
		tel.RecordLimiterWait(dir.String(), waited)
	})

	ranged := transfer.NewInstrumentedRangedSource(
		httpsource.NewClient(
			httpsource.WithUserAgent(cfg.UserAgent),
			httpsource.WithResponseHeaderTimeout(cfg.HTTPResponseTimeout),
		),
		tel,
		"http",
	)

	sessions, closeSessions, err := buildSessionBackend(ctx, cfg, lim, tel)
	if err != nil {
		return fmt.Errorf("failed to build session backend: %w", err)
	}

	// =========================================================================
	// Start Engine
	worker := downloader.NewWorker(records, ranged, sessions, lim, tel, downloader.Config{
		ChunkSize:        cfg.ChunkSize,
		ProgressInterval: cfg.ProgressInterval,
		SpeedWindow:      cfg.SpeedWindow,
		PollInterval:     cfg.SessionPollInterval,
	})

	sched := scheduler.New(ctx, records, worker, cfg.MaxConcurrent)
	eng := engine.New(records, sched, lim, sessions, engine.Config{DownloadDir: cfg.DownloadDir})

	restored, err := eng.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore downloads: %w", err)
	}

	logger.Info("downloads restored", "count", restored, "session_backend", cfg.SessionBackend)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, eng, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		setupCleanup(gctx, records, cfg)

		return nil
	})

	// Closed when workers could not be stopped in time and the event channels stay open.
	abandoned := make(chan struct{})

	setupNotificationForWorker(ctx, g, worker, abandoned, cfg)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and workers a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		var errs []error

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("could not stop server gracefully: %w", err))
			}
		}

		if err := eng.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
			close(abandoned)
		} else {
			worker.Close()
		}

		if err := closeSessions(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session backend: %w", err))
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// This is an abstract factory for the session backend. It returns a nil source when magnet and
// torrent downloads are handled outside the process.
func buildSessionBackend(
	ctx context.Context,
	cfg *config.Config,
	lim *limiter.Limiter,
	tel *telemetry.Telemetry,
) (transfer.SessionSource, func() error, error) {
	noop := func() error { return nil }

	switch cfg.SessionBackend {
	case config.BackendNone:
		return nil, noop, nil
	case config.BackendTorrent:
		backend, err := bittorrent.New(bittorrent.Config{
			DataDir:    cfg.TorrentDataDir,
			ListenPort: cfg.TorrentListenPort,
			Limiter:    lim,
		})
		if err != nil {
			return nil, nil, err
		}

		return transfer.NewInstrumentedSessionSource(backend, tel, config.BackendTorrent), backend.Close, nil
	case config.BackendPutio:
		client := putio.NewClient(cfg.PutioToken, putio.WithLimiter(lim), putio.WithFolder(cfg.PutioFolder))

		if err := client.Authenticate(ctx); err != nil {
			return nil, nil, fmt.Errorf("authentication error: %w", err)
		}

		return transfer.NewInstrumentedSessionSource(client, tel, config.BackendPutio), noop, nil
	}

	return nil, nil, fmt.Errorf("invalid session backend: %s", cfg.SessionBackend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng *engine.Engine, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(cfg.API.Username, cfg.API.Password, eng, cfg.TorrentDir)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	// The API router keeps its own route context, so it sees paths relative to /api.
	r.Mount("/api", http.StripPrefix("/api", dHandler.Routes()))
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, serviceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// setupNotificationForWorker forwards terminal worker events to Discord. The loops end when the
// worker closes its channels or abandoned is closed.
func setupNotificationForWorker(
	ctx context.Context,
	g *errgroup.Group,
	worker *downloader.Worker,
	abandoned <-chan struct{},
	cfg *config.Config,
) {
	logger := logctx.LoggerFromContext(ctx)
	notifyCtx := context.WithoutCancel(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	send := func(rec download.Record, content string) {
		if notif == nil {
			return
		}

		if err := notif.Notify(notifyCtx, content); err != nil {
			logger.Error("failed to send notification", "download_id", rec.ID, "err", err)
		}
	}

	g.Go(func() error {
		for {
			select {
			case rec, ok := <-worker.OnDownloadFailed:
				if !ok {
					return nil
				}

				logger.Error("download failed", "download_id", rec.ID, "file_name", rec.FileName, "err", rec.Error)
				send(rec, notifier.Failed(rec))
			case <-abandoned:
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case rec, ok := <-worker.OnDownloadFinished:
				if !ok {
					return nil
				}

				logger.Info("download finished", "download_id", rec.ID, "file_name", rec.FileName)
				send(rec, notifier.Finished(rec))
			case <-abandoned:
				return nil
			}
		}
	})
}

func setupCleanup(ctx context.Context, records *registry.Registry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			removed, err := cleanup.DeleteOrphanedStaging(ctx, records, cfg.DownloadDir, cfg.KeepStagingFor)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("failed to delete orphaned staging data", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("orphaned staging data removed", "count", removed)
			}
		}
	}
}
