// Reply relay server: tracks conversations awaiting a reply and reminds the operator.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/reply-relay/internal/api"
	"github.com/ashureev/reply-relay/internal/classifier"
	"github.com/ashureev/reply-relay/internal/config"
	"github.com/ashureev/reply-relay/internal/debuglog"
	"github.com/ashureev/reply-relay/internal/middleware"
	"github.com/ashureev/reply-relay/internal/notify"
	"github.com/ashureev/reply-relay/internal/platform"
	"github.com/ashureev/reply-relay/internal/relay"
	"github.com/ashureev/reply-relay/internal/scheduler"
	"github.com/ashureev/reply-relay/internal/store"
	"github.com/ashureev/reply-relay/internal/tracker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Keep recent output, debug level included, for the DEBUG_LOG command.
	ring := debuglog.NewRing(cfg.DebugLogSize)
	logger := slog.New(debuglog.NewTeeHandler(jsonHandler, debuglog.NewRingHandler(ring, slog.LevelDebug)))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "persistent", cfg.DBPath != "")

	// Initialize the conversation store.
	var (
		repo    *store.MemoryStore
		journal *store.SQLiteJournal
	)
	if cfg.DBPath != "" {
		journal, err = store.NewSQLiteJournal(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := journal.Close(); closeErr != nil {
				slog.Error("Failed to close journal", "error", closeErr)
			}
		}()

		repo, err = store.NewMemoryFromJournal(context.Background(), journal)
		if err != nil {
			slog.Error("Failed to load conversations", "error", err)
			os.Exit(1)
		}
		slog.Info("Database connected", "conversations", repo.Len())
	} else {
		repo = store.NewMemory(nil)
		slog.Info("Running without persistence (DB_PATH not set)")
	}

	// Outbound messaging and profile lookups.
	var (
		messenger tracker.Messenger = platform.LogMessenger{Logger: logger}
		fetcher   platform.ProfileFetcher
	)
	if cfg.Platform.APIURL != "" {
		client, err := platform.NewClient(platform.ClientConfig{
			BaseURL:   cfg.Platform.APIURL,
			Token:     cfg.Platform.APIToken,
			Timeout:   cfg.Platform.SendTimeout,
			RateLimit: cfg.Platform.RateLimit,
			RateBurst: cfg.Platform.RateBurst,
		})
		if err != nil {
			slog.Error("Failed to initialize platform client", "error", err)
			os.Exit(1)
		}
		messenger, fetcher = client, client
		slog.Info("Platform client initialized", "url", cfg.Platform.APIURL)
	} else {
		slog.Info("PLATFORM_API_URL not set, outbound messages will only be logged")
	}
	profiles := platform.NewProfiles(fetcher, cfg.Platform.ProfileCacheTTL)

	// Notification channel.
	hub := notify.NewHub(cfg.AllowedOrigins)
	notifier := notify.NewMulti().Add("console", hub)
	if cfg.Notify.WebhookURL != "" {
		notifier.Add("webhook", notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Platform.SendTimeout))
	} else {
		notifier.Add("log", notify.LogNotifier{Logger: logger})
	}
	slog.Info("Notification sinks configured", "sinks", notifier.Names())
	renderer := notify.Renderer{BaseURL: cfg.PublicBaseURL}

	// Core services.
	engine := tracker.NewEngine(repo, messenger,
		tracker.WithResetScope(tracker.ResetScope(cfg.Commands.ResetScope)),
		tracker.WithSendTimeout(cfg.Platform.SendTimeout),
		tracker.WithLogger(logger),
	)
	rl := relay.New(relay.Config{
		Engine:   engine,
		Notifier: notifier,
		Renderer: renderer,
		Vocabulary: classifier.Vocabulary{
			Reset:          cfg.Commands.Reset,
			MarkAllReplied: cfg.Commands.MarkAllReplied,
			Status:         cfg.Commands.Status,
			DebugLog:       cfg.Commands.DebugLog,
		},
		Logs:          ring,
		NotifyTimeout: cfg.Platform.SendTimeout,
		Logger:        logger,
	})

	reminders := scheduler.NewReminderSweeper(repo, notifier, renderer, scheduler.Policy{
		FirstReminderDelay:    cfg.Reminders.FirstDelay,
		ReminderInterval:      cfg.Reminders.Interval,
		GroupRemindersEnabled: cfg.Reminders.GroupRemindersEnabled,
	}, logger)
	reminders.SetNotifyTimeout(cfg.Platform.SendTimeout)
	retention := scheduler.NewRetentionSweeper(repo, cfg.Retention.Window, logger)

	runner, err := scheduler.NewRunner(reminders, retention, cfg.Reminders.SweepInterval, cfg.Retention.SweepInterval, logger)
	if err != nil {
		slog.Error("Failed to initialize sweep scheduler", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	var pinger api.Pinger
	if journal != nil {
		pinger = journal
	}
	healthHandler := api.NewHealthHandler(repo, pinger)
	webhookHandler := api.NewWebhookHandler(rl, profiles, cfg.WebhookSecret)
	controlHandler := api.NewControlHandler(engine, reminders, retention, cfg.AdminToken)
	confirmHandler := api.NewConfirmHandler(engine)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())
	webhookHandler.RegisterRoutes(r)
	controlHandler.RegisterRoutes(r)
	confirmHandler.RegisterRoutes(r)

	// WebSocket endpoint for operator consoles.
	r.With(middleware.RequireToken(cfg.AdminToken, true)).Get("/ws/notifications", hub.ServeHTTP)

	// Note: WebSocket streams are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		slog.Error("Failed to start sweep scheduler", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.Close()
		if err := runner.Shutdown(); err != nil {
			slog.Error("Sweep scheduler shutdown failed", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
