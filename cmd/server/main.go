// Textbook companion chat relay server.
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

	"github.com/ashureev/textbook-companion/internal/api"
	"github.com/ashureev/textbook-companion/internal/auth"
	"github.com/ashureev/textbook-companion/internal/config"
	"github.com/ashureev/textbook-companion/internal/gateway"
	"github.com/ashureev/textbook-companion/internal/identity"
	"github.com/ashureev/textbook-companion/internal/invoke"
	"github.com/ashureev/textbook-companion/internal/middleware"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/ashureev/textbook-companion/internal/router"
	"github.com/ashureev/textbook-companion/internal/schedule"
	"github.com/ashureev/textbook-companion/internal/store"
	"github.com/ashureev/textbook-companion/internal/worker"
	"github.com/ashureev/textbook-companion/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "stage", cfg.Stage, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.Default(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer store.ResetDefault()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "driver", cfg.Database.Driver)

	if cfg.SectionsFile != "" {
		n, err := store.LoadSections(context.Background(), repo, cfg.SectionsFile)
		if err != nil {
			slog.Error("Failed to load textbook sections", "error", err, "path", cfg.SectionsFile)
			os.Exit(1)
		}
		slog.Info("Textbook sections loaded", "count", n, "path", cfg.SectionsFile)
	}

	secrets, err := auth.NewSecretSource(cfg.Auth.SecretSource)
	if err != nil {
		slog.Error("Failed to initialize secret source", "error", err)
		os.Exit(1)
	}
	authorizer := auth.NewAuthorizer(secrets, cfg.Auth.SecretID, logger)

	// Push channel: the local hub serves this process's connections, other
	// endpoints are reached over HTTP.
	hub := push.NewHub(cfg.WebSocket.WriteTimeout, logger)
	var localEndpoints []string
	if cfg.PushBaseURL != "" {
		localEndpoints = append(localEndpoints, cfg.PushBaseURL)
	}
	pushers := push.NewResolver(hub, cfg.PushKey, localEndpoints...)

	// Compute targets.
	prompts, err := worker.LoadPrompts(cfg.LLM.PromptsFile)
	if err != nil {
		slog.Error("Failed to load prompts", "error", err, "path", cfg.LLM.PromptsFile)
		os.Exit(1)
	}
	if cfg.LLM.APIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, generation requests will fail")
	}
	gen := worker.NewOpenAIGenerator(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, prompts.Style.Temperature, prompts.Style.MaxTokens)
	retriever := worker.NewRetriever(repo, 0)
	budget := worker.NewTokenBudget(repo, cfg.LLM.DailyTokenLimit, logger)
	textGen := worker.NewTextGeneration(repo, gen, retriever, pushers, prompts, logger,
		worker.WithTokenBudget(budget),
		worker.WithAnswerCache(worker.NewAnswerCache(cfg.LLM.AnswerCacheTTL)),
	)
	slog.Info("Token budget configured", "limit", budget.String(), "answer_cache_ttl", cfg.LLM.AnswerCacheTTL)

	// Background maintenance.
	sched := schedule.New(context.Background())
	sched.Every(time.Hour, func(ctx context.Context) {
		n, err := budget.Prune(ctx)
		if err != nil {
			slog.Warn("Failed to prune token usage", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Pruned token usage windows", "count", n)
		}
	})
	practice := worker.NewPracticeMaterial(gen, retriever, pushers, prompts, logger)

	invoker := invoke.NewLocalInvoker(map[string]invoke.Target{
		cfg.Functions.TextGeneration:   textGen,
		cfg.Functions.PracticeMaterial: practice,
	}, invoke.Options{
		Workers:     cfg.Invoke.Workers,
		QueueSize:   cfg.Invoke.QueueSize,
		MaxAttempts: cfg.Invoke.MaxAttempts,
	}, logger)
	slog.Info("Compute invoker started", "functions", invoker.Functions(), "workers", cfg.Invoke.Workers)

	// Initialize handlers.
	frameRouter := router.New(invoker, pushers, router.Functions{
		TextGeneration:   cfg.Functions.TextGeneration,
		PracticeMaterial: cfg.Functions.PracticeMaterial,
	}, logger)
	wsHandler := gateway.NewHandler(authorizer, hub, frameRouter, pushers, gateway.Options{
		Stage:           cfg.Stage,
		PushBaseURL:     cfg.PushBaseURL,
		AllowedOrigins:  cfg.AllowedOrigins(),
		FramesPerSecond: cfg.WebSocket.FramesPerSecond,
		FrameBurst:      cfg.WebSocket.FrameBurst,
		MaxFrameBytes:   cfg.WebSocket.MaxFrameBytes,
	}, logger)
	apiHandler := api.NewHandler(repo, textGen, hub, cfg.PushKey, logger)
	healthHandler := api.NewHealthHandler(repo, hub)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint. Credentials are checked before upgrade.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Push ingress for remote workers.
	apiHandler.RegisterPushRoutes(r)

	// REST API behind bearer tokens.
	r.Route("/api", func(r chi.Router) {
		apiHandler.RegisterRoutes(r, identity.Middleware(authorizer))
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: WebSocket connections are long lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := invoker.Close(shutdownCtx); err != nil {
		slog.Error("Invoker did not drain", "error", err)
	}
	sched.Stop()

	slog.Info("Server stopped successfully")
}
