// Package main is the entry point for the agent gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/commitledger/agent-gateway/internal/agent"
	"github.com/commitledger/agent-gateway/internal/auth"
	"github.com/commitledger/agent-gateway/internal/config"
	"github.com/commitledger/agent-gateway/internal/gateway"
	"github.com/commitledger/agent-gateway/internal/handler"
	"github.com/commitledger/agent-gateway/internal/llm"
	"github.com/commitledger/agent-gateway/internal/middleware"
	"github.com/commitledger/agent-gateway/internal/ratelimit"
	"github.com/commitledger/agent-gateway/internal/store"
	"github.com/commitledger/agent-gateway/internal/tools"
	"github.com/commitledger/agent-gateway/pkg/logger"
	"github.com/commitledger/agent-gateway/pkg/tracing"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting agent gateway",
		zap.String("env", cfg.Env),
		zap.Bool("auth_required", cfg.AuthRequired),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agent-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := store.Connect(ctx, store.NATSConfig{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer natsClient.Close()

	conversationStore, err := store.NewJetStreamStore(ctx, natsClient)
	if err != nil {
		log.Error("failed to initialize store", zap.Error(err))
		os.Exit(1)
	}

	// Initialize LLM client
	var llmClient llm.Client
	switch {
	case cfg.AnthropicAPIKey != "":
		llmClient, err = llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		llmClient, err = llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	default:
		err = fmt.Errorf("no LLM API key configured")
	}
	if err != nil {
		log.Error("failed to create LLM client", zap.Error(err))
		os.Exit(1)
	}

	// Admission control and agent pipeline
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		RequestsPerHour:   cfg.RequestsPerHour,
		GlobalPerMinute:   cfg.GlobalPerMinute,
		MaxConnsPerUser:   cfg.MaxConnsPerUser,
	})
	verifier := auth.NewVerifier(cfg.JWTSecret)
	origins := auth.NewOriginPolicy(cfg.AllowedOrigins, cfg.OriginPrefixMatch)
	registry := tools.NewRegistry(cfg.WorkspaceDir)
	bridge := agent.New(llmClient, registry, log)

	gw := gateway.New(verifier, origins, limiter, conversationStore, bridge,
		agent.Options{Model: cfg.AgentModel}, cfg.AuthRequired, log)
	healthHandler := handler.NewHealthHandler(natsClient)

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.IPRateLimit(cfg.HTTPRateLimit, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins.Allowed(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", gw.ServeHTTP)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
