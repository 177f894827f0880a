// Package main is the entry point for the chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/config"
	"github.com/capitalize-ai/chat-delivery/internal/gateway"
	"github.com/capitalize-ai/chat-delivery/internal/handler"
	"github.com/capitalize-ai/chat-delivery/internal/middleware"
	natsclient "github.com/capitalize-ai/chat-delivery/internal/nats"
	"github.com/capitalize-ai/chat-delivery/internal/service"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
	"github.com/capitalize-ai/chat-delivery/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("starting chat server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-delivery", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(ctx, tp) }()
		}
	}

	// The event journal is optional; without it chat works the same but
	// nothing is appended.
	var (
		journal       tenant.JournalFactory
		readiness     handler.ConnectionChecker
		streamManager *natsclient.StreamManager
	)
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()

		streamManager = natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		journal = func(string) service.Publisher { return streamManager }
		readiness = natsClient
	}

	tenants := tenant.NewContext(tenant.BadgerOpener(cfg.DataDir, cfg.StoreInMemory, log), journal, log)
	defer func() {
		if err := tenants.Close(); err != nil {
			log.Error("failed to close tenant stores", zap.Error(err))
		}
	}()
	var events *handler.EventHandler
	if streamManager != nil {
		events = handler.NewEventHandler(tenants, streamManager, log)
	}

	healthHandler := handler.NewHealthHandler(readiness)
	conversationHandler := handler.NewConversationHandler(tenants, log)
	messageHandler := handler.NewMessageHandler(tenants, log)
	ws := gateway.NewServer(tenants, gateway.Config{
		DefaultTenant:      cfg.DefaultTenant,
		SendBuffer:         cfg.WSSendBuffer,
		MaxFramesPerSecond: cfg.WSMaxFramesPerSecond,
	}, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS())

	// The WebSocket upgrade hijacks the connection, which the access log's
	// response wrapper cannot do.
	r.Handle("/ws", ws)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logging(log))

		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", conversationHandler.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/participants", conversationHandler.Participants)
					r.Get("/messages", messageHandler.List)
					if events != nil {
						r.With(middleware.RequireScope("events:read")).Get("/events", events.List)
					}
				})
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("serve: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
