package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"vetcare/internal/db"
	"vetcare/internal/domain/auth"
	"vetcare/internal/domain/gdpr"
	"vetcare/internal/platform/config"
	"vetcare/internal/platform/crypto"
	"vetcare/internal/platform/email"
	"vetcare/internal/platform/metrics"
	"vetcare/internal/store"
	"vetcare/internal/transport/http/api"
	gdprhandler "vetcare/internal/transport/http/handlers/gdpr"
	"vetcare/internal/transport/http/middleware"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := gdpr.ValidateRegistry(); err != nil {
		log.Fatalf("data category registry invalid: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool, "migrations"); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	encryptor, err := crypto.New(cfg.DataEncryptionKey)
	if err != nil {
		log.Fatalf("encryption setup failed: %v", err)
	}

	records := store.NewPostgres(pool)
	accounts := auth.NewAccounts(records)
	requests := gdpr.NewRequests(records)
	compliance := gdpr.NewComplianceLog(records)
	service := gdpr.NewService(
		requests,
		gdpr.NewVerifier(requests, email.New(cfg), accounts, cfg.BaseURL, cfg.EmailFrom),
		gdpr.NewCollector(records),
		gdpr.NewEraser(records, accounts, cfg.StepTimeout),
		gdpr.NewEligibilityChecker(records),
		gdpr.NewExporter(cfg.ExportDir, encryptor),
		compliance,
	)

	collector := metrics.New()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(collector))
	router.Use(middleware.Recoverer)
	router.Use(middleware.SecureHeaders(cfg.Environment == "production"))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	router.Use(middleware.Auth(cfg.JWTSecret))
	router.Use(middleware.RateLimit(cfg.RateLimitPerMinute, time.Minute, nil))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.MetricsEnabled {
		router.With(middleware.RequireRole(auth.RoleAdmin)).Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			api.Success(w, collector.Snapshot(), middleware.GetRequestID(r.Context()))
		})
	}

	gdprhandler.NewHandler(service, compliance).RegisterRoutes(router)

	slog.Info("server listening", "addr", cfg.Addr, "env", cfg.Environment)
	if err := http.ListenAndServe(cfg.Addr, router); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
