package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/diagnosis/bus-reserve/internal/app"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/http/handlers/admin"
	"github.com/diagnosis/bus-reserve/internal/http/handlers/reserve"
	httpmw "github.com/diagnosis/bus-reserve/internal/http/middleware"
	"github.com/diagnosis/bus-reserve/pkg/auth"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/logger"
	"github.com/diagnosis/bus-reserve/pkg/metrics"
	mw "github.com/diagnosis/bus-reserve/pkg/middleware"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env", "error", err)
	}
	cfg := config.Load()
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialise services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go a.Run(ctx)

	r := chi.NewRouter()

	// Global middleware
	if cfg.Server.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.RequestID)
	r.Use(mw.CorrelationID)
	r.Use(mw.ServiceName("bus-reserve"))
	r.Use(mw.Logging)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "Panic recovered", "error", err)
					a.Audit.Log(r.Context(), domain.EventSystemError, domain.SeverityHigh, map[string]any{
						"path":  r.URL.Path,
						"panic": err,
					})
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Correlation-ID", httpmw.SessionHeader},
		ExposedHeaders:   []string{"X-Request-ID", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(mw.Health)
	r.Use(mw.Metrics)
	r.Use(httpmw.NetworkContext)

	authn := httpmw.NewAuth(cfg.Auth.JWTSecret, a.Audit)
	limiter := httpmw.NewRateLimiter(a.PublicLimiter, a.Audit, httpmw.RateLimitConfig{})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authn.Optional)
			r.Use(limiter.Middleware())
			r.Mount("/reserve", reserve.NewHandler(a.Validation, a.Reservations).Routes())
		})

		r.Group(func(r chi.Router) {
			r.Use(authn.RequireJWT)
			r.Use(authn.RequireRole(auth.RoleAdmin))
			r.Mount("/admin/audit", admin.NewAuditHandler(a.Audit).Routes())
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("Shutting down bus-reserve API...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a.Audit.Log(shutdownCtx, domain.EventSystemShutdown, domain.SeverityInfo, nil)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("API shutdown error", "error", err)
		}
	}()

	a.Audit.Log(ctx, domain.EventSystemStartup, domain.SeverityInfo, map[string]any{
		"port":         cfg.Server.Port,
		"audit_store":  cfg.Audit.Storage,
		"event_bus":    cfg.Events.Bus,
		"rate_limiter": cfg.RateLimit.Backend,
	})
	logger.Info("Starting bus-reserve API", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("API server error", "error", err)
		os.Exit(1)
	}
	<-done
}
