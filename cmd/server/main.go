package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/clinicore/backend/internal/audit"
	"github.com/clinicore/backend/internal/auth"
	"github.com/clinicore/backend/internal/config"
	"github.com/clinicore/backend/internal/health"
	"github.com/clinicore/backend/internal/logger"
	"github.com/clinicore/backend/internal/metrics"
	authmw "github.com/clinicore/backend/internal/middleware"
	"github.com/clinicore/backend/internal/notification"
	"github.com/clinicore/backend/internal/repository"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.DefaultConfig(), nil)
	slog.SetDefault(log)

	if cfg.Auth.JWTSecret == "" {
		log.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// sqlx connection for the audit query path
	auditDB, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open audit database connection", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()

	userRepo := repository.NewUserRepository(dbPool)
	refreshRepo := repository.NewRefreshTokenRepository(dbPool)
	historyRepo := repository.NewPasswordHistoryRepository(dbPool)
	auditRepo := repository.NewAuditLogRepo(auditDB)

	recorder := audit.NewRecorder(auditRepo, log)
	defer recorder.Close()

	var mailer notification.Sender
	if cfg.SMTP.Host != "" {
		m, err := notification.NewMailer(cfg.SMTP, log)
		if err != nil {
			log.Error("failed to configure mailer", "error", err)
			os.Exit(1)
		}
		mailer = m
	} else {
		log.Warn("SMTP not configured, outbound email disabled")
		mailer = notification.NoopSender{}
	}

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		Secret:             cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		Issuer:             cfg.Auth.Issuer,
	})
	passwordValidator := auth.NewPasswordValidator()
	lockoutGuard := auth.NewLockoutGuard(userRepo, recorder, cfg.Auth.MaxFailedAttempts, cfg.Auth.LockoutDuration, log)

	authService := auth.NewAuthService(
		userRepo,
		refreshRepo,
		historyRepo,
		tokenService,
		passwordValidator,
		lockoutGuard,
		recorder,
		mailer,
		cfg.Auth,
		log,
	)

	authHandler := auth.NewAuthHandler(authService)
	auditHandler := audit.NewHandler(recorder)
	healthHandler := health.NewHandler(health.Config{DBPool: dbPool, Version: version})

	authMiddleware := authmw.NewAuthMiddleware(tokenService)
	loggingMiddleware := authmw.NewLoggingMiddleware(log)
	rateLimiter := authmw.NewRateLimiter(rate.Every(time.Second), 10)
	defer rateLimiter.Stop()

	dbStats := metrics.NewDBStatsCollector(dbPool, log)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	adminOnly := authmw.RequireRole(string(repository.RoleAdmin))

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(loggingMiddleware.Handler)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimiter.Handler)
			auth.RegisterRoutes(r, authHandler, authMiddleware.Authenticate, adminOnly)
		})
		audit.RegisterRoutes(r, auditHandler, authMiddleware.Authenticate, adminOnly)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = 25
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}
