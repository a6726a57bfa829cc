// Package app provides application-level wiring and dependency injection
// for the stored-procedure gateway.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"procgate/internal/api"
	"procgate/internal/config"
	"procgate/internal/db/repository"
	"procgate/internal/engine"
	"procgate/internal/middleware"
	"procgate/internal/registry"
	auditsvc "procgate/internal/service/audit"
	"procgate/internal/service/gateway"
)

// Deps holds the external dependencies that main() must provide: config,
// open database handles, and the logger.
type Deps struct {
	Cfg        *config.Config
	AuditDB    *sql.DB
	BusinessDB *sql.DB
	Logger     *slog.Logger
}

// App is the fully wired gateway: registry, executor, services, recorder,
// and retention sweeper.
type App struct {
	Registry *registry.Registry
	Executor *engine.Executor
	Gateway  *gateway.Gateway
	Audit    *auditsvc.Service
	Recorder *auditsvc.Recorder
	Sweeper  *auditsvc.Sweeper
	Handler  *api.Handler
}

// New wires the application from the provided deps. The procedure registry
// is loaded and sealed here; a malformed registry file fails startup.
func New(_ context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("load procedure registry: %w", err)
	}
	deps.Logger.Info("procedure registry loaded",
		"path", cfg.RegistryPath,
		"procedures", len(reg.Names()),
	)

	auditRepo := repository.NewAuditRepo(deps.AuditDB)
	recorder := auditsvc.NewRecorder(auditRepo, deps.Logger.With("component", "audit-recorder"), cfg.AuditBufferSize)
	auditService := auditsvc.NewService(auditRepo, deps.Logger.With("component", "audit"))

	retention := auditsvc.RetentionPolicy{
		Routine:  cfg.RetentionRoutine,
		Security: cfg.RetentionSecurity,
	}
	sweeper := auditsvc.NewSweeper(auditService, retention,
		deps.Logger.With("component", "retention"), cfg.RetentionSchedule)

	executor := engine.NewExecutor(
		engine.NewSQLBackend(deps.BusinessDB),
		reg,
		recorder,
		deps.Logger.With("component", "executor"),
		engine.Config{
			StatementTimeout: cfg.StatementTimeout,
			RetryAttempts:    cfg.RetryAttempts,
			RetryBaseDelay:   cfg.RetryBaseDelay,
			Breaker: engine.BreakerConfig{
				FailureThreshold: cfg.BreakerFailureThreshold,
				CoolDown:         cfg.BreakerCoolDown,
			},
		},
	)

	gw := gateway.New(reg, executor, recorder, deps.Logger.With("component", "gateway"))
	handler := api.NewHandler(gw, auditService, deps.Logger.With("component", "api"))

	return &App{
		Registry: reg,
		Executor: executor,
		Gateway:  gw,
		Audit:    auditService,
		Recorder: recorder,
		Sweeper:  sweeper,
		Handler:  handler,
	}, nil
}

// Router assembles the middleware chain and routes. The token validator may
// be nil only outside production, in which case authenticated routes reject
// every request.
func (a *App) Router(cfg *config.Config, validator middleware.TokenValidator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.CorrelationID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", api.Healthz)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(validator, a.Recorder))
		r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}))
		a.Handler.Routes(r)
	})

	return r
}

// Close flushes the audit queue and stops the sweeper.
func (a *App) Close() {
	a.Sweeper.Stop()
	a.Recorder.Close()
}
