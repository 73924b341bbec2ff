package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/platform/auth"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/middleware"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
)

// server is a fully wired CDS Hooks host.
type server struct {
	echo     *echo.Echo
	registry *hooks.Registry
	booter   *hooks.ContextBooter

	pool   *pgxpool.Pool
	sqlite *sqlx.DB
}

// Close releases database handles.
func (s *server) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlite != nil {
		_ = s.sqlite.Close()
	}
}

// newServer builds the registry from the services file, boots it and
// mounts the HTTP surface. cfg must already be validated.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{registry: hooks.NewRegistry()}

	defs, err := hooks.LoadDefinitions(cfg.CDSServicesFile)
	if err != nil {
		return nil, err
	}
	s.booter = hooks.NewContextBooter(s.registry, hooks.NewLogicCatalog(), defs, logger)
	if err := s.booter.Boot(ctx); err != nil {
		return nil, err
	}

	if cfg.UsesPostgres() {
		s.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		logger.Info().Msg("connected to database")
	}

	gate, err := newGate(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	dispatcherOpts := []hooks.DispatcherOption{
		hooks.WithGate(gate),
		hooks.WithTimeout(cfg.DispatchTimeout),
		hooks.WithLogger(logger),
	}
	switch cfg.PrefetchSource {
	case config.BackendFHIR:
		client := fhir.NewClient(fhir.ClientConfig{
			BaseURL:  cfg.FHIRBaseURL,
			Attempts: cfg.FHIRRetryAttempts,
			Timeout:  cfg.FHIRTimeout,
		}, logger)
		dispatcherOpts = append(dispatcherOpts, hooks.WithResourceSource(fhirSource(client)))
	case config.BackendPostgres:
		dispatcherOpts = append(dispatcherOpts, hooks.WithResourceSource(hooks.NewResourceSourcePG(s.pool)))
	}
	dispatcher := hooks.NewDispatcher(s.registry, dispatcherOpts...)

	var feedback *hooks.FeedbackService
	switch cfg.FeedbackStore {
	case config.BackendMemory:
		feedback = hooks.NewFeedbackService(s.registry, hooks.NewMemoryFeedbackStore())
	case config.BackendPostgres:
		feedback = hooks.NewFeedbackService(s.registry, hooks.NewFeedbackStorePG(s.pool))
	case config.BackendSQLite:
		s.sqlite, err = db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			s.Close()
			return nil, err
		}
		store, err := hooks.NewFeedbackStoreSQLite(ctx, s.sqlite)
		if err != nil {
			s.Close()
			return nil, err
		}
		feedback = hooks.NewFeedbackService(s.registry, store)
	}

	s.echo = newEcho(cfg, logger)

	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"booted":   s.booter.State() == hooks.StateBooted,
			"services": s.registry.Len(),
		})
	})
	switch {
	case s.pool != nil:
		s.echo.GET("/health/db", db.PoolHealthHandler(s.pool))
	case s.sqlite != nil:
		s.echo.GET("/health/db", db.HealthHandler(db.SQLitePinger(s.sqlite), nil))
	}

	prefix := hooks.NormalizePrefix(cfg.CDSHooksPath)
	handler := hooks.NewHandler(s.registry, dispatcher, feedback, logger)
	handler.RegisterRoutes(s.echo, prefix, authMiddleware(cfg, prefix))

	return s, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(telemetry.TracingMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
		Skipper: func(c echo.Context) bool {
			return auth.IsPublicPath(c.Request().URL.Path)
		},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	return e
}

func authMiddleware(cfg *config.Config, prefix string) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.NewSkipper(prefix),
	})
}

// newGate assembles the pre-show gate named by AUTHZ_GATE.
func newGate(cfg *config.Config) (hooks.AuthorizationGate, error) {
	var chain hooks.Chain
	if cfg.GateUsesScopes() {
		chain = append(chain, hooks.ScopeGate{})
	}
	if cfg.GateUsesRedaction() {
		paths, err := hooks.ParseRedactRules(cfg.AuthzRedact)
		if err != nil {
			return nil, fmt.Errorf("AUTHZ_REDACT: %w", err)
		}
		chain = append(chain, hooks.RedactGate{Paths: paths})
	}
	switch len(chain) {
	case 0:
		return hooks.AllowAll{}, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

// fhirSource reads prefetch queries from the request's fhirServer with the
// access token the EHR granted, falling back to the configured base URL.
func fhirSource(client *fhir.Client) hooks.ResourceSource {
	return hooks.ResourceSourceFunc(func(ctx context.Context, query string, req *hooks.HookRequest) (json.RawMessage, error) {
		var serverURL, token string
		if req != nil {
			serverURL = req.FHIRServer
			if req.FHIRAuthorization != nil {
				token = req.FHIRAuthorization.AccessToken
			}
		}
		return client.Read(ctx, serverURL, query, token)
	})
}
