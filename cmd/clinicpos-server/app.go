package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinicpos/clinicpos/internal/config"
	"github.com/clinicpos/clinicpos/internal/domain/catalog"
	"github.com/clinicpos/clinicpos/internal/domain/checkout"
	"github.com/clinicpos/clinicpos/internal/domain/encounter"
	"github.com/clinicpos/clinicpos/internal/domain/ledger"
	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
	"github.com/clinicpos/clinicpos/internal/platform/auth"
	"github.com/clinicpos/clinicpos/internal/platform/db"
	"github.com/clinicpos/clinicpos/internal/platform/events"
	"github.com/clinicpos/clinicpos/internal/platform/metrics"
	"github.com/clinicpos/clinicpos/internal/platform/middleware"
)

// store holds the repositories for the configured driver.
type store struct {
	encounters encounter.Repository
	products   catalog.Repository
	items      ledger.Repository
	orders     checkout.Repository
	health     echo.HandlerFunc
	pool       *pgxpool.Pool
	close      func()
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &store{
			encounters: encounter.NewRepo(pool),
			products:   catalog.NewRepo(pool),
			items:      ledger.NewRepo(pool),
			orders:     checkout.NewRepo(pool),
			health:     db.HealthHandler(config.DriverPostgres, pool, pool),
			pool:       pool,
			close:      pool.Close,
		}, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath,
			encounter.SQLiteSchema, catalog.SQLiteSchema, ledger.SQLiteSchema, checkout.SQLiteSchema)
		if err != nil {
			return nil, err
		}
		return &store{
			encounters: encounter.NewSQLiteRepo(sqlDB),
			products:   catalog.NewSQLiteRepo(sqlDB),
			items:      ledger.NewSQLiteRepo(sqlDB),
			orders:     checkout.NewSQLiteRepo(sqlDB),
			health:     db.HealthHandler(config.DriverSQLite, db.PingFunc(sqlDB.PingContext), nil),
			close:      func() { _ = sqlDB.Close() },
		}, nil
	case config.DriverMemory:
		return &store{
			encounters: encounter.NewMemoryRepo(),
			products:   catalog.NewMemoryRepo(),
			items:      ledger.NewMemoryRepo(),
			orders:     checkout.NewMemoryRepo(),
			health:     db.HealthHandler(config.DriverMemory, nil, nil),
			close:      func() {},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// app is the wired service graph behind the HTTP server and CLI commands.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      *store
	metrics    *metrics.Recorder
	hub        *events.Hub
	encounters *encounter.Service
	catalog    *catalog.Service
	lookup     *catalog.CachedLookup
	ledger     *ledger.Service
	engine     *reconcile.Engine
	checkout   *checkout.Service
}

func newApp(cfg *config.Config, st *store, pub events.Publisher, logger zerolog.Logger) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.NewRecorder(),
		hub:     events.NewHub(logger),
	}
	publisher := events.Multi{a.hub, events.NewLogPublisher(logger)}
	if pub != nil {
		publisher = append(publisher, pub)
	}

	a.encounters = encounter.NewService(st.encounters, encounter.NewRegistry(encounter.WithLateThreshold(cfg.LateThreshold)))
	a.encounters.SetPublisher(publisher)

	a.catalog = catalog.NewService(st.products)
	a.lookup = catalog.NewCachedLookup(a.catalog, cfg.CatalogCacheSize, cfg.CatalogCacheTTL)
	a.catalog.OnChange(a.lookup.Invalidate)

	a.ledger = ledger.NewService(st.items, a.encounters,
		ledger.WithClaimTTL(cfg.ClaimTTL),
		ledger.WithPublisher(publisher),
		ledger.WithLogger(logger),
	)
	a.engine = reconcile.NewEngine(a.ledger, a.encounters,
		reconcile.WithObserver(a.metrics),
		reconcile.WithPublisher(publisher),
		reconcile.WithLogger(logger),
		reconcile.WithClaimTTL(cfg.ClaimTTL),
	)
	a.checkout = checkout.NewService(st.orders)
	return a
}

func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	if cfg.MetricsEnabled {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.TerminalHeader, "X-Clinic-ID"},
	}))

	e.GET("/health", a.store.health)
	if cfg.MetricsEnabled {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	if a.store.pool != nil {
		apiV1.Use(db.ClinicMiddleware(a.store.pool, cfg.DefaultClinic))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	encounter.NewHandler(a.encounters).RegisterRoutes(apiV1)
	catalog.NewHandler(a.catalog).RegisterRoutes(apiV1)
	ledger.NewHandler(a.ledger).RegisterRoutes(apiV1)
	reconcile.NewHandler(a.engine).RegisterRoutes(apiV1)
	checkout.NewHandler(a.checkout, a.engine, a.lookup).RegisterRoutes(apiV1)
	events.NewHandler(a.hub).RegisterRoutes(apiV1)

	return e
}

// sweep releases expired claims once. On postgres it runs inside the
// default clinic schema.
func (a *app) sweep(ctx context.Context) (int, error) {
	if a.store.pool != nil {
		clinicCtx, release, err := db.WithClinic(ctx, a.store.pool, a.cfg.DefaultClinic)
		if err != nil {
			return 0, err
		}
		defer release()
		ctx = clinicCtx
	}
	released, err := a.ledger.ReleaseExpired(ctx)
	if err != nil {
		return 0, err
	}
	a.metrics.ClaimsSwept(len(released))
	return len(released), nil
}

// runMaintenance sweeps expired claims and samples pool gauges every
// interval until ctx is done.
func (a *app) runMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.sweep(ctx); err != nil {
				a.logger.Error().Err(err).Msg("claim sweep failed")
			}
			if a.store.pool != nil {
				stats := db.GetPoolStats(a.store.pool)
				a.metrics.SetDBPool(int64(stats.AcquiredConns), int64(stats.IdleConns))
			}
		}
	}
}
