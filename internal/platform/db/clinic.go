package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
)

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClinicSchema returns the postgres schema holding a clinic's data.
func ClinicSchema(clinicID string) string {
	return "clinic_" + clinicID
}

// ClinicMiddleware pins a pooled connection to the caller's clinic schema
// for the duration of the request.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)

			if !clinicIDPattern.MatchString(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx, release, err := WithClinic(c.Request().Context(), pool, clinicID)
			if err != nil {
				if errors.Is(err, errAcquire) {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "clinic resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_id", clinicID)

			return next(c)
		}
	}
}

var errAcquire = errors.New("acquire connection")

// WithClinic acquires a connection, points its search_path at the clinic
// schema and stores it on the returned context. Callers must invoke release
// once done with the context.
func WithClinic(ctx context.Context, pool *pgxpool.Pool, clinicID string) (context.Context, func(), error) {
	if !clinicIDPattern.MatchString(clinicID) {
		return ctx, func() {}, fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("%w: %v", errAcquire, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", ClinicSchema(clinicID))); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, ClinicIDKey, clinicID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

func extractClinicID(c echo.Context, defaultClinic string) string {
	if cid, ok := c.Get("jwt_clinic_id").(string); ok && cid != "" {
		return cid
	}
	if cid := c.Request().Header.Get("X-Clinic-ID"); cid != "" {
		return cid
	}
	return defaultClinic
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ClinicIDKey).(string)
	return cid
}

// CreateClinicSchema creates the schema for a clinic and migrates it.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, migrator *Migrator) error {
	if !clinicIDPattern.MatchString(clinicID) {
		return fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}
	schema := ClinicSchema(clinicID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
