package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicpos/clinicpos/internal/domain/catalog"
	"github.com/clinicpos/clinicpos/internal/domain/checkout"
	"github.com/clinicpos/clinicpos/internal/domain/encounter"
	"github.com/clinicpos/clinicpos/internal/domain/ledger"
	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
	"github.com/clinicpos/clinicpos/internal/platform/db"
)

var errNoDocker = errors.New("docker unavailable")

// testDB holds the shared database for the package.
type testDB struct {
	Pool     *pgxpool.Pool
	ConnStr  string
	Migrator *db.Migrator
}

var globalDB *testDB

// TestMain uses INTEGRATION_DATABASE_URL when set and otherwise starts a
// container. Without Docker the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if errors.Is(err, errNoDocker) {
			fmt.Fprintf(os.Stderr, "skipping integration tests: %v\n", err)
			os.Exit(0)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{
		Pool:     pool,
		ConnStr:  connStr,
		Migrator: db.NewMigrator(pool, os.DirFS(findMigrationsDir())),
	}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// findMigrationsDir locates migrations/ relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func uniqueClinicID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String()[:8], "-", ""))
}

// createClinic creates and migrates a clinic schema, dropped at cleanup.
func createClinic(t *testing.T, prefix string) string {
	t.Helper()
	ctx := context.Background()
	id := uniqueClinicID(prefix)
	if err := db.CreateClinicSchema(ctx, globalDB.Pool, id, globalDB.Migrator); err != nil {
		t.Fatalf("create clinic %s: %v", id, err)
	}
	t.Cleanup(func() {
		if _, err := globalDB.Pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+db.ClinicSchema(id)+" CASCADE"); err != nil {
			t.Logf("warning: drop schema %s: %v", id, err)
		}
	})
	return id
}

// clinicCtx returns a context pinned to its own connection in the clinic
// schema. Concurrent workers each need their own.
func clinicCtx(t *testing.T, clinicID string) context.Context {
	t.Helper()
	ctx, release, err := db.WithClinic(context.Background(), globalDB.Pool, clinicID)
	if err != nil {
		t.Fatalf("pin clinic %s: %v", clinicID, err)
	}
	t.Cleanup(release)
	return ctx
}

// services is the postgres-backed service graph for one test.
type services struct {
	encounters *encounter.Service
	catalog    *catalog.Service
	ledger     *ledger.Service
	engine     *reconcile.Engine
	checkout   *checkout.Service
}

func newServices() *services {
	pool := globalDB.Pool
	s := &services{
		encounters: encounter.NewService(encounter.NewRepo(pool), encounter.NewRegistry()),
		catalog:    catalog.NewService(catalog.NewRepo(pool)),
		checkout:   checkout.NewService(checkout.NewRepo(pool)),
	}
	s.ledger = ledger.NewService(ledger.NewRepo(pool), s.encounters)
	s.engine = reconcile.NewEngine(s.ledger, s.encounters)
	return s
}

// completedEncounter creates an encounter with one patient and walks it to
// completed.
func (s *services) completedEncounter(t *testing.T, ctx context.Context, partnerID uuid.UUID) *encounter.Encounter {
	t.Helper()
	enc := &encounter.Encounter{PartnerID: partnerID, PatientIDs: []uuid.UUID{uuid.New()}}
	if err := s.encounters.CreateEncounter(ctx, enc); err != nil {
		t.Fatalf("CreateEncounter: %v", err)
	}
	for _, st := range []encounter.Status{
		encounter.StatusConfirmed, encounter.StatusCheckedIn, encounter.StatusInProgress, encounter.StatusCompleted,
	} {
		if _, err := s.encounters.Apply(ctx, enc.ID, st); err != nil {
			t.Fatalf("Apply %s: %v", st, err)
		}
	}
	return enc
}

func (s *services) product(t *testing.T, ctx context.Context, code string, price float64) *catalog.Product {
	t.Helper()
	p := &catalog.Product{Code: code, Name: code, ListPrice: price, Active: true, AvailableInPOS: true}
	if err := s.catalog.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return p
}

func (s *services) addItem(t *testing.T, ctx context.Context, enc *encounter.Encounter, p *catalog.Product, qty float64) *ledger.Item {
	t.Helper()
	it := &ledger.Item{
		EncounterID: enc.ID,
		ProductID:   p.ID,
		Quantity:    qty,
		UnitPrice:   p.ListPrice,
		Description: p.Name,
	}
	if err := s.ledger.Add(ctx, it); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return it
}
