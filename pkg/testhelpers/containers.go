// Package testhelpers starts the Postgres and Redis containers that
// repository and progress integration tests run against. Each container is
// started once per test binary and shared; tests isolate themselves with
// fresh client IDs or random keys.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/database"
)

const (
	PostgresImage = "postgres:16-alpine"

	pgUser     = "payroll"
	pgPassword = "test_password"
	pgDatabase = "payroll_test"
)

// shared memoizes one container-backed resource per test binary.
type shared[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (s *shared[T]) get(t *testing.T, what string, setup func(context.Context) (T, error)) T {
	t.Helper()
	if testing.Short() {
		t.Skipf("%s needs Docker; skipped in short mode", what)
	}
	s.once.Do(func() { s.val, s.err = setup(context.Background()) })
	if s.err != nil {
		t.Fatalf("start %s: %v", what, s.err)
	}
	return s.val
}

// startContainer runs req and returns the host:port of its lowest exposed
// port.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", req.Image, err)
	}
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		return nil, "", fmt.Errorf("resolve %s endpoint: %w", req.Image, err)
	}
	return c, endpoint, nil
}

// TestDB is a migrated Postgres reachable through a pool.
type TestDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var testDB shared[*TestDB]

// GetTestDB returns the shared, migrated test database.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()
	return testDB.get(t, "postgres", setupTestDB)
}

func setupTestDB(ctx context.Context) (*TestDB, error) {
	container, endpoint, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       pgDatabase,
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
		},
		// Postgres restarts once after initdb, so readiness is logged twice.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	})
	if err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, endpoint, pgDatabase)
	if err := migrate(connStr); err != nil {
		return nil, err
	}

	db, err := database.NewConnection(ctx, &database.Config{URL: connStr, MaxConnections: 10})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &TestDB{Container: container, DB: db, ConnStr: connStr}, nil
}

func migrate(connStr string) error {
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ClientContext returns a context holding a client scope for a new client
// ID. The scope is released when the test ends.
func (tdb *TestDB) ClientContext(t *testing.T) (context.Context, uuid.UUID) {
	t.Helper()
	clientID := uuid.New()
	ctx, release, err := database.NewClientScopeProvider(tdb.DB).WithClientScope(context.Background(), clientID)
	if err != nil {
		t.Fatalf("open client scope: %v", err)
	}
	t.Cleanup(release)
	return ctx, clientID
}
