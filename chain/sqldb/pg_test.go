//go:build test_db_postgres

package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// pgContainer is shared by all tests, each test gets its own
	// database inside it.
	pgContainer     *postgres.PostgresContainer
	pgContainerOnce sync.Once
	pgContainerErr  error

	// pgInitTimeout includes the time to pull the image.
	pgInitTimeout      = 2 * time.Minute
	pgTerminateTimeout = 1 * time.Minute

	nonIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
)

// TestMain terminates the shared container after the tests ran.
func TestMain(m *testing.M) {
	code := m.Run()

	if pgContainer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), pgTerminateTimeout,
		)
		defer cancel()

		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate postgres container: %v\n",
				err)
		}
	}

	os.Exit(code)
}

// getPostgresContainer starts the shared container on first use.
func getPostgresContainer(
	ctx context.Context) (*postgres.PostgresContainer, error) {

	pgContainerOnce.Do(func() {
		pgContainer, pgContainerErr = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategyAndDeadline(
				pgInitTimeout, wait.ForListeningPort("5432/tcp"),
			),
		)
	})

	return pgContainer, pgContainerErr
}

// newTestStore creates a database named after the test in the shared
// container and opens a store on it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := t.Context()

	container, err := getPostgresContainer(ctx)
	require.NoError(t, err, "failed to get postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	adminDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err, "failed to open admin connection")
	t.Cleanup(func() {
		_ = adminDB.Close()
	})

	dbName := nonIdentChars.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(dbName) > 63 {
		dbName = dbName[:63]
	}

	_, err = adminDB.ExecContext(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err, "failed to create test database")

	store, err := OpenPostgres(
		strings.Replace(connStr, "/postgres?", "/"+dbName+"?", 1),
	)
	require.NoError(t, err, "failed to open postgres store")

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}
