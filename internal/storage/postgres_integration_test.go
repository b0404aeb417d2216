//go:build postgres

package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresRepositoryFactory opens a Postgres-backed repository and truncates
// the videos table between scenarios. VODFORGE_TEST_POSTGRES_DSN must point
// at a database dedicated to automated runs.
func postgresRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	dsn := os.Getenv("VODFORGE_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("VODFORGE_TEST_POSTGRES_DSN not set")
	}
	opts = append(opts, WithPostgresApplicationName("vodforge-test"))
	repo, err := NewPostgresRepository(dsn, opts...)
	if err != nil {
		return nil, nil, err
	}
	truncate := func() {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open truncate pool: %v", err)
		}
		defer pool.Close()
		if _, err := pool.Exec(context.Background(), "TRUNCATE videos"); err != nil {
			t.Fatalf("truncate videos: %v", err)
		}
	}
	truncate()
	return repo, func() {
		truncate()
		_ = repo.Close()
	}, nil
}

func TestPostgresRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, postgresRepositoryFactory)
}
