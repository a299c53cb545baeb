// Package store provides the persistence backends behind the registry,
// broker, and memory store: PostgreSQL for durable records, Redis as an
// alternative queue backend, and in-memory implementations used as test
// doubles and for single-process deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrUnavailable signals total loss of the persistence layer. Operations
// fail fast with it rather than silently no-opping.
var ErrUnavailable = errors.New("store: storage unavailable")

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open creates a DB with a pgx connection pool.
func Open(dsn string, logger *zap.Logger) (*DB, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrUnavailable, err)
	}
	logger.Info("PostgreSQL connected")
	return &DB{pool: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (db *DB) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		db.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Pool returns the underlying connection pool for shared use.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
