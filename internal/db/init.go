package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/RezaEskandarii/jobqueue/internal/constants"
	"github.com/RezaEskandarii/jobqueue/internal/lock"
	_ "github.com/lib/pq"
)

const schema = "jobqueue_schema"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open opens a Postgres connection pool and verifies it with a ping.
func Open(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Init creates the schema and runs the embedded migration scripts in file name order.
// A distributed lock keeps concurrent instances from migrating at the same time.
func Init(ctx context.Context, db *sql.DB, distributedLock lock.DistributedLockManager, logger *slog.Logger) error {
	migrationLock := constants.MigrationLock

	if err := distributedLock.Acquire(ctx, migrationLock); err != nil {
		return err
	}
	defer distributedLock.Release(ctx, migrationLock)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		logger.Debug("running migration", "file", script.name)
		if _, err := db.ExecContext(ctx, script.body); err != nil {
			return fmt.Errorf("migration %s: %w", script.name, err)
		}
	}
	logger.Info("database migrated", "scripts", len(scripts))

	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := fs.ReadFile(migrationFiles, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}

	return scripts, nil
}
