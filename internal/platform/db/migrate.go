package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one SQL file from the migrations directory.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies NNN_name.sql files in version order, one transaction per file.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, dir: migrationsDir}
}

func quoteSchema(schema string) string {
	if schema == "" {
		schema = "public"
	}
	return pgx.Identifier{schema}.Sanitize()
}

// EnsureMigrationsTable creates the schema and its schema_migrations table.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context, schema string) error {
	s := quoteSchema(schema)
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.schema_migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s)

	if _, err := m.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema_migrations in %s: %w", s, err)
	}
	return nil
}

// LoadMigrations reads the migrations directory. Files without a numeric
// prefix are skipped.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}

		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) applied(ctx context.Context, schema string) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s.schema_migrations`, quoteSchema(schema)))
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

// Up applies every pending migration and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx, schema)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.applyMigration(ctx, schema, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func (m *Migrator) applyMigration(ctx context.Context, schema string, mig Migration) error {
	return WithTx(ctx, m.pool, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+quoteSchema(schema)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
		_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, schema)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
