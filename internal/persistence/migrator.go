package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock held while migrating, so
// replicas booting together apply each file once
const migrationLockKey = 0x57414c4c4554 // "WALLET"

// Migrator runs SQL migration files in order.
// Compatible with golang-migrate file naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

type appliedMigration struct {
	filename string
	checksum string
}

// withLock runs fn on one connection holding the migration lock
func (m *Migrator) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		// Session lock: released explicitly, and with the connection anyway
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// Up applies all pending up-migrations in order. An applied file whose
// contents changed since is reported, not re-run.
func (m *Migrator) Up(ctx context.Context) error {
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	return m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}

		count := 0
		for _, f := range files {
			content, err := os.ReadFile(filepath.Join(m.migrationsDir, f))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", f, err)
			}
			version, sum := extractVersion(f), checksum(content)

			if prev, ok := applied[version]; ok {
				if prev.checksum != "" && prev.checksum != sum {
					m.logger.Warn().Str("file", f).Msg("applied migration was modified afterwards")
				}
				continue
			}

			m.logger.Info().Str("file", f).Msg("applying migration")
			err = inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, string(content)); err != nil {
					return fmt.Errorf("exec migration %s: %w", f, err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					version, f, sum,
				)
				return err
			})
			if err != nil {
				return err
			}
			count++
		}

		if count > 0 {
			m.logger.Info().Int("applied", count).Msg("migrations applied")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.withLock(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}

		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec down migration %s: %w", downFile, err)
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return err
		}

		m.logger.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Pending lists up-migrations not yet applied
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}

	var pending []string
	err = m.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, f := range files {
			if _, ok := applied[extractVersion(f)]; !ok {
				pending = append(pending, f)
			}
		}
		return nil
	})
	return pending, err
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// extractVersion returns the numeric prefix from a migration filename,
// e.g. "000002_bonus_grants.up.sql" -> "000002"
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
