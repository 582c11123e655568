package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// schemaStep is one versioned schema change. Both directions are loaded
// up front so a rollback never discovers a missing down file mid-flight.
type schemaStep struct {
	version int
	name    string
	up      string
	down    string
}

// Migrate brings the ledger schema up to the latest embedded version.
// Each step runs in its own transaction together with its bookkeeping
// row, so a failed step leaves the schema at the previous version.
func (db *DB) Migrate(ctx context.Context) error {
	steps, err := loadSchemaSteps()
	if err != nil {
		return err
	}

	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if applied[step.version] {
			continue
		}
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, step.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				step.version, step.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", step.name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the newest n applied steps.
func (db *DB) MigrateDown(ctx context.Context, n int) error {
	steps, err := loadSchemaSteps()
	if err != nil {
		return err
	}
	byVersion := make(map[int]schemaStep, len(steps))
	for _, s := range steps {
		byVersion[s.version] = s
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}
	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))

	if n > len(versions) {
		n = len(versions)
	}
	for _, v := range versions[:n] {
		step, ok := byVersion[v]
		if !ok {
			return fmt.Errorf("rollback: no embedded step for applied version %d", v)
		}
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, step.down); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`DELETE FROM schema_migrations WHERE version = $1`, step.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback %s: %w", step.name, err)
		}
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// loadSchemaSteps reads every NNN_name.up.sql under migrations/ and
// pairs it with its .down.sql. Files that do not match the naming
// convention are an error rather than silently skipped.
func loadSchemaSteps() ([]schemaStep, error) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}

	steps := make([]schemaStep, 0, len(ups))
	for _, upPath := range ups {
		name := strings.TrimSuffix(path.Base(upPath), ".up.sql")
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: want NNN_name.up.sql", upPath)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version prefix: %w", upPath, err)
		}

		up, err := fs.ReadFile(migrationsFS, upPath)
		if err != nil {
			return nil, err
		}
		down, err := fs.ReadFile(migrationsFS, "migrations/"+name+".down.sql")
		if err != nil {
			return nil, fmt.Errorf("migration %q: missing down file: %w", upPath, err)
		}

		steps = append(steps, schemaStep{
			version: version,
			name:    name,
			up:      string(up),
			down:    string(down),
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}
