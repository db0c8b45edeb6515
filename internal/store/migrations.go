package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var libsqlSchema001 string

//go:embed migrations/postgres/001_initial_schema.sql
var postgresSchema001 string

// migration is one versioned schema step.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrationSet is the ordered catalog of schema steps for one backend.
// apply order relies on ascending versions.
type migrationSet []migration

var (
	libsqlMigrations = migrationSet{
		{Version: 1, Name: "initial_schema", SQL: libsqlSchema001},
	}
	postgresMigrations = migrationSet{
		{Version: 1, Name: "initial_schema", SQL: postgresSchema001},
	}
)

const versionTableDDL = `CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// runMigrations brings a database/sql handle up to the newest version in
// the set. Each step commits atomically with its schema_version record.
func runMigrations(ctx context.Context, db *sql.DB, set migrationSet) error {
	if _, err := db.ExecContext(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range set.pending(current) {
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

// pending returns the steps newer than current.
func (set migrationSet) pending(current int) migrationSet {
	for i, m := range set {
		if m.Version > current {
			return set[i:]
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return current, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// splitStatements breaks a migration script into executable statements.
// Comment lines are dropped before splitting so a semicolon inside a
// comment never cuts a statement in half.
func splitStatements(script string) []string {
	var sb strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	var stmts []string
	for _, chunk := range strings.Split(sb.String(), ";") {
		if s := strings.TrimSpace(chunk); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
