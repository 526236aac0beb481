package history

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the newest migration this package knows how to apply.
const SchemaVersion = 2

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS units (
  unit TEXT PRIMARY KEY,
  saved_at_utc TEXT NOT NULL,
  version_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS versions (
  unit TEXT NOT NULL REFERENCES units(unit) ON DELETE CASCADE,
  name TEXT NOT NULL,
  idx INTEGER NOT NULL,
  kind INTEGER NOT NULL,
  params TEXT NOT NULL DEFAULT '[]',
  body TEXT NOT NULL DEFAULT '[]',
  defined_file TEXT NOT NULL,
  defined_line INTEGER NOT NULL,
  defined_col INTEGER NOT NULL DEFAULT 0,
  defined_seq INTEGER NOT NULL,
  undefined_file TEXT,
  undefined_line INTEGER,
  undefined_col INTEGER,
  closed_file TEXT,
  closed_line INTEGER,
  closed_col INTEGER,
  closed_seq INTEGER NOT NULL DEFAULT 0,
  closure INTEGER NOT NULL,
  ref_count INTEGER NOT NULL,
  active_at_eof INTEGER NOT NULL,
  builtin INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (unit, name, idx)
);
CREATE TABLE IF NOT EXISTS refs (
  unit TEXT NOT NULL REFERENCES units(unit) ON DELETE CASCADE,
  name TEXT NOT NULL,
  idx INTEGER NOT NULL,
  ord INTEGER NOT NULL,
  file TEXT NOT NULL,
  line INTEGER NOT NULL,
  col INTEGER NOT NULL DEFAULT 0,
  use_kind INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  PRIMARY KEY (unit, name, idx, ord)
);
CREATE INDEX IF NOT EXISTS idx_versions_name ON versions(name);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS absent_checks (
  unit TEXT NOT NULL REFERENCES units(unit) ON DELETE CASCADE,
  name TEXT NOT NULL,
  ord INTEGER NOT NULL,
  file TEXT NOT NULL,
  line INTEGER NOT NULL,
  col INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (unit, name, ord)
);
CREATE TABLE IF NOT EXISTS diagnostics (
  unit TEXT NOT NULL REFERENCES units(unit) ON DELETE CASCADE,
  ord INTEGER NOT NULL,
  macro TEXT NOT NULL,
  file TEXT NOT NULL,
  line INTEGER NOT NULL,
  col INTEGER NOT NULL DEFAULT 0,
  previous TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  PRIMARY KEY (unit, ord)
);
`,
	},
}

func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_utc TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP)
);
`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_migrations version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
