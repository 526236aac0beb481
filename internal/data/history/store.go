package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	domainerrors "macroscope/internal/core/errors"
	"macroscope/internal/engine/macro"
	"macroscope/internal/shared/observability"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

const (
	driverName  = "sqlite"
	maxAttempts = 5
)

// Store persists finalized unit snapshots in SQLite. Saving a unit again
// replaces its previous history.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

func Open(path string) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("history path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("history path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cleanPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, corruption(fmt.Errorf("ping sqlite history %q: %w", cleanPath, err), cleanPath)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, corruption(fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err), cleanPath)
	}

	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *macro.Snapshot) error {
	if snap == nil {
		return domainerrors.New(domainerrors.CodeValidationError, "snapshot must not be nil")
	}
	ctx, span := observability.Tracer.Start(ctx, "history.SaveSnapshot",
		trace.WithAttributes(attribute.String("unit", snap.Unit())))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.HistoryWriteDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withRetry("save snapshot", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := saveTx(ctx, tx, snap); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		return domainerrors.AddContext(err, domainerrors.CtxUnit, snap.Unit())
	}
	return nil
}

func saveTx(ctx context.Context, tx *sql.Tx, snap *macro.Snapshot) error {
	unit := snap.Unit()
	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE unit = ?`, unit); err != nil {
		return fmt.Errorf("clear unit: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO units (unit, saved_at_utc, version_count) VALUES (?, ?, ?)`,
		unit, time.Now().UTC().Format(time.RFC3339Nano), snap.Len(),
	); err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}

	for _, v := range snap.All() {
		params, err := json.Marshal(nonNil(v.Params))
		if err != nil {
			return fmt.Errorf("encode params of %s: %w", v.ID(), err)
		}
		body, err := json.Marshal(nonNil(v.Body))
		if err != nil {
			return fmt.Errorf("encode body of %s: %w", v.ID(), err)
		}
		uf, ul, uc := nullablePosition(v.UndefinedAt)
		cf, cl, cc := nullablePosition(v.ClosedAt)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO versions (
  unit, name, idx, kind, params, body, defined_file, defined_line, defined_col, defined_seq,
  undefined_file, undefined_line, undefined_col, closed_file, closed_line, closed_col, closed_seq,
  closure, ref_count, active_at_eof, builtin
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			unit, v.Name, v.Index, int(v.Kind), string(params), string(body),
			v.DefinedAt.File, v.DefinedAt.Line, v.DefinedAt.Column, int64(v.DefinedSeq),
			uf, ul, uc, cf, cl, cc, int64(v.ClosedSeq),
			int(v.Closure), v.ReferenceCount, v.ActiveAtEOF, v.Builtin,
		); err != nil {
			return fmt.Errorf("insert version %s: %w", v.ID(), err)
		}
		for ord, ref := range v.References {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO refs (unit, name, idx, ord, file, line, col, use_kind, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				unit, v.Name, v.Index, ord, ref.Pos.File, ref.Pos.Line, ref.Pos.Column, int(ref.Kind), int64(ref.Seq),
			); err != nil {
				return fmt.Errorf("insert reference of %s: %w", v.ID(), err)
			}
		}
	}

	for name, positions := range snap.AbsentChecks() {
		for ord, p := range positions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO absent_checks (unit, name, ord, file, line, col) VALUES (?, ?, ?, ?, ?, ?)`,
				unit, name, ord, p.File, p.Line, p.Column,
			); err != nil {
				return fmt.Errorf("insert absent check of %s: %w", name, err)
			}
		}
	}

	for ord, d := range snap.Diagnostics() {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO diagnostics (unit, ord, macro, file, line, col, previous, message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			unit, ord, d.Macro, d.Pos.File, d.Pos.Line, d.Pos.Column, d.Previous, d.Message,
		); err != nil {
			return fmt.Errorf("insert diagnostic: %w", err)
		}
	}
	return nil
}

// LoadSnapshot rebuilds a unit's snapshot. Unknown units return NOT_FOUND.
func (s *Store) LoadSnapshot(ctx context.Context, unit string) (*macro.Snapshot, error) {
	ctx, span := observability.Tracer.Start(ctx, "history.LoadSnapshot",
		trace.WithAttributes(attribute.String("unit", unit)))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.HistoryWriteDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.withRetry("load unit", func() error {
		return s.db.QueryRowContext(ctx, `SELECT version_count FROM units WHERE unit = ?`, unit).Scan(&count)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeNotFound, "unit has no saved history"),
			domainerrors.CtxUnit, unit)
	}
	if err != nil {
		return nil, corruption(err, s.path)
	}

	versions, err := s.loadVersions(ctx, unit, count)
	if err != nil {
		return nil, corruption(err, s.path)
	}
	absent, err := s.loadAbsent(ctx, unit)
	if err != nil {
		return nil, corruption(err, s.path)
	}
	diags, err := s.loadDiagnostics(ctx, unit)
	if err != nil {
		return nil, corruption(err, s.path)
	}
	return macro.Restore(unit, versions, absent, diags)
}

func (s *Store) loadVersions(ctx context.Context, unit string, capacity int) ([]macro.Version, error) {
	var rows *sql.Rows
	err := s.withRetry("load versions", func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, `
SELECT
  name, idx, kind, params, body, defined_file, defined_line, defined_col, defined_seq,
  undefined_file, undefined_line, undefined_col, closed_file, closed_line, closed_col, closed_seq,
  closure, ref_count, active_at_eof, builtin
FROM versions WHERE unit = ? ORDER BY name ASC, idx ASC`, unit)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]macro.Version, 0, capacity)
	byKey := make(map[string]int, capacity)
	for rows.Next() {
		var (
			v                 macro.Version
			kind, closure     int
			params, body      string
			definedSeq, clSeq int64
			uf, cf            sql.NullString
			ul, uc, cl, cc    sql.NullInt64
		)
		if err := rows.Scan(
			&v.Name, &v.Index, &kind, &params, &body,
			&v.DefinedAt.File, &v.DefinedAt.Line, &v.DefinedAt.Column, &definedSeq,
			&uf, &ul, &uc, &cf, &cl, &cc, &clSeq,
			&closure, &v.ReferenceCount, &v.ActiveAtEOF, &v.Builtin,
		); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		v.Kind = macro.Kind(kind)
		v.Closure = macro.Closure(closure)
		v.DefinedSeq = uint64(definedSeq)
		v.ClosedSeq = uint64(clSeq)
		if err := json.Unmarshal([]byte(params), &v.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", v.ID(), err)
		}
		if err := json.Unmarshal([]byte(body), &v.Body); err != nil {
			return nil, fmt.Errorf("decode body of %s: %w", v.ID(), err)
		}
		if len(v.Params) == 0 {
			v.Params = nil
		}
		if len(v.Body) == 0 {
			v.Body = nil
		}
		v.UndefinedAt = positionFrom(uf, ul, uc)
		v.ClosedAt = positionFrom(cf, cl, cc)
		byKey[v.ID()] = len(versions)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version rows: %w", err)
	}

	refRows, err := s.db.QueryContext(ctx, `
SELECT name, idx, file, line, col, use_kind, seq
FROM refs WHERE unit = ? ORDER BY name ASC, idx ASC, ord ASC`, unit)
	if err != nil {
		return nil, fmt.Errorf("load references: %w", err)
	}
	defer refRows.Close()
	for refRows.Next() {
		var (
			id  macro.Version
			ref macro.Reference
			use int
			seq int64
		)
		if err := refRows.Scan(&id.Name, &id.Index, &ref.Pos.File, &ref.Pos.Line, &ref.Pos.Column, &use, &seq); err != nil {
			return nil, fmt.Errorf("scan reference row: %w", err)
		}
		ref.Kind = macro.UseKind(use)
		ref.Seq = uint64(seq)
		i, ok := byKey[id.ID()]
		if !ok {
			return nil, fmt.Errorf("reference to unknown version %s", id.ID())
		}
		versions[i].References = append(versions[i].References, ref)
	}
	if err := refRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference rows: %w", err)
	}
	return versions, nil
}

func (s *Store) loadAbsent(ctx context.Context, unit string) (map[string][]macro.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, file, line, col FROM absent_checks WHERE unit = ? ORDER BY name ASC, ord ASC`, unit)
	if err != nil {
		return nil, fmt.Errorf("load absent checks: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]macro.Position)
	for rows.Next() {
		var (
			name string
			p    macro.Position
		)
		if err := rows.Scan(&name, &p.File, &p.Line, &p.Column); err != nil {
			return nil, fmt.Errorf("scan absent check row: %w", err)
		}
		out[name] = append(out[name], p)
	}
	return out, rows.Err()
}

func (s *Store) loadDiagnostics(ctx context.Context, unit string) ([]macro.Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT macro, file, line, col, previous, message FROM diagnostics WHERE unit = ? ORDER BY ord ASC`, unit)
	if err != nil {
		return nil, fmt.Errorf("load diagnostics: %w", err)
	}
	defer rows.Close()
	var out []macro.Diagnostic
	for rows.Next() {
		var d macro.Diagnostic
		if err := rows.Scan(&d.Macro, &d.Pos.File, &d.Pos.Line, &d.Pos.Column, &d.Previous, &d.Message); err != nil {
			return nil, fmt.Errorf("scan diagnostic row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Units lists every unit with saved history, sorted.
func (s *Store) Units(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	err := s.withRetry("list units", func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, `SELECT unit FROM units ORDER BY unit ASC`)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	units := make([]string, 0)
	for rows.Next() {
		var unit string
		if err := rows.Scan(&unit); err != nil {
			return nil, fmt.Errorf("scan unit row: %w", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit rows: %w", err)
	}
	return units, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	if errors.Is(lastErr, sql.ErrNoRows) {
		return lastErr
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// corruption marks errors from a damaged database file as INTERNAL_ERROR with
// the database path attached. Other errors pass through unchanged.
func corruption(err error, path string) error {
	if !IsCorruptError(err) {
		return err
	}
	return domainerrors.AddContext(
		domainerrors.Wrap(err, domainerrors.CodeInternal, "history database is corrupt"),
		domainerrors.CtxPath, path)
}

func IsCorruptError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || errors.Is(err, os.ErrInvalid)
}

func nullablePosition(p *macro.Position) (sql.NullString, sql.NullInt64, sql.NullInt64) {
	if p == nil {
		return sql.NullString{}, sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullString{String: p.File, Valid: true},
		sql.NullInt64{Int64: int64(p.Line), Valid: true},
		sql.NullInt64{Int64: int64(p.Column), Valid: true}
}

func positionFrom(file sql.NullString, line, col sql.NullInt64) *macro.Position {
	if !file.Valid {
		return nil
	}
	return &macro.Position{File: file.String, Line: int(line.Int64), Column: int(col.Int64)}
}

func nonNil(tokens []string) []string {
	if tokens == nil {
		return []string{}
	}
	return tokens
}
