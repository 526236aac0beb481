package history

import (
	"context"
	"database/sql"
	"errors"
	domainerrors "macroscope/internal/core/errors"
	"macroscope/internal/engine/macro"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func pos(line int) macro.Position {
	return macro.Position{File: "demo.c", Line: line}
}

func demoSnapshot(t *testing.T, unit string) *macro.Snapshot {
	t.Helper()
	tr, err := macro.New(macro.WithUnit(unit), macro.WithPredefined(map[string]string{"__STDC__": "1"}))
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Replay([]macro.Event{
		macro.DefineEvent("FOO", macro.Object("2", "*", "a"), pos(1)),
		macro.UndefEvent("FOO", pos(2)),
		macro.DefineEvent("FOO", macro.Object("2", "*", "b"), pos(3)),
		macro.UseEvent("FOO", pos(4), macro.Expansion),
		macro.DefineEvent("FOO", macro.Object(), pos(6)),
		macro.UseEvent("FOO", macro.Position{File: "inc.h", Line: 7, Column: 3}, macro.ConditionalCheck),
		macro.DefineEvent("MAX", macro.Function([]string{"a", "b"}, "(", "a", ">", "b", "?", "a", ":", "b", ")"), pos(8)),
		macro.UseEvent("__STDC__", pos(9), macro.ConditionalCheck),
		macro.UseEvent("HAVE_CONFIG_H", pos(10), macro.ConditionalCheck),
		macro.EndOfUnitEvent(),
	})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := tr.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestStore_OpenInitializesSchemaAndSaveLoad(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	want := demoSnapshot(t, "demo.c")
	if err := store.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "demo.c")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !reflect.DeepEqual(want.All(), got.All()) {
		t.Fatalf("versions did not roundtrip\nwant %+v\n got %+v", want.All(), got.All())
	}
	if !reflect.DeepEqual(want.AbsentChecks(), got.AbsentChecks()) {
		t.Fatalf("absent checks did not roundtrip: %+v", got.AbsentChecks())
	}
	if !reflect.DeepEqual(want.Diagnostics(), got.Diagnostics()) {
		t.Fatalf("diagnostics did not roundtrip: %+v", got.Diagnostics())
	}
	if got.Matrix() != want.Matrix() {
		t.Fatalf("matrix mismatch: %+v vs %+v", got.Matrix(), want.Matrix())
	}

	v, ok := got.Lookup("FOO_0")
	if !ok || v.UndefinedAt == nil || *v.UndefinedAt != pos(2) {
		t.Fatalf("expected FOO_0 undefined at line 2, got %+v", v)
	}
	v, ok = got.Lookup("FOO_1")
	if !ok || v.UndefinedAt != nil || v.Closure != macro.Superseded {
		t.Fatalf("expected FOO_1 superseded without undef position, got %+v", v)
	}
}

func TestStore_SaveReplacesUnit(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.SaveSnapshot(ctx, demoSnapshot(t, "a.c")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSnapshot(ctx, demoSnapshot(t, "b.c")); err != nil {
		t.Fatal(err)
	}

	tr, err := macro.New(macro.WithUnit("a.c"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Replay([]macro.Event{macro.DefineEvent("ONLY", macro.Object(), pos(1)), macro.EndOfUnitEvent()}); err != nil {
		t.Fatal(err)
	}
	replacement, err := tr.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSnapshot(ctx, replacement); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadSnapshot(ctx, "a.c")
	if err != nil {
		t.Fatal(err)
	}
	if names := got.Names(); !reflect.DeepEqual(names, []string{"ONLY"}) {
		t.Fatalf("expected replaced unit to hold only ONLY, got %v", names)
	}
	if len(got.AbsentChecks()) != 0 || len(got.Diagnostics()) != 0 {
		t.Fatalf("stale rows survived replacement: %+v %+v", got.AbsentChecks(), got.Diagnostics())
	}

	units, err := store.Units(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(units, []string{"a.c", "b.c"}) {
		t.Fatalf("unexpected units %v", units)
	}
}

func TestStore_LoadUnknownUnit(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, err = store.LoadSnapshot(context.Background(), "missing.c")
	if !domainerrors.IsCode(err, domainerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := store.SaveSnapshot(context.Background(), nil); !domainerrors.IsCode(err, domainerrors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR for nil snapshot, got %v", err)
	}
}

func TestStore_OpenRejectsDirectoryPath(t *testing.T) {
	tmpDir := t.TempDir()
	_, err := Open(tmpDir)
	if err == nil {
		t.Fatal("expected open error for directory path")
	}
	if !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_OpenCorruptDBPath(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "history.db")
	if err := os.WriteFile(path, []byte("this is not sqlite"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if err == nil {
		t.Fatal("expected sqlite open error")
	}
	lower := strings.ToLower(err.Error())
	if !strings.Contains(lower, "not a database") {
		t.Fatalf("expected not-a-database error, got: %v", err)
	}
	if !domainerrors.IsCode(err, domainerrors.CodeInternal) {
		t.Fatalf("expected corrupt database to be INTERNAL_ERROR, got: %v", err)
	}
	var de *domainerrors.DomainError
	if !errors.As(err, &de) || de.Context[domainerrors.CtxPath] != path {
		t.Fatalf("expected path context %q, got: %v", path, err)
	}
}

func TestEnsureSchema_DetectsNewerVersionDrift(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, err = store.db.Exec(`INSERT OR REPLACE INTO schema_migrations(version) VALUES (?)`, SchemaVersion+1)
	if err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open(driverName, "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	err = EnsureSchema(db)
	if err == nil {
		t.Fatal("expected drift error")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCorruptionPassesOtherErrorsThrough(t *testing.T) {
	plain := errors.New("database is locked")
	if got := corruption(plain, "h.db"); got != plain {
		t.Fatalf("expected error unchanged, got %v", got)
	}
	if corruption(nil, "h.db") != nil {
		t.Fatal("nil should stay nil")
	}
	marked := corruption(errors.New("database disk image is malformed"), "h.db")
	if !domainerrors.IsCode(marked, domainerrors.CodeInternal) {
		t.Fatalf("expected INTERNAL_ERROR, got %v", marked)
	}
}

func TestIsCorruptError(t *testing.T) {
	if !IsCorruptError(errors.New("database disk image is malformed")) {
		t.Fatal("expected malformed sqlite message to be treated as corrupt")
	}
	if IsCorruptError(nil) {
		t.Fatal("nil is not corrupt")
	}
}
