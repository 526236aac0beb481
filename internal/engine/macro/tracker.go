package macro

import (
	"context"
	"fmt"
	"log/slog"
	"macroscope/internal/core/errors"
	"macroscope/internal/shared/observability"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// LevelTrace is more verbose than Debug and logs every attributed reference.
const LevelTrace = slog.Level(-8)

// DefaultProtected can never be defined or undefined by a unit.
var DefaultProtected = []string{"defined", "__LINE__", "__FILE__", "__DATE__", "__TIME__"}

type Option func(*trackerConfig)

type trackerConfig struct {
	unit         string
	logger       *slog.Logger
	predefined   map[string]string
	protected    []string
	strict       bool
	recordAbsent bool
}

// WithUnit sets the translation unit identity. Defaults to a random UUID.
func WithUnit(unit string) Option {
	return func(c *trackerConfig) { c.unit = unit }
}

// WithLogger sets the logger for debug/trace output. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *trackerConfig) { c.logger = logger }
}

// WithPredefined seeds builtin object-like macros before the first event.
// Replacement text is split on whitespace into body tokens. Predefined names
// are protected.
func WithPredefined(macros map[string]string) Option {
	return func(c *trackerConfig) { c.predefined = macros }
}

// WithProtected adds names that may not be defined or undefined.
func WithProtected(names ...string) Option {
	return func(c *trackerConfig) { c.protected = append(c.protected, names...) }
}

// WithStrictRedefinition rejects incompatible redefinitions instead of only
// recording a diagnostic.
func WithStrictRedefinition(strict bool) Option {
	return func(c *trackerConfig) { c.strict = strict }
}

// WithAbsentChecks controls whether conditional checks on undefined names are
// remembered.
func WithAbsentChecks(record bool) Option {
	return func(c *trackerConfig) { c.recordAbsent = record }
}

// Tracker is the macro history of a single translation unit. Events must be
// delivered in stream order from one goroutine; independent units use
// independent trackers.
type Tracker struct {
	unit   string
	logger *slog.Logger

	store *Store
	scope *Scope
	attr  *Attributor

	protected map[string]bool
	strict    bool

	seq   uint64
	ended bool
	diags []Diagnostic
}

func New(opts ...Option) (*Tracker, error) {
	cfg := trackerConfig{recordAbsent: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.unit) == "" {
		cfg.unit = uuid.NewString()
	}

	store := NewStore()
	scope := NewScope(store)
	t := &Tracker{
		unit:      cfg.unit,
		logger:    cfg.logger,
		store:     store,
		scope:     scope,
		attr:      NewAttributor(scope, cfg.recordAbsent),
		protected: make(map[string]bool),
		strict:    cfg.strict,
	}
	for _, name := range DefaultProtected {
		t.protected[name] = true
	}
	for _, name := range cfg.protected {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New(errors.CodeValidationError, "protected macro name must not be empty")
		}
		t.protected[name] = true
	}

	names := make([]string, 0, len(cfg.predefined))
	for name := range cfg.predefined {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New(errors.CodeValidationError, "predefined macro name must not be empty")
		}
		if name == "defined" {
			return nil, errors.AddContext(
				errors.New(errors.CodeProtectedName, "\"defined\" cannot be predefined"),
				errors.CtxMacro, name)
		}
		t.seq++
		v, _, err := t.scope.Define(name, Object(strings.Fields(cfg.predefined[name])...), Position{File: BuiltinFile, Line: 1}, t.seq)
		if err != nil {
			return nil, err
		}
		v.Builtin = true
		t.protected[name] = true
	}
	if t.logEnabled(slog.LevelDebug) {
		t.logger.Debug("tracker created", "unit", t.unit, "predefined", len(names), "strict", t.strict)
	}
	return t, nil
}

func (t *Tracker) Unit() string {
	return t.unit
}

func (t *Tracker) Finalized() bool {
	return t.ended
}

// Active returns a copy of name's currently open version. It is usable while
// the unit is still being processed.
func (t *Tracker) Active(name string) (Version, bool) {
	v, ok := t.scope.Active(name)
	if !ok {
		return Version{}, false
	}
	return v.clone(), true
}

func (t *Tracker) Define(name string, def Definition, pos Position) error {
	observability.EventsTotal.WithLabelValues(EventDefine.String()).Inc()
	if err := t.accept(EventDefine, name, pos); err != nil {
		return err
	}
	if t.protected[name] {
		return t.violation(errors.Newf(errors.CodeProtectedName, "cannot define protected macro %q", name), name, pos)
	}

	if prev, ok := t.scope.Active(name); ok && !compatible(prev.Definition, def) {
		if t.strict {
			return t.violation(errors.Newf(errors.CodeInvalidRedefinition, "invalid redefinition of %s", prev.ID()), name, pos)
		}
		t.diags = append(t.diags, Diagnostic{
			Macro:    name,
			Pos:      pos,
			Previous: prev.ID(),
			Message:  fmt.Sprintf("incompatible redefinition of %s defined at %s", prev.ID(), prev.DefinedAt),
		})
		if t.logEnabled(slog.LevelWarn) {
			t.logger.Warn("incompatible macro redefinition", "unit", t.unit, "macro", name, "previous", prev.ID(), "pos", pos.String())
		}
	}

	t.seq++
	v, prev, err := t.scope.Define(name, def, pos, t.seq)
	if err != nil {
		return t.violation(err, name, pos)
	}
	observability.VersionsCreatedTotal.Inc()
	if t.logEnabled(slog.LevelDebug) {
		attrs := []any{"unit", t.unit, "version", v.ID(), "kind", def.Kind.String(), "pos", pos.String()}
		if prev != nil {
			attrs = append(attrs, "supersedes", prev.ID())
		}
		t.logger.Debug("macro defined", attrs...)
	}
	return nil
}

func (t *Tracker) Undef(name string, pos Position) error {
	observability.EventsTotal.WithLabelValues(EventUndef.String()).Inc()
	if err := t.accept(EventUndef, name, pos); err != nil {
		return err
	}
	t.seq++
	v, ok := t.scope.Undef(name, pos, t.seq)
	if !ok {
		if t.logEnabled(slog.LevelDebug) {
			t.logger.Debug("undef of macro with no open version", "unit", t.unit, "macro", name, "pos", pos.String())
		}
		return nil
	}
	if t.logEnabled(slog.LevelDebug) {
		t.logger.Debug("macro undefined", "unit", t.unit, "version", v.ID(), "pos", pos.String())
	}
	return nil
}

func (t *Tracker) Use(name string, pos Position, kind UseKind) error {
	observability.EventsTotal.WithLabelValues(EventUse.String()).Inc()
	if err := t.accept(EventUse, name, pos); err != nil {
		return err
	}
	t.seq++
	v, ok := t.attr.Use(name, pos, kind, t.seq)
	if !ok {
		observability.AbsorbedUsesTotal.WithLabelValues(kind.String()).Inc()
		return nil
	}
	observability.ReferencesTotal.WithLabelValues(kind.String()).Inc()
	if t.logEnabled(LevelTrace) {
		t.logger.Log(context.Background(), LevelTrace, "macro referenced",
			"unit", t.unit, "version", v.ID(), "use", kind.String(), "pos", pos.String())
	}
	return nil
}

// EndOfUnit finalizes the history. No further events are accepted.
func (t *Tracker) EndOfUnit() error {
	observability.EventsTotal.WithLabelValues(EventEndOfUnit.String()).Inc()
	if t.ended {
		return t.violation(errors.New(errors.CodeStreamClosed, "end of unit delivered twice"), "", Position{})
	}
	t.scope.Finalize()
	t.ended = true
	observability.UnitsFinalizedTotal.Inc()
	if t.logEnabled(slog.LevelDebug) {
		t.logger.Debug("unit finalized", "unit", t.unit, "versions", t.store.Len(), "active", t.scope.OpenCount())
	}
	return nil
}

func (t *Tracker) Apply(ev Event) error {
	switch ev.Type {
	case EventDefine:
		return t.Define(ev.Name, ev.Def, ev.Pos)
	case EventUndef:
		return t.Undef(ev.Name, ev.Pos)
	case EventUse:
		return t.Use(ev.Name, ev.Pos, ev.Use)
	case EventEndOfUnit:
		return t.EndOfUnit()
	default:
		return errors.Newf(errors.CodeValidationError, "unknown event type %s", ev.Type)
	}
}

// Replay applies events in order and stops at the first error.
func (t *Tracker) Replay(events []Event) error {
	for i, ev := range events {
		if err := t.Apply(ev); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
	}
	return nil
}

// Snapshot returns the finalized, classified history.
func (t *Tracker) Snapshot() (*Snapshot, error) {
	if !t.ended {
		return nil, t.violation(errors.New(errors.CodeNotFinalized, "snapshot requested before end of unit"), "", Position{})
	}
	chains := make(map[string][]Version)
	for _, name := range t.store.Names() {
		versions := t.store.Versions(name)
		chain := make([]Version, len(versions))
		for i, v := range versions {
			chain[i] = v.clone()
		}
		chains[name] = chain
	}
	return newSnapshot(t.unit, chains, t.attr.Absent(), t.diags), nil
}

func (t *Tracker) accept(typ EventType, name string, pos Position) error {
	if t.ended {
		return t.violation(errors.Newf(errors.CodeStreamClosed, "%s event after end of unit", typ), name, pos)
	}
	if name == "" {
		return t.violation(errors.Newf(errors.CodeValidationError, "%s event without macro name", typ), name, pos)
	}
	return nil
}

func (t *Tracker) violation(err error, name string, pos Position) error {
	if code, ok := errors.CodeOf(err); ok {
		observability.RejectedTotal.WithLabelValues(string(code)).Inc()
	}
	err = errors.AddContext(err, errors.CtxUnit, t.unit)
	if name != "" {
		err = errors.AddContext(err, errors.CtxMacro, name)
	}
	if pos != (Position{}) {
		err = errors.AddContext(err, errors.CtxPosition, pos.String())
	}
	return err
}

func (t *Tracker) logEnabled(level slog.Level) bool {
	return t.logger != nil && t.logger.Enabled(context.Background(), level)
}
