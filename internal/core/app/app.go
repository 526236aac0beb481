// Package app wires configuration, per-unit trackers, the project merge and
// the SQLite history into one entry point.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"macroscope/internal/core/config"
	"macroscope/internal/core/errors"
	"macroscope/internal/data/history"
	"macroscope/internal/engine/macro"
	"macroscope/internal/engine/project"
	"macroscope/internal/shared/observability"
	"macroscope/internal/shared/util"
	"os"
)

type App struct {
	Config *config.Config

	logger          *slog.Logger
	history         *history.Store
	limiter         *util.Limiter
	shutdownTracing func(context.Context) error
}

type Option func(*App)

// WithLogger overrides the logger built from logging.level.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	a := &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	}

	shutdown, err := observability.SetupTracing(context.Background(), cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdown

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			_ = shutdown(context.Background())
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.history = store
		a.limiter = util.NewLimiter(cfg.History.WriteRate, cfg.History.WriteBurst)
	}

	a.logger.Debug("app initialized",
		"history", cfg.History.Enabled,
		"workers", cfg.Project.Workers,
		"strict_redefinition", cfg.Tracker.StrictRedefinition)
	return a, nil
}

// NewTracker creates a tracker for unit with the configured tracker options.
func (a *App) NewTracker(unit string) (*macro.Tracker, error) {
	tc := a.Config.Tracker
	opts := []macro.Option{
		macro.WithUnit(unit),
		macro.WithLogger(a.logger),
		macro.WithStrictRedefinition(tc.StrictRedefinition),
		macro.WithAbsentChecks(tc.AbsentChecksEnabled()),
	}
	if len(tc.Predefined) > 0 {
		opts = append(opts, macro.WithPredefined(tc.Predefined))
	}
	if len(tc.Protected) > 0 {
		opts = append(opts, macro.WithProtected(tc.Protected...))
	}
	return macro.New(opts...)
}

// Analyze replays every unit, merges the results and, when history is
// enabled, persists each finalized unit snapshot.
func (a *App) Analyze(ctx context.Context, units []project.UnitStream) (*project.History, error) {
	h, err := project.Build(ctx, units, a.NewTracker, a.Config.Project.Workers)
	if err != nil {
		return nil, err
	}
	if a.history != nil {
		for _, snap := range h.Snapshots() {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			if err := a.history.SaveSnapshot(ctx, snap); err != nil {
				return nil, fmt.Errorf("persist unit %q: %w", snap.Unit(), err)
			}
		}
	}
	a.logger.Info("project analyzed", "units", len(units), "versions", h.Len())
	return h, nil
}

// Query applies the configured include and exclude name globs.
func (a *App) Query(snap *macro.Snapshot) (*macro.Snapshot, error) {
	if snap == nil {
		return nil, errors.New(errors.CodeValidationError, "snapshot must not be nil")
	}
	return snap.Filter(a.Config.Query.Include, a.Config.Query.Exclude)
}

// LoadUnit reads a previously persisted unit snapshot.
func (a *App) LoadUnit(ctx context.Context, unit string) (*macro.Snapshot, error) {
	if a.history == nil {
		return nil, errors.New(errors.CodeValidationError, "history is disabled")
	}
	return a.history.LoadSnapshot(ctx, unit)
}

func (a *App) Units(ctx context.Context) ([]string, error) {
	if a.history == nil {
		return nil, errors.New(errors.CodeValidationError, "history is disabled")
	}
	return a.history.Units(ctx)
}

func (a *App) Close() error {
	var firstErr error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			firstErr = err
		}
		a.history = nil
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
		a.shutdownTracing = nil
	}
	return firstErr
}
