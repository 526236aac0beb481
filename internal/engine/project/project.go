// Package project combines the finalized macro histories of independent
// translation units into one project-wide history.
package project

import (
	"context"
	"fmt"
	"macroscope/internal/core/errors"
	"macroscope/internal/engine/macro"
	"macroscope/internal/shared/observability"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// UnitStream is the ordered event stream of one translation unit.
type UnitStream struct {
	Unit   string
	Events []macro.Event
}

// Factory creates the tracker for a unit.
type Factory func(unit string) (*macro.Tracker, error)

// Entry is one unit-local version placed in the project-wide chain.
type Entry struct {
	Unit         string
	ProjectIndex int
	macro.Version
}

// ProjectID returns NAME_<project index>.
func (e Entry) ProjectID() string {
	return e.Name + "_" + strconv.Itoa(e.ProjectIndex)
}

type History struct {
	units     []string
	names     []string
	chains    map[string][]Entry
	snapshots []*macro.Snapshot
}

// Merge unions per-name chains of finalized snapshots in the order given.
// It must run after every unit's end of unit, from a single goroutine.
func Merge(snapshots ...*macro.Snapshot) (*History, error) {
	start := time.Now()
	defer func() { observability.MergeDuration.Observe(time.Since(start).Seconds()) }()

	h := &History{chains: make(map[string][]Entry)}
	seen := make(map[string]bool, len(snapshots))
	for i, snap := range snapshots {
		if snap == nil {
			return nil, errors.Newf(errors.CodeValidationError, "snapshot %d is nil", i)
		}
		unit := snap.Unit()
		if seen[unit] {
			return nil, errors.AddContext(
				errors.New(errors.CodeConflict, "unit merged twice"), errors.CtxUnit, unit)
		}
		seen[unit] = true
		h.units = append(h.units, unit)
		h.snapshots = append(h.snapshots, snap)

		for _, v := range snap.All() {
			chain := h.chains[v.Name]
			h.chains[v.Name] = append(chain, Entry{Unit: unit, ProjectIndex: len(chain), Version: v})
		}
	}
	h.names = make([]string, 0, len(h.chains))
	for name := range h.chains {
		h.names = append(h.names, name)
	}
	sort.Strings(h.names)
	return h, nil
}

// Build replays every unit on its own tracker, at most workers at a time,
// then merges the results in input order. A stream that does not end with
// EndOfUnit is finalized when its events run out.
func Build(ctx context.Context, units []UnitStream, newTracker Factory, workers int) (*History, error) {
	ctx, span := observability.Tracer.Start(ctx, "project.Build",
		trace.WithAttributes(attribute.Int("units", len(units))))
	defer span.End()

	if newTracker == nil {
		return nil, errors.New(errors.CodeValidationError, "tracker factory is required")
	}
	if workers <= 0 {
		workers = 1
	}

	snapshots := make([]*macro.Snapshot, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, unit := range units {
		g.Go(func() error {
			snap, err := replay(gctx, unit, newTracker)
			if err != nil {
				return errors.AddContext(err, errors.CtxUnit, unit.Unit)
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return Merge(snapshots...)
}

func replay(ctx context.Context, unit UnitStream, newTracker Factory) (*macro.Snapshot, error) {
	tr, err := newTracker(unit.Unit)
	if err != nil {
		return nil, err
	}
	for i, ev := range unit.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := tr.Apply(ev); err != nil {
			return nil, fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
	}
	if !tr.Finalized() {
		if err := tr.EndOfUnit(); err != nil {
			return nil, err
		}
	}
	return tr.Snapshot()
}

func (h *History) Units() []string {
	return append([]string(nil), h.units...)
}

// Snapshots returns the merged unit snapshots in merge order.
func (h *History) Snapshots() []*macro.Snapshot {
	return append([]*macro.Snapshot(nil), h.snapshots...)
}

func (h *History) Names() []string {
	return append([]string(nil), h.names...)
}

// Versions returns name's project-wide chain. Unknown names yield nil.
func (h *History) Versions(name string) []Entry {
	chain := h.chains[name]
	if len(chain) == 0 {
		return nil
	}
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out
}

// Lookup finds an entry by project-wide identity, e.g. "FOO_3".
func (h *History) Lookup(projectID string) (Entry, bool) {
	cut := strings.LastIndexByte(projectID, '_')
	if cut <= 0 {
		return Entry{}, false
	}
	idx, err := strconv.Atoi(projectID[cut+1:])
	chain := h.chains[projectID[:cut]]
	if err != nil || idx < 0 || idx >= len(chain) {
		return Entry{}, false
	}
	return chain[idx], true
}

// Matrix counts every unit-local version by status.
func (h *History) Matrix() macro.Matrix {
	var m macro.Matrix
	for _, chain := range h.chains {
		for _, e := range chain {
			switch e.Status() {
			case macro.ActiveReferenced:
				m.ActiveReferenced++
			case macro.ActiveUnreferenced:
				m.ActiveUnreferenced++
			case macro.InactiveReferenced:
				m.InactiveReferenced++
			case macro.InactiveUnreferenced:
				m.InactiveUnreferenced++
			}
		}
	}
	return m
}

func (h *History) Len() int {
	n := 0
	for _, chain := range h.chains {
		n += len(chain)
	}
	return n
}
