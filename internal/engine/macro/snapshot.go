package macro

import (
	"fmt"
	"macroscope/internal/core/errors"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// Snapshot is the read-only history of a finalized unit. Every accessor
// returns copies.
type Snapshot struct {
	unit   string
	names  []string
	chains map[string][]Version
	absent map[string][]Position
	diags  []Diagnostic
}

// Matrix counts versions by Active/Inactive x Referenced/Not Referenced.
type Matrix struct {
	ActiveReferenced     int
	ActiveUnreferenced   int
	InactiveReferenced   int
	InactiveUnreferenced int
}

func (m Matrix) Total() int {
	return m.ActiveReferenced + m.ActiveUnreferenced + m.InactiveReferenced + m.InactiveUnreferenced
}

func newSnapshot(unit string, chains map[string][]Version, absent map[string][]Position, diags []Diagnostic) *Snapshot {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	sort.Strings(names)
	if absent == nil {
		absent = make(map[string][]Position)
	}
	return &Snapshot{
		unit:   unit,
		names:  names,
		chains: chains,
		absent: absent,
		diags:  slices.Clone(diags),
	}
}

// Restore rebuilds a snapshot from previously captured versions, e.g. when
// loading persisted history. Chains are validated for contiguous indices.
func Restore(unit string, versions []Version, absent map[string][]Position, diags []Diagnostic) (*Snapshot, error) {
	chains := make(map[string][]Version)
	for _, v := range versions {
		chains[v.Name] = append(chains[v.Name], v.clone())
	}
	for name, chain := range chains {
		sort.Slice(chain, func(i, j int) bool { return chain[i].Index < chain[j].Index })
		active := 0
		for i, v := range chain {
			if v.Index != i {
				return nil, errors.AddContext(
					errors.Newf(errors.CodeValidationError, "version chain has a gap at index %d", i),
					errors.CtxMacro, name)
			}
			if v.ActiveAtEOF {
				active++
			}
		}
		if active > 1 {
			return nil, errors.AddContext(
				errors.New(errors.CodeValidationError, "more than one version active at end of unit"),
				errors.CtxMacro, name)
		}
	}
	copied := make(map[string][]Position, len(absent))
	for name, positions := range absent {
		copied[name] = slices.Clone(positions)
	}
	return newSnapshot(unit, chains, copied, diags), nil
}

func (s *Snapshot) Unit() string {
	return s.unit
}

// Names returns every macro name with at least one version, sorted.
func (s *Snapshot) Names() []string {
	return slices.Clone(s.names)
}

// Versions returns name's chain ordered by index. Unknown names yield nil.
func (s *Snapshot) Versions(name string) []Version {
	chain := s.chains[name]
	if len(chain) == 0 {
		return nil
	}
	out := make([]Version, len(chain))
	for i := range chain {
		out[i] = chain[i].clone()
	}
	return out
}

// All returns every version ordered by name then index.
func (s *Snapshot) All() []Version {
	out := make([]Version, 0, s.Len())
	for _, name := range s.names {
		for i := range s.chains[name] {
			out = append(out, s.chains[name][i].clone())
		}
	}
	return out
}

func (s *Snapshot) Len() int {
	n := 0
	for _, chain := range s.chains {
		n += len(chain)
	}
	return n
}

// Lookup finds a version by its display identity, e.g. "FOO_2".
func (s *Snapshot) Lookup(id string) (Version, bool) {
	cut := strings.LastIndexByte(id, '_')
	if cut <= 0 || cut == len(id)-1 {
		return Version{}, false
	}
	idx, err := strconv.Atoi(id[cut+1:])
	if err != nil || idx < 0 {
		return Version{}, false
	}
	chain := s.chains[id[:cut]]
	if idx >= len(chain) {
		return Version{}, false
	}
	return chain[idx].clone(), true
}

// Active returns the version of name still in scope at end of unit.
func (s *Snapshot) Active(name string) (Version, bool) {
	for i := range s.chains[name] {
		if s.chains[name][i].ActiveAtEOF {
			return s.chains[name][i].clone(), true
		}
	}
	return Version{}, false
}

func (s *Snapshot) Matrix() Matrix {
	var m Matrix
	for _, chain := range s.chains {
		for i := range chain {
			switch chain[i].Status() {
			case ActiveReferenced:
				m.ActiveReferenced++
			case ActiveUnreferenced:
				m.ActiveUnreferenced++
			case InactiveReferenced:
				m.InactiveReferenced++
			case InactiveUnreferenced:
				m.InactiveUnreferenced++
			}
		}
	}
	return m
}

// Referenced returns the names with at least one referenced version. With
// byCount set they are ordered by total reference count, ascending, then name;
// otherwise by name.
func (s *Snapshot) Referenced(byCount bool) []string {
	counts := make(map[string]int)
	out := make([]string, 0)
	for _, name := range s.names {
		total := 0
		for _, v := range s.chains[name] {
			total += v.ReferenceCount
		}
		if total > 0 {
			counts[name] = total
			out = append(out, name)
		}
	}
	if byCount {
		sort.SliceStable(out, func(i, j int) bool {
			return counts[out[i]] < counts[out[j]]
		})
	}
	return out
}

// AbsentChecks returns conditional checks made while a name had no open
// version. Defining any of these names would have changed the outcome.
func (s *Snapshot) AbsentChecks() map[string][]Position {
	out := make(map[string][]Position, len(s.absent))
	for name, positions := range s.absent {
		out[name] = slices.Clone(positions)
	}
	return out
}

// Dependencies maps each macro active at end of unit to the active macros
// named in its replacement list, itself included. Parameters shadow macro
// names.
func (s *Snapshot) Dependencies() map[string][]string {
	active := make(map[string]*Version)
	for _, name := range s.names {
		for i := range s.chains[name] {
			if s.chains[name][i].ActiveAtEOF {
				active[name] = &s.chains[name][i]
			}
		}
	}
	out := make(map[string][]string)
	for name, v := range active {
		var deps []string
		for _, tok := range v.Body {
			if slices.Contains(v.Params, tok) || slices.Contains(deps, tok) {
				continue
			}
			if _, ok := active[tok]; ok {
				deps = append(deps, tok)
			}
		}
		if len(deps) > 0 {
			sort.Strings(deps)
			out[name] = deps
		}
	}
	return out
}

func (s *Snapshot) Diagnostics() []Diagnostic {
	return slices.Clone(s.diags)
}

// Filter returns a snapshot restricted to names matching any include glob
// and no exclude glob. An empty include list matches everything.
func (s *Snapshot) Filter(include, exclude []string) (*Snapshot, error) {
	inc, err := compileGlobs(include)
	if err != nil {
		return nil, err
	}
	exc, err := compileGlobs(exclude)
	if err != nil {
		return nil, err
	}
	keep := func(name string) bool {
		if len(inc) > 0 && !matchAny(inc, name) {
			return false
		}
		return !matchAny(exc, name)
	}

	chains := make(map[string][]Version)
	for _, name := range s.names {
		if keep(name) {
			chains[name] = s.Versions(name)
		}
	}
	absent := make(map[string][]Position)
	for name, positions := range s.absent {
		if keep(name) {
			absent[name] = slices.Clone(positions)
		}
	}
	diags := make([]Diagnostic, 0, len(s.diags))
	for _, d := range s.diags {
		if keep(d.Macro) {
			diags = append(diags, d)
		}
	}
	return newSnapshot(s.unit, chains, absent, diags), nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeValidationError, fmt.Sprintf("invalid name pattern %q", p))
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
