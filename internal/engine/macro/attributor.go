package macro

import "slices"

// Attributor charges uses to whichever version is open at the moment of use.
type Attributor struct {
	scope *Scope

	recordAbsent bool
	absent       map[string][]Position
}

func NewAttributor(scope *Scope, recordAbsent bool) *Attributor {
	return &Attributor{
		scope:        scope,
		recordAbsent: recordAbsent,
		absent:       make(map[string][]Position),
	}
}

// Use attributes a reference to name's open version. With nothing open the use
// is absorbed; a conditional check is then remembered as an absent dependency.
func (a *Attributor) Use(name string, pos Position, kind UseKind, seq uint64) (*Version, bool) {
	v, ok := a.scope.Active(name)
	if !ok {
		if kind == ConditionalCheck && a.recordAbsent {
			a.absent[name] = append(a.absent[name], pos)
		}
		return nil, false
	}
	v.ReferenceCount++
	v.References = append(v.References, Reference{Pos: pos, Kind: kind, Seq: seq})
	return v, true
}

// Absent returns a copy of the conditional checks made on undefined names.
func (a *Attributor) Absent() map[string][]Position {
	out := make(map[string][]Position, len(a.absent))
	for name, positions := range a.absent {
		out[name] = slices.Clone(positions)
	}
	return out
}
