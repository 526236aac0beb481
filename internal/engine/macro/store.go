package macro

import "slices"

// Store is the append-only ledger of versions, one chain per name.
type Store struct {
	ids    *Allocator
	chains map[string][]*Version
	order  []string
}

func NewStore() *Store {
	return &Store{
		ids:    NewAllocator(),
		chains: make(map[string][]*Version),
	}
}

// CreateVersion appends a new open version to name's chain.
func (s *Store) CreateVersion(name string, def Definition, pos Position, seq uint64) (*Version, error) {
	idx, err := s.ids.Next(name)
	if err != nil {
		return nil, err
	}
	v := &Version{
		Name:       name,
		Index:      idx,
		Definition: def.clone(),
		DefinedAt:  pos,
		DefinedSeq: seq,
		Closure:    Open,
	}
	if _, ok := s.chains[name]; !ok {
		s.order = append(s.order, name)
	}
	s.chains[name] = append(s.chains[name], v)
	return v, nil
}

// CloseVersion ends v's scope at pos. UndefinedAt is only recorded when the
// close comes from an explicit #undef. Closing an already closed version is a
// no-op.
func (s *Store) CloseVersion(v *Version, pos Position, seq uint64, undefined bool) {
	if v == nil || v.Closure != Open {
		return
	}
	closed := pos
	v.ClosedAt = &closed
	v.ClosedSeq = seq
	if undefined {
		at := pos
		v.UndefinedAt = &at
		v.Closure = Undefined
		return
	}
	v.Closure = Superseded
}

// Versions returns name's chain in creation order. Unknown names yield nil.
func (s *Store) Versions(name string) []*Version {
	return slices.Clone(s.chains[name])
}

// Names returns every name that has at least one version, in order of first
// definition.
func (s *Store) Names() []string {
	return slices.Clone(s.order)
}

func (s *Store) Len() int {
	n := 0
	for _, chain := range s.chains {
		n += len(chain)
	}
	return n
}
