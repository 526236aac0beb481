package macro

// Scope tracks the currently open version of each name.
type Scope struct {
	store     *Store
	open      map[string]*Version
	finalized bool
}

func NewScope(store *Store) *Scope {
	return &Scope{store: store, open: make(map[string]*Version)}
}

// Define closes name's open version as superseded, then opens a new one.
// It returns the new version and the one it replaced, if any.
func (s *Scope) Define(name string, def Definition, pos Position, seq uint64) (*Version, *Version, error) {
	prev := s.open[name]
	v, err := s.store.CreateVersion(name, def, pos, seq)
	if err != nil {
		return nil, nil, err
	}
	if prev != nil {
		s.store.CloseVersion(prev, pos, seq, false)
	}
	s.open[name] = v
	return v, prev, nil
}

// Undef closes name's open version. It returns the closed version, or false
// when nothing was open.
func (s *Scope) Undef(name string, pos Position, seq uint64) (*Version, bool) {
	v, ok := s.open[name]
	if !ok {
		return nil, false
	}
	s.store.CloseVersion(v, pos, seq, true)
	delete(s.open, name)
	return v, true
}

func (s *Scope) Active(name string) (*Version, bool) {
	v, ok := s.open[name]
	return v, ok
}

// Finalize marks every open version active at end of unit. Later calls are
// no-ops.
func (s *Scope) Finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	for _, v := range s.open {
		v.ActiveAtEOF = true
	}
}

func (s *Scope) Finalized() bool {
	return s.finalized
}

func (s *Scope) OpenCount() int {
	return len(s.open)
}
