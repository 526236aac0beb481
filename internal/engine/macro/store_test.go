package macro

import (
	"macroscope/internal/core/errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator(t *testing.T) {
	a := NewAllocator()
	for want := 0; want < 3; want++ {
		got, err := a.Next("FOO")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := a.Next("BAR")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	assert.Equal(t, 3, a.Count("FOO"))
	assert.Equal(t, 0, a.Count("NONE"))
}

func TestAllocatorOverflow(t *testing.T) {
	a := NewAllocator()
	a.limit = 2
	_, err := a.Next("X")
	require.NoError(t, err)
	_, err = a.Next("X")
	require.NoError(t, err)
	_, err = a.Next("X")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeLimitExceeded))
	assert.Equal(t, 2, a.Count("X"))
}

func TestOverflowLeavesScopeUntouched(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)
	tr.store.ids.limit = 1
	require.NoError(t, tr.Define("X", Object("1"), at(1)))

	err = tr.Define("X", Object("1"), at(2))
	assert.True(t, errors.IsCode(err, errors.CodeLimitExceeded))

	v, ok := tr.Active("X")
	require.True(t, ok)
	assert.Equal(t, 0, v.Index)
	assert.True(t, v.IsOpen())
}

func TestStoreChains(t *testing.T) {
	s := NewStore()
	a0, err := s.CreateVersion("A", Object("1"), at(1), 1)
	require.NoError(t, err)
	_, err = s.CreateVersion("B", Object("2"), at(2), 2)
	require.NoError(t, err)
	a1, err := s.CreateVersion("A", Object("3"), at(3), 3)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, s.Names())
	assert.Equal(t, []*Version{a0, a1}, s.Versions("A"))
	assert.Empty(t, s.Versions("missing"))
	assert.Equal(t, 3, s.Len())

	s.CloseVersion(a0, at(4), 4, true)
	assert.Equal(t, Undefined, a0.Closure)
	require.NotNil(t, a0.UndefinedAt)

	// Second close is ignored.
	s.CloseVersion(a0, at(9), 9, false)
	assert.Equal(t, Undefined, a0.Closure)
	assert.Equal(t, at(4), *a0.ClosedAt)
	assert.Equal(t, uint64(4), a0.ClosedSeq)

	s.CloseVersion(nil, at(1), 1, true)
}

func TestScopeTransitions(t *testing.T) {
	s := NewScope(NewStore())
	_, ok := s.Undef("A", at(1), 1)
	assert.False(t, ok)

	v0, prev, err := s.Define("A", Object(), at(2), 2)
	require.NoError(t, err)
	assert.Nil(t, prev)

	v1, prev, err := s.Define("A", Object("x"), at(3), 3)
	require.NoError(t, err)
	assert.Same(t, v0, prev)
	assert.Equal(t, Superseded, v0.Closure)

	got, ok := s.Active("A")
	require.True(t, ok)
	assert.Same(t, v1, got)
	assert.Equal(t, 1, s.OpenCount())

	closed, ok := s.Undef("A", at(4), 4)
	require.True(t, ok)
	assert.Same(t, v1, closed)
	_, ok = s.Active("A")
	assert.False(t, ok)

	v2, _, err := s.Define("A", Object(), at(5), 5)
	require.NoError(t, err)
	s.Finalize()
	s.Finalize()
	assert.True(t, s.Finalized())
	assert.True(t, v2.ActiveAtEOF)
	assert.False(t, v1.ActiveAtEOF)
	assert.False(t, v0.ActiveAtEOF)
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		name string
		a, b Definition
		want bool
	}{
		{"identical object", Object("1", "+", "2"), Object("1", "+", "2"), true},
		{"whitespace runs equal", Object("1", " ", "+"), Object("1", "\t ", "+"), true},
		{"leading whitespace ignored", Object(" ", "1"), Object("1", " "), true},
		{"whitespace presence matters", Object("1", "+"), Object("1", " ", "+"), false},
		{"different body", Object("1"), Object("2"), false},
		{"kind differs", Object("a"), Function(nil, "a"), false},
		{"params differ", Function([]string{"a"}, "a"), Function([]string{"b"}, "a"), false},
		{"variadic", Function([]string{"..."}, "__VA_ARGS__"), Function([]string{"..."}, "__VA_ARGS__"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, compatible(tc.a, tc.b))
		})
	}
}
