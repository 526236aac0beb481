package macro

import (
	"fmt"
	"macroscope/internal/core/errors"
	"math"
)

// Allocator hands out per-name version indices starting at 0.
type Allocator struct {
	next  map[string]int
	limit int
}

func NewAllocator() *Allocator {
	return &Allocator{next: make(map[string]int), limit: math.MaxInt}
}

// Next returns the next unused index for name. Indices are never reused.
func (a *Allocator) Next(name string) (int, error) {
	n := a.next[name]
	if n >= a.limit {
		de := &errors.DomainError{
			Code:    errors.CodeLimitExceeded,
			Message: fmt.Sprintf("version index overflow for %q", name),
		}
		return 0, de.WithContext(errors.CtxMacro, name)
	}
	a.next[name] = n + 1
	return n, nil
}

// Count reports how many indices have been handed out for name.
func (a *Allocator) Count(name string) int {
	return a.next[name]
}
