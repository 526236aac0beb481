package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainError(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		err := New(CodeNotFinalized, "snapshot requested before end of unit")
		if err.Error() != "[NOT_FINALIZED] snapshot requested before end of unit" {
			t.Errorf("unexpected message %s", err.Error())
		}
	})

	t.Run("Newf", func(t *testing.T) {
		err := Newf(CodeProtectedName, "cannot define %q", "defined")
		if err.Error() != `[PROTECTED_NAME] cannot define "defined"` {
			t.Errorf("unexpected message %s", err.Error())
		}
	})

	t.Run("Wrap", func(t *testing.T) {
		original := errors.New("database is locked")
		err := Wrap(original, CodeInternal, "save snapshot")
		expected := "[INTERNAL_ERROR] save snapshot: database is locked"
		if err.Error() != expected {
			t.Errorf("expected %s, got %s", expected, err.Error())
		}
		if !errors.Is(err, original) {
			t.Error("expected wrapped error to unwrap to original")
		}
	})

	t.Run("IsCode", func(t *testing.T) {
		err := New(CodeStreamClosed, "event after end of unit")
		if !IsCode(err, CodeStreamClosed) {
			t.Error("expected IsCode to return true for CodeStreamClosed")
		}
		if IsCode(err, CodeNotFinalized) {
			t.Error("expected IsCode to return false for CodeNotFinalized")
		}
	})

	t.Run("IsCodeThroughFmtWrap", func(t *testing.T) {
		err := fmt.Errorf("replay: %w", New(CodeLimitExceeded, "version counter overflow"))
		if !IsCode(err, CodeLimitExceeded) {
			t.Error("expected IsCode to see through fmt wrapping")
		}
		code, ok := CodeOf(err)
		if !ok || code != CodeLimitExceeded {
			t.Errorf("CodeOf = %q, %v", code, ok)
		}
	})

	t.Run("AddContext", func(t *testing.T) {
		err := AddContext(New(CodeProtectedName, "cannot define"), CtxMacro, "__FILE__")
		var de *DomainError
		if !errors.As(err, &de) {
			t.Fatal("expected DomainError")
		}
		if de.Context[CtxMacro] != "__FILE__" {
			t.Errorf("missing context, got %v", de.Context)
		}

		wrapped := AddContext(fmt.Errorf("event 3: %w", New(CodeStreamClosed, "closed")), CtxUnit, "a.c")
		if !strings.HasPrefix(wrapped.Error(), "event 3: ") {
			t.Errorf("outer wrapping should be kept, got %q", wrapped.Error())
		}
		if !IsCode(wrapped, CodeStreamClosed) {
			t.Errorf("expected stream closed code, got %v", wrapped)
		}

		plain := AddContext(errors.New("boom"), CtxUnit, "a.c")
		if !IsCode(plain, CodeInternal) {
			t.Errorf("plain errors should be wrapped as internal, got %v", plain)
		}
	})
}
