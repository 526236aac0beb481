package macro

import (
	"slices"
	"strings"
)

// Diagnostic is a non-fatal finding recorded while processing a unit.
type Diagnostic struct {
	Macro    string
	Pos      Position
	Previous string
	Message  string
}

// compatible reports whether next is a benign redefinition of prev: same
// kind, same parameter spelling and identical replacement lists. A run of
// whitespace of any length is one separation; its presence still matters.
func compatible(prev, next Definition) bool {
	if prev.Kind != next.Kind {
		return false
	}
	if prev.Kind == FunctionLike && !slices.Equal(prev.Params, next.Params) {
		return false
	}
	return slices.Equal(normalizeBody(prev.Body), normalizeBody(next.Body))
}

func normalizeBody(body []string) []string {
	out := make([]string, 0, len(body))
	pendingSpace := false
	for _, tok := range body {
		if strings.TrimSpace(tok) == "" {
			pendingSpace = len(out) > 0
			continue
		}
		if pendingSpace {
			out = append(out, " ")
			pendingSpace = false
		}
		out = append(out, tok)
	}
	return out
}
