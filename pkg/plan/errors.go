package plan

import (
	"fmt"
	"strings"
)

// ValidationError is a single problem found while loading a plan document.
type ValidationError struct {
	// Path locates the offending element, e.g. "build.waitFor.phases".
	Path string

	// Line is the 1-based document line, when known.
	Line int

	// Message describes the problem.
	Message string
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	return b.String()
}

// ValidationErrors aggregates every problem found in a single load pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "plan validation failed"
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("plan validation failed (%d errors): %s", len(e), strings.Join(msgs, "; "))
}
