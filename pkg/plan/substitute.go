package plan

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// placeholderPattern matches ${VAR} and ${VAR:default} tokens. Names follow
// shell identifier rules; defaults run to the closing brace and may be empty.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// LookupFunc resolves a substitution variable by name.
type LookupFunc func(name string) (string, bool)

// EnvLookup resolves variables from the process environment.
var EnvLookup LookupFunc = os.LookupEnv

// Substitute expands every ${VAR} and ${VAR:default} token in raw before any
// parsing happens. Set variables win over defaults. A variable that is unset
// and carries no default is a validation error; all such errors are
// collected rather than stopping at the first.
func Substitute(raw string, lookup LookupFunc) (string, error) {
	if lookup == nil {
		lookup = EnvLookup
	}

	var errs ValidationErrors
	out := placeholderPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name := groups[1]
		if val, ok := lookup(name); ok {
			return val
		}
		// An empty default ("${VAR:}") is still a default.
		if strings.Contains(match, ":") {
			return groups[2]
		}
		errs = append(errs, ValidationError{
			Message: fmt.Sprintf("variable %s is not set and has no default", name),
		})
		return match
	})
	if len(errs) > 0 {
		return "", errs
	}
	return out, nil
}
