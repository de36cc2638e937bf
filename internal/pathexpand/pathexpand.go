// Package pathexpand resolves symbolic placeholders in configured path
// templates. Templates may reference delivery attributes such as the project
// id or the staging root using the form <NAME> (or the legacy _NAME_ form),
// where NAME maps to the lowercase key of the same name in the variable set.
package pathexpand

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`<([A-Z]+)>`)
	legacyRe      = regexp.MustCompile(`_([A-Z]+)_`)
)

// maxDepth bounds recursive expansion so that self-referential variables
// surface as an error instead of looping forever.
const maxDepth = 16

// UnresolvedError reports a placeholder with no matching variable. It
// indicates misconfiguration and is fatal for the operation that needed the
// path.
type UnresolvedError struct {
	Template    string
	Placeholder string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("pathexpand: no value for placeholder %s in %q", e.Placeholder, e.Template)
}

// Vars is the set of expansion variables, keyed by lowercase name.
type Vars map[string]string

// Expand substitutes every placeholder in template with its variable value.
// Expansion is recursive: substituted values may themselves contain
// placeholders. A template without placeholders (or an empty template) is
// returned unchanged.
func Expand(template string, vars Vars) (string, error) {
	return expand(template, vars, 0)
}

func expand(template string, vars Vars, depth int) (string, error) {
	if template == "" {
		return template, nil
	}
	if depth >= maxDepth {
		return "", fmt.Errorf("pathexpand: expansion of %q exceeds depth %d, variable cycle suspected", template, maxDepth)
	}
	m := placeholderRe.FindStringSubmatch(template)
	if m == nil {
		m = legacyRe.FindStringSubmatch(template)
	}
	if m == nil {
		return template, nil
	}
	value, ok := vars[strings.ToLower(m[1])]
	if !ok {
		return "", &UnresolvedError{Template: template, Placeholder: m[0]}
	}
	return expand(strings.Replace(template, m[0], value, 1), vars, depth+1)
}
