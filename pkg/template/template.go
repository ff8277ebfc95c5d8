// Package template implements the {{name}} variable-binding engine used
// to compute a task's effective instructions from its type's template
// string and the task's variable map.
package template

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/cuemby/taskdriver/pkg/brokererr"
)

// placeholderPattern matches {{name}} where name is [A-Za-z][A-Za-z0-9_]*.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z][A-Za-z0-9_]*)\}\}`)

// Variables returns the set of placeholder names referenced by template,
// in first-occurrence order with duplicates removed.
func Variables(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// ValidateDeclared checks that a type's declared variable list is a
// subset of (or equal to) the template's own parsed variable set,
// rejecting type creation on mismatch.
func ValidateDeclared(tmpl string, declared []string) error {
	parsed := make(map[string]bool)
	for _, v := range Variables(tmpl) {
		parsed[v] = true
	}
	for _, d := range declared {
		if !parsed[d] {
			return &brokererr.ValidationError{
				Field:  "variables",
				Reason: fmt.Sprintf("declared variable %q is not referenced by the template", d),
			}
		}
	}
	return nil
}

// Bind substitutes every {{name}} occurrence in tmpl with the
// corresponding value from vars. Every name referenced by tmpl must be
// present in vars; extra entries in vars not referenced by tmpl are
// permitted. Returns MissingTemplateVariables naming every absent
// placeholder (sorted, for determinism) if any are missing.
func Bind(tmpl string, vars map[string]string) (string, error) {
	required := Variables(tmpl)

	var missing []string
	for _, name := range required {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &brokererr.MissingTemplateVariables{Names: missing}
	}

	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return vars[name]
	}), nil
}

// VariablesEqual reports whether two variable maps are equal by key-set
// and value equality; key order never matters, and a nil/empty map
// compares equal to another nil/empty map.
func VariablesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
