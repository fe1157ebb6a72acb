// Package prompt renders the per-provider query templates that turn a traveller request into
// provider-specific search phrases.
//
// A template uses {{var}} placeholders and {{#if var}}...{{/if}} blocks, kept only when var
// is non-empty. The variables are destination, interest, dates and budget.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/wayfinder/internal/worker"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Variable names available to query templates.
const (
	VarDestination = "destination"
	VarInterest    = "interest"
	VarDates       = "dates"
	VarBudget      = "budget"
)

// Vars maps variable names to values.
type Vars map[string]string

// Render expands tmpl. Every placeholder must name a key of vars, even if its value is empty.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := resolveConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(body, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveConditionals replaces each {{#if}} block, innermost first, with its body or nothing.
func resolveConditionals(tmpl string, vars Vars) (string, error) {
	out := tmpl
	for {
		closeIdx := strings.Index(out, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(out[:closeIdx], -1)
		if opens == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := out[open[2]:open[3]]

		var keep string
		if vars[name] != "" {
			keep = out[open[1]:closeIdx]
		}
		out = out[:open[0]] + keep + out[closeIdx+len(ifCloseStr):]
	}
	if loc := ifOpenRe.FindString(out); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return out, nil
}

// Check reports whether tmpl is well formed and uses only the known variables.
func Check(tmpl string) error {
	if strings.TrimSpace(tmpl) == "" {
		return fmt.Errorf("template is empty")
	}
	full := Vars{VarDestination: "x", VarInterest: "x", VarDates: "x", VarBudget: "x"}
	if _, err := Render(tmpl, full); err != nil {
		return err
	}
	for _, m := range ifOpenRe.FindAllStringSubmatch(tmpl, -1) {
		if _, ok := full[m[1]]; !ok {
			return fmt.Errorf("unknown variable %q in {{#if}}", m[1])
		}
	}
	return nil
}

// IntentVars returns one Vars per interest of the request, or a single Vars with an empty
// interest when there are none.
func IntentVars(in worker.Intent) []Vars {
	base := func(interest string) Vars {
		return Vars{
			VarDestination: in.Destination,
			VarInterest:    interest,
			VarDates:       in.TravelDates,
			VarBudget:      in.Budget,
		}
	}
	if len(in.Interests) == 0 {
		return []Vars{base("")}
	}
	out := make([]Vars, 0, len(in.Interests))
	for _, interest := range in.Interests {
		out = append(out, base(interest))
	}
	return out
}

// Queries renders every template against every interest of the request. Blank and repeated
// queries are dropped; whitespace runs collapse to one space.
func Queries(templates []string, in worker.Intent) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, tmpl := range templates {
		for _, vars := range IntentVars(in) {
			q, err := Render(tmpl, vars)
			if err != nil {
				return nil, err
			}
			q = strings.Join(strings.Fields(q), " ")
			if q == "" || seen[q] {
				continue
			}
			seen[q] = true
			out = append(out, q)
		}
	}
	return out, nil
}
