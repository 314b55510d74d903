package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

// KnownEventKinds is the advertised event vocabulary. Publish accepts
// anything; unknown kinds simply match no templates.
var KnownEventKinds = []string{
	"case_assigned",
	"case_approved",
	"project_created",
	"milestone_due_soon",
	"milestone_overdue",
	"problem_created",
	"business_case_approved",
	"escalation",
}

// Definition is the parsed form of a template's definition_json.
type Definition struct {
	Triggers []string `json:"triggers"`
	Steps    []Step   `json:"steps"`
}

type Step struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Kind        string         `json:"kind"`
	Params      map[string]any `json:"params,omitempty"`
	Condition   *Predicate     `json:"condition,omitempty"`
	StopOnError bool           `json:"stop_on_error,omitempty"`
}

// Predicate is a single comparison over the execution context. Parsed and
// checked at template save time so dispatch never meets a malformed one.
type Predicate struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

var predicateOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true, "contains": true,
}

var stepKinds = map[string]bool{
	domain.StepTask: true, domain.StepAutomated: true, domain.StepApproval: true,
	domain.StepConditional: true, domain.StepAssignment: true, domain.StepNotification: true,
}

// automated action names the dispatcher understands.
var automatedActions = map[string]bool{"set_status": true, "noop": true}

// Parse decodes and validates a definition.
func Parse(definition string) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(strings.NewReader(definition))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, tenant.InvalidError{Field: "definition", Msg: err.Error()}
	}
	if len(def.Triggers) == 0 {
		return Definition{}, tenant.InvalidError{Field: "definition.triggers", Msg: "at least one trigger is required"}
	}
	for _, trig := range def.Triggers {
		if trig == "" {
			return Definition{}, tenant.InvalidError{Field: "definition.triggers", Msg: "empty trigger"}
		}
	}
	seen := map[string]bool{}
	for i, step := range def.Steps {
		if step.ID == "" {
			return Definition{}, tenant.InvalidError{Field: "definition.steps", Msg: fmt.Sprintf("step %d missing id", i)}
		}
		if seen[step.ID] {
			return Definition{}, tenant.InvalidError{Field: "definition.steps", Msg: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		seen[step.ID] = true
		if !stepKinds[step.Kind] {
			return Definition{}, tenant.InvalidError{Field: "definition.steps", Msg: fmt.Sprintf("step %q has unknown kind %q", step.ID, step.Kind)}
		}
		if err := validateStep(step); err != nil {
			return Definition{}, err
		}
	}
	return def, nil
}

func validateStep(step Step) error {
	bad := func(msg string) error {
		return tenant.InvalidError{Field: "definition.steps", Msg: fmt.Sprintf("step %q: %s", step.ID, msg)}
	}
	switch step.Kind {
	case domain.StepTask:
		if paramString(step.Params, "title") == "" {
			return bad("task step requires params.title")
		}
	case domain.StepAutomated:
		name := paramString(step.Params, "name")
		if !automatedActions[name] {
			return bad(fmt.Sprintf("unknown automated action %q", name))
		}
		if name == "set_status" && paramString(step.Params, "status") == "" {
			return bad("set_status requires params.status")
		}
	case domain.StepApproval:
		if paramString(step.Params, "role") == "" {
			return bad("approval step requires params.role")
		}
	case domain.StepConditional:
		if step.Condition == nil {
			return bad("conditional step requires a condition")
		}
	case domain.StepAssignment:
		if paramString(step.Params, "role") == "" {
			return bad("assignment step requires params.role")
		}
	case domain.StepNotification:
		if paramString(step.Params, "message") == "" {
			return bad("notification step requires params.message")
		}
		if paramString(step.Params, "target") == "" {
			return bad("notification step requires params.target")
		}
	}
	if step.Condition != nil {
		if step.Condition.Field == "" {
			return bad("condition requires a field")
		}
		if !predicateOps[step.Condition.Op] {
			return bad(fmt.Sprintf("condition has unknown op %q", step.Condition.Op))
		}
	}
	return nil
}

// Matches reports whether the definition triggers on the event kind.
func (d Definition) Matches(eventKind string) bool {
	for _, trig := range d.Triggers {
		if trig == eventKind {
			return true
		}
	}
	return false
}

// Eval applies the predicate against a context map. Numeric comparisons are
// loose: JSON numbers, integers and numeric strings all compare as float64.
// A value of the form "config.<field>" is resolved from the context, so
// conditions can compare entity fields against the org's configuration
// (e.g. estimated_cost > config.full_case_threshold).
func (p Predicate) Eval(ctx map[string]any) bool {
	got, ok := ctx[p.Field]
	if !ok {
		return false
	}
	want := resolveValue(ctx, p.Value)
	switch p.Op {
	case "=":
		return looseEqual(got, want)
	case "!=":
		return !looseEqual(got, want)
	case "contains":
		return strings.Contains(fmt.Sprint(got), fmt.Sprint(want))
	default:
		a, okA := toFloat(got)
		b, okB := toFloat(want)
		if !okA || !okB {
			return false
		}
		switch p.Op {
		case "<":
			return a < b
		case "<=":
			return a <= b
		case ">":
			return a > b
		case ">=":
			return a >= b
		}
	}
	return false
}

// resolveValue dereferences "config."-prefixed string values against the
// context; anything else is a literal.
func resolveValue(ctx map[string]any, v any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "config.") {
		if resolved, ok := ctx[s]; ok {
			return resolved
		}
	}
	return v
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func paramInt(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	if v, ok := params[key]; ok {
		if f, ok := toFloat(v); ok {
			return int(f)
		}
	}
	return fallback
}
