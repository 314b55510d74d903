package rules

import (
	"fmt"
	"strconv"

	"caseline/internal/domain"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

// Condition is the parsed, typed form of a rule's (field, operator, value).
// Rules are validated into this form at save time so a sweep never meets an
// unparsable rule.
type Condition struct {
	Field    string
	Operator string
	Str      string
	Num      float64
	Days     int
}

var validOperators = map[string]bool{
	domain.OpEq: true, domain.OpLt: true, domain.OpLe: true, domain.OpGt: true,
	domain.OpGe: true, domain.OpContains: true, domain.OpDaysAgo: true,
}

var validActions = map[string]bool{
	domain.ActionAutoApprove: true, domain.ActionFlag: true,
	domain.ActionNotifyAdmin: true, domain.ActionEscalate: true,
}

// ParseCondition validates the triple against the field whitelist and the
// operator's type requirements.
func ParseCondition(field, operator, value string) (Condition, error) {
	ft, ok := repo.EntityFields[field]
	if !ok {
		return Condition{}, tenant.InvalidError{Field: "field", Msg: fmt.Sprintf("unknown field %q", field)}
	}
	if !validOperators[operator] {
		return Condition{}, tenant.InvalidError{Field: "operator", Msg: fmt.Sprintf("unknown operator %q", operator)}
	}
	c := Condition{Field: field, Operator: operator}
	switch operator {
	case domain.OpEq:
		if ft == repo.FieldTime {
			return Condition{}, tenant.InvalidError{Field: "operator", Msg: "= not supported on time fields"}
		}
		if ft == repo.FieldNumber {
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Condition{}, tenant.InvalidError{Field: "value", Msg: "numeric field requires a numeric value"}
			}
			c.Num = n
		} else {
			c.Str = value
		}
	case domain.OpContains:
		if ft != repo.FieldText {
			return Condition{}, tenant.InvalidError{Field: "operator", Msg: "contains requires a text field"}
		}
		c.Str = value
	case domain.OpLt, domain.OpLe, domain.OpGt, domain.OpGe:
		if ft != repo.FieldNumber {
			return Condition{}, tenant.InvalidError{Field: "operator", Msg: fmt.Sprintf("%s requires a numeric field", operator)}
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Condition{}, tenant.InvalidError{Field: "value", Msg: "numeric comparison requires a numeric value"}
		}
		c.Num = n
	case domain.OpDaysAgo:
		if ft != repo.FieldTime {
			return Condition{}, tenant.InvalidError{Field: "operator", Msg: "days_ago requires a time field"}
		}
		d, err := strconv.Atoi(value)
		if err != nil || d < 0 {
			return Condition{}, tenant.InvalidError{Field: "value", Msg: "days_ago requires a non-negative integer"}
		}
		c.Days = d
	}
	return c, nil
}

// Clause converts the condition into a store filter clause.
func (c Condition) Clause() repo.Clause {
	switch c.Operator {
	case domain.OpEq:
		if repo.EntityFields[c.Field] == repo.FieldNumber {
			return repo.EqNum(c.Field, c.Num)
		}
		return repo.Eq(c.Field, c.Str)
	case domain.OpLt:
		return repo.Lt(c.Field, c.Num)
	case domain.OpLe:
		return repo.Le(c.Field, c.Num)
	case domain.OpGt:
		return repo.Gt(c.Field, c.Num)
	case domain.OpGe:
		return repo.Ge(c.Field, c.Num)
	case domain.OpContains:
		return repo.Contains(c.Field, c.Str)
	case domain.OpDaysAgo:
		return repo.OlderThan(c.Field, c.Days)
	}
	// Unreachable after ParseCondition.
	return repo.Clause{}
}

// String renders the condition for audit details, e.g. "estimated_cost > 25000".
func (c Condition) String() string {
	switch c.Operator {
	case domain.OpDaysAgo:
		return fmt.Sprintf("%s days_ago %d", c.Field, c.Days)
	case domain.OpContains:
		return fmt.Sprintf("%s contains %q", c.Field, c.Str)
	default:
		if repo.EntityFields[c.Field] == repo.FieldNumber {
			return fmt.Sprintf("%s %s %g", c.Field, c.Operator, c.Num)
		}
		return fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Str)
	}
}

// Validate checks a complete rule before it is stored.
func Validate(ru domain.TriageRule) error {
	if ru.Name == "" {
		return tenant.InvalidError{Field: "name", Msg: "name is required"}
	}
	if !domain.ValidKind(ru.TargetKind) {
		return tenant.InvalidError{Field: "target_kind", Msg: fmt.Sprintf("unknown entity kind %q", ru.TargetKind)}
	}
	if !validActions[ru.Action] {
		return tenant.InvalidError{Field: "action", Msg: fmt.Sprintf("unknown action %q", ru.Action)}
	}
	_, err := ParseCondition(ru.Field, ru.Operator, ru.Value)
	return err
}
