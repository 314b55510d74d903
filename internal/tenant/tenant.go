// Package tenant carries the acting principal and the error taxonomy used
// across the core. Every store access and engine operation receives a
// Principal; the org boundary is enforced below the API layer so a handler
// bug cannot leak another tenant's rows.
package tenant

import "fmt"

// Principal is the authenticated actor a request or job runs as.
type Principal struct {
	UserID string
	OrgID  string
	Role   string
	Source string
}

// System returns a principal for background jobs acting inside one org.
func System(orgID string) Principal {
	return Principal{UserID: "system", OrgID: orgID, Role: "Admin", Source: "system"}
}

func (p Principal) IsAdmin() bool { return p.Role == "Admin" }

// ViolationError reports an attempted cross-org access. It is surfaced as 403
// and never reveals whether the target exists.
type ViolationError struct {
	Kind string
	ID   string
}

func (e ViolationError) Error() string {
	return fmt.Sprintf("tenant violation: %s %s belongs to another organization", e.Kind, e.ID)
}

// ForbiddenError reports a role check failure within the caller's own org.
type ForbiddenError struct {
	Need string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: requires role %s", e.Need)
}

// ConflictError reports a uniqueness or state conflict.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// InvalidError reports a semantically invalid payload (syntactically fine,
// rejected by domain validation).
type InvalidError struct {
	Field string
	Msg   string
}

func (e InvalidError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// HandlerError wraps a failure inside a scheduled task handler so the
// scheduler can distinguish it from infrastructure errors.
type HandlerError struct {
	TaskKind string
	Err      error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.TaskKind, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

// TransportError reports a notification channel delivery failure. It is
// recorded, never propagated to the caller that produced the notification.
type TransportError struct {
	Channel string
	Err     error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Channel, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }
