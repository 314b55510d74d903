package domain

// Kind identifies one of the triageable entity tables.
type Kind string

const (
	KindProblem      Kind = "Problem"
	KindBusinessCase Kind = "BusinessCase"
	KindProject      Kind = "Project"
	KindEpic         Kind = "Epic"
)

// Kinds lists every entity kind a triage rule may target.
var Kinds = []Kind{KindProblem, KindBusinessCase, KindProject, KindEpic}

func ValidKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Canonical entity statuses. Legacy spellings (In_Progress, On_Hold) are
// normalized on read.
const (
	StatusSubmitted  = "Submitted"
	StatusOpen       = "Open"
	StatusInProgress = "InProgress"
	StatusOnHold     = "OnHold"
	StatusApproved   = "Approved"
	StatusFlagged    = "Flagged"
	StatusResolved   = "Resolved"
	StatusRejected   = "Rejected"
)

// TerminalStatus reports whether a status ends workflow interest in an entity.
func TerminalStatus(status string) bool {
	return status == StatusResolved || status == StatusRejected
}

// NormalizeStatus maps historical spellings onto the canonical set.
func NormalizeStatus(s string) string {
	switch s {
	case "In_Progress":
		return StatusInProgress
	case "On_Hold":
		return StatusOnHold
	}
	return s
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Department struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	Name      string  `json:"name"`
	ManagerID *string `json:"manager_id,omitempty"`
}

type User struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	Email        string  `json:"email"`
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	DepartmentID *string `json:"department_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Entity is the record shape shared by the four triageable kinds. The kinds
// live in separate tables with identical columns; rule targeting works over
// the whitelisted fields in repo.EntityFields.
type Entity struct {
	ID            string   `json:"id"`
	OrgID         string   `json:"org_id"`
	Kind          Kind     `json:"kind"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Priority      string   `json:"priority,omitempty"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	AssigneeID    *string  `json:"assignee_id,omitempty"`
	DepartmentID  *string  `json:"department_id,omitempty"`
	CreatedBy     string   `json:"created_by,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	ApprovedAt    *string  `json:"approved_at,omitempty" format:"date-time"`
}

// Rule operators and actions.
const (
	OpEq       = "="
	OpLt       = "<"
	OpLe       = "<="
	OpGt       = ">"
	OpGe       = ">="
	OpContains = "contains"
	OpDaysAgo  = "days_ago"
)

const (
	ActionAutoApprove = "auto_approve"
	ActionFlag        = "flag"
	ActionNotifyAdmin = "notify_admin"
	ActionEscalate    = "escalate"
)

type TriageRule struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
	TargetKind Kind   `json:"target_kind"`
	Field      string `json:"field"`
	Operator   string `json:"operator" enum:"=,<,<=,>,>=,contains,days_ago"`
	Value      string `json:"value"`
	Action     string `json:"action" enum:"auto_approve,flag,notify_admin,escalate"`
	Message    string `json:"message,omitempty"`
	Priority   int    `json:"priority"`
	Version    int    `json:"version"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Step kinds a workflow template definition may use.
const (
	StepTask         = "task"
	StepAutomated    = "automated"
	StepApproval     = "approval"
	StepConditional  = "conditional"
	StepAssignment   = "assignment"
	StepNotification = "notification"
)

type WorkflowTemplate struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Active     bool   `json:"active"`
	Revision   int    `json:"revision"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type WorkflowConfiguration struct {
	ID                           string   `json:"id"`
	OrgID                        string   `json:"org_id"`
	WorkflowTemplateID           string   `json:"workflow_template_id"`
	FullCaseThreshold            float64  `json:"full_case_threshold"`
	BAAssignmentTimeoutHours     int      `json:"ba_assignment_timeout_hours"`
	DirectorApprovalTimeoutHours int      `json:"director_approval_timeout_hours"`
	ReminderFrequencyHours       int      `json:"reminder_frequency_hours"`
	EscalationLevels             int      `json:"escalation_levels"`
	ChannelEmail                 bool     `json:"channel_email"`
	ChannelSMS                   bool     `json:"channel_sms"`
	ChannelInApp                 bool     `json:"channel_in_app"`
	MilestoneReminderDays        int      `json:"milestone_reminder_days"`
	OverdueEscalationDays        int      `json:"overdue_escalation_days"`
	AutoTriageEnabled            bool     `json:"auto_triage_enabled"`
	HighPriorityEscalationHours  int      `json:"high_priority_escalation_hours"`
	ProblemResolutionSLAHours    int      `json:"problem_resolution_sla_hours"`
	SkipBAAssignment             bool     `json:"skip_ba_assignment"`
	RequireManagerApproval       bool     `json:"require_manager_approval"`
	EnablePeerReview             bool     `json:"enable_peer_review"`
	AssigneeRoles                []string `json:"assignee_roles"`
	ApprovalRoles                []string `json:"approval_roles"`
	CreatedAt                    string   `json:"created_at" format:"date-time"`
	UpdatedAt                    string   `json:"updated_at" format:"date-time"`
}

// Execution statuses.
const (
	ExecRunning   = "Running"
	ExecCompleted = "Completed"
	ExecFailed    = "Failed"
)

type WorkflowExecution struct {
	ID                 string  `json:"id"`
	OrgID              string  `json:"org_id"`
	WorkflowTemplateID string  `json:"workflow_template_id"`
	TriggeringEvent    string  `json:"triggering_event"`
	ContextJSON        string  `json:"context_json,omitempty"`
	Status             string  `json:"status" enum:"Running,Completed,Failed"`
	CurrentStep        int     `json:"current_step"`
	Reason             string  `json:"reason,omitempty"`
	StartedAt          string  `json:"started_at" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	Error              string  `json:"error,omitempty"`
}

type ExecutionStep struct {
	ID          int64   `json:"id"`
	ExecutionID string  `json:"execution_id"`
	StepID      string  `json:"step_id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	Detail      string  `json:"detail,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	FinishedAt  *string `json:"finished_at,omitempty" format:"date-time"`
}

// Approval statuses.
const (
	ApprovalPending = "pending"
	ApprovalGranted = "granted"
	ApprovalDenied  = "denied"
)

type Approval struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	ExecutionID string  `json:"execution_id"`
	StepID      string  `json:"step_id"`
	Role        string  `json:"role"`
	Status      string  `json:"status" enum:"pending,granted,denied"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy   *string `json:"decided_by,omitempty"`
}

type Task struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority,omitempty"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CreatedBy   string  `json:"created_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Scheduled task statuses.
const (
	ScheduledPending    = "Pending"
	ScheduledDispatched = "Dispatched"
	ScheduledDone       = "Done"
	ScheduledFailed     = "Failed"
)

type ScheduledTask struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	TaskKind     string  `json:"task_kind"`
	ContextHash  string  `json:"context_hash"`
	ContextJSON  string  `json:"context_json"`
	ScheduledFor string  `json:"scheduled_for" format:"date-time"`
	Status       string  `json:"status" enum:"Pending,Dispatched,Done,Failed"`
	Attempts     int     `json:"attempts"`
	ExecutedAt   *string `json:"executed_at,omitempty" format:"date-time"`
	Result       string  `json:"result,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID             string  `json:"id"`
	OrgID          string  `json:"org_id"`
	UserID         string  `json:"user_id"`
	Message        string  `json:"message"`
	Link           string  `json:"link,omitempty"`
	EventKind      string  `json:"event_kind"`
	SourceRef      string  `json:"source_ref,omitempty"`
	Channels       string  `json:"channels,omitempty"`
	Read           bool    `json:"read"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	DeliveredAt    *string `json:"delivered_at,omitempty" format:"date-time"`
	TransportError string  `json:"transport_error,omitempty"`
}

// Notification frequencies.
const (
	FreqImmediate = "immediate"
	FreqHourly    = "hourly"
	FreqDaily     = "daily"
	FreqWeekly    = "weekly"
)

type NotificationSetting struct {
	OrgID          string `json:"org_id"`
	EventKind      string `json:"event_kind"`
	Frequency      string `json:"frequency" enum:"immediate,hourly,daily,weekly"`
	ThresholdHours int    `json:"threshold_hours,omitempty"`
	ChannelEmail   bool   `json:"channel_email"`
	ChannelSMS     bool   `json:"channel_sms"`
	ChannelInApp   bool   `json:"channel_in_app"`
}

type AuditEntry struct {
	ID         int64   `json:"id"`
	OrgID      string  `json:"org_id"`
	ActorID    *string `json:"actor_id,omitempty"`
	Action     string  `json:"action"`
	TargetKind string  `json:"target_kind"`
	TargetID   string  `json:"target_id,omitempty"`
	Details    string  `json:"details_json,omitempty"`
	OccurredAt string  `json:"occurred_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
