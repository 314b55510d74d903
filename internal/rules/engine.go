// Package rules evaluates per-org triage rules against the entity store and
// applies their actions. A rule version acts on an entity at most once; the
// firing ledger, the entity mutation and the audit entry commit atomically.
package rules

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caseline/internal/audit"
	"caseline/internal/domain"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

// Notification event kinds produced by triage actions.
const (
	EventTriageAlert = "triage_alert"
	EventEscalation  = "escalation"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Sink   *notify.Sink
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, sink *notify.Sink) Engine {
	return Engine{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Audit: audit.Writer{DB: db},
		Sink:  sink,
		Now:   time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// CreateRule validates and stores a new rule.
func (e Engine) CreateRule(ctx context.Context, p tenant.Principal, ru domain.TriageRule) (domain.TriageRule, error) {
	if err := Validate(ru); err != nil {
		return domain.TriageRule{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ru.ID = uuid.NewString()
	ru.OrgID = p.OrgID
	ru.Version = 1
	ru.CreatedAt, ru.UpdatedAt = now, now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TriageRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, p, ru); err != nil {
		return domain.TriageRule{}, err
	}
	if err := e.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "rule:create",
		TargetKind: "rule", TargetID: ru.ID,
		Details: map[string]any{"name": ru.Name, "target_kind": ru.TargetKind, "action": ru.Action},
	}); err != nil {
		return domain.TriageRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TriageRule{}, err
	}
	return ru, nil
}

// UpdateRule replaces a rule's terms. The version bump re-arms it against
// entities the previous version already handled.
func (e Engine) UpdateRule(ctx context.Context, p tenant.Principal, ru domain.TriageRule) (domain.TriageRule, error) {
	if err := Validate(ru); err != nil {
		return domain.TriageRule{}, err
	}
	if _, err := e.Repo.GetRule(ctx, p, ru.ID); err != nil {
		return domain.TriageRule{}, err
	}
	ru.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TriageRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRule(ctx, tx, p, ru); err != nil {
		return domain.TriageRule{}, err
	}
	if err := e.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "rule:update",
		TargetKind: "rule", TargetID: ru.ID,
		Details: map[string]any{"name": ru.Name},
	}); err != nil {
		return domain.TriageRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TriageRule{}, err
	}
	return e.Repo.GetRule(ctx, p, ru.ID)
}

func (e Engine) ToggleRule(ctx context.Context, p tenant.Principal, id string, active bool) (domain.TriageRule, error) {
	if _, err := e.Repo.GetRule(ctx, p, id); err != nil {
		return domain.TriageRule{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TriageRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRuleActive(ctx, tx, p, id, active, now); err != nil {
		return domain.TriageRule{}, err
	}
	if err := e.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "rule:toggle",
		TargetKind: "rule", TargetID: id,
		Details: map[string]any{"active": active},
	}); err != nil {
		return domain.TriageRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TriageRule{}, err
	}
	return e.Repo.GetRule(ctx, p, id)
}

func (e Engine) DeleteRule(ctx context.Context, p tenant.Principal, id string) error {
	ru, err := e.Repo.GetRule(ctx, p, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRule(ctx, tx, p, id); err != nil {
		return err
	}
	if err := e.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, Action: "rule:delete",
		TargetKind: "rule", TargetID: id,
		Details: map[string]any{"name": ru.Name},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TestResult is a dry-run report: nothing is mutated, audited or notified.
type TestResult struct {
	MatchCount int           `json:"match_count"`
	Sample     []SampleMatch `json:"sample"`
	Condition  string        `json:"condition"`
}

type SampleMatch struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// TestRule evaluates a rule without applying it. The sample is capped at 5.
func (e Engine) TestRule(ctx context.Context, p tenant.Principal, ru domain.TriageRule) (TestResult, error) {
	if err := Validate(ru); err != nil {
		return TestResult{}, err
	}
	cond, err := ParseCondition(ru.Field, ru.Operator, ru.Value)
	if err != nil {
		return TestResult{}, err
	}
	now := e.now().UTC()
	clauses := []repo.Clause{cond.Clause()}
	count, err := e.Repo.CountEntities(ctx, p, ru.TargetKind, clauses, now)
	if err != nil {
		return TestResult{}, err
	}
	sample, err := e.Repo.ListEntities(ctx, p, ru.TargetKind, clauses, now, 5)
	if err != nil {
		return TestResult{}, err
	}
	res := TestResult{MatchCount: count, Condition: cond.String(), Sample: []SampleMatch{}}
	for _, ent := range sample {
		res.Sample = append(res.Sample, SampleMatch{ID: ent.ID, Title: ent.Title, Status: ent.Status})
	}
	return res, nil
}

// SweepResult summarizes one ApplyAllActive pass.
type SweepResult struct {
	RulesEvaluated  int
	EntitiesMatched int
	ActionsApplied  int
	Skipped         int
	Errors          int
}

// ApplyAllActive runs every active rule for the org in (priority, id) order.
// Per-entity failures are audited and counted; the sweep keeps going.
func (e Engine) ApplyAllActive(ctx context.Context, p tenant.Principal) (SweepResult, error) {
	var res SweepResult
	active, err := e.Repo.ListRules(ctx, p, true)
	if err != nil {
		return res, err
	}
	for _, ru := range active {
		res.RulesEvaluated++
		if err := e.applyRule(ctx, p, ru, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e Engine) applyRule(ctx context.Context, p tenant.Principal, ru domain.TriageRule, res *SweepResult) error {
	cond, err := ParseCondition(ru.Field, ru.Operator, ru.Value)
	if err != nil {
		// Stored rule no longer parses; surface it in the log, not the sweep.
		res.Errors++
		return e.Audit.Record(ctx, nil, audit.Entry{
			OrgID: p.OrgID, Action: audit.ActionTriageError,
			TargetKind: "rule", TargetID: ru.ID,
			Details: map[string]any{"error": err.Error()},
		})
	}
	now := e.now().UTC()
	matched, err := e.Repo.ListEntities(ctx, p, ru.TargetKind, []repo.Clause{cond.Clause()}, now, 0)
	if err != nil {
		return err
	}
	res.EntitiesMatched += len(matched)
	for _, ent := range matched {
		applied, err := e.applyToEntity(ctx, p, ru, cond, ent)
		if err != nil {
			res.Errors++
			e.logger().WarnContext(ctx, "triage action failed",
				"rule_id", ru.ID, "entity_id", ent.ID, "err", err)
			if aerr := e.Audit.Record(ctx, nil, audit.Entry{
				OrgID: p.OrgID, Action: audit.ActionTriageError,
				TargetKind: string(ru.TargetKind), TargetID: ent.ID,
				Details: map[string]any{"rule_id": ru.ID, "error": err.Error()},
			}); aerr != nil {
				return aerr
			}
			continue
		}
		if applied {
			res.ActionsApplied++
		} else {
			res.Skipped++
		}
	}
	return nil
}

// pendingNote is an outward notification deferred until after commit.
type pendingNote struct {
	userID  string
	event   string
	message string
	source  string
}

// applyToEntity fires one rule on one entity. Returns false when the firing
// ledger shows this rule version already handled the entity.
func (e Engine) applyToEntity(ctx context.Context, p tenant.Principal, ru domain.TriageRule, cond Condition, ent domain.Entity) (bool, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	fired, err := e.Repo.MarkRuleFired(ctx, tx, ru.ID, ent.ID, ru.Version, now)
	if err != nil {
		return false, err
	}
	if !fired {
		return false, nil
	}

	detail := audit.RuleFired{
		RuleID:         ru.ID,
		RuleName:       ru.Name,
		FieldCondition: cond.String(),
		ActionType:     ru.Action,
		PreviousStatus: ent.Status,
		ChangesMade:    []string{},
		ActionApplied:  true,
		RuleMessage:    ru.Message,
	}
	var notes []pendingNote

	switch ru.Action {
	case domain.ActionAutoApprove:
		if ent.Status == domain.StatusApproved {
			// Already approved: record the noop, leave approved_at alone.
			detail.NewStatus = ent.Status
			detail.ActionApplied = false
		} else {
			fields := map[string]any{"status": domain.StatusApproved, "approved_at": now, "updated_at": now}
			if err := e.Repo.UpdateEntityFields(ctx, tx, p, ru.TargetKind, ent.ID, fields); err != nil {
				return false, err
			}
			detail.NewStatus = domain.StatusApproved
			detail.ChangesMade = []string{"status", "approved_at"}
		}
	case domain.ActionFlag:
		fields := map[string]any{"status": domain.StatusFlagged, "updated_at": now}
		if err := e.Repo.UpdateEntityFields(ctx, tx, p, ru.TargetKind, ent.ID, fields); err != nil {
			return false, err
		}
		detail.NewStatus = domain.StatusFlagged
		detail.ChangesMade = []string{"status"}
	case domain.ActionNotifyAdmin:
		admins, err := e.Repo.ListUsersByRole(ctx, p, "Admin")
		if err != nil {
			return false, err
		}
		for _, admin := range admins {
			notes = append(notes, pendingNote{
				userID:  admin.ID,
				event:   EventTriageAlert,
				message: ruleMessage(ru, ent),
				source:  firingRef(ru, ent),
			})
		}
	case domain.ActionEscalate:
		manager, err := e.resolveManager(ctx, p, ent)
		if err == repo.ErrNotFound {
			detail.ActionApplied = false
			if aerr := e.Audit.Record(ctx, tx, audit.Entry{
				OrgID: p.OrgID, Action: audit.ActionEscalationUnresolved,
				TargetKind: string(ru.TargetKind), TargetID: ent.ID,
				Details: map[string]any{"rule_id": ru.ID, "created_by": ent.CreatedBy},
			}); aerr != nil {
				return false, aerr
			}
		} else if err != nil {
			return false, err
		} else {
			notes = append(notes, pendingNote{
				userID:  manager.ID,
				event:   EventEscalation,
				message: ruleMessage(ru, ent),
				source:  firingRef(ru, ent),
			})
		}
	default:
		return false, tenant.InvalidError{Field: "action", Msg: fmt.Sprintf("unknown action %q", ru.Action)}
	}

	if err := e.Audit.Record(ctx, tx, audit.Entry{
		OrgID: p.OrgID, Action: "triage:" + ru.Action,
		TargetKind: string(ru.TargetKind), TargetID: ent.ID,
		Details: detail,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	// Outward notifications go out after commit; the sink's idempotency key
	// absorbs redelivery if a later retry replays this firing.
	for _, n := range notes {
		if _, err := e.Sink.Deliver(ctx, p, notify.Message{
			UserID: n.userID, EventKind: n.event, SourceRef: n.source, Message: n.message,
		}); err != nil {
			e.logger().WarnContext(ctx, "triage notification failed",
				"rule_id", ru.ID, "user_id", n.userID, "err", err)
		}
	}
	return detail.ActionApplied, nil
}

func (e Engine) resolveManager(ctx context.Context, p tenant.Principal, ent domain.Entity) (domain.User, error) {
	if ent.CreatedBy == "" {
		return domain.User{}, repo.ErrNotFound
	}
	return e.Repo.ManagerForUser(ctx, p, ent.CreatedBy)
}

func ruleMessage(ru domain.TriageRule, ent domain.Entity) string {
	if ru.Message != "" {
		return ru.Message
	}
	return fmt.Sprintf("Rule %q matched %s %q", ru.Name, ru.TargetKind, ent.Title)
}

func firingRef(ru domain.TriageRule, ent domain.Entity) string {
	return fmt.Sprintf("rule:%s:v%d:%s", ru.ID, ru.Version, ent.ID)
}
