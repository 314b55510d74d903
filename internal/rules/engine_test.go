package rules_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"caseline/internal/audit"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/rules"
	"caseline/internal/tenant"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine rules.Engine
	Audit  audit.Writer
	Ctx    context.Context
	P      tenant.Principal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return fixedNow }
	r := repo.Repo{DB: conn}
	sink := &notify.Sink{DB: conn, Repo: r, Now: now}
	eng := rules.New(conn, sink)
	eng.Now = now
	eng.Audit = audit.Writer{DB: conn, Now: now}

	ctx := context.Background()
	env := &testEnv{
		DB: conn, Repo: r, Engine: eng,
		Audit: eng.Audit, Ctx: ctx,
		P: tenant.Principal{UserID: "admin-1", OrgID: "org-1", Role: "Admin", Source: "test"},
	}
	env.seedOrg(t, "org-1")
	return env
}

func (env *testEnv) seedOrg(t *testing.T, orgID string) {
	t.Helper()
	created := fixedNow.Format(time.RFC3339)
	if err := env.Repo.InsertOrganization(env.Ctx, domain.Organization{ID: orgID, Name: orgID, CreatedAt: created}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	p := tenant.Principal{UserID: "seed", OrgID: orgID, Role: "Admin"}
	mgr := orgID + "-mgr"
	if err := env.Repo.InsertDepartment(env.Ctx, p, domain.Department{ID: orgID + "-dept", Name: "Delivery", ManagerID: &mgr}); err != nil {
		t.Fatalf("insert department: %v", err)
	}
	users := []domain.User{
		{ID: orgID + "-admin", Email: orgID + "-admin@example.com", Name: "Admin", Role: "Admin"},
		{ID: mgr, Email: mgr + "@example.com", Name: "Manager", Role: "Director"},
		{ID: orgID + "-ba", Email: orgID + "-ba@example.com", Name: "Analyst", Role: "BA"},
	}
	dept := orgID + "-dept"
	users[2].DepartmentID = &dept
	for _, u := range users {
		u.OrgID = orgID
		u.CreatedAt = created
		if err := env.Repo.InsertUser(env.Ctx, u); err != nil {
			t.Fatalf("insert user %s: %v", u.ID, err)
		}
	}
}

func (env *testEnv) addEntity(t *testing.T, e domain.Entity) domain.Entity {
	t.Helper()
	if e.Status == "" {
		e.Status = domain.StatusSubmitted
	}
	if e.CreatedAt == "" {
		e.CreatedAt = fixedNow.Format(time.RFC3339)
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = e.CreatedAt
	}
	e.OrgID = env.P.OrgID
	p := tenant.Principal{UserID: "seed", OrgID: e.OrgID, Role: "Admin"}
	if err := env.Repo.InsertEntity(env.Ctx, p, e); err != nil {
		t.Fatalf("insert entity %s: %v", e.ID, err)
	}
	return e
}

func (env *testEnv) addRule(t *testing.T, ru domain.TriageRule) domain.TriageRule {
	t.Helper()
	ru.Active = true
	created, err := env.Engine.CreateRule(env.Ctx, env.P, ru)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return created
}

func costPtr(v float64) *float64 { return &v }

func TestAutoApproveOverThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "big spend", TargetKind: domain.KindBusinessCase,
		Field: "estimated_cost", Operator: ">", Value: "25000",
		Action: domain.ActionAutoApprove,
	})
	big := env.addEntity(t, domain.Entity{ID: "bc-1", Kind: domain.KindBusinessCase, Title: "expand", EstimatedCost: costPtr(30000)})
	small := env.addEntity(t, domain.Entity{ID: "bc-2", Kind: domain.KindBusinessCase, Title: "tweak", EstimatedCost: costPtr(20000)})

	res, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ActionsApplied != 1 || res.EntitiesMatched != 1 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	got, err := env.Repo.GetEntity(env.Ctx, env.P, domain.KindBusinessCase, big.ID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want Approved", got.Status)
	}
	if got.ApprovedAt == nil {
		t.Fatalf("approved_at not set")
	}
	other, _ := env.Repo.GetEntity(env.Ctx, env.P, domain.KindBusinessCase, small.ID)
	if other.Status != domain.StatusSubmitted {
		t.Fatalf("small entity touched: %s", other.Status)
	}
}

func TestAutoApproveAlreadyApprovedNoops(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "big spend", TargetKind: domain.KindBusinessCase,
		Field: "estimated_cost", Operator: ">", Value: "25000",
		Action: domain.ActionAutoApprove,
	})
	earlier := fixedNow.AddDate(0, 0, -7).Format(time.RFC3339)
	env.addEntity(t, domain.Entity{
		ID: "bc-done", Kind: domain.KindBusinessCase, Title: "signed off",
		Status: domain.StatusApproved, EstimatedCost: costPtr(30000), ApprovedAt: &earlier,
	})

	res, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ActionsApplied != 0 || res.Skipped != 1 {
		t.Fatalf("noop should count as skipped: %+v", res)
	}
	got, err := env.Repo.GetEntity(env.Ctx, env.P, domain.KindBusinessCase, "bc-done")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.ApprovedAt == nil || *got.ApprovedAt != earlier {
		t.Fatalf("approved_at overwritten: %v", got.ApprovedAt)
	}
	// The attempted action is still on the record, marked unapplied.
	entries, err := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: "triage:auto_approve"})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("triage:auto_approve entries = %d", len(entries))
	}
	if !strings.Contains(entries[0].Details, `"action_applied":false`) {
		t.Fatalf("details = %s", entries[0].Details)
	}
}

func TestStrictBoundaryNotMatched(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "over threshold", TargetKind: domain.KindBusinessCase,
		Field: "estimated_cost", Operator: ">", Value: "25000",
		Action: domain.ActionFlag,
	})
	env.addEntity(t, domain.Entity{ID: "bc-edge", Kind: domain.KindBusinessCase, Title: "edge", EstimatedCost: costPtr(25000)})

	res, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.EntitiesMatched != 0 {
		t.Fatalf("exact boundary matched strict >: %+v", res)
	}
}

func TestRuleFiresOncePerVersion(t *testing.T) {
	env := newTestEnv(t)
	ru := env.addRule(t, domain.TriageRule{
		Name: "flag urgent", TargetKind: domain.KindProblem,
		Field: "title", Operator: "contains", Value: "urgent",
		Action: domain.ActionFlag,
	})
	env.addEntity(t, domain.Entity{ID: "p-1", Kind: domain.KindProblem, Title: "urgent outage"})

	first, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.ActionsApplied != 1 {
		t.Fatalf("first sweep: %+v", first)
	}
	second, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.ActionsApplied != 0 || second.Skipped != 1 {
		t.Fatalf("second sweep should skip: %+v", second)
	}

	// A version bump re-arms the rule against the same entity.
	ru.Message = "still urgent"
	if _, err := env.Engine.UpdateRule(env.Ctx, env.P, ru); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	third, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	if third.ActionsApplied != 1 {
		t.Fatalf("bumped version should re-fire: %+v", third)
	}
}

func TestNotifyAdminDelivers(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "watch epics", TargetKind: domain.KindEpic,
		Field: "status", Operator: "=", Value: "Submitted",
		Action: domain.ActionNotifyAdmin, Message: "new epic needs a look",
	})
	env.addEntity(t, domain.Entity{ID: "e-1", Kind: domain.KindEpic, Title: "platform"})

	if _, err := env.Engine.ApplyAllActive(env.Ctx, env.P); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	notes, err := env.Repo.ListNotifications(env.Ctx, env.P, "org-1-admin", false, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("admin notifications = %d, want 1", len(notes))
	}
	if notes[0].Message != "new epic needs a look" || notes[0].EventKind != rules.EventTriageAlert {
		t.Fatalf("unexpected notification: %+v", notes[0])
	}

	// Replaying the sweep does not double-notify.
	if _, err := env.Engine.ApplyAllActive(env.Ctx, env.P); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	notes, _ = env.Repo.ListNotifications(env.Ctx, env.P, "org-1-admin", false, 0)
	if len(notes) != 1 {
		t.Fatalf("sweep replay duplicated notification: %d", len(notes))
	}
}

func TestEscalateResolvesManager(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "stale problems", TargetKind: domain.KindProblem,
		Field: "created_at", Operator: "days_ago", Value: "30",
		Action: domain.ActionEscalate,
	})
	old := fixedNow.AddDate(0, 0, -45).Format(time.RFC3339)
	env.addEntity(t, domain.Entity{
		ID: "p-old", Kind: domain.KindProblem, Title: "lingering",
		CreatedBy: "org-1-ba", CreatedAt: old, UpdatedAt: old,
	})

	if _, err := env.Engine.ApplyAllActive(env.Ctx, env.P); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	notes, err := env.Repo.ListNotifications(env.Ctx, env.P, "org-1-mgr", false, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].EventKind != rules.EventEscalation {
		t.Fatalf("manager escalation missing: %+v", notes)
	}
}

func TestEscalateWithoutManagerIsAudited(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "escalate all", TargetKind: domain.KindProblem,
		Field: "status", Operator: "=", Value: "Submitted",
		Action: domain.ActionEscalate,
	})
	// Creator has no department, so the manager chain is broken.
	env.addEntity(t, domain.Entity{ID: "p-orphan", Kind: domain.KindProblem, Title: "orphan", CreatedBy: "org-1-admin"})

	res, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Errors != 0 {
		t.Fatalf("broken chain should not error the sweep: %+v", res)
	}
	entries, err := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: audit.ActionEscalationUnresolved})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("escalation_unresolved entries = %d, want 1", len(entries))
	}
}

func TestSweepAuditsEveryFiring(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, domain.TriageRule{
		Name: "flag cheap", TargetKind: domain.KindProject,
		Field: "estimated_cost", Operator: "<", Value: "100",
		Action: domain.ActionFlag,
	})
	env.addEntity(t, domain.Entity{ID: "pr-1", Kind: domain.KindProject, Title: "tiny", EstimatedCost: costPtr(50)})

	if _, err := env.Engine.ApplyAllActive(env.Ctx, env.P); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	entries, err := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: "triage:"})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "triage:flag" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestTestRuleIsDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.addEntity(t, domain.Entity{ID: "bc-dry", Kind: domain.KindBusinessCase, Title: "dry", EstimatedCost: costPtr(90000)})

	res, err := env.Engine.TestRule(env.Ctx, env.P, domain.TriageRule{
		Name: "what-if", TargetKind: domain.KindBusinessCase,
		Field: "estimated_cost", Operator: ">=", Value: "50000",
		Action: domain.ActionAutoApprove,
	})
	if err != nil {
		t.Fatalf("test rule: %v", err)
	}
	if res.MatchCount != 1 || len(res.Sample) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := env.Repo.GetEntity(env.Ctx, env.P, domain.KindBusinessCase, "bc-dry")
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("dry run mutated status: %s", got.Status)
	}
	entries, _ := env.Audit.Query(env.Ctx, env.P, audit.Filters{ActionPrefix: "triage:"})
	if len(entries) != 0 {
		t.Fatalf("dry run wrote audit entries: %+v", entries)
	}
}

func TestSweepIsOrgScoped(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrg(t, "org-2")
	env.addRule(t, domain.TriageRule{
		Name: "flag everything", TargetKind: domain.KindProblem,
		Field: "status", Operator: "=", Value: "Submitted",
		Action: domain.ActionFlag,
	})
	other := tenant.Principal{UserID: "seed", OrgID: "org-2", Role: "Admin"}
	foreign := domain.Entity{
		ID: "p-foreign", OrgID: "org-2", Kind: domain.KindProblem, Title: "theirs",
		Status:    domain.StatusSubmitted,
		CreatedAt: fixedNow.Format(time.RFC3339), UpdatedAt: fixedNow.Format(time.RFC3339),
	}
	if err := env.Repo.InsertEntity(env.Ctx, other, foreign); err != nil {
		t.Fatalf("insert foreign entity: %v", err)
	}

	res, err := env.Engine.ApplyAllActive(env.Ctx, env.P)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.EntitiesMatched != 0 {
		t.Fatalf("sweep crossed org boundary: %+v", res)
	}
	got, err := env.Repo.GetEntity(env.Ctx, other, domain.KindProblem, foreign.ID)
	if err != nil || got.Status != domain.StatusSubmitted {
		t.Fatalf("foreign entity touched: %v %s", err, got.Status)
	}
}

func TestInvalidRuleRejected(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.TriageRule{
		{Name: "bad field", TargetKind: domain.KindProblem, Field: "nope", Operator: "=", Value: "x", Action: domain.ActionFlag},
		{Name: "bad op", TargetKind: domain.KindProblem, Field: "title", Operator: "~", Value: "x", Action: domain.ActionFlag},
		{Name: "numeric op on text", TargetKind: domain.KindProblem, Field: "title", Operator: ">", Value: "5", Action: domain.ActionFlag},
		{Name: "contains on number", TargetKind: domain.KindProblem, Field: "estimated_cost", Operator: "contains", Value: "5", Action: domain.ActionFlag},
		{Name: "days_ago on text", TargetKind: domain.KindProblem, Field: "title", Operator: "days_ago", Value: "5", Action: domain.ActionFlag},
		{Name: "bad action", TargetKind: domain.KindProblem, Field: "title", Operator: "=", Value: "x", Action: "explode"},
		{Name: "bad kind", TargetKind: "Gadget", Field: "title", Operator: "=", Value: "x", Action: domain.ActionFlag},
	}
	for _, ru := range cases {
		if _, err := env.Engine.CreateRule(env.Ctx, env.P, ru); err == nil {
			t.Fatalf("rule %q should be rejected", ru.Name)
		}
	}
}

func TestDuplicateRuleNameConflicts(t *testing.T) {
	env := newTestEnv(t)
	ru := domain.TriageRule{
		Name: "dup", TargetKind: domain.KindProblem,
		Field: "title", Operator: "contains", Value: "x", Action: domain.ActionFlag,
	}
	env.addRule(t, ru)
	if _, err := env.Engine.CreateRule(env.Ctx, env.P, ru); err == nil {
		t.Fatalf("duplicate name should conflict")
	}
}
