package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	for _, org := range []string{"org-1", "org-2"} {
		if err := r.InsertOrganization(context.Background(), domain.Organization{
			ID: org, Name: org, CreatedAt: fixedNow.Format(time.RFC3339),
		}); err != nil {
			t.Fatalf("insert org %s: %v", org, err)
		}
	}
	return r
}

func principal(org string) tenant.Principal {
	return tenant.Principal{UserID: "u-" + org, OrgID: org, Role: "Admin", Source: "test"}
}

func addProblem(t *testing.T, r repo.Repo, p tenant.Principal, e domain.Entity) domain.Entity {
	t.Helper()
	e.Kind = domain.KindProblem
	e.OrgID = p.OrgID
	if e.Status == "" {
		e.Status = domain.StatusSubmitted
	}
	if e.CreatedAt == "" {
		e.CreatedAt = fixedNow.Format(time.RFC3339)
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = e.CreatedAt
	}
	if err := r.InsertEntity(context.Background(), p, e); err != nil {
		t.Fatalf("insert entity %s: %v", e.ID, err)
	}
	return e
}

func cost(v float64) *float64 { return &v }

func TestGetEntityCrossOrgIsViolation(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	addProblem(t, r, principal("org-1"), domain.Entity{ID: "p-1", Title: "mine"})

	var violation tenant.ViolationError
	_, err := r.GetEntity(ctx, principal("org-2"), domain.KindProblem, "p-1")
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want tenant violation", err)
	}
	if violation.Kind != "Problem" || violation.ID != "p-1" {
		t.Fatalf("violation = %+v", violation)
	}

	// A genuinely missing row is a plain not-found.
	if _, err := r.GetEntity(ctx, principal("org-1"), domain.KindProblem, "ghost"); err != repo.ErrNotFound {
		t.Fatalf("missing row err = %v", err)
	}
}

func TestListEntitiesIsOrgScoped(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	addProblem(t, r, principal("org-1"), domain.Entity{ID: "p-1", Title: "one"})
	addProblem(t, r, principal("org-1"), domain.Entity{ID: "p-2", Title: "two"})
	addProblem(t, r, principal("org-2"), domain.Entity{ID: "p-3", Title: "theirs"})

	mine, err := r.ListEntities(ctx, principal("org-1"), domain.KindProblem, nil, fixedNow, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("entities = %d, want 2", len(mine))
	}
	for _, e := range mine {
		if e.OrgID != "org-1" {
			t.Fatalf("foreign row leaked: %+v", e)
		}
	}
}

func TestNumericFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := principal("org-1")
	addProblem(t, r, p, domain.Entity{ID: "p-low", Title: "low", EstimatedCost: cost(100)})
	addProblem(t, r, p, domain.Entity{ID: "p-mid", Title: "mid", EstimatedCost: cost(25000)})
	addProblem(t, r, p, domain.Entity{ID: "p-high", Title: "high", EstimatedCost: cost(90000)})
	addProblem(t, r, p, domain.Entity{ID: "p-nil", Title: "uncosted"})

	cases := []struct {
		name   string
		clause repo.Clause
		want   []string
	}{
		{"gt", repo.Gt("estimated_cost", 25000), []string{"p-high"}},
		{"ge", repo.Ge("estimated_cost", 25000), []string{"p-mid", "p-high"}},
		{"lt", repo.Lt("estimated_cost", 25000), []string{"p-low"}},
		{"le", repo.Le("estimated_cost", 25000), []string{"p-low", "p-mid"}},
		{"eq", repo.EqNum("estimated_cost", 25000), []string{"p-mid"}},
	}
	for _, tc := range cases {
		got, err := r.ListEntities(ctx, p, domain.KindProblem, []repo.Clause{tc.clause}, fixedNow, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		ids := make([]string, 0, len(got))
		for _, e := range got {
			ids = append(ids, e.ID)
		}
		if len(ids) != len(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, ids, tc.want)
		}
		for i := range ids {
			if ids[i] != tc.want[i] {
				t.Fatalf("%s: got %v, want %v", tc.name, ids, tc.want)
			}
		}
	}
}

func TestContainsEscapesWildcards(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := principal("org-1")
	addProblem(t, r, p, domain.Entity{ID: "p-1", Title: "literal 100% done"})
	addProblem(t, r, p, domain.Entity{ID: "p-2", Title: "100 percent done"})
	addProblem(t, r, p, domain.Entity{ID: "p-3", Title: "under_score"})

	got, err := r.ListEntities(ctx, p, domain.KindProblem, []repo.Clause{repo.Contains("title", "100%")}, fixedNow, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p-1" {
		t.Fatalf("%% not treated literally: %+v", got)
	}
	got, err = r.ListEntities(ctx, p, domain.KindProblem, []repo.Clause{repo.Contains("title", "under_score")}, fixedNow, 0)
	if err != nil || len(got) != 1 || got[0].ID != "p-3" {
		t.Fatalf("_ not treated literally: %v %+v", err, got)
	}
}

func TestOlderThanCutoff(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := principal("org-1")
	old := fixedNow.AddDate(0, 0, -31).Format(time.RFC3339)
	edge := fixedNow.AddDate(0, 0, -30).Format(time.RFC3339)
	addProblem(t, r, p, domain.Entity{ID: "p-old", Title: "old", CreatedAt: old, UpdatedAt: old})
	addProblem(t, r, p, domain.Entity{ID: "p-edge", Title: "edge", CreatedAt: edge, UpdatedAt: edge})
	addProblem(t, r, p, domain.Entity{ID: "p-new", Title: "new"})

	got, err := r.ListEntities(ctx, p, domain.KindProblem, []repo.Clause{repo.OlderThan("created_at", 30)}, fixedNow, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p-old" {
		t.Fatalf("days_ago cutoff wrong: %+v", got)
	}

	// approved_at is nullable; nulls never match.
	got, err = r.ListEntities(ctx, p, domain.KindProblem, []repo.Clause{repo.OlderThan("approved_at", 0)}, fixedNow, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("null time matched: %v %+v", err, got)
	}
}

func TestUnknownFilterFieldRejected(t *testing.T) {
	r := newRepo(t)
	var invalid tenant.InvalidError
	_, err := r.ListEntities(context.Background(), principal("org-1"), domain.KindProblem,
		[]repo.Clause{repo.Eq("secret_column", "x")}, fixedNow, 0)
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want invalid", err)
	}
	_, err = r.ListEntities(context.Background(), principal("org-1"), "Gadget", nil, fixedNow, 0)
	if !errors.As(err, &invalid) {
		t.Fatalf("unknown kind err = %v", err)
	}
}

func TestUpdateEntityFieldsWhitelist(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := principal("org-1")
	addProblem(t, r, p, domain.Entity{ID: "p-1", Title: "before"})

	now := fixedNow.Add(time.Hour).Format(time.RFC3339)
	err := r.UpdateEntityFields(ctx, nil, p, domain.KindProblem, "p-1", map[string]any{
		"status": domain.StatusFlagged, "updated_at": now,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.GetEntity(ctx, p, domain.KindProblem, "p-1")
	if got.Status != domain.StatusFlagged || got.UpdatedAt != now {
		t.Fatalf("update not applied: %+v", got)
	}

	var invalid tenant.InvalidError
	err = r.UpdateEntityFields(ctx, nil, p, domain.KindProblem, "p-1", map[string]any{"org_id": "org-2"})
	if !errors.As(err, &invalid) {
		t.Fatalf("org_id update allowed: %v", err)
	}
	err = r.UpdateEntityFields(ctx, nil, p, domain.KindProblem, "p-1", map[string]any{"id": "p-x"})
	if !errors.As(err, &invalid) {
		t.Fatalf("id update allowed: %v", err)
	}

	// Cross-org update affects zero rows.
	err = r.UpdateEntityFields(ctx, nil, principal("org-2"), domain.KindProblem, "p-1", map[string]any{
		"status": domain.StatusApproved,
	})
	if err != repo.ErrNotFound {
		t.Fatalf("cross-org update err = %v", err)
	}
	got, _ = r.GetEntity(ctx, p, domain.KindProblem, "p-1")
	if got.Status != domain.StatusFlagged {
		t.Fatalf("cross-org update mutated row: %s", got.Status)
	}
}

func TestStatusNormalizedOnRead(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := principal("org-1")
	addProblem(t, r, p, domain.Entity{ID: "p-legacy", Title: "legacy", Status: "In_Progress"})

	got, err := r.GetEntity(ctx, p, domain.KindProblem, "p-legacy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want %s", got.Status, domain.StatusInProgress)
	}
}

func TestManagerChainResolution(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := principal("org-1")
	created := fixedNow.Format(time.RFC3339)
	mgr := "mgr-1"
	if err := r.InsertDepartment(ctx, p, domain.Department{ID: "d-1", Name: "Delivery", ManagerID: &mgr}); err != nil {
		t.Fatalf("insert department: %v", err)
	}
	dept := "d-1"
	for _, u := range []domain.User{
		{ID: "mgr-1", Email: "mgr@example.com", Name: "Manager", Role: "Director", DepartmentID: &dept},
		{ID: "ba-1", Email: "ba@example.com", Name: "Analyst", Role: "BA", DepartmentID: &dept},
		{ID: "loner", Email: "loner@example.com", Name: "Loner", Role: "BA"},
	} {
		u.OrgID = "org-1"
		u.CreatedAt = created
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}

	got, err := r.ManagerForUser(ctx, p, "ba-1")
	if err != nil {
		t.Fatalf("manager for ba-1: %v", err)
	}
	if got.ID != "mgr-1" {
		t.Fatalf("manager = %s", got.ID)
	}
	if _, err := r.ManagerForUser(ctx, p, "loner"); err != repo.ErrNotFound {
		t.Fatalf("no-department chain err = %v", err)
	}
	// The manager of their own department has no one above them.
	if _, err := r.ManagerForUser(ctx, p, "mgr-1"); err != repo.ErrNotFound {
		t.Fatalf("self-managed chain err = %v", err)
	}
}
