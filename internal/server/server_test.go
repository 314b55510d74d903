package server_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caseline/internal/audit"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/rules"
	"caseline/internal/server"
	"caseline/internal/tenant"
	"caseline/internal/workflow"
)

const testSecret = "test-secret"

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Handler http.Handler
	Ctx     context.Context
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
	r := repo.Repo{DB: conn}
	w := audit.Writer{DB: conn}
	sink := &notify.Sink{DB: conn, Repo: r}
	eng := rules.New(conn, sink)
	resolver := workflow.Resolver{DB: conn, Repo: r, Audit: w}
	dispatcher := &workflow.Dispatcher{DB: conn, Repo: r, Audit: w, Sink: sink, Resolver: resolver}

	handler, err := server.New(server.Config{
		DB: conn, Repo: r, Audit: w, Engine: eng,
		Dispatcher: dispatcher, Resolver: resolver, Sink: sink,
		Auth: server.AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	env := &testEnv{DB: conn, Repo: r, Audit: w, Handler: handler, Ctx: context.Background()}
	created := fixedNow.Format(time.RFC3339)
	for _, org := range []string{"org-1", "org-2"} {
		if err := r.InsertOrganization(env.Ctx, domain.Organization{ID: org, Name: org, CreatedAt: created}); err != nil {
			t.Fatalf("insert org: %v", err)
		}
	}
	for _, u := range []domain.User{
		{ID: "admin-1", OrgID: "org-1", Email: "admin@example.com", Name: "Admin", Role: "Admin"},
		{ID: "ba-1", OrgID: "org-1", Email: "ba@example.com", Name: "Analyst", Role: "BA"},
		{ID: "admin-2", OrgID: "org-2", Email: "admin2@example.com", Name: "Admin Two", Role: "Admin"},
	} {
		u.CreatedAt = created
		if err := r.InsertUser(env.Ctx, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	return env
}

func token(t *testing.T, userID, orgID, role string) string {
	t.Helper()
	tok, err := server.IssueToken(testSecret, userID, orgID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

type request struct {
	Method string
	Path   string
	Token  string
	APIKey string
	Body   any
}

func (env *testEnv) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if r.Body != nil {
		if err := json.NewEncoder(&body).Encode(r.Body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(r.Method, r.Path, &body)
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if r.APIKey != "" {
		req.Header.Set("X-Api-Key", r.APIKey)
	}
	rec := httptest.NewRecorder()
	env.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &resp)
	return resp.Error.Code
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, request{Method: http.MethodGet, Path: "/v1/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, request{Method: http.MethodGet, Path: "/v1/rules"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/rules", Token: "garbage"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_credentials" {
		t.Fatalf("code = %s", code)
	}
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")

	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/rules", Token: admin, Body: map[string]any{
		"name": "big spend", "target_kind": "BusinessCase",
		"field": "estimated_cost", "operator": ">", "value": "25000",
		"action": "auto_approve", "active": true,
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created domain.TriageRule
	decode(t, rec, &created)
	if created.ID == "" || created.Version != 1 || created.OrgID != "org-1" {
		t.Fatalf("created = %+v", created)
	}

	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/rules", Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []domain.TriageRule
	decode(t, rec, &list)
	if len(list) != 1 {
		t.Fatalf("rules = %d", len(list))
	}

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/rules/" + created.ID + "/toggle", Token: admin,
		Body: map[string]any{"active": false}})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d body=%s", rec.Code, rec.Body.String())
	}
	var toggled domain.TriageRule
	decode(t, rec, &toggled)
	if toggled.Active {
		t.Fatalf("rule still active")
	}

	rec = env.do(t, request{Method: http.MethodDelete, Path: "/v1/rules/" + created.ID, Token: admin})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/rules/" + created.ID, Token: admin})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted status = %d", rec.Code)
	}
}

func TestStoredRuleDryRun(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")

	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/rules", Token: admin, Body: map[string]any{
		"name": "big spend", "target_kind": "BusinessCase",
		"field": "estimated_cost", "operator": ">", "value": "25000",
		"action": "auto_approve", "active": true,
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule status = %d body=%s", rec.Code, rec.Body.String())
	}
	var ru domain.TriageRule
	decode(t, rec, &ru)

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/entities/BusinessCase", Token: admin,
		Body: map[string]any{"title": "expansion", "estimated_cost": 90000}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create entity status = %d", rec.Code)
	}
	var ent domain.Entity
	decode(t, rec, &ent)

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/rules/" + ru.ID + "/test", Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("dry run status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res struct {
		MatchCount int    `json:"match_count"`
		Condition  string `json:"condition"`
	}
	decode(t, rec, &res)
	if res.MatchCount != 1 || res.Condition == "" {
		t.Fatalf("dry run result = %+v", res)
	}
	// Dry means dry: the matched case keeps its status.
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/entities/BusinessCase/" + ent.ID, Token: admin})
	var after domain.Entity
	decode(t, rec, &after)
	if after.Status != domain.StatusSubmitted {
		t.Fatalf("dry run mutated status: %s", after.Status)
	}

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/rules/missing/test", Token: admin})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing rule status = %d", rec.Code)
	}
}

func TestNonAdminCannotMutateRules(t *testing.T) {
	env := newTestEnv(t)
	ba := token(t, "ba-1", "org-1", "BA")
	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/rules", Token: ba, Body: map[string]any{
		"name": "x", "target_kind": "Problem", "field": "title",
		"operator": "contains", "value": "x", "action": "flag",
	}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				RequiredRole string `json:"required_role"`
			} `json:"details"`
		} `json:"error"`
	}
	decode(t, rec, &resp)
	if resp.Error.Code != "forbidden" || resp.Error.Details.RequiredRole != "Admin" {
		t.Fatalf("error = %+v", resp.Error)
	}

	// Reads stay open to every authenticated member.
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/rules", Token: ba})
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
}

func TestInvalidRuleIsUnprocessable(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")
	// Well-formed JSON, semantically invalid: a numeric operator on a text
	// field.
	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/rules", Token: admin, Body: map[string]any{
		"name": "bad", "target_kind": "Problem", "field": "title",
		"operator": ">", "value": "5", "action": "flag",
	}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "validation_failed" {
		t.Fatalf("code = %s", code)
	}
}

func TestCrossOrgReadsAnswerForbidden(t *testing.T) {
	env := newTestEnv(t)
	p1 := tenant.Principal{UserID: "admin-1", OrgID: "org-1", Role: "Admin"}
	ent := domain.Entity{
		ID: "p-1", OrgID: "org-1", Kind: domain.KindProblem, Title: "mine",
		Status: domain.StatusSubmitted, CreatedBy: "admin-1",
		CreatedAt: fixedNow.Format(time.RFC3339), UpdatedAt: fixedNow.Format(time.RFC3339),
	}
	if err := env.Repo.InsertEntity(env.Ctx, p1, ent); err != nil {
		t.Fatalf("insert entity: %v", err)
	}

	other := token(t, "admin-2", "org-2", "Admin")
	rec := env.do(t, request{Method: http.MethodGet, Path: "/v1/entities/Problem/p-1", Token: other})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "tenant_violation" {
		t.Fatalf("code = %s", code)
	}

	// The attempt is audited under the caller's org, not the owner's.
	p2 := tenant.Principal{UserID: "admin-2", OrgID: "org-2", Role: "Admin"}
	entries, err := env.Audit.Query(env.Ctx, p2, audit.Filters{ActionPrefix: audit.ActionTenantViolation})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 || entries[0].TargetID != "p-1" {
		t.Fatalf("violation entries = %+v", entries)
	}
	entries, _ = env.Audit.Query(env.Ctx, p1, audit.Filters{ActionPrefix: audit.ActionTenantViolation})
	if len(entries) != 0 {
		t.Fatalf("owner org polluted: %+v", entries)
	}
}

func TestEntityCreateAndPatch(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")

	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/entities/Problem", Token: admin,
		Body: map[string]any{"title": "intermittent outage", "priority": "high"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created domain.Entity
	decode(t, rec, &created)
	if created.Status != domain.StatusSubmitted || created.CreatedBy != "admin-1" {
		t.Fatalf("created = %+v", created)
	}

	rec = env.do(t, request{Method: http.MethodPatch, Path: "/v1/entities/Problem/" + created.ID, Token: admin,
		Body: map[string]any{"status": "InProgress"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rec.Code, rec.Body.String())
	}
	var patched domain.Entity
	decode(t, rec, &patched)
	if patched.Status != domain.StatusInProgress {
		t.Fatalf("patched = %+v", patched)
	}

	// A patch with nothing to change is semantically invalid, not malformed.
	rec = env.do(t, request{Method: http.MethodPatch, Path: "/v1/entities/Problem/" + created.ID, Token: admin,
		Body: map[string]any{}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty patch status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "validation_failed" {
		t.Fatalf("empty patch code = %s", code)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	env := newTestEnv(t)
	rawKey := "cl_live_0123456789abcdef"
	if err := env.Repo.InsertAPIKey(env.Ctx, domain.APIKey{
		ID: "key-1", UserID: "ba-1", Name: "ci", KeyHash: repo.HashAPIKey(rawKey),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	rec := env.do(t, request{Method: http.MethodGet, Path: "/v1/notifications", APIKey: rawKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/notifications", APIKey: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}
}

func TestDevLogin(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/auth/dev/login",
		Body: map[string]any{"user_id": "admin-1", "org_id": "org-1", "role": "Admin"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("dev login status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, rec, &resp)
	if resp.Token == "" {
		t.Fatalf("no token issued")
	}
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/rules", Token: resp.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("minted token rejected: %d", rec.Code)
	}
}

func TestEventPublishAndApprovalDecision(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")
	ba := token(t, "ba-1", "org-1", "BA")

	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/workflow-templates", Token: admin,
		Body: map[string]any{
			"name": "signoff",
			"definition": `{"triggers":["case_created"],"steps":[
				{"id":"ok","kind":"approval","params":{"role":"Admin"}},
				{"id":"done","kind":"automated","params":{"name":"set_status","status":"Approved"}}]}`,
			"active": true,
		}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/entities/BusinessCase", Token: admin,
		Body: map[string]any{"title": "expansion", "estimated_cost": 90000}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create entity status = %d", rec.Code)
	}
	var ent domain.Entity
	decode(t, rec, &ent)

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/events", Token: admin, Body: map[string]any{
		"kind": "case_created", "target_kind": "BusinessCase", "target_id": ent.ID,
	}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("publish status = %d body=%s", rec.Code, rec.Body.String())
	}
	var published struct {
		Executions []domain.WorkflowExecution `json:"executions"`
	}
	decode(t, rec, &published)
	if len(published.Executions) != 1 || published.Executions[0].Status != domain.ExecRunning {
		t.Fatalf("executions = %+v", published.Executions)
	}

	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/approvals", Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("list approvals status = %d", rec.Code)
	}
	var approvals []domain.Approval
	decode(t, rec, &approvals)
	if len(approvals) != 1 {
		t.Fatalf("approvals = %+v", approvals)
	}

	// The BA lacks the approval's role.
	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/approvals/" + approvals[0].ID + "/decision",
		Token: ba, Body: map[string]any{"granted": true}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ba decision status = %d", rec.Code)
	}

	rec = env.do(t, request{Method: http.MethodPost, Path: "/v1/approvals/" + approvals[0].ID + "/decision",
		Token: admin, Body: map[string]any{"granted": true}})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status = %d body=%s", rec.Code, rec.Body.String())
	}
	var ex domain.WorkflowExecution
	decode(t, rec, &ex)
	if ex.Status != domain.ExecCompleted {
		t.Fatalf("execution = %+v", ex)
	}

	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/entities/BusinessCase/" + ent.ID, Token: admin})
	var after domain.Entity
	decode(t, rec, &after)
	if after.Status != domain.StatusApproved {
		t.Fatalf("entity status = %s", after.Status)
	}
}

func TestTemplateByIDAndConfiguration(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")

	rec := env.do(t, request{Method: http.MethodPost, Path: "/v1/workflow-templates", Token: admin,
		Body: map[string]any{
			"name":       "intake",
			"definition": `{"triggers":["problem_created"],"steps":[]}`,
			"active":     true,
		}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template status = %d body=%s", rec.Code, rec.Body.String())
	}
	var tmpl domain.WorkflowTemplate
	decode(t, rec, &tmpl)

	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/workflow-templates/" + tmpl.ID, Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("get template status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got domain.WorkflowTemplate
	decode(t, rec, &got)
	if got.ID != tmpl.ID || got.Name != "intake" {
		t.Fatalf("got = %+v", got)
	}

	// First configuration read seeds the defaults.
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/workflow-templates/" + tmpl.ID + "/configuration", Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("get configuration status = %d body=%s", rec.Code, rec.Body.String())
	}
	var cfg domain.WorkflowConfiguration
	decode(t, rec, &cfg)
	if cfg.WorkflowTemplateID != tmpl.ID || cfg.FullCaseThreshold != 25000 {
		t.Fatalf("configuration = %+v", cfg)
	}

	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/workflow-templates/missing", Token: admin})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing template status = %d", rec.Code)
	}
}

func TestEventKindVocabulary(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "admin-1", "org-1", "Admin")
	rec := env.do(t, request{Method: http.MethodGet, Path: "/v1/events/kinds", Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Kinds []string `json:"kinds"`
	}
	decode(t, rec, &resp)
	want := []string{
		"case_assigned", "case_approved", "project_created", "milestone_due_soon",
		"milestone_overdue", "problem_created", "business_case_approved", "escalation",
	}
	if len(resp.Kinds) != len(want) {
		t.Fatalf("kinds = %v", resp.Kinds)
	}
	for i, k := range want {
		if resp.Kinds[i] != k {
			t.Fatalf("kinds[%d] = %s, want %s", i, resp.Kinds[i], k)
		}
	}
}

func TestAuditEndpointIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	ba := token(t, "ba-1", "org-1", "BA")
	rec := env.do(t, request{Method: http.MethodGet, Path: "/v1/audit", Token: ba})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	admin := token(t, "admin-1", "org-1", "Admin")
	rec = env.do(t, request{Method: http.MethodGet, Path: "/v1/audit", Token: admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d body=%s", rec.Code, rec.Body.String())
	}
}
