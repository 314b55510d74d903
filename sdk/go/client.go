package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Rule represents a triage rule.
type Rule struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
	TargetKind string `json:"target_kind"`
	Field      string `json:"field"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
	Action     string `json:"action"`
	Message    string `json:"message,omitempty"`
	Priority   int    `json:"priority"`
	Version    int    `json:"version"`
	Active     bool   `json:"active"`
}

// Entity represents a triageable record.
type Entity struct {
	ID            string   `json:"id"`
	OrgID         string   `json:"org_id"`
	Kind          string   `json:"kind"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Priority      string   `json:"priority,omitempty"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	AssigneeID    *string  `json:"assignee_id,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// Execution represents a workflow execution.
type Execution struct {
	ID                 string `json:"id"`
	WorkflowTemplateID string `json:"workflow_template_id"`
	TriggeringEvent    string `json:"triggering_event"`
	Status             string `json:"status"`
	CurrentStep        int    `json:"current_step"`
	Reason             string `json:"reason,omitempty"`
	StartedAt          string `json:"started_at"`
}

// Notification represents one delivered notification.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	EventKind string `json:"event_kind"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRule creates a triage rule.
func (c *Client) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", rule, &resp)
	return resp, err
}

// ListRules returns the org's rules.
func (c *Client) ListRules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	endpoint := "rules"
	if activeOnly {
		endpoint += "?active=true"
	}
	var resp []Rule
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ToggleRule enables or disables a rule.
func (c *Client) ToggleRule(ctx context.Context, ruleID string, active bool) (Rule, error) {
	var resp Rule
	endpoint := fmt.Sprintf("rules/%s/toggle", url.PathEscape(ruleID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"active": active}, &resp)
	return resp, err
}

// CreateEntity creates an entity of the given kind.
func (c *Client) CreateEntity(ctx context.Context, kind, title string, fields map[string]any) (Entity, error) {
	body := map[string]any{"title": title}
	for k, v := range fields {
		body[k] = v
	}
	var resp Entity
	endpoint := fmt.Sprintf("entities/%s", url.PathEscape(kind))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetEntity fetches one entity.
func (c *Client) GetEntity(ctx context.Context, kind, id string) (Entity, error) {
	var resp Entity
	endpoint := fmt.Sprintf("entities/%s/%s", url.PathEscape(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PublishEvent publishes an event and returns the executions it started.
func (c *Client) PublishEvent(ctx context.Context, kind, targetKind, targetID string, eventCtx map[string]any) ([]Execution, error) {
	body := map[string]any{"kind": kind}
	if targetKind != "" {
		body["target_kind"] = targetKind
		body["target_id"] = targetID
	}
	if eventCtx != nil {
		body["context"] = eventCtx
	}
	var resp struct {
		Executions []Execution `json:"executions"`
	}
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp.Executions, err
}

// DecideApproval grants or denies an approval.
func (c *Client) DecideApproval(ctx context.Context, approvalID string, granted bool) (Execution, error) {
	var resp Execution
	endpoint := fmt.Sprintf("approvals/%s/decision", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"granted": granted}, &resp)
	return resp, err
}

// Notifications lists the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
