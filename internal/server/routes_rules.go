package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/rules"
)

// RuleRequest is the writable surface of a triage rule.
type RuleRequest struct {
	Name       string `json:"name" minLength:"1"`
	TargetKind string `json:"target_kind" enum:"Problem,BusinessCase,Project,Epic"`
	Field      string `json:"field" minLength:"1"`
	Operator   string `json:"operator" enum:"=,<,<=,>,>=,contains,days_ago"`
	Value      string `json:"value"`
	Action     string `json:"action" enum:"auto_approve,flag,notify_admin,escalate"`
	Message    string `json:"message,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Active     bool   `json:"active,omitempty"`
}

func (r RuleRequest) rule() domain.TriageRule {
	return domain.TriageRule{
		Name:       r.Name,
		TargetKind: domain.Kind(r.TargetKind),
		Field:      r.Field,
		Operator:   r.Operator,
		Value:      r.Value,
		Action:     r.Action,
		Message:    r.Message,
		Priority:   r.Priority,
		Active:     r.Active,
	}
}

func (s *server) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create triage rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body domain.TriageRule `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ru, err := s.cfg.Engine.CreateRule(ctx, p, input.Body.rule())
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.TriageRule `json:"body"`
		}{Body: ru}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List triage rules",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only active rules"`
	}) (*struct {
		Body []domain.TriageRule `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListRules(ctx, p, input.Active)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.TriageRule{}
		}
		return &struct {
			Body []domain.TriageRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get triage rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body domain.TriageRule `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ru, err := s.cfg.Repo.GetRule(ctx, p, input.RuleID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.TriageRule `json:"body"`
		}{Body: ru}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{rule_id}",
		Summary:     "Update triage rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RuleID string      `path:"rule_id"`
		Body   RuleRequest `json:"body"`
	}) (*struct {
		Body domain.TriageRule `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ru := input.Body.rule()
		ru.ID = input.RuleID
		updated, err := s.cfg.Engine.UpdateRule(ctx, p, ru)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.TriageRule `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/toggle",
		Summary:     "Enable or disable a rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
		Body   struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body domain.TriageRule `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ru, err := s.cfg.Engine.ToggleRule(ctx, p, input.RuleID, input.Body.Active)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.TriageRule `json:"body"`
		}{Body: ru}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete triage rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.cfg.Engine.DeleteRule(ctx, p, input.RuleID); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-rule",
		Method:      http.MethodPost,
		Path:        "/rules/test",
		Summary:     "Dry-run an unsaved rule against current data",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body rules.TestResult `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Engine.TestRule(ctx, p, input.Body.rule())
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body rules.TestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-stored-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/test",
		Summary:     "Dry-run a stored rule against current data",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body rules.TestResult `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ru, err := s.cfg.Repo.GetRule(ctx, p, input.RuleID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		res, err := s.cfg.Engine.TestRule(ctx, p, ru)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body rules.TestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-rules",
		Method:      http.MethodPost,
		Path:        "/rules/sweep",
		Summary:     "Run all active rules now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			RulesEvaluated  int `json:"rules_evaluated"`
			EntitiesMatched int `json:"entities_matched"`
			ActionsApplied  int `json:"actions_applied"`
			Skipped         int `json:"skipped"`
			Errors          int `json:"errors"`
		} `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.cfg.Engine.ApplyAllActive(ctx, p)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		resp := &struct {
			Body struct {
				RulesEvaluated  int `json:"rules_evaluated"`
				EntitiesMatched int `json:"entities_matched"`
				ActionsApplied  int `json:"actions_applied"`
				Skipped         int `json:"skipped"`
				Errors          int `json:"errors"`
			} `json:"body"`
		}{}
		resp.Body.RulesEvaluated = res.RulesEvaluated
		resp.Body.EntitiesMatched = res.EntitiesMatched
		resp.Body.ActionsApplied = res.ActionsApplied
		resp.Body.Skipped = res.Skipped
		resp.Body.Errors = res.Errors
		return resp, nil
	})
}
