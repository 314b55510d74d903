package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

func (s *server) registerEntities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{kind}",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"Problem,BusinessCase,Project,Epic"`
		Body struct {
			Title         string   `json:"title" minLength:"1"`
			Status        string   `json:"status,omitempty"`
			Priority      string   `json:"priority,omitempty"`
			EstimatedCost *float64 `json:"estimated_cost,omitempty"`
			AssigneeID    *string  `json:"assignee_id,omitempty"`
			DepartmentID  *string  `json:"department_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC().Format(time.RFC3339)
		status := input.Body.Status
		if status == "" {
			status = domain.StatusSubmitted
		}
		ent := domain.Entity{
			ID:            uuid.NewString(),
			OrgID:         p.OrgID,
			Kind:          domain.Kind(input.Kind),
			Title:         input.Body.Title,
			Status:        domain.NormalizeStatus(status),
			Priority:      input.Body.Priority,
			EstimatedCost: input.Body.EstimatedCost,
			AssigneeID:    input.Body.AssigneeID,
			DepartmentID:  input.Body.DepartmentID,
			CreatedBy:     p.UserID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.cfg.Repo.InsertEntity(ctx, p, ent); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}",
		Summary:     "List entities",
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"Problem,BusinessCase,Project,Epic"`
		Status string `query:"status" doc:"Filter by status"`
		Limit  int    `query:"limit" minimum:"0" doc:"Cap the result set"`
	}) (*struct {
		Body []domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var clauses []repo.Clause
		if input.Status != "" {
			clauses = append(clauses, repo.Eq("status", domain.NormalizeStatus(input.Status)))
		}
		items, err := s.cfg.Repo.ListEntities(ctx, p, domain.Kind(input.Kind), clauses, time.Now().UTC(), input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		return &struct {
			Body []domain.Entity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{entity_id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind     string `path:"kind" enum:"Problem,BusinessCase,Project,Epic"`
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := s.cfg.Repo.GetEntity(ctx, p, domain.Kind(input.Kind), input.EntityID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/entities/{kind}/{entity_id}",
		Summary:     "Update entity fields",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind     string `path:"kind" enum:"Problem,BusinessCase,Project,Epic"`
		EntityID string `path:"entity_id"`
		Body     struct {
			Title         *string  `json:"title,omitempty"`
			Status        *string  `json:"status,omitempty"`
			Priority      *string  `json:"priority,omitempty"`
			EstimatedCost *float64 `json:"estimated_cost,omitempty"`
			AssigneeID    *string  `json:"assignee_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields := map[string]any{}
		if input.Body.Title != nil {
			fields["title"] = *input.Body.Title
		}
		if input.Body.Status != nil {
			fields["status"] = domain.NormalizeStatus(*input.Body.Status)
		}
		if input.Body.Priority != nil {
			fields["priority"] = *input.Body.Priority
		}
		if input.Body.EstimatedCost != nil {
			fields["estimated_cost"] = *input.Body.EstimatedCost
		}
		if input.Body.AssigneeID != nil {
			fields["assignee_id"] = *input.Body.AssigneeID
		}
		if len(fields) == 0 {
			return nil, s.handleError(ctx, tenant.InvalidError{Field: "body", Msg: "no updatable fields provided"})
		}
		fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		if err := s.cfg.Repo.UpdateEntityFields(ctx, nil, p, domain.Kind(input.Kind), input.EntityID, fields); err != nil {
			return nil, s.handleError(ctx, err)
		}
		ent, err := s.cfg.Repo.GetEntity(ctx, p, domain.Kind(input.Kind), input.EntityID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})
}
