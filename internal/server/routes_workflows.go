package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
)

// TemplateRequest is the writable surface of a workflow template.
type TemplateRequest struct {
	Name       string `json:"name" minLength:"1"`
	Definition string `json:"definition" minLength:"2" doc:"JSON definition: triggers plus ordered steps"`
	Active     bool   `json:"active,omitempty"`
}

func (s *server) registerTemplates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/workflow-templates",
		Summary:       "Create workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tmpl, err := s.cfg.Dispatcher.CreateTemplate(ctx, p, input.Body.Name, input.Body.Definition, input.Body.Active)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tmpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/workflow-templates",
		Summary:     "List workflow templates",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only active templates"`
	}) (*struct {
		Body []domain.WorkflowTemplate `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListTemplates(ctx, p, input.Active)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.WorkflowTemplate{}
		}
		return &struct {
			Body []domain.WorkflowTemplate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/workflow-templates/{template_id}",
		Summary:     "Get workflow template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tmpl, err := s.cfg.Repo.GetTemplate(ctx, p, input.TemplateID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tmpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/workflow-templates/{template_id}",
		Summary:     "Update workflow template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string          `path:"template_id"`
		Body       TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tmpl, err := s.cfg.Dispatcher.UpdateTemplate(ctx, p, input.TemplateID, input.Body.Name, input.Body.Definition, input.Body.Active)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tmpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/workflow-templates/{template_id}",
		Summary:       "Delete workflow template",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct{}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.cfg.Dispatcher.DeleteTemplate(ctx, p, input.TemplateID); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func (s *server) registerConfigurations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-configuration",
		Method:      http.MethodGet,
		Path:        "/workflow-templates/{template_id}/configuration",
		Summary:     "Get workflow configuration",
		Description: "Returns the stored configuration, seeding org defaults on first read.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body domain.WorkflowConfiguration `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := s.cfg.Resolver.Resolve(ctx, p, input.TemplateID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowConfiguration `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-configuration",
		Method:      http.MethodPut,
		Path:        "/workflow-templates/{template_id}/configuration",
		Summary:     "Update workflow configuration",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string                       `path:"template_id"`
		Body       domain.WorkflowConfiguration `json:"body"`
	}) (*struct {
		Body domain.WorkflowConfiguration `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := input.Body
		cfg.OrgID = p.OrgID
		cfg.WorkflowTemplateID = input.TemplateID
		updated, err := s.cfg.Resolver.Update(ctx, p, cfg)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowConfiguration `json:"body"`
		}{Body: updated}, nil
	})
}
