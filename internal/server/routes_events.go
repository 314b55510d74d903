package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/workflow"
)

func (s *server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Publish an event",
		Description:   "Dispatches the event to every active template triggered by its kind. Unknown kinds match nothing.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Kind       string         `json:"kind" minLength:"1"`
			TargetKind string         `json:"target_kind,omitempty" enum:",Problem,BusinessCase,Project,Epic"`
			TargetID   string         `json:"target_id,omitempty"`
			Context    map[string]any `json:"context,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Executions []domain.WorkflowExecution `json:"executions"`
		} `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		started, err := s.cfg.Dispatcher.Publish(ctx, p, workflow.Event{
			Kind:       input.Body.Kind,
			TargetKind: domain.Kind(input.Body.TargetKind),
			TargetID:   input.Body.TargetID,
			Context:    input.Body.Context,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if started == nil {
			started = []domain.WorkflowExecution{}
		}
		resp := &struct {
			Body struct {
				Executions []domain.WorkflowExecution `json:"executions"`
			} `json:"body"`
		}{}
		resp.Body.Executions = started
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-event-kinds",
		Method:      http.MethodGet,
		Path:        "/events/kinds",
		Summary:     "List known event kinds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Kinds []string `json:"kinds"`
		} `json:"body"`
	}, error) {
		if _, authErr := principalRequired(ctx); authErr != nil {
			return nil, authErr
		}
		resp := &struct {
			Body struct {
				Kinds []string `json:"kinds"`
			} `json:"body"`
		}{}
		resp.Body.Kinds = workflow.KnownEventKinds
		return resp, nil
	})
}

func (s *server) registerExecutions(api huma.API) {
	type executionPath struct {
		ExecutionID string `path:"execution_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List workflow executions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.WorkflowExecution `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListExecutions(ctx, p, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.WorkflowExecution{}
		}
		return &struct {
			Body []domain.WorkflowExecution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get workflow execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body domain.WorkflowExecution `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := s.cfg.Repo.GetExecution(ctx, p, input.ExecutionID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-steps",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/steps",
		Summary:     "List execution steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body []domain.ExecutionStep `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		steps, err := s.cfg.Repo.ListExecutionSteps(ctx, p, input.ExecutionID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if steps == nil {
			steps = []domain.ExecutionStep{}
		}
		return &struct {
			Body []domain.ExecutionStep `json:"body"`
		}{Body: steps}, nil
	})
}

func (s *server) registerApprovals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approvals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListPendingApprovals(ctx, p)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Approval{}
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Grant or deny an approval",
		Description: "Granting resumes the suspended execution; denying completes it with reason approval_denied.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
		Body       struct {
			Granted bool `json:"granted"`
		} `json:"body"`
	}) (*struct {
		Body domain.WorkflowExecution `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.cfg.Repo.GetApproval(ctx, p, input.ApprovalID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		// Only the approval's role or an admin may decide.
		if !p.IsAdmin() && p.Role != a.Role {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "approval requires role "+a.Role,
				map[string]any{"required_role": a.Role})
		}
		ex, err := s.cfg.Dispatcher.Resume(ctx, p, input.ApprovalID, input.Body.Granted, p.UserID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.WorkflowExecution `json:"body"`
		}{Body: ex}, nil
	})
}
