package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/audit"
	"caseline/internal/domain"
)

func auditFilters(since, until, actionPrefix, targetKind, targetID string, limit int) audit.Filters {
	return audit.Filters{
		Since:        since,
		Until:        until,
		ActionPrefix: actionPrefix,
		TargetKind:   targetKind,
		TargetID:     targetID,
		Limit:        limit,
	}
}

func (s *server) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List my notifications",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread" doc:"Only unread notifications"`
		Limit  int  `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListNotifications(ctx, p, p.UserID, input.Unread, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{notification_id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.cfg.Repo.MarkNotificationRead(ctx, p, input.NotificationID); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notification-settings",
		Method:      http.MethodGet,
		Path:        "/notification-settings",
		Summary:     "List notification settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.NotificationSetting `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListNotificationSettings(ctx, p)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.NotificationSetting{}
		}
		return &struct {
			Body []domain.NotificationSetting `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-notification-setting",
		Method:      http.MethodPut,
		Path:        "/notification-settings/{event_kind}",
		Summary:     "Set notification policy for an event kind",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EventKind string `path:"event_kind"`
		Body      struct {
			Frequency      string `json:"frequency" enum:"immediate,hourly,daily,weekly"`
			ThresholdHours int    `json:"threshold_hours,omitempty" minimum:"0"`
			ChannelEmail   bool   `json:"channel_email"`
			ChannelSMS     bool   `json:"channel_sms"`
			ChannelInApp   bool   `json:"channel_in_app"`
		} `json:"body"`
	}) (*struct {
		Body domain.NotificationSetting `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		setting := domain.NotificationSetting{
			OrgID:          p.OrgID,
			EventKind:      input.EventKind,
			Frequency:      input.Body.Frequency,
			ThresholdHours: input.Body.ThresholdHours,
			ChannelEmail:   input.Body.ChannelEmail,
			ChannelSMS:     input.Body.ChannelSMS,
			ChannelInApp:   input.Body.ChannelInApp,
		}
		if err := s.cfg.Repo.UpsertNotificationSetting(ctx, setting); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.NotificationSetting `json:"body"`
		}{Body: setting}, nil
	})
}

func (s *server) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Since        string `query:"since" doc:"RFC3339 lower bound, inclusive"`
		Until        string `query:"until" doc:"RFC3339 upper bound, exclusive"`
		ActionPrefix string `query:"action_prefix" doc:"e.g. triage: for all triage actions"`
		TargetKind   string `query:"target_kind"`
		TargetID     string `query:"target_id"`
		Limit        int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Audit.Query(ctx, p, auditFilters(input.Since, input.Until, input.ActionPrefix, input.TargetKind, input.TargetID, input.Limit))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.AuditEntry{}
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: items}, nil
	})
}

func (s *server) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List workflow-created tasks",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		p, authErr := principalRequired(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListTasks(ctx, p, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scheduled-tasks",
		Method:      http.MethodGet,
		Path:        "/scheduled-tasks",
		Summary:     "List scheduled tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",Pending,Dispatched,Done,Failed"`
		Limit  int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.ScheduledTask `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Repo.ListScheduledTasks(ctx, p, input.Status, input.Limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.ScheduledTask{}
		}
		return &struct {
			Body []domain.ScheduledTask `json:"body"`
		}{Body: items}, nil
	})
}
