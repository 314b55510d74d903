// Package notify routes internal events to users: an in-app row is always
// written, outward channels follow the org's per-event settings. Duplicate
// suppression rides on the (org, user, event, source_ref) unique key so
// retried sweeps and workflows cannot double-notify.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/repo"
	"caseline/internal/tenant"
)

type Sink struct {
	DB        *sql.DB
	Repo      repo.Repo
	Transport Transport
	Logger    *slog.Logger
	Now       func() time.Time

	// SendAttempts bounds immediate transport retries. Defaults to 3.
	SendAttempts int
}

// Message is one notification request.
type Message struct {
	UserID    string
	EventKind string
	SourceRef string
	Message   string
	Link      string
}

func (s *Sink) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// DefaultSetting applies when an org has not configured an event kind.
func DefaultSetting(orgID, eventKind string) domain.NotificationSetting {
	return domain.NotificationSetting{
		OrgID:        orgID,
		EventKind:    eventKind,
		Frequency:    domain.FreqImmediate,
		ChannelEmail: true,
		ChannelInApp: true,
	}
}

// Deliver stores and routes one notification. It never returns transport
// failures; those are recorded on the row and logged. Returns the stored
// notification id, or "" when suppressed (duplicate or throttled).
func (s *Sink) Deliver(ctx context.Context, p tenant.Principal, m Message) (string, error) {
	if m.UserID == "" || m.EventKind == "" {
		return "", tenant.InvalidError{Field: "notification", Msg: "user_id and event_kind are required"}
	}
	setting, err := s.Repo.GetNotificationSetting(ctx, p, m.EventKind)
	if err == repo.ErrNotFound {
		setting = DefaultSetting(p.OrgID, m.EventKind)
	} else if err != nil {
		return "", err
	}

	now := s.now().UTC()

	// The throttle only coalesces outward sends; the in-app row is written
	// regardless.
	throttled := false
	if setting.ThresholdHours > 0 {
		since := now.Add(-time.Duration(setting.ThresholdHours) * time.Hour).Format(time.RFC3339)
		recent, err := s.Repo.RecentNotificationCount(ctx, p, m.UserID, m.EventKind, since)
		if err != nil {
			return "", err
		}
		throttled = recent > 0
	}

	n := domain.Notification{
		ID:        uuid.NewString(),
		OrgID:     p.OrgID,
		UserID:    m.UserID,
		Message:   m.Message,
		Link:      m.Link,
		EventKind: m.EventKind,
		SourceRef: m.SourceRef,
		Channels:  channelList(setting),
		CreatedAt: now.Format(time.RFC3339),
	}
	inserted, err := s.Repo.InsertNotification(ctx, nil, n)
	if err != nil {
		return "", err
	}
	if !inserted {
		return "", nil
	}

	if throttled {
		s.logger().DebugContext(ctx, "notification throttled",
			"user_id", m.UserID, "event_kind", m.EventKind)
		if err := s.Repo.MarkNotificationDelivered(ctx, n.ID, now.Format(time.RFC3339), ""); err != nil {
			s.logger().WarnContext(ctx, "mark delivered failed", "id", n.ID, "err", err)
		}
		return n.ID, nil
	}

	if setting.Frequency == domain.FreqImmediate {
		s.dispatch(ctx, n, setting)
		return n.ID, nil
	}

	window := windowStart(now, setting.Frequency).Format(time.RFC3339)
	if err := s.Repo.AddToBatch(ctx, nil, p.OrgID, m.UserID, m.EventKind, setting.Frequency, window, n.ID); err != nil {
		return "", err
	}
	return n.ID, nil
}

// FlushBatches drains all closed windows for one frequency and sends one
// aggregated outward message per (org, user, event kind). Called from the
// scheduler's cron entries. Returns the number of digests dispatched.
func (s *Sink) FlushBatches(ctx context.Context, frequency string) (int, error) {
	now := s.now().UTC()
	before := windowStart(now, frequency).Format(time.RFC3339)
	items, err := s.Repo.DrainBatches(ctx, frequency, before)
	if err != nil {
		return 0, err
	}
	type batchKey struct {
		orgID, userID, eventKind string
	}
	grouped := map[batchKey][]domain.Notification{}
	var order []batchKey
	for _, it := range items {
		n, err := s.Repo.GetNotification(ctx, tenant.System(it.OrgID), it.NotificationID)
		if err != nil {
			s.logger().WarnContext(ctx, "batched notification missing", "id", it.NotificationID, "err", err)
			continue
		}
		key := batchKey{it.OrgID, n.UserID, n.EventKind}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], n)
	}
	sent := 0
	for _, key := range order {
		p := tenant.System(key.orgID)
		setting, err := s.Repo.GetNotificationSetting(ctx, p, key.eventKind)
		if err == repo.ErrNotFound {
			setting = DefaultSetting(key.orgID, key.eventKind)
		} else if err != nil {
			return sent, err
		}
		s.dispatchDigest(ctx, grouped[key], setting)
		sent++
	}
	return sent, nil
}

// dispatchDigest sends one aggregated message per enabled outward channel
// covering every notification in the group, then marks each row delivered.
func (s *Sink) dispatchDigest(ctx context.Context, group []domain.Notification, setting domain.NotificationSetting) {
	var outward []string
	if setting.ChannelEmail {
		outward = append(outward, "email")
	}
	if setting.ChannelSMS {
		outward = append(outward, "sms")
	}

	first := group[0]
	lines := make([]string, 0, len(group))
	for _, n := range group {
		lines = append(lines, n.Message)
	}
	body := strings.Join(lines, "\n")
	subject := fmt.Sprintf("[%s] %d update(s)", first.EventKind, len(group))

	var lastErr string
	for _, channel := range outward {
		if err := s.sendRaw(ctx, channel, first.UserID, subject, body); err != nil {
			terr := tenant.TransportError{Channel: channel, Err: err}
			lastErr = terr.Error()
			s.logger().WarnContext(ctx, "notification transport failed",
				"channel", channel, "user_id", first.UserID, "err", err)
		}
	}
	deliveredAt := s.now().UTC().Format(time.RFC3339)
	for _, n := range group {
		if err := s.Repo.MarkNotificationDelivered(ctx, n.ID, deliveredAt, lastErr); err != nil {
			s.logger().WarnContext(ctx, "mark delivered failed", "id", n.ID, "err", err)
		}
	}
}

// dispatch pushes a stored notification through the enabled outward channels.
// The in-app row itself counts as delivered; email and sms go through the
// transport with bounded retries.
func (s *Sink) dispatch(ctx context.Context, n domain.Notification, setting domain.NotificationSetting) {
	var outward []string
	if setting.ChannelEmail {
		outward = append(outward, "email")
	}
	if setting.ChannelSMS {
		outward = append(outward, "sms")
	}
	var lastErr string
	for _, channel := range outward {
		if err := s.send(ctx, channel, n); err != nil {
			terr := tenant.TransportError{Channel: channel, Err: err}
			lastErr = terr.Error()
			s.logger().WarnContext(ctx, "notification transport failed",
				"channel", channel, "user_id", n.UserID, "err", err)
		}
	}
	deliveredAt := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.MarkNotificationDelivered(ctx, n.ID, deliveredAt, lastErr); err != nil {
		s.logger().WarnContext(ctx, "mark delivered failed", "id", n.ID, "err", err)
	}
}

func (s *Sink) send(ctx context.Context, channel string, n domain.Notification) error {
	subject := fmt.Sprintf("[%s] %s", n.EventKind, truncate(n.Message, 80))
	return s.sendRaw(ctx, channel, n.UserID, subject, n.Message)
}

func (s *Sink) sendRaw(ctx context.Context, channel, recipient, subject, body string) error {
	if s.Transport == nil {
		return nil
	}
	attempts := s.SendAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Transport.Send(ctx, channel, recipient, subject, body); err == nil {
			return nil
		}
	}
	return err
}

func channelList(s domain.NotificationSetting) string {
	var cs []string
	if s.ChannelInApp {
		cs = append(cs, "in_app")
	}
	if s.ChannelEmail {
		cs = append(cs, "email")
	}
	if s.ChannelSMS {
		cs = append(cs, "sms")
	}
	return strings.Join(cs, ",")
}

// windowStart truncates t to the start of the batching window.
func windowStart(t time.Time, frequency string) time.Time {
	switch frequency {
	case domain.FreqHourly:
		return t.Truncate(time.Hour)
	case domain.FreqDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case domain.FreqWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // weeks start Monday
		return day.AddDate(0, 0, -offset)
	default:
		return t
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
