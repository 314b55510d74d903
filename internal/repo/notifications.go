package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
	"caseline/internal/tenant"
)

const notificationColumns = `id,org_id,user_id,message,link,event_kind,source_ref,channels,read,created_at,delivered_at,transport_error`

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	var link, channels, deliveredAt, transportErr sql.NullString
	var read int
	err := scan(&n.ID, &n.OrgID, &n.UserID, &n.Message, &link, &n.EventKind, &n.SourceRef,
		&channels, &read, &n.CreatedAt, &deliveredAt, &transportErr)
	if err != nil {
		return n, err
	}
	n.Read = read != 0
	if link.Valid {
		n.Link = link.String
	}
	if channels.Valid {
		n.Channels = channels.String
	}
	if deliveredAt.Valid {
		n.DeliveredAt = &deliveredAt.String
	}
	if transportErr.Valid {
		n.TransportError = transportErr.String
	}
	return n, nil
}

// InsertNotification writes the in-app row. Returns false when the
// idempotency key (org, user, event, source_ref) already exists.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) (bool, error) {
	res, err := r.runner(tx).ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.OrgID, n.UserID, n.Message, nullable(n.Link), n.EventKind, n.SourceRef,
		nullable(n.Channels), boolInt(n.Read), n.CreatedAt, nullableStringPtr(n.DeliveredAt), nullable(n.TransportError))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) GetNotification(ctx context.Context, p tenant.Principal, id string) (domain.Notification, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id)
	n, err := scanNotification(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Notification{}, ErrNotFound
	}
	if err != nil {
		return domain.Notification{}, err
	}
	if n.OrgID != p.OrgID {
		return domain.Notification{}, tenant.ViolationError{Kind: "notification", ID: id}
	}
	return n, nil
}

func (r Repo) ListNotifications(ctx context.Context, p tenant.Principal, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE org_id=? AND user_id=?`
	args := []any{p.OrgID, userID}
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, p tenant.Principal, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND org_id=?`, id, p.OrgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id, deliveredAt, transportError string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=?, transport_error=? WHERE id=?`,
		deliveredAt, nullable(transportError), id)
	return err
}

// RecentNotificationCount counts rows for (user, event) created at or after
// since; drives the per-user throttle window.
func (r Repo) RecentNotificationCount(ctx context.Context, p tenant.Principal, userID, eventKind, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications WHERE org_id=? AND user_id=? AND event_kind=? AND created_at>=?`,
		p.OrgID, userID, eventKind, since).Scan(&n)
	return n, err
}

func (r Repo) GetNotificationSetting(ctx context.Context, p tenant.Principal, eventKind string) (domain.NotificationSetting, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT org_id,event_kind,frequency,threshold_hours,channel_email,channel_sms,channel_in_app FROM notification_settings WHERE org_id=? AND event_kind=?`,
		p.OrgID, eventKind)
	var s domain.NotificationSetting
	var email, sms, inApp int
	err := row.Scan(&s.OrgID, &s.EventKind, &s.Frequency, &s.ThresholdHours, &email, &sms, &inApp)
	if err == sql.ErrNoRows {
		return domain.NotificationSetting{}, ErrNotFound
	}
	if err != nil {
		return domain.NotificationSetting{}, err
	}
	s.ChannelEmail, s.ChannelSMS, s.ChannelInApp = email != 0, sms != 0, inApp != 0
	return s, nil
}

func (r Repo) UpsertNotificationSetting(ctx context.Context, s domain.NotificationSetting) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_settings(org_id,event_kind,frequency,threshold_hours,channel_email,channel_sms,channel_in_app)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(org_id,event_kind) DO UPDATE SET frequency=excluded.frequency, threshold_hours=excluded.threshold_hours,
channel_email=excluded.channel_email, channel_sms=excluded.channel_sms, channel_in_app=excluded.channel_in_app`,
		s.OrgID, s.EventKind, s.Frequency, s.ThresholdHours, boolInt(s.ChannelEmail), boolInt(s.ChannelSMS), boolInt(s.ChannelInApp))
	return err
}

func (r Repo) ListNotificationSettings(ctx context.Context, p tenant.Principal) ([]domain.NotificationSetting, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT org_id,event_kind,frequency,threshold_hours,channel_email,channel_sms,channel_in_app FROM notification_settings WHERE org_id=? ORDER BY event_kind ASC`,
		p.OrgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationSetting
	for rows.Next() {
		var s domain.NotificationSetting
		var email, sms, inApp int
		if err := rows.Scan(&s.OrgID, &s.EventKind, &s.Frequency, &s.ThresholdHours, &email, &sms, &inApp); err != nil {
			return nil, err
		}
		s.ChannelEmail, s.ChannelSMS, s.ChannelInApp = email != 0, sms != 0, inApp != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// AddToBatch queues a stored notification for a deferred flush window.
func (r Repo) AddToBatch(ctx context.Context, tx *sql.Tx, orgID, userID, eventKind, frequency, windowStart, notificationID string) error {
	_, err := r.runner(tx).ExecContext(ctx,
		`INSERT INTO notification_batches(org_id,user_id,event_kind,frequency,window_start,notification_id,flushed) VALUES (?,?,?,?,?,?,0)`,
		orgID, userID, eventKind, frequency, windowStart, notificationID)
	return err
}

type BatchItem struct {
	ID             int64
	OrgID          string
	UserID         string
	EventKind      string
	NotificationID string
}

// DrainBatches returns unflushed batch items for a frequency whose window has
// closed, marking them flushed.
func (r Repo) DrainBatches(ctx context.Context, frequency, before string) ([]BatchItem, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx,
		`SELECT id,org_id,user_id,event_kind,notification_id FROM notification_batches WHERE frequency=? AND flushed=0 AND window_start<? ORDER BY id ASC`,
		frequency, before)
	if err != nil {
		return nil, err
	}
	var items []BatchItem
	for rows.Next() {
		var it BatchItem
		if err := rows.Scan(&it.ID, &it.OrgID, &it.UserID, &it.EventKind, &it.NotificationID); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `UPDATE notification_batches SET flushed=1 WHERE id=?`, it.ID); err != nil {
			return nil, err
		}
	}
	return items, tx.Commit()
}
