package repo

import (
	"context"
	"database/sql"

	"mobiflow/internal/domain"
)

const notificationColumns = `id,kind,title,body,recipient,card_id,stage_id,created_at,sent,sent_at,read,read_at,attempts,COALESCE(last_error,'')`

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	var cardID, stageID, sentAt, readAt sql.NullString
	err := scan(&n.ID, &n.Kind, &n.Title, &n.Body, &n.Recipient, &cardID, &stageID,
		&n.CreatedAt, &n.Sent, &sentAt, &n.Read, &readAt, &n.Attempts, &n.LastError)
	if err != nil {
		return n, err
	}
	if cardID.Valid {
		n.CardID = &cardID.String
	}
	if stageID.Valid {
		n.StageID = &stageID.String
	}
	if sentAt.Valid {
		n.SentAt = &sentAt.String
	}
	if readAt.Valid {
		n.ReadAt = &readAt.String
	}
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,kind,title,body,recipient,card_id,stage_id,created_at,sent,sent_at,read,read_at,attempts,last_error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Kind, n.Title, n.Body, n.Recipient, nullableStringPtr(n.CardID), nullableStringPtr(n.StageID),
		n.CreatedAt, n.Sent, nullableStringPtr(n.SentAt), n.Read, nullableStringPtr(n.ReadAt), n.Attempts, nullable(n.LastError))
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id)
	n, err := scanNotification(row.Scan)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

// HasRecentNotification reports whether a notification of this kind already
// exists for the card at or after since. Used for dedup during scans.
func (r Repo) HasRecentNotification(ctx context.Context, kind, cardID, since string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE kind=? AND card_id=? AND created_at >= ? LIMIT 1`,
		kind, cardID, since)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListPendingNotifications returns unsent notifications still under the
// attempt cap, oldest first.
func (r Repo) ListPendingNotifications(ctx context.Context, maxAttempts int) ([]domain.Notification, error) {
	return r.queryNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE sent=0 AND attempts < ? ORDER BY created_at ASC`, maxAttempts)
}

// ListNotifications returns a recipient's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient=?`
	args := []any{recipient}
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryNotifications(ctx, query, args...)
}

func (r Repo) CountUnread(ctx context.Context, recipient string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient=? AND read=0`, recipient).Scan(&n)
	return n, err
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, sentAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET sent=1, sent_at=?, attempts=attempts+1, last_error=NULL WHERE id=?`, sentAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotificationFailed records one failed delivery attempt.
func (r Repo) MarkNotificationFailed(ctx context.Context, id, errText string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=? WHERE id=?`, errText, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkNotificationRead(ctx context.Context, id, readAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1, read_at=? WHERE id=? AND read=0`, readAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already read; distinguish for the caller.
		var exists int
		if scanErr := r.DB.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id=?`, id).Scan(&exists); scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}
	}
	return nil
}

func (r Repo) queryNotifications(ctx context.Context, query string, args ...any) ([]domain.Notification, error) {
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
