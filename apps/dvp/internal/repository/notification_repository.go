package repository

import (
	"database/sql"

	"go.uber.org/zap"

	"dvp/apps/dvp/internal/model"
)

type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewNotificationRepository(db *sql.DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

// GetUnsentForProcessing selects and locks up to limit unsent notifications
// and marks them processing so concurrent dispatchers never double-send.
func (r *NotificationRepository) GetUnsentForProcessing(limit int) ([]model.Notification, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	rows, err := tx.Query(`
		SELECT notice_id, issuer_address, priority, type, code, metainfo, status, created_at
		FROM notification
		WHERE status = 'unsent'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		var n model.Notification
		var meta []byte
		if err := rows.Scan(&n.NoticeID, &n.IssuerAddress, &n.Priority, &n.Type,
			&n.Code, &meta, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Metainfo = meta
		notifications = append(notifications, n)
	}
	rows.Close()

	for _, n := range notifications {
		_, err = tx.Exec(`
			UPDATE notification
			SET status = 'processing'
			WHERE notice_id = $1 AND status = 'unsent'
		`, n.NoticeID)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return notifications, nil
}

func (r *NotificationRepository) MarkAsSent(noticeID string) error {
	_, err := r.db.Exec(`
		UPDATE notification SET status = 'sent' WHERE notice_id = $1
	`, noticeID)
	return err
}

// MarkAsFailed returns a notification to the unsent state for retry.
func (r *NotificationRepository) MarkAsFailed(noticeID string) error {
	_, err := r.db.Exec(`
		UPDATE notification SET status = 'unsent' WHERE notice_id = $1 AND status = 'processing'
	`, noticeID)
	return err
}
