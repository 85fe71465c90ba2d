package repository

import (
	"context"
	"database/sql"

	"github.com/stanstork/bqrunner/internal/models"
)

// NotificationRepository keeps the run notifications served by the API.
type NotificationRepository interface {
	Create(ctx context.Context, notif models.Notification) error
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notif models.Notification) error {
	const query = `
		INSERT INTO bqrunner.notifications (id, run_id, event_type, severity, title, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var runID interface{}
	if notif.RunID != "" {
		runID = notif.RunID
	}
	var metadata interface{}
	if len(notif.Metadata) > 0 {
		metadata = []byte(notif.Metadata)
	}
	_, err := r.db.ExecContext(ctx, query,
		notif.ID,
		runID,
		notif.EventType,
		notif.Severity,
		notif.Title,
		notif.Message,
		metadata,
		notif.CreatedAt,
	)
	return err
}

func (r *notificationRepository) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	const query = `
		SELECT id, run_id, event_type, severity, title, message, metadata, created_at
		FROM bqrunner.notifications
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var (
			notif       models.Notification
			runID       sql.NullString
			metadataRaw []byte
		)
		if err := rows.Scan(
			&notif.ID,
			&runID,
			&notif.EventType,
			&notif.Severity,
			&notif.Title,
			&notif.Message,
			&metadataRaw,
			&notif.CreatedAt,
		); err != nil {
			return nil, err
		}
		notif.RunID = runID.String
		if len(metadataRaw) > 0 {
			notif.Metadata = metadataRaw
		}
		notifications = append(notifications, notif)
	}
	return notifications, rows.Err()
}
