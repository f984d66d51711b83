package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkhound/inkhound/internal/db"
)

// InAppSink stores notifications in the database for the UI's feed.
type InAppSink struct {
	dbQueue *db.DbQueue
}

// NewInAppSink creates the database-backed notification sink.
func NewInAppSink(dbQueue *db.DbQueue) *InAppSink {
	return &InAppSink{dbQueue: dbQueue}
}

func (s *InAppSink) Name() string { return "in-app" }

// Send inserts the notification into the feed.
func (s *InAppSink) Send(ctx context.Context, n Notification) error {
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, kind, title, message, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New().String(), string(n.Kind), n.Title, n.Message, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// StoredNotification is one row of the in-app feed.
type StoredNotification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Recent returns the newest notifications, newest first.
func (s *InAppSink) Recent(ctx context.Context, limit int) ([]StoredNotification, error) {
	if limit <= 0 {
		limit = 50
	}

	var items []StoredNotification
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, kind, title, message, created_at
			FROM notifications
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var n StoredNotification
			var kind string
			if err := rows.Scan(&n.ID, &kind, &n.Title, &n.Message, &n.CreatedAt); err != nil {
				return err
			}
			n.Kind = Kind(kind)
			items = append(items, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return items, nil
}
