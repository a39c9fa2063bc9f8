package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"edurelay/pkg/types"
)

// SaveNotification inserts one recipient's notification.
func (m *Manager) SaveNotification(ctx context.Context, n *types.Notification) (string, error) {
	data, err := marshalNullable(n.Data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification data: %w", err)
	}

	err = m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient_id, type, title, message, data, read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			n.ID,
			n.RecipientID,
			string(n.Type),
			n.Title,
			n.Message,
			data,
			n.Read,
			n.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// ListNotifications returns up to limit of recipientID's notifications,
// newest first.
func (m *Manager) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, recipient_id, type, title, message, data, read, created_at
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Notification
	for rows.Next() {
		var n types.Notification
		var notificationType string
		var data sql.NullString
		if err := rows.Scan(&n.ID, &n.RecipientID, &notificationType, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		n.Type = types.NotificationType(notificationType)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal notification data: %w", err)
			}
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return out, nil
}
