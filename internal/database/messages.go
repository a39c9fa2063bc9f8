package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"edurelay/pkg/types"
)

// SaveMessage inserts a chat message.
func (m *Manager) SaveMessage(ctx context.Context, message *types.ChatMessage) (string, error) {
	var attachment sql.NullString
	if message.Attachment != nil {
		a, err := marshalNullable(message.Attachment)
		if err != nil {
			return "", fmt.Errorf("failed to marshal attachment: %w", err)
		}
		attachment = a
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, sender_id, sender_role, recipient_id, group_id,
				is_group_message, content, attachment, created_at, read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			message.ID,
			message.RoomID,
			message.SenderID,
			message.SenderRole,
			nullString(message.RecipientID),
			nullString(message.GroupID),
			message.IsGroupMessage,
			message.Content,
			attachment,
			message.CreatedAt.UTC(),
			message.Read,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

// ListMessages returns up to limit of the latest messages of roomID in
// chronological order.
func (m *Manager) ListMessages(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_role, recipient_id, group_id,
			is_group_message, content, attachment, created_at, read
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		var recipientID, groupID, attachment sql.NullString
		if err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.SenderRole,
			&recipientID,
			&groupID,
			&msg.IsGroupMessage,
			&msg.Content,
			&attachment,
			&msg.CreatedAt,
			&msg.Read,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.RecipientID = recipientID.String
		msg.GroupID = groupID.String
		if attachment.Valid {
			msg.Attachment = &types.Attachment{}
			if err := json.Unmarshal([]byte(attachment.String), msg.Attachment); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachment: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}
