package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// CreateGroup inserts a group together with its subscriber list.
func (m *Manager) CreateGroup(ctx context.Context, group *types.Group) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_groups (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
			group.ID, group.Name, group.CreatedBy, group.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
		if err := insertSubscribers(ctx, tx, group.ID, group.SubscriberIDs); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit group creation: %w", err)
		}
		return nil
	})
}

// SetSubscribers replaces the subscriber list of an existing group.
func (m *Manager) SetSubscribers(ctx context.Context, groupID string, userIDs []string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_groups WHERE id = ?`, groupID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up group: %w", err)
		}
		if exists == 0 {
			return interfaces.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_subscribers WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to clear subscribers: %w", err)
		}
		if err := insertSubscribers(ctx, tx, groupID, userIDs); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertSubscribers(ctx context.Context, tx *sql.Tx, groupID string, userIDs []string) error {
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_subscribers (group_id, user_id) VALUES (?, ?)`,
			groupID, userID,
		); err != nil {
			return fmt.Errorf("failed to insert subscriber %s: %w", userID, err)
		}
	}
	return nil
}

// GetGroup returns a group with its subscribers, or interfaces.ErrNotFound.
func (m *Manager) GetGroup(ctx context.Context, groupID string) (*types.Group, error) {
	var group types.Group
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM chat_groups WHERE id = ?`, groupID,
	).Scan(&group.ID, &group.Name, &group.CreatedBy, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query group: %w", err)
	}

	group.SubscriberIDs, err = m.Subscribers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// ListGroups returns every group with its subscribers.
func (m *Manager) ListGroups(ctx context.Context) ([]*types.Group, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, name, created_by, created_at FROM chat_groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	var groups []*types.Group
	for rows.Next() {
		var g types.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating group rows: %w", err)
	}
	_ = rows.Close()

	for _, g := range groups {
		if g.SubscriberIDs, err = m.Subscribers(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// Subscribers returns the user ids subscribed to groupID.
func (m *Manager) Subscribers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM group_subscribers WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertContact records or updates a participant's delivery profile.
func (m *Manager) UpsertContact(ctx context.Context, c types.Contact) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, role, email, email_notifications, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				role = excluded.role,
				email = excluded.email,
				email_notifications = excluded.email_notifications,
				updated_at = excluded.updated_at
		`, c.ID, c.Role, c.Email, c.EmailNotifications, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert contact: %w", err)
		}
		return nil
	})
}

// Contacts returns the known contacts among ids, keyed by id.
func (m *Manager) Contacts(ctx context.Context, ids []string) (map[string]types.Contact, error) {
	out := make(map[string]types.Contact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	contacts, err := m.queryContacts(ctx,
		`SELECT id, role, email, email_notifications FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		out[c.ID] = c
	}
	return out, nil
}

// ContactsByRole returns every contact with one of roles, or every contact
// when roles is empty.
func (m *Manager) ContactsByRole(ctx context.Context, roles ...string) ([]types.Contact, error) {
	if len(roles) == 0 {
		return m.queryContacts(ctx, `SELECT id, role, email, email_notifications FROM users ORDER BY id`)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	args := make([]any, len(roles))
	for i, r := range roles {
		args[i] = r
	}
	return m.queryContacts(ctx,
		`SELECT id, role, email, email_notifications FROM users WHERE role IN (`+placeholders+`) ORDER BY id`, args...)
}

func (m *Manager) queryContacts(ctx context.Context, query string, args ...any) ([]types.Contact, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Contact
	for rows.Next() {
		var c types.Contact
		if err := rows.Scan(&c.ID, &c.Role, &c.Email, &c.EmailNotifications); err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
