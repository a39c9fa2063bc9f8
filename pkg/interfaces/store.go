package interfaces

import (
	"context"

	"edurelay/pkg/types"
)

// Store persists chat messages and notification records. The delivery layer
// only ever reads back by room or by recipient.
type Store interface {
	// SaveMessage durably records a chat message and returns its id.
	// Fan-out never happens before this returns successfully.
	SaveMessage(ctx context.Context, message *types.ChatMessage) (string, error)

	// SaveNotification records one recipient's notification and returns its id
	SaveNotification(ctx context.Context, notification *types.Notification) (string, error)

	// ListMessages returns up to limit of the most recent messages of a room,
	// oldest first. A non-positive limit returns the whole room.
	ListMessages(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error)

	// ListNotifications returns up to limit of a recipient's notifications, newest first
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]*types.Notification, error)

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the backend connection
	Close() error
}
