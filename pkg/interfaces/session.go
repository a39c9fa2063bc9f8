package interfaces

import "edurelay/pkg/types"

// Session is one live transport connection owned by a participant.
// A participant may hold several concurrent sessions (multi-device).
type Session interface {
	// ID returns the server-assigned session identifier
	ID() string

	// Identity returns the participant the auth collaborator attached at connect time
	Identity() types.Identity

	// Send queues an outbound event for the client. Implementations must be
	// safe for concurrent use; delivery is best-effort.
	Send(evt types.Event) error

	// Close terminates the connection and releases its resources
	Close() error
}
