package router

import "errors"

// Dispatcher errors. Each one is reported to the originating session as an
// error event before being returned.
var (
	ErrInvalidEvent  = errors.New("invalid event payload")
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrSelfMessage   = errors.New("direct message recipient must differ from sender")
	ErrPersistFailed = errors.New("failed to persist message")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrNotMember     = errors.New("session is not a member of the room")
	ErrUnavailable   = errors.New("history unavailable")
	ErrNilSession    = errors.New("session cannot be nil")
)
