package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout           = errors.New("rpc: request timed out")
	ErrDuplicateID       = errors.New("rpc: correlation id already pending")
	ErrClientNotStarted  = errors.New("rpc: client not started")
	ErrClientClosed      = errors.New("rpc: client closed")
	ErrPublish           = errors.New("rpc: publish failed")
	ErrMalformedReply    = errors.New("rpc: malformed reply")
	ErrHandlerRegistered = errors.New("rpc: handler already registered for topic")
	ErrServerClosed      = errors.New("rpc: server closed")
	ErrInternalHandler   = errors.New("rpc: handler panicked")
)

// RemoteError is an error reported by the responder of a call.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error from %s: %s", e.Topic, e.Message)
}
