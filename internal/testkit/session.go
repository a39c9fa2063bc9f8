// Package testkit provides in-memory fakes of the session and store ports for
// tests across the module.
package testkit

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"edurelay/pkg/types"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("session closed")

// Session is a recording interfaces.Session.
type Session struct {
	id       string
	identity types.Identity

	mu     sync.Mutex
	events []types.Event
	closed bool
	fail   error
}

// NewSession returns an open session for userID with the given role.
func NewSession(userID, role string) *Session {
	return &Session{id: uuid.NewString(), identity: types.Identity{ID: userID, Role: role}}
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Identity() types.Identity { return s.identity }

// Send records evt.
func (s *Session) Send(evt types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, evt)
	return nil
}

// Close marks the session closed. Later sends fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailWith makes every later Send return err.
func (s *Session) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Events returns a copy of every recorded event.
func (s *Session) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// OfType returns the recorded events with the given type.
func (s *Session) OfType(eventType string) []types.Event {
	var out []types.Event
	for _, evt := range s.Events() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
