package testkit

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"edurelay/pkg/types"
)

// ErrInjected is the failure returned by a Store configured to fail.
var ErrInjected = errors.New("injected store failure")

// Store is an in-memory interfaces.Store with failure injection.
type Store struct {
	mu            sync.Mutex
	messages      []*types.ChatMessage
	notifications []*types.Notification

	FailMessages      bool
	FailNotifications bool
	// FailRecipients makes SaveNotification fail for the listed recipients.
	FailRecipients map[string]bool
	// OnSave runs inside SaveMessage before the message is recorded.
	OnSave func(*types.ChatMessage)
	// Unhealthy is returned by HealthCheck when set.
	Unhealthy error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{FailRecipients: make(map[string]bool)}
}

func (s *Store) SaveMessage(ctx context.Context, msg *types.ChatMessage) (string, error) {
	if s.OnSave != nil {
		s.OnSave(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMessages {
		return "", ErrInjected
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	cp := *msg
	s.messages = append(s.messages, &cp)
	return msg.ID, nil
}

func (s *Store) SaveNotification(ctx context.Context, n *types.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNotifications || s.FailRecipients[n.RecipientID] {
		return "", ErrInjected
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return n.ID, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMessages {
		return nil, ErrInjected
	}
	var out []*types.ChatMessage
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HealthCheck(ctx context.Context) error { return s.Unhealthy }
func (s *Store) Close() error                         { return nil }

// Messages returns every saved message in save order.
func (s *Store) Messages() []*types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.ChatMessage(nil), s.messages...)
}

// Notifications returns every saved notification in save order.
func (s *Store) Notifications() []*types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Notification(nil), s.notifications...)
}
