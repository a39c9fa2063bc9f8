// Package groups keeps the subscriber lists of group channels: who should
// receive a group's traffic when they are online but have not joined its room.
package groups

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"edurelay/internal/logging"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// Backend persists groups. internal/database.Manager implements it.
type Backend interface {
	CreateGroup(ctx context.Context, group *types.Group) error
	GetGroup(ctx context.Context, groupID string) (*types.Group, error)
	ListGroups(ctx context.Context) ([]*types.Group, error)
	SetSubscribers(ctx context.Context, groupID string, userIDs []string) error
}

// Manager is a read-through cache in front of the group backend.
type Manager struct {
	backend Backend
	groups  map[string]*types.Group
	mu      sync.RWMutex
}

// NewManager creates an empty group cache over backend.
func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		groups:  make(map[string]*types.Group),
	}
}

// LoadGroups replaces the cache with every group in the backend.
func (m *Manager) LoadGroups(ctx context.Context) error {
	groups, err := m.backend.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	m.mu.Lock()
	m.groups = make(map[string]*types.Group, len(groups))
	for _, g := range groups {
		m.groups[g.ID] = g
	}
	m.mu.Unlock()

	logging.Log.Info().Int("groups", len(groups)).Msg("Loaded group directory")
	return nil
}

// CreateGroup validates and stores a group. An empty id is replaced with a
// generated one.
func (m *Manager) CreateGroup(ctx context.Context, id, name, createdBy string, subscriberIDs []string) (*types.Group, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > 200 {
		return nil, ErrInvalidGroupID
	}
	if name == "" || len(name) > 200 {
		return nil, ErrInvalidGroupName
	}
	if !types.IsValidUserID(createdBy) {
		return nil, ErrInvalidCreatedBy
	}
	subscribers, err := normalize(subscriberIDs)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	_, exists := m.groups[id]
	m.mu.RUnlock()
	if exists {
		return nil, ErrGroupExists
	}

	group := &types.Group{
		ID:            id,
		Name:          name,
		CreatedBy:     createdBy,
		SubscriberIDs: subscribers,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.backend.CreateGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	m.mu.Lock()
	m.groups[group.ID] = group
	m.mu.Unlock()

	logging.Log.Info().Str("group", group.ID).Int("subscribers", len(subscribers)).Msg("Created group")
	return group, nil
}

// GetGroup returns a group from the cache, falling back to the backend.
func (m *Manager) GetGroup(ctx context.Context, groupID string) (*types.Group, error) {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	m.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := m.backend.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	m.mu.Unlock()
	return g, nil
}

// ListGroups returns the cached groups sorted by id.
func (m *Manager) ListGroups() []*types.Group {
	m.mu.RLock()
	out := lo.Values(m.groups)
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *types.Group) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// SetSubscribers replaces a group's subscriber list.
func (m *Manager) SetSubscribers(ctx context.Context, groupID string, subscriberIDs []string) error {
	subscribers, err := normalize(subscriberIDs)
	if err != nil {
		return err
	}
	current, err := m.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := m.backend.SetSubscribers(ctx, groupID, subscribers); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("failed to update subscribers: %w", err)
	}

	updated := *current
	updated.SubscriberIDs = subscribers
	m.mu.Lock()
	m.groups[groupID] = &updated
	m.mu.Unlock()
	return nil
}

// Subscribers lists the identities expected to receive groupID's traffic.
// An unknown group has no subscribers.
func (m *Manager) Subscribers(ctx context.Context, groupID string) ([]string, error) {
	g, err := m.GetGroup(ctx, groupID)
	if errors.Is(err, ErrGroupNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.SubscriberIDs), nil
}

// IsSubscriber reports whether userID is on the cached list of groupID.
func (m *Manager) IsSubscriber(groupID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	return ok && slices.Contains(g.SubscriberIDs, userID)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subscriptions := 0
	for _, g := range m.groups {
		subscriptions += len(g.SubscriberIDs)
	}
	return map[string]any{
		"groups":        len(m.groups),
		"subscriptions": subscriptions,
	}
}

func normalize(ids []string) ([]string, error) {
	unique := lo.Uniq(ids)
	for _, id := range unique {
		if !types.IsValidUserID(id) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSubscriber, id)
		}
	}
	slices.Sort(unique)
	return unique, nil
}
