// Package presence tracks which identities currently hold live sessions and
// announces the online and offline transitions of each identity.
package presence

import (
	"sort"
	"sync"

	"edurelay/internal/logging"
	"edurelay/internal/metrics"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// Directory is the read side of the registry used by delivery components.
type Directory interface {
	SessionsFor(userID string) []interfaces.Session
	IsOnline(userID string) bool
	OnlineIdentities() []string
}

// Registry maps identities to their set of live sessions. An identity is
// online exactly while it has at least one registered session.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]interfaces.Session // userID -> sessionID -> Session
	bySession  map[string]interfaces.Session            // sessionID -> Session
	roles      map[string]string                        // userID -> role of the most recent session

	// announceMu orders transitions so listeners see alternating online and
	// offline events per identity, ending with its current state.
	announceMu sync.Mutex
	announced  map[string]string // userID -> role, while announced online

	hookMu    sync.RWMutex
	listeners []func(types.PresenceChanged)
	offline   []func(userID string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]map[string]interfaces.Session),
		bySession:  make(map[string]interfaces.Session),
		roles:      make(map[string]string),
		announced:  make(map[string]string),
	}
}

// OnPresence subscribes fn to identity transitions. Listeners run on the
// goroutine that caused the transition and must not register or unregister
// sessions.
func (r *Registry) OnPresence(fn func(types.PresenceChanged)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// OnOffline subscribes fn to identities losing their last session. It runs
// before presence listeners see the offline transition. The identity may
// already be back online when fn runs.
func (r *Registry) OnOffline(fn func(userID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.offline = append(r.offline, fn)
}

// Register adds a session under its identity. Registering the same session
// twice is a no-op. The identity becomes online only on its first session.
func (r *Registry) Register(s interfaces.Session) error {
	if s == nil {
		return ErrNilSession
	}
	id := s.Identity()
	if id.ID == "" {
		return ErrAnonymousSession
	}

	r.mu.Lock()
	if _, exists := r.bySession[s.ID()]; exists {
		r.mu.Unlock()
		return nil
	}
	sessions := r.byIdentity[id.ID]
	cameOnline := len(sessions) == 0
	if sessions == nil {
		sessions = make(map[string]interfaces.Session)
		r.byIdentity[id.ID] = sessions
	}
	sessions[s.ID()] = s
	r.bySession[s.ID()] = s
	r.roles[id.ID] = id.Role
	identities, total := len(r.byIdentity), len(r.bySession)
	r.mu.Unlock()

	metrics.SetPresence(identities, total)
	logging.Log.Debug().Str("user_id", id.ID).Str("session_id", s.ID()).Int("sessions", len(sessions)).Msg("Session registered")

	if cameOnline {
		r.announce(id.ID)
	}
	return nil
}

// Unregister removes a session. It reports whether the identity went offline
// as a result. Unknown sessions are ignored.
func (r *Registry) Unregister(s interfaces.Session) bool {
	if s == nil {
		return false
	}

	r.mu.Lock()
	if _, exists := r.bySession[s.ID()]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.bySession, s.ID())
	id := s.Identity()
	wentOffline := false
	if sessions, ok := r.byIdentity[id.ID]; ok {
		delete(sessions, s.ID())
		if len(sessions) == 0 {
			delete(r.byIdentity, id.ID)
			delete(r.roles, id.ID)
			wentOffline = true
		}
	}
	identities, total := len(r.byIdentity), len(r.bySession)
	r.mu.Unlock()

	metrics.SetPresence(identities, total)
	logging.Log.Debug().Str("user_id", id.ID).Str("session_id", s.ID()).Bool("offline", wentOffline).Msg("Session unregistered")

	if !wentOffline {
		return false
	}

	r.hookMu.RLock()
	offline := append([]func(string){}, r.offline...)
	r.hookMu.RUnlock()
	for _, fn := range offline {
		fn(id.ID)
	}

	r.announce(id.ID)
	return true
}

// announce emits the current state of userID if it differs from the last
// announced one. Concurrent transitions collapse into the final state.
func (r *Registry) announce(userID string) {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()

	r.mu.RLock()
	role, online := r.roles[userID]
	r.mu.RUnlock()

	lastRole, wasOnline := r.announced[userID]
	if online == wasOnline {
		return
	}
	if online {
		r.announced[userID] = role
	} else {
		delete(r.announced, userID)
		role = lastRole
	}
	r.emit(types.PresenceChanged{UserID: userID, Role: role, Online: online})
}

func (r *Registry) emit(evt types.PresenceChanged) {
	r.hookMu.RLock()
	listeners := append([]func(types.PresenceChanged){}, r.listeners...)
	r.hookMu.RUnlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

// SessionsFor returns a snapshot of the live sessions of userID.
func (r *Registry) SessionsFor(userID string) []interfaces.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byIdentity[userID]
	out := make([]interfaces.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether userID has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[userID]) > 0
}

// OnlineIdentities returns the sorted ids of every online identity.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// AllSessions returns a snapshot of every live session.
func (r *Registry) AllSessions() []interfaces.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

// Stats returns registry counters for monitoring endpoints.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"online_identities": len(r.byIdentity),
		"live_sessions":     len(r.bySession),
	}
}
