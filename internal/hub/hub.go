// Package hub coordinates session lifecycle: registration, event dispatch,
// membership cleanup and presence broadcasts.
package hub

import (
	"context"
	"sync"
	"time"

	"edurelay/internal/logging"
	"edurelay/internal/metrics"
	"edurelay/internal/presence"
	"edurelay/internal/rooms"
	"edurelay/internal/router"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// Options tunes the hub loop.
type Options struct {
	SweepInterval time.Duration // rate-limiter cleanup period, default one minute
}

// Hub is the single coordination point between the live transport and the
// dispatcher. Presence changes are broadcast from one goroutine so that
// listeners never block the session that caused them. Changes not yet
// broadcast are coalesced to the latest state per identity.
type Hub struct {
	presenceSignal  chan struct{}
	pendingMu       sync.Mutex
	pending         map[string]types.PresenceChanged
	pendingOrder    []string
	shutdownChannel chan struct{}
	done            chan struct{}

	registry   *presence.Registry
	rooms      *rooms.Membership
	dispatcher *router.Dispatcher
	sweepEvery time.Duration

	running bool
	mu      sync.RWMutex
}

// NewHub wires the registry hooks: an identity that lost its last session
// leaves all its rooms, and identity transitions are queued for broadcast.
func NewHub(registry *presence.Registry, membership *rooms.Membership, dispatcher *router.Dispatcher, opts Options) *Hub {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	h := &Hub{
		presenceSignal:  make(chan struct{}, 1),
		pending:         make(map[string]types.PresenceChanged),
		registry:        registry,
		rooms:           membership,
		dispatcher:      dispatcher,
		sweepEvery:      opts.SweepInterval,
	}

	registry.OnOffline(func(userID string) {
		if registry.IsOnline(userID) {
			return
		}
		if left := membership.LeaveAll(userID); len(left) > 0 {
			logging.Log.Debug().Str("user", userID).Strs("rooms", left).Msg("Identity left rooms")
		}
	})
	registry.OnPresence(h.queuePresence)
	return h
}

// Start begins broadcasting presence changes.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	logging.Log.Info().Msg("Starting hub")
	go h.run(ctx, h.shutdownChannel, h.done)
	return nil
}

// Stop ends the hub loop and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	logging.Log.Info().Msg("Stopping hub")
	<-done
	return nil
}

// Running reports whether the hub loop is active.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Connect registers s and greets it with a ready event listing the identities
// currently online.
func (h *Hub) Connect(s interfaces.Session) error {
	if !h.Running() {
		return ErrHubNotRunning
	}
	if err := h.registry.Register(s); err != nil {
		return err
	}

	id := s.Identity()
	ready := types.ReadyPayload{
		SessionID: s.ID(),
		UserID:    id.ID,
		Role:      id.Role,
		Online:    h.registry.OnlineIdentities(),
	}
	if err := s.Send(types.NewEvent(types.EventReady, ready)); err != nil {
		logging.Log.Warn().Err(err).Str("session", s.ID()).Msg("Failed to send ready event")
	}
	logging.Log.Info().Str("user", id.ID).Str("role", id.Role).Str("session", s.ID()).Msg("Session connected")
	return nil
}

// Disconnect unregisters s. Room cleanup and the offline broadcast follow
// through the registry hooks.
func (h *Hub) Disconnect(s interfaces.Session) {
	if s == nil {
		return
	}
	offline := h.registry.Unregister(s)
	logging.Log.Info().Str("user", s.Identity().ID).Str("session", s.ID()).Bool("offline", offline).Msg("Session disconnected")
}

// Handle dispatches one inbound event of s.
func (h *Hub) Handle(ctx context.Context, s interfaces.Session, evt types.InboundEvent) error {
	return h.dispatcher.Handle(ctx, s, evt)
}

// Stats merges registry and membership counters.
func (h *Hub) Stats() map[string]int {
	stats := h.registry.Stats()
	for k, v := range h.rooms.Stats() {
		stats[k] = v
	}
	return stats
}

func (h *Hub) queuePresence(evt types.PresenceChanged) {
	h.pendingMu.Lock()
	if _, queued := h.pending[evt.UserID]; !queued {
		h.pendingOrder = append(h.pendingOrder, evt.UserID)
	}
	h.pending[evt.UserID] = evt
	h.pendingMu.Unlock()

	select {
	case h.presenceSignal <- struct{}{}:
	default:
	}
}

// flushPresence broadcasts every pending change in first-queued order.
func (h *Hub) flushPresence() {
	h.pendingMu.Lock()
	pending, order := h.pending, h.pendingOrder
	h.pending = make(map[string]types.PresenceChanged, len(pending))
	h.pendingOrder = nil
	h.pendingMu.Unlock()

	for _, userID := range order {
		h.broadcastPresence(pending[userID])
	}
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)
	defer logging.Log.Info().Msg("Hub processing stopped")

	ticker := time.NewTicker(h.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.presenceSignal:
			h.flushPresence()

		case <-ticker.C:
			if removed := h.dispatcher.Sweep(); removed > 0 {
				logging.Log.Debug().Int("removed", removed).Msg("Swept rate limiter state")
			}

		case <-shutdown:
			return

		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// broadcastPresence tells every live session except the subject's own.
func (h *Hub) broadcastPresence(evt types.PresenceChanged) {
	var targets []interfaces.Session
	for _, s := range h.registry.AllSessions() {
		if s.Identity().ID != evt.UserID {
			targets = append(targets, s)
		}
	}
	router.Deliver(targets, types.NewEvent(types.EventPresenceChanged, evt), metrics.PathPresence)
}
