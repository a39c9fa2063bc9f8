package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edurelay/internal/logging"
	"edurelay/internal/metrics"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// Coordinator owns session lifecycle once a connection is upgraded.
// hub.Hub implements it.
type Coordinator interface {
	Connect(s interfaces.Session) error
	Disconnect(s interfaces.Session)
	Handle(ctx context.Context, s interfaces.Session, evt types.InboundEvent) error
}

// Authenticator resolves the identity of an upgrade request.
type Authenticator interface {
	FromRequest(r *http.Request) (types.Identity, error)
}

// Handler upgrades authenticated requests and runs one read pump per
// connection.
type Handler struct {
	coordinator Coordinator
	auth        Authenticator
	opts        Options
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Connection
	wg    sync.WaitGroup
}

// NewHandler creates a handler. allowedOrigins empty accepts any origin.
func NewHandler(coordinator Coordinator, auth Authenticator, opts Options, allowedOrigins ...string) *Handler {
	h := &Handler{
		coordinator: coordinator,
		auth:        auth,
		opts:        opts.withDefaults(),
		conns:       make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      checkOrigin(allowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP authenticates, upgrades and hands the session to the coordinator.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.FromRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.Warn().Err(err).Str("user", identity.ID).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageSize)

	wsConn := NewConnection(conn, identity, h.opts)
	if err := h.coordinator.Connect(wsConn); err != nil {
		logging.Log.Warn().Err(err).Str("user", identity.ID).Msg("Session rejected")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(time.Second))
		_ = wsConn.Close()
		return
	}

	h.mu.Lock()
	h.conns[wsConn.ID()] = wsConn
	h.mu.Unlock()

	h.wg.Add(1)
	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump. Events from one session are handled
// in arrival order.
func (h *Handler) handleConnection(conn *Connection) {
	defer h.wg.Done()
	defer func() {
		h.coordinator.Disconnect(conn)
		_ = conn.Close()
		h.mu.Lock()
		delete(h.conns, conn.ID())
		h.mu.Unlock()
		logging.Log.Debug().Str("user", conn.identity.ID).Str("session", conn.ID()).Msg("Session closed")
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Log.Warn().Err(err).Str("session", conn.ID()).Msg("WebSocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var evt types.InboundEvent
		if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
			metrics.IncRejected(types.ErrorCodeInvalidEvent)
			_ = conn.Send(types.NewEvent(types.EventError, types.ErrorPayload{
				Code:    types.ErrorCodeInvalidEvent,
				Message: "malformed event frame",
			}))
			continue
		}
		if err := h.coordinator.Handle(conn.ctx, conn, evt); err != nil {
			logging.Log.Debug().Err(err).Str("session", conn.ID()).Str("event", evt.Type).Msg("Event rejected")
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

// Active returns the number of open connections.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes every open connection and waits for their read pumps to
// finish or ctx to expire.
func (h *Handler) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
