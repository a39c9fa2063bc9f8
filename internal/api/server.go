// Package api is the HTTP surface: health, presence and history reads,
// notification dispatch and group administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"edurelay/internal/groups"
	"edurelay/internal/logging"
	"edurelay/internal/notify"
	"edurelay/internal/presence"
	"edurelay/internal/rpc"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Notifier dispatches notifications. notify.Fanout implements it.
type Notifier interface {
	Dispatch(ctx context.Context, req notify.Request) (notify.Result, error)
}

// GroupStore manages group subscriber lists. groups.Manager implements it.
type GroupStore interface {
	CreateGroup(ctx context.Context, id, name, createdBy string, subscriberIDs []string) (*types.Group, error)
	GetGroup(ctx context.Context, groupID string) (*types.Group, error)
	SetSubscribers(ctx context.Context, groupID string, subscriberIDs []string) error
}

// ContactStore records participant delivery profiles.
type ContactStore interface {
	UpsertContact(ctx context.Context, c types.Contact) error
}

// StatsProvider reports live-transport counters.
type StatsProvider interface {
	Stats() map[string]int
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	FromRequest(r *http.Request) (types.Identity, error)
}

// Deps are the collaborators the server routes to. Groups, Contacts, Auth,
// WebSocket and Metrics are optional.
type Deps struct {
	Store     interfaces.Store
	Presence  presence.Directory
	Stats     StatsProvider
	Notifier  Notifier
	Groups    GroupStore
	Contacts  ContactStore
	Auth      Authenticator
	WebSocket http.Handler
	Metrics   http.Handler
}

// Server routes HTTP requests. It holds no state of its own.
type Server struct {
	deps    Deps
	router  *http.ServeMux
	started time.Time
}

// NewServer builds the route table.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		router:  http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}

	s.router.Handle("GET /health", api(s.healthCheck))
	s.router.Handle("GET /api/presence", api(s.authenticated(s.listPresence)))
	s.router.Handle("GET /api/rooms/{room}/messages", api(s.authenticated(s.roomHistory)))
	s.router.Handle("GET /api/notifications/{user}", api(s.authenticated(s.listNotifications)))
	s.router.Handle("POST /api/notifications", api(s.requireRole(s.dispatchNotification, types.RoleTeacher, types.RoleAdmin)))
	s.router.Handle("OPTIONS /api/", api(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	if s.deps.Groups != nil {
		s.router.Handle("POST /api/groups", api(s.requireRole(s.createGroup, types.RoleTeacher, types.RoleAdmin)))
		s.router.Handle("GET /api/groups/{id}", api(s.authenticated(s.getGroup)))
		s.router.Handle("PUT /api/groups/{id}/subscribers", api(s.requireRole(s.setSubscribers, types.RoleTeacher, types.RoleAdmin)))
	}
	if s.deps.Contacts != nil {
		s.router.Handle("PUT /api/contacts/{id}", api(s.requireRole(s.upsertContact, types.RoleAdmin)))
	}
	if s.deps.WebSocket != nil {
		s.router.Handle("GET /ws", s.deps.WebSocket)
	}
	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections,omitempty"`
	Uptime      string         `json:"uptime"`
}

type PresenceResponse struct {
	Online []string       `json:"online"`
	Stats  map[string]int `json:"stats,omitempty"`
}

type HistoryResponse struct {
	Room     string               `json:"room"`
	Messages []*types.ChatMessage `json:"messages"`
}

type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
}

type CreateGroupRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	CreatedBy     string   `json:"created_by"`
	SubscriberIDs []string `json:"subscriber_ids"`
}

type SubscribersRequest struct {
	SubscriberIDs []string `json:"subscriber_ids"`
}

type ContactRequest struct {
	Role               string `json:"role" validate:"required,oneof=student teacher admin"`
	Email              string `json:"email" validate:"omitempty,email"`
	EmailNotifications bool   `json:"email_notifications"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
	}
	if s.deps.Stats != nil {
		resp.Connections = s.deps.Stats.Stats()
	}

	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.writeJSON(w, resp)
}

func (s *Server) listPresence(w http.ResponseWriter, _ *http.Request, _ types.Identity) {
	resp := PresenceResponse{Online: s.deps.Presence.OnlineIdentities()}
	if s.deps.Stats != nil {
		resp.Stats = s.deps.Stats.Stats()
	}
	s.writeJSON(w, resp)
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	room := r.PathValue("room")
	limit, err := parseLimit(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	messages, err := s.deps.Store.ListMessages(r.Context(), room, limit)
	if err != nil {
		logging.Log.Error().Err(err).Str("room", room).Msg("History query failed")
		s.sendError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}
	s.writeJSON(w, HistoryResponse{Room: room, Messages: messages})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	user := r.PathValue("user")
	if s.deps.Auth != nil && caller.ID != user && caller.Role != types.RoleAdmin {
		s.sendError(w, "Cannot read another participant's notifications", http.StatusForbidden)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	notes, err := s.deps.Store.ListNotifications(r.Context(), user, limit)
	if err != nil {
		logging.Log.Error().Err(err).Str("user", user).Msg("Notification query failed")
		s.sendError(w, "Failed to load notifications", http.StatusInternalServerError)
		return
	}
	if notes == nil {
		notes = []*types.Notification{}
	}
	s.writeJSON(w, NotificationsResponse{Notifications: notes})
}

func (s *Server) dispatchNotification(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	var req notify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := s.deps.Notifier.Dispatch(r.Context(), req)
	if err != nil {
		s.sendError(w, err.Error(), dispatchStatus(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, result)
}

func dispatchStatus(err error) int {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, notify.ErrInvalidType),
		errors.Is(err, notify.ErrInvalidAudience),
		errors.Is(err, notify.ErrMissingEmail):
		return http.StatusBadRequest
	case errors.Is(err, rpc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, notify.ErrAudienceUnresolved):
		return http.StatusBadGateway
	case errors.Is(err, notify.ErrNoResolver):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	createdBy := caller.ID
	if createdBy == "" {
		createdBy = req.CreatedBy
	}

	group, err := s.deps.Groups.CreateGroup(r.Context(), req.ID, req.Name, createdBy, req.SubscriberIDs)
	if err != nil {
		s.sendError(w, err.Error(), groupStatus(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, group)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	group, err := s.deps.Groups.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err.Error(), groupStatus(err))
		return
	}
	s.writeJSON(w, group)
}

func (s *Server) setSubscribers(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	var req SubscribersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.deps.Groups.SetSubscribers(r.Context(), r.PathValue("id"), req.SubscriberIDs); err != nil {
		s.sendError(w, err.Error(), groupStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func groupStatus(err error) int {
	switch {
	case errors.Is(err, groups.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, groups.ErrGroupExists):
		return http.StatusConflict
	case errors.Is(err, groups.ErrInvalidGroupID),
		errors.Is(err, groups.ErrInvalidGroupName),
		errors.Is(err, groups.ErrInvalidCreatedBy),
		errors.Is(err, groups.ErrInvalidSubscriber):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) upsertContact(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	id := r.PathValue("id")
	if !types.IsValidUserID(id) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}
	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := types.Validate(req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	contact := types.Contact{ID: id, Role: req.Role, Email: req.Email, EmailNotifications: req.EmailNotifications}
	if err := s.deps.Contacts.UpsertContact(r.Context(), contact); err != nil {
		logging.Log.Error().Err(err).Str("user", id).Msg("Contact upsert failed")
		s.sendError(w, "Failed to save contact", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, contact)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxHistoryLimit {
		return 0, errors.New("limit must be between 1 and 500")
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
