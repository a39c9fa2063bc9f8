// Package router turns inbound live-transport events into persisted chat
// messages and fans them out to the sessions that should see them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"edurelay/internal/logging"
	"edurelay/internal/metrics"
	"edurelay/internal/presence"
	"edurelay/internal/rooms"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// GroupDirectory lists the identities expected to receive a group's traffic.
type GroupDirectory interface {
	Subscribers(ctx context.Context, groupID string) ([]string, error)
}

// Options tunes the dispatcher.
type Options struct {
	RateLimit    int           // events per RateWindow per identity; 0 disables
	RateWindow   time.Duration // defaults to one minute
	HistoryLimit int           // default number of messages replayed by history
}

// Dispatcher routes inbound events of one session at a time. It is safe for
// concurrent use by many sessions.
type Dispatcher struct {
	store        interfaces.Store
	directory    presence.Directory
	rooms        *rooms.Membership
	groups       GroupDirectory
	limiter      *RateLimiter
	historyLimit int
}

// NewDispatcher wires a dispatcher. groups may be nil, in which case group
// messages only reach room members.
func NewDispatcher(store interfaces.Store, directory presence.Directory, membership *rooms.Membership, groups GroupDirectory, opts Options) *Dispatcher {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Dispatcher{
		store:        store,
		directory:    directory,
		rooms:        membership,
		groups:       groups,
		limiter:      NewRateLimiter(opts.RateLimit, opts.RateWindow),
		historyLimit: opts.HistoryLimit,
	}
}

// Handle processes one inbound event from s. Failures are reported to s as an
// error event and returned to the caller for logging.
func (d *Dispatcher) Handle(ctx context.Context, s interfaces.Session, evt types.InboundEvent) error {
	if s == nil {
		return ErrNilSession
	}

	switch evt.Type {
	case types.EventJoin:
		return d.handleJoin(s, evt)
	case types.EventLeave:
		return d.handleLeave(s, evt)
	case types.EventSendDirect:
		return d.handleDirect(ctx, s, evt)
	case types.EventSendGroup:
		return d.handleGroup(ctx, s, evt)
	case types.EventTyping:
		return d.handleTyping(s, evt)
	case types.EventHistory:
		return d.handleHistory(ctx, s, evt)
	default:
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type))
	}
}

// Sweep drops stale rate-limiter state.
func (d *Dispatcher) Sweep() int {
	return d.limiter.Cleanup()
}

func (d *Dispatcher) handleJoin(s interfaces.Session, evt types.InboundEvent) error {
	var p types.JoinPayload
	if err := decode(evt, &p); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, err)
	}
	if err := d.rooms.Join(p.Room, s.Identity().ID); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, fmt.Errorf("%w: %v", ErrInvalidEvent, err))
	}
	logging.Log.Debug().Str("user", s.Identity().ID).Str("session", s.ID()).Str("room", p.Room).Msg("Joined room")
	return nil
}

func (d *Dispatcher) handleLeave(s interfaces.Session, evt types.InboundEvent) error {
	var p types.JoinPayload
	if err := decode(evt, &p); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, err)
	}
	d.rooms.Leave(p.Room, s.Identity().ID)
	return nil
}

func (d *Dispatcher) handleDirect(ctx context.Context, s interfaces.Session, evt types.InboundEvent) error {
	var p types.DirectPayload
	if err := decode(evt, &p); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, err)
	}
	sender := s.Identity()
	if p.RecipientID == sender.ID {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, ErrSelfMessage)
	}
	if !d.limiter.Allow(sender.ID) {
		return d.reject(s, evt.Type, types.ErrorCodeRateLimited, ErrRateLimited)
	}

	msg := &types.ChatMessage{
		RoomID:      types.DirectRoomID(sender.ID, p.RecipientID),
		SenderID:    sender.ID,
		SenderRole:  sender.Role,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Attachment:  p.Attachment,
	}
	if err := d.persist(ctx, s, evt.Type, msg); err != nil {
		return err
	}

	out := types.NewEvent(types.EventNewMessage, msg)
	Deliver(d.sessionsOf(d.rooms.MembersOf(msg.RoomID)), out, metrics.PathRoom)

	// A recipient outside the room gets a direct copy on every device.
	if !d.rooms.IsMember(msg.RoomID, p.RecipientID) {
		Deliver(d.directory.SessionsFor(p.RecipientID), out, metrics.PathDirect)
	}

	d.ack(s, msg)
	return nil
}

func (d *Dispatcher) handleGroup(ctx context.Context, s interfaces.Session, evt types.InboundEvent) error {
	var p types.GroupPayload
	if err := decode(evt, &p); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, err)
	}
	sender := s.Identity()
	if !d.limiter.Allow(sender.ID) {
		return d.reject(s, evt.Type, types.ErrorCodeRateLimited, ErrRateLimited)
	}

	msg := &types.ChatMessage{
		RoomID:         p.GroupID,
		GroupID:        p.GroupID,
		IsGroupMessage: true,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Content:        p.Content,
		Attachment:     p.Attachment,
	}
	if err := d.persist(ctx, s, evt.Type, msg); err != nil {
		return err
	}

	out := types.NewEvent(types.EventNewMessage, msg)
	Deliver(d.sessionsOf(d.rooms.MembersOf(p.GroupID)), out, metrics.PathRoom)
	Deliver(d.groupFallback(ctx, p.GroupID, sender.ID), out, metrics.PathGroupFallback)

	d.ack(s, msg)
	return nil
}

// groupFallback returns the live sessions of group subscribers that have not
// joined the group room, excluding the sender.
func (d *Dispatcher) groupFallback(ctx context.Context, groupID, senderID string) []interfaces.Session {
	if d.groups == nil {
		return nil
	}
	subscribers, err := d.groups.Subscribers(ctx, groupID)
	if err != nil {
		logging.Log.Warn().Err(err).Str("room", groupID).Msg("Group subscriber lookup failed, skipping fallback delivery")
		return nil
	}

	outside := lo.Filter(lo.Uniq(subscribers), func(userID string, _ int) bool {
		return userID != senderID && !d.rooms.IsMember(groupID, userID)
	})
	return d.sessionsOf(outside)
}

// sessionsOf returns every live session of the given identities.
func (d *Dispatcher) sessionsOf(userIDs []string) []interfaces.Session {
	return lo.FlatMap(userIDs, func(userID string, _ int) []interfaces.Session {
		return d.directory.SessionsFor(userID)
	})
}

func (d *Dispatcher) handleTyping(s interfaces.Session, evt types.InboundEvent) error {
	var p types.TypingPayload
	if err := decode(evt, &p); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, err)
	}
	p.UserID = s.Identity().ID
	if !d.rooms.IsMember(p.Room, p.UserID) {
		return d.reject(s, evt.Type, types.ErrorCodeNotMember, ErrNotMember)
	}

	others := lo.Without(d.rooms.MembersOf(p.Room), p.UserID)
	Deliver(d.sessionsOf(others), types.NewEvent(types.EventTyping, p), metrics.PathTyping)
	return nil
}

func (d *Dispatcher) handleHistory(ctx context.Context, s interfaces.Session, evt types.InboundEvent) error {
	var p types.HistoryPayload
	if err := decode(evt, &p); err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeInvalidEvent, err)
	}
	if !d.rooms.IsMember(p.Room, s.Identity().ID) {
		return d.reject(s, evt.Type, types.ErrorCodeNotMember, ErrNotMember)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = d.historyLimit
	}
	messages, err := d.store.ListMessages(ctx, p.Room, limit)
	if err != nil {
		return d.reject(s, evt.Type, types.ErrorCodeUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}

	result := types.HistoryResult{Room: p.Room, Messages: messages}
	if err := s.Send(types.NewEvent(types.EventHistory, result)); err != nil {
		logging.Log.Warn().Err(err).Str("session", s.ID()).Msg("Failed to send history")
	}
	return nil
}

// persist stamps and saves msg. Nothing is fanned out unless it succeeds.
func (d *Dispatcher) persist(ctx context.Context, s interfaces.Session, eventType string, msg *types.ChatMessage) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()

	id, err := d.store.SaveMessage(ctx, msg)
	if err != nil {
		metrics.IncPersistFailure("message")
		logging.Log.Error().Err(err).Str("user", msg.SenderID).Str("room", msg.RoomID).Msg("Failed to persist message")
		return d.reject(s, eventType, types.ErrorCodePersistFailed, fmt.Errorf("%w: %v", ErrPersistFailed, err))
	}
	if id != "" {
		msg.ID = id
	}
	return nil
}

func (d *Dispatcher) ack(s interfaces.Session, msg *types.ChatMessage) {
	ack := types.MessageSentPayload{MessageID: msg.ID, RoomID: msg.RoomID}
	if err := s.Send(types.NewEvent(types.EventMessageSent, ack)); err != nil {
		logging.Log.Debug().Err(err).Str("session", s.ID()).Msg("Failed to acknowledge message")
	}
}

// reject reports err to the originating session and returns it.
func (d *Dispatcher) reject(s interfaces.Session, eventType, code string, err error) error {
	metrics.IncRejected(code)
	payload := types.ErrorPayload{Code: code, Message: err.Error(), Event: eventType}
	if sendErr := s.Send(types.NewEvent(types.EventError, payload)); sendErr != nil {
		logging.Log.Debug().Err(sendErr).Str("session", s.ID()).Msg("Failed to send error event")
	}
	return err
}

func decode(evt types.InboundEvent, dst any) error {
	if len(evt.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(evt.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := types.Validate(dst); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidEvent, verr.Error())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Deliver writes evt to every session, continuing past individual failures.
func Deliver(sessions []interfaces.Session, evt types.Event, path string) {
	for _, s := range sessions {
		if err := s.Send(evt); err != nil {
			metrics.IncDeliveryFailure(path)
			logging.Log.Debug().Err(err).Str("session", s.ID()).Str("path", path).Msg("Delivery failed")
			continue
		}
		metrics.IncDelivery(path)
	}
}
