package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Participant roles supplied by the auth collaborator at connect time.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// Inbound live-transport event types.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventSendDirect = "send_direct"
	EventSendGroup  = "send_group"
	EventTyping     = "typing"
	EventHistory    = "history"
)

// Outbound live-transport event types.
const (
	EventReady           = "ready"
	EventNewMessage      = "new_message"
	EventMessageSent     = "message_sent"
	EventPresenceChanged = "presence_changed"
	EventNewNotification = "new_notification"
	EventError           = "error"
)

// Error codes carried by EventError payloads.
const (
	ErrorCodeInvalidEvent  = "invalid_event"
	ErrorCodePersistFailed = "persist_failed"
	ErrorCodeRateLimited   = "rate_limited"
	ErrorCodeNotMember     = "not_member"
	ErrorCodeUnavailable   = "unavailable"
)

// Identity is the stable participant identity handed over by the auth
// collaborator. The core trusts it without re-verification.
type Identity struct {
	ID   string `json:"id" validate:"required,userid"`
	Role string `json:"role" validate:"required,oneof=student teacher admin"`
}

// DirectRoomID derives the room of a 1:1 conversation. Both ends compute the
// same id because the participant ids are sorted before joining.
func DirectRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// Attachment describes a file shared alongside a chat message.
type Attachment struct {
	URL    string `json:"url" bson:"url" validate:"required,url"`
	Name   string `json:"name" bson:"name" validate:"required,max=255"`
	Kind   string `json:"kind" bson:"kind" validate:"required,oneof=image video audio file"`
	Size   int64  `json:"size,omitempty" bson:"size,omitempty" validate:"gte=0"`
	Width  int    `json:"width,omitempty" bson:"width,omitempty" validate:"gte=0"`
	Height int    `json:"height,omitempty" bson:"height,omitempty" validate:"gte=0"`
}

// ChatMessage is a persisted direct or group message. Only Read changes after
// creation, and that happens outside the delivery layer.
type ChatMessage struct {
	ID             string      `json:"id" bson:"_id"`
	RoomID         string      `json:"room_id" bson:"room_id"`
	SenderID       string      `json:"sender_id" bson:"sender_id"`
	SenderRole     string      `json:"sender_role" bson:"sender_role"`
	RecipientID    string      `json:"recipient_id,omitempty" bson:"recipient_id,omitempty"`
	GroupID        string      `json:"group_id,omitempty" bson:"group_id,omitempty"`
	IsGroupMessage bool        `json:"is_group_message" bson:"is_group_message"`
	Content        string      `json:"content" bson:"content"`
	Attachment     *Attachment `json:"attachment,omitempty" bson:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	Read           bool        `json:"read" bson:"read"`
}

// NotificationType enumerates the notification kinds the platform emits.
type NotificationType string

const (
	NotificationNewCourse           NotificationType = "new_course"
	NotificationAssignmentCompleted NotificationType = "assignment_completed"
	NotificationNewEnrollment       NotificationType = "new_enrollment"
	NotificationEnrollmentApproved  NotificationType = "enrollment_approved"
	NotificationCourseUpdate        NotificationType = "course_update"
	NotificationNewMessage          NotificationType = "new_message"
	NotificationPaymentSuccess      NotificationType = "payment_success"
	NotificationPaymentFailure      NotificationType = "payment_failure"
	NotificationSystem              NotificationType = "system"
	NotificationTeacherAdded        NotificationType = "teacher_added"
)

// Notification is one recipient's copy of a dispatched notification.
type Notification struct {
	ID          string           `json:"id" bson:"_id"`
	RecipientID string           `json:"recipient_id" bson:"recipient_id"`
	Type        NotificationType `json:"type" bson:"type"`
	Title       string           `json:"title" bson:"title"`
	Message     string           `json:"message" bson:"message"`
	Data        map[string]any   `json:"data,omitempty" bson:"data,omitempty"`
	Read        bool             `json:"read" bson:"read"`
	CreatedAt   time.Time        `json:"created_at" bson:"created_at"`
}

// Contact is the delivery profile of a participant: where to email them and
// whether they want email at all.
type Contact struct {
	ID                 string `json:"id"`
	Role               string `json:"role,omitempty"`
	Email              string `json:"email,omitempty"`
	EmailNotifications bool   `json:"email_notifications"`
}

// Group is an externally assigned group channel together with the
// participants expected to receive its traffic.
type Group struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedBy     string    `json:"created_by"`
	SubscriberIDs []string  `json:"subscriber_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// PresenceChanged is emitted when an identity goes from zero to one live
// sessions or from one to zero.
type PresenceChanged struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	Online bool   `json:"online"`
}

// Envelope is a one-way broker message. CorrelationID and ReplyTo are only
// set on request/reply traffic.
type Envelope struct {
	Topic         string `json:"topic"`
	Payload       []byte `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// InboundEvent is a raw event frame received from a live session.
type InboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound frame written to live sessions.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an outbound event with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// ErrorPayload is the body of an EventError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// JoinPayload is the body of join and leave events.
type JoinPayload struct {
	Room string `json:"room" validate:"required,max=200"`
}

// DirectPayload is the body of a send_direct event.
type DirectPayload struct {
	RecipientID string      `json:"recipient_id" validate:"required,userid"`
	Content     string      `json:"content" validate:"required_without=Attachment,max=65536"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// GroupPayload is the body of a send_group event. SenderRole is accepted on
// the wire for compatibility but never trusted.
type GroupPayload struct {
	GroupID    string      `json:"group_id" validate:"required,max=200"`
	Content    string      `json:"content" validate:"required_without=Attachment,max=65536"`
	Attachment *Attachment `json:"attachment,omitempty"`
	SenderRole string      `json:"sender_role,omitempty"`
}

// TypingPayload is relayed to room members without persistence.
type TypingPayload struct {
	Room   string `json:"room" validate:"required,max=200"`
	UserID string `json:"user_id,omitempty"`
}

// HistoryPayload requests the recent messages of a joined room.
type HistoryPayload struct {
	Room  string `json:"room" validate:"required,max=200"`
	Limit int    `json:"limit,omitempty" validate:"gte=0,lte=500"`
}

// HistoryResult is the body of an outbound history event.
type HistoryResult struct {
	Room     string         `json:"room"`
	Messages []*ChatMessage `json:"messages"`
}

// ReadyPayload is sent once a session has been registered.
type ReadyPayload struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Role      string   `json:"role"`
	Online    []string `json:"online"`
}

// MessageSentPayload acknowledges a persisted message to the sending session.
type MessageSentPayload struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
}
