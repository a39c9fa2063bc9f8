package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edurelay/internal/api"
	"edurelay/internal/notify"
	"edurelay/pkg/types"
)

func TestDirectMessage_ReachesRecipientOutsideRoom(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t, "alice", types.RoleStudent)
	bob := r.connect(t, "bob", types.RoleTeacher)

	room := types.DirectRoomID("alice", "bob")
	alice.send(types.EventJoin, types.JoinPayload{Room: room})
	alice.send(types.EventSendDirect, types.DirectPayload{RecipientID: "bob", Content: "question about homework"})

	ack := decode[types.MessageSentPayload](t, alice.expect(types.EventMessageSent).Data)
	assert.Equal(t, room, ack.RoomID)
	assert.NotEmpty(t, ack.MessageID)

	// Alice is in the room and sees her own message; bob only gets the
	// direct copy.
	own := decode[types.ChatMessage](t, alice.expect(types.EventNewMessage).Data)
	assert.Equal(t, ack.MessageID, own.ID)

	got := decode[types.ChatMessage](t, bob.expect(types.EventNewMessage).Data)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, types.RoleStudent, got.SenderRole)
	assert.Equal(t, "question about homework", got.Content)
	bob.expectNone(types.EventNewMessage, 200*time.Millisecond)
}

func TestDirectMessage_DeliveredOnceWhenRecipientJoined(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t, "alice", types.RoleStudent)
	bob := r.connect(t, "bob", types.RoleTeacher)

	room := types.DirectRoomID("alice", "bob")
	bob.send(types.EventJoin, types.JoinPayload{Room: room})
	bob.send(types.EventHistory, types.HistoryPayload{Room: room})
	bob.expect(types.EventHistory)

	alice.send(types.EventSendDirect, types.DirectPayload{RecipientID: "bob", Content: "hi"})
	alice.expect(types.EventMessageSent)

	bob.expect(types.EventNewMessage)
	bob.expectNone(types.EventNewMessage, 200*time.Millisecond)
}

func TestPresence_MultipleSessionsSingleTransition(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t, "alice", types.RoleStudent)

	bobPhone := r.connect(t, "bob", types.RoleStudent)
	online := decode[types.PresenceChanged](t, alice.expect(types.EventPresenceChanged).Data)
	assert.Equal(t, "bob", online.UserID)
	assert.True(t, online.Online)

	bobLaptop := r.connect(t, "bob", types.RoleStudent)
	alice.expectNone(types.EventPresenceChanged, 200*time.Millisecond)

	require.NoError(t, bobPhone.conn.Close())
	alice.expectNone(types.EventPresenceChanged, 200*time.Millisecond)

	require.NoError(t, bobLaptop.conn.Close())
	offline := decode[types.PresenceChanged](t, alice.expect(types.EventPresenceChanged).Data)
	assert.Equal(t, "bob", offline.UserID)
	assert.False(t, offline.Online)
}

func TestGroupMessage_SubscriberFallbackAndTrustedRole(t *testing.T) {
	r := startRelay(t)

	resp := r.postJSON(t, "/api/groups", api.CreateGroupRequest{
		ID:            "algebra-1",
		Name:          "Algebra I",
		SubscriberIDs: []string{"teacher1", "student1", "student2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	teacher := r.connect(t, "teacher1", types.RoleTeacher)
	member := r.connect(t, "student1", types.RoleStudent)
	absent := r.connect(t, "student2", types.RoleStudent)
	outsider := r.connect(t, "student9", types.RoleStudent)

	teacher.send(types.EventJoin, types.JoinPayload{Room: "algebra-1"})
	member.send(types.EventJoin, types.JoinPayload{Room: "algebra-1"})
	member.send(types.EventHistory, types.HistoryPayload{Room: "algebra-1"})
	member.expect(types.EventHistory)

	teacher.send(types.EventSendGroup, types.GroupPayload{
		GroupID:    "algebra-1",
		Content:    "quiz tomorrow",
		SenderRole: types.RoleAdmin,
	})
	teacher.expect(types.EventMessageSent)

	for _, c := range []*client{member, absent} {
		msg := decode[types.ChatMessage](t, c.expect(types.EventNewMessage).Data)
		assert.True(t, msg.IsGroupMessage)
		assert.Equal(t, "algebra-1", msg.GroupID)
		assert.Equal(t, types.RoleTeacher, msg.SenderRole)
	}
	outsider.expectNone(types.EventNewMessage, 200*time.Millisecond)
}

func TestHistory_RequiresMembershipAndReturnsOldestFirst(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t, "alice", types.RoleStudent)
	r.connect(t, "bob", types.RoleStudent)

	room := types.DirectRoomID("alice", "bob")
	alice.send(types.EventHistory, types.HistoryPayload{Room: room})
	errPayload := decode[types.ErrorPayload](t, alice.expect(types.EventError).Data)
	assert.Equal(t, types.ErrorCodeNotMember, errPayload.Code)

	for _, text := range []string{"one", "two", "three"} {
		alice.send(types.EventSendDirect, types.DirectPayload{RecipientID: "bob", Content: text})
		alice.expect(types.EventMessageSent)
	}

	alice.send(types.EventJoin, types.JoinPayload{Room: room})
	alice.send(types.EventHistory, types.HistoryPayload{Room: room, Limit: 2})
	result := decode[types.HistoryResult](t, alice.expect(types.EventHistory).Data)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, "two", result.Messages[0].Content)
	assert.Equal(t, "three", result.Messages[1].Content)

	resp, err := http.Get(r.base + "/api/rooms/" + room + "/messages?user_id=alice&role=student")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history api.HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Len(t, history.Messages, 3)
}

func TestSelfMessage_Rejected(t *testing.T) {
	r := startRelay(t)
	alice := r.connect(t, "alice", types.RoleStudent)

	alice.send(types.EventSendDirect, types.DirectPayload{RecipientID: "alice", Content: "me"})
	errPayload := decode[types.ErrorPayload](t, alice.expect(types.EventError).Data)
	assert.Equal(t, types.ErrorCodeInvalidEvent, errPayload.Code)
	assert.Equal(t, types.EventSendDirect, errPayload.Event)
}

func TestNotification_CohortPushedToLiveSessions(t *testing.T) {
	r := startRelay(t)

	for id, role := range map[string]string{"s1": types.RoleStudent, "s2": types.RoleStudent, "t1": types.RoleTeacher} {
		resp := r.doJSON(t, http.MethodPut, "/api/contacts/"+id, api.ContactRequest{Role: role})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	s1 := r.connect(t, "s1", types.RoleStudent)
	t1 := r.connect(t, "t1", types.RoleTeacher)

	resp := r.postJSON(t, "/api/notifications", notify.Request{
		Type:     types.NotificationCourseUpdate,
		Title:    "Syllabus changed",
		Message:  "Week 3 moved",
		Audience: notify.Audience{Cohort: "students"},
	})
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var result notify.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 2, result.Recipients)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Pushed)

	n := decode[types.Notification](t, s1.expect(types.EventNewNotification).Data)
	assert.Equal(t, "s1", n.RecipientID)
	assert.Equal(t, "Syllabus changed", n.Title)
	t1.expectNone(types.EventNewNotification, 200*time.Millisecond)

	listResp, err := http.Get(r.base + "/api/notifications/s2?user_id=s2&role=student")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list api.NotificationsResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, types.NotificationCourseUpdate, list.Notifications[0].Type)
}

func TestWebSocket_RejectsMissingIdentity(t *testing.T) {
	r := startRelay(t)
	resp, err := http.Get(r.base + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
