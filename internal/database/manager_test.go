package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edurelay/pkg/interfaces"
	dbconfig "edurelay/pkg/database"
	"edurelay/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	cfg.WriteTimeout = 5 * time.Second

	m, err := NewManager(cfg)
	require.NoError(t, err)
	m.retryDelay = 0
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func message(id, room string, at time.Time) *types.ChatMessage {
	return &types.ChatMessage{
		ID:          id,
		RoomID:      room,
		SenderID:    "alice",
		SenderRole:  types.RoleStudent,
		RecipientID: "bob",
		Content:     "content " + id,
		CreatedAt:   at,
	}
}

var _ interfaces.Store = (*Manager)(nil)

func TestManager_SaveAndListMessages(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := m.SaveMessage(ctx, message(fmt.Sprintf("m%d", i), "alice-bob", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := m.SaveMessage(ctx, message("other", "carol-dave", base))
	require.NoError(t, err)

	all, err := m.ListMessages(ctx, "alice-bob", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m0", all[0].ID)
	assert.Equal(t, "m4", all[4].ID)
	assert.Equal(t, "bob", all[0].RecipientID)
	assert.True(t, all[0].CreatedAt.Equal(base))

	last, err := m.ListMessages(ctx, "alice-bob", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, []string{"m3", "m4"}, []string{last[0].ID, last[1].ID})
}

func TestManager_MessageAttachmentRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	msg := message("m1", "g1", time.Now())
	msg.RecipientID = ""
	msg.GroupID = "g1"
	msg.IsGroupMessage = true
	msg.Content = ""
	msg.Attachment = &types.Attachment{URL: "https://cdn.example.com/x.png", Name: "x.png", Kind: "image", Width: 4, Height: 3}
	_, err := m.SaveMessage(ctx, msg)
	require.NoError(t, err)

	got, err := m.ListMessages(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsGroupMessage)
	assert.Equal(t, "g1", got[0].GroupID)
	assert.Empty(t, got[0].RecipientID)
	require.NotNil(t, got[0].Attachment)
	assert.Equal(t, *msg.Attachment, *got[0].Attachment)
}

func TestManager_DuplicateMessageID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.SaveMessage(ctx, message("dup", "r", time.Now()))
	require.NoError(t, err)
	_, err = m.SaveMessage(ctx, message("dup", "r", time.Now()))
	assert.Error(t, err)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.SaveMessage(ctx, message(fmt.Sprintf("c%02d", i), "busy", time.Now()))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := m.ListMessages(ctx, "busy", 0)
	require.NoError(t, err)
	assert.Len(t, got, 40)
}

func TestManager_Notifications(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, title := range []string{"first", "second", "third"} {
		_, err := m.SaveNotification(ctx, &types.Notification{
			ID:          fmt.Sprintf("n%d", i),
			RecipientID: "bob",
			Type:        types.NotificationCourseUpdate,
			Title:       title,
			Message:     "body",
			Data:        map[string]any{"course_id": "c1"},
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	got, err := m.ListNotifications(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Title)
	assert.Equal(t, "second", got[1].Title)
	assert.Equal(t, types.NotificationCourseUpdate, got[0].Type)
	assert.Equal(t, "c1", got[0].Data["course_id"])

	none, err := m.ListNotifications(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManager_Groups(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	group := &types.Group{
		ID:            "algebra",
		Name:          "Algebra I",
		CreatedBy:     "t1",
		SubscriberIDs: []string{"s2", "s1", "s1"},
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, m.CreateGroup(ctx, group))
	assert.Error(t, m.CreateGroup(ctx, group), "duplicate group id must fail")

	got, err := m.GetGroup(ctx, "algebra")
	require.NoError(t, err)
	assert.Equal(t, "Algebra I", got.Name)
	assert.Equal(t, []string{"s1", "s2"}, got.SubscriberIDs)

	_, err = m.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, m.SetSubscribers(ctx, "algebra", []string{"s3"}))
	subs, err := m.Subscribers(ctx, "algebra")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, subs)
	assert.ErrorIs(t, m.SetSubscribers(ctx, "missing", nil), interfaces.ErrNotFound)

	subs, err = m.Subscribers(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, subs)

	groups, err := m.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"s3"}, groups[0].SubscriberIDs)
}

func TestManager_Contacts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertContact(ctx, types.Contact{ID: "s1", Role: types.RoleStudent, Email: "s1@example.com", EmailNotifications: true}))
	require.NoError(t, m.UpsertContact(ctx, types.Contact{ID: "s2", Role: types.RoleStudent}))
	require.NoError(t, m.UpsertContact(ctx, types.Contact{ID: "t1", Role: types.RoleTeacher, Email: "t1@example.com"}))
	require.NoError(t, m.UpsertContact(ctx, types.Contact{ID: "s2", Role: types.RoleStudent, Email: "s2@example.com", EmailNotifications: true}))

	contacts, err := m.Contacts(ctx, []string{"s1", "s2", "ghost"})
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "s2@example.com", contacts["s2"].Email)
	assert.True(t, contacts["s2"].EmailNotifications)

	empty, err := m.Contacts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	students, err := m.ContactsByRole(ctx, types.RoleStudent)
	require.NoError(t, err)
	assert.Len(t, students, 2)

	everyone, err := m.ContactsByRole(ctx)
	require.NoError(t, err)
	assert.Len(t, everyone, 3)
}

func TestManager_CloseRejectsWrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.HealthCheck(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.SaveMessage(ctx, message("late", "r", time.Now()))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_CancelledContext(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.SaveMessage(ctx, message("x", "r", time.Now()))
	assert.Error(t, err)
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = ""
	_, err := NewManager(cfg)
	assert.Error(t, err)
}
