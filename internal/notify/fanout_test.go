package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edurelay/internal/broker"
	"edurelay/internal/presence"
	"edurelay/internal/rpc"
	"edurelay/internal/testkit"
	"edurelay/pkg/types"
)

type sentMail struct {
	To, Subject, Body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

func (m *recordingMailer) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type stubContacts struct {
	contacts map[string]types.Contact
	err      error
}

func (c *stubContacts) Contacts(ctx context.Context, ids []string) (map[string]types.Contact, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := map[string]types.Contact{}
	for _, id := range ids {
		if contact, ok := c.contacts[id]; ok {
			out[id] = contact
		}
	}
	return out, nil
}

type stubResolver struct {
	contacts []types.Contact
	err      error
}

func (r *stubResolver) Resolve(ctx context.Context, cohort string) ([]types.Contact, error) {
	return r.contacts, r.err
}

func waitEmails(t *testing.T, f *Fanout) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
}

func TestDispatch_CohortTimeoutCreatesNoRecords(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	client := rpc.NewClient(b, rpc.ClientOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, client.Start())
	defer client.Close()

	store := testkit.NewStore()
	registry := presence.NewRegistry()
	live := testkit.NewSession("s1", types.RoleStudent)
	require.NoError(t, registry.Register(live))
	mailer := &recordingMailer{}
	f := NewFanout(store, registry, Options{Resolver: NewRPCResolver(client, "", 0), Mailer: mailer})

	res, err := f.Dispatch(context.Background(), Request{
		Type: types.NotificationNewCourse, Title: "Go 101", Message: "Enrol now",
		Audience: Audience{Cohort: "students"},
	})
	require.ErrorIs(t, err, ErrAudienceUnresolved)
	require.ErrorIs(t, err, rpc.ErrTimeout)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, store.Notifications())
	assert.Empty(t, live.OfType(types.EventNewNotification))
	waitEmails(t, f)
	assert.Empty(t, mailer.all())
}

func TestDispatch_CohortResolvedOverBroker(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	client := rpc.NewClient(b, rpc.ClientOptions{Timeout: time.Second})
	require.NoError(t, client.Start())
	defer client.Close()
	server := rpc.NewServer(context.Background(), b)
	defer server.Close()
	require.NoError(t, server.Handle(TopicResolveAudience, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var q CohortQuery
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, err
		}
		if q.Cohort != "students" {
			return nil, errors.New("unknown cohort")
		}
		return CohortReply{Recipients: []types.Contact{
			{ID: "s1", Email: "s1@example.com", EmailNotifications: true},
			{ID: "s2", Email: "s2@example.com", EmailNotifications: false},
			{ID: "s3"},
			{ID: "s1", Email: "dup@example.com", EmailNotifications: true},
		}}, nil
	}))

	store := testkit.NewStore()
	registry := presence.NewRegistry()
	phone := testkit.NewSession("s2", types.RoleStudent)
	laptop := testkit.NewSession("s2", types.RoleStudent)
	require.NoError(t, registry.Register(phone))
	require.NoError(t, registry.Register(laptop))
	mailer := &recordingMailer{}
	f := NewFanout(store, registry, Options{Resolver: NewRPCResolver(client, TopicResolveAudience, 0), Mailer: mailer})

	res, err := f.Dispatch(context.Background(), Request{
		Type: types.NotificationNewCourse, Title: "Go 101", Message: "Enrol now",
		Audience: Audience{Cohort: "students"}, Data: map[string]any{"course_id": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Recipients: 3, Created: 3, Pushed: 1, Emailed: 1}, res)

	saved := store.Notifications()
	require.Len(t, saved, 3)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, []string{saved[0].RecipientID, saved[1].RecipientID, saved[2].RecipientID})
	assert.Len(t, phone.OfType(types.EventNewNotification), 1)
	assert.Len(t, laptop.OfType(types.EventNewNotification), 1)

	waitEmails(t, f)
	mails := mailer.all()
	require.Len(t, mails, 1)
	assert.Equal(t, "s1@example.com", mails[0].To)
	assert.Equal(t, "Go 101", mails[0].Subject)
	assert.Equal(t, "Go 101\n\nEnrol now", mails[0].Body)

	_, err = f.Dispatch(context.Background(), Request{
		Type: types.NotificationSystem, Title: "x", Audience: Audience{Cohort: "aliens"},
	})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Len(t, store.Notifications(), 3)
}

func TestDispatch_ExplicitIDsUseContactBook(t *testing.T) {
	store := testkit.NewStore()
	registry := presence.NewRegistry()
	mailer := &recordingMailer{}
	contacts := &stubContacts{contacts: map[string]types.Contact{
		"t1": {ID: "t1", Email: "t1@example.com", EmailNotifications: true},
	}}
	resolver := &stubResolver{err: errors.New("must not be called")}
	f := NewFanout(store, registry, Options{Resolver: resolver, Contacts: contacts, Mailer: mailer})

	res, err := f.Dispatch(context.Background(), Request{
		Type: types.NotificationAssignmentCompleted, Title: "Submitted",
		Audience: Audience{IDs: []string{"t1", "t2", "t1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Recipients: 2, Created: 2, Emailed: 1}, res)
	waitEmails(t, f)
	require.Len(t, mailer.all(), 1)
	assert.Equal(t, "Submitted", mailer.all()[0].Body)
}

func TestDispatch_ContactLookupFailureIsPushOnly(t *testing.T) {
	store := testkit.NewStore()
	registry := presence.NewRegistry()
	live := testkit.NewSession("u1", types.RoleStudent)
	require.NoError(t, registry.Register(live))
	mailer := &recordingMailer{}
	f := NewFanout(store, registry, Options{Contacts: &stubContacts{err: errors.New("db down")}, Mailer: mailer})

	res, err := f.Dispatch(context.Background(), Request{
		Type: types.NotificationPaymentSuccess, Title: "Paid", Audience: Audience{IDs: []string{"u1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Recipients: 1, Created: 1, Pushed: 1}, res)
	waitEmails(t, f)
	assert.Empty(t, mailer.all())
}

func TestDispatch_SaveFailureSkipsRecipient(t *testing.T) {
	store := testkit.NewStore()
	store.FailRecipients["u2"] = true
	registry := presence.NewRegistry()
	u2 := testkit.NewSession("u2", types.RoleStudent)
	require.NoError(t, registry.Register(u2))
	mailer := &recordingMailer{}
	contacts := &stubContacts{contacts: map[string]types.Contact{
		"u2": {ID: "u2", Email: "u2@example.com", EmailNotifications: true},
	}}
	f := NewFanout(store, registry, Options{Contacts: contacts, Mailer: mailer})

	res, err := f.Dispatch(context.Background(), Request{
		Type: types.NotificationCourseUpdate, Title: "Updated", Audience: Audience{IDs: []string{"u1", "u2", "u3"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Recipients: 3, Created: 2, Failed: 1}, res)
	assert.Empty(t, u2.Events())
	waitEmails(t, f)
	assert.Empty(t, mailer.all())
}

func TestDispatch_TeacherAddedIsEmailOnly(t *testing.T) {
	store := testkit.NewStore()
	registry := presence.NewRegistry()
	mailer := &recordingMailer{}
	f := NewFanout(store, registry, Options{Mailer: mailer})

	_, err := f.Dispatch(context.Background(), Request{Type: types.NotificationTeacherAdded, Title: "Welcome"})
	require.ErrorIs(t, err, ErrMissingEmail)

	res, err := f.Dispatch(context.Background(), Request{
		Type: types.NotificationTeacherAdded, Title: "Welcome aboard", Message: "Your account is ready",
		Email: "new.teacher@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Recipients: 1, Emailed: 1}, res)
	assert.Empty(t, store.Notifications())
	waitEmails(t, f)
	require.Len(t, mailer.all(), 1)
	assert.Equal(t, "new.teacher@example.com", mailer.all()[0].To)
}

func TestDispatch_RequestValidation(t *testing.T) {
	f := NewFanout(testkit.NewStore(), presence.NewRegistry(), Options{Resolver: &stubResolver{}})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown type", Request{Type: "party", Title: "x", Audience: Audience{IDs: []string{"a"}}}, ErrInvalidType},
		{"no audience", Request{Type: types.NotificationSystem, Title: "x"}, ErrInvalidAudience},
		{"both audiences", Request{Type: types.NotificationSystem, Title: "x", Audience: Audience{IDs: []string{"a"}, Cohort: "all"}}, ErrInvalidAudience},
		{"bad id", Request{Type: types.NotificationSystem, Title: "x", Audience: Audience{IDs: []string{"a b"}}}, ErrInvalidAudience},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Dispatch(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.Dispatch(ctx, Request{Type: types.NotificationSystem, Audience: Audience{IDs: []string{"a"}}})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Title", verr.Field)
}

func TestDispatch_CohortWithoutResolver(t *testing.T) {
	f := NewFanout(testkit.NewStore(), presence.NewRegistry(), Options{})
	_, err := f.Dispatch(context.Background(), Request{Type: types.NotificationSystem, Title: "x", Audience: Audience{Cohort: "all"}})
	require.ErrorIs(t, err, ErrNoResolver)
}
