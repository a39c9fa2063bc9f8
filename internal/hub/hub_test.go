package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edurelay/internal/presence"
	"edurelay/internal/rooms"
	"edurelay/internal/router"
	"edurelay/internal/testkit"
	"edurelay/pkg/types"
)

func newTestHub(t *testing.T) (*Hub, *presence.Registry, *rooms.Membership) {
	t.Helper()
	registry := presence.NewRegistry()
	membership := rooms.NewMembership()
	dispatcher := router.NewDispatcher(testkit.NewStore(), registry, membership, nil, router.Options{})
	h := NewHub(registry, membership, dispatcher, Options{SweepInterval: 10 * time.Millisecond})
	return h, registry, membership
}

func startHub(t *testing.T, h *Hub) {
	t.Helper()
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		if h.Running() {
			_ = h.Stop()
		}
	})
}

func TestHub_StartStop(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	require.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)
	require.NoError(t, h.Stop())
	require.ErrorIs(t, h.Stop(), ErrHubNotRunning)

	require.NoError(t, h.Start(ctx), "hub can be restarted")
	require.NoError(t, h.Stop())
}

func TestHub_ContextCancelStopsLoop(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	cancel()
	require.Eventually(t, func() bool { return !h.Running() }, time.Second, 5*time.Millisecond)
}

func TestConnect_RequiresRunningHub(t *testing.T) {
	h, _, _ := newTestHub(t)
	require.ErrorIs(t, h.Connect(testkit.NewSession("alice", types.RoleStudent)), ErrHubNotRunning)
}

func TestConnect_SendsReady(t *testing.T) {
	h, _, _ := newTestHub(t)
	startHub(t, h)

	bob := testkit.NewSession("bob", types.RoleTeacher)
	require.NoError(t, h.Connect(bob))
	alice := testkit.NewSession("alice", types.RoleStudent)
	require.NoError(t, h.Connect(alice))

	ready := alice.OfType(types.EventReady)
	require.Len(t, ready, 1)
	payload := ready[0].Data.(types.ReadyPayload)
	assert.Equal(t, alice.ID(), payload.SessionID)
	assert.Equal(t, []string{"alice", "bob"}, payload.Online)
}

func TestPresence_BroadcastToOthers(t *testing.T) {
	h, _, _ := newTestHub(t)
	startHub(t, h)

	watcher := testkit.NewSession("watcher", types.RoleTeacher)
	require.NoError(t, h.Connect(watcher))

	tab1 := testkit.NewSession("alice", types.RoleStudent)
	tab2 := testkit.NewSession("alice", types.RoleStudent)
	require.NoError(t, h.Connect(tab1))
	require.NoError(t, h.Connect(tab2))

	require.Eventually(t, func() bool {
		return len(watcher.OfType(types.EventPresenceChanged)) == 1
	}, time.Second, 5*time.Millisecond)
	for _, evt := range tab1.OfType(types.EventPresenceChanged) {
		assert.NotEqual(t, "alice", evt.Data.(types.PresenceChanged).UserID)
	}

	h.Disconnect(tab1)
	h.Disconnect(tab2)

	require.Eventually(t, func() bool {
		return len(watcher.OfType(types.EventPresenceChanged)) == 2
	}, time.Second, 5*time.Millisecond)

	changes := watcher.OfType(types.EventPresenceChanged)
	assert.Equal(t, types.PresenceChanged{UserID: "alice", Role: types.RoleStudent, Online: true}, changes[0].Data)
	assert.Equal(t, types.PresenceChanged{UserID: "alice", Role: types.RoleStudent, Online: false}, changes[1].Data)
}

func TestDisconnect_LeavesAllRooms(t *testing.T) {
	h, registry, membership := newTestHub(t)
	startHub(t, h)

	alice := testkit.NewSession("alice", types.RoleStudent)
	require.NoError(t, h.Connect(alice))
	for _, room := range []string{"alice-bob", "course-1"} {
		data, err := json.Marshal(types.JoinPayload{Room: room})
		require.NoError(t, err)
		require.NoError(t, h.Handle(context.Background(), alice, types.InboundEvent{Type: types.EventJoin, Data: data}))
	}
	assert.Len(t, membership.RoomsOf("alice"), 2)

	h.Disconnect(alice)
	assert.Empty(t, membership.RoomsOf("alice"))
	assert.Empty(t, membership.MembersOf("course-1"))
	assert.False(t, registry.IsOnline("alice"))
	assert.Equal(t, 0, h.Stats()["active_rooms"])
}

func TestDisconnect_PartialKeepsRooms(t *testing.T) {
	h, registry, membership := newTestHub(t)
	startHub(t, h)

	laptop := testkit.NewSession("alice", types.RoleStudent)
	phone := testkit.NewSession("alice", types.RoleStudent)
	require.NoError(t, h.Connect(laptop))
	require.NoError(t, h.Connect(phone))
	data, err := json.Marshal(types.JoinPayload{Room: "alice-bob"})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), laptop, types.InboundEvent{Type: types.EventJoin, Data: data}))

	h.Disconnect(laptop)
	assert.True(t, registry.IsOnline("alice"))
	assert.True(t, membership.IsMember("alice-bob", "alice"))
	assert.Equal(t, []string{"alice"}, membership.MembersOf("alice-bob"))

	h.Disconnect(phone)
	assert.False(t, membership.IsMember("alice-bob", "alice"))
}

func TestPresence_CoalescedWhileHubStopped(t *testing.T) {
	h, _, _ := newTestHub(t)
	startHub(t, h)

	watcher := testkit.NewSession("watcher", types.RoleTeacher)
	require.NoError(t, h.Connect(watcher))
	require.NoError(t, h.Stop())

	// Changes queued while nothing broadcasts collapse to the latest state.
	for i := 0; i < 5000; i++ {
		h.queuePresence(types.PresenceChanged{UserID: "alice", Role: types.RoleStudent, Online: i%2 == 0})
	}
	h.queuePresence(types.PresenceChanged{UserID: "bob", Role: types.RoleStudent, Online: true})
	startHub(t, h)

	require.Eventually(t, func() bool {
		return len(watcher.OfType(types.EventPresenceChanged)) == 2
	}, time.Second, 5*time.Millisecond)
	changes := watcher.OfType(types.EventPresenceChanged)
	assert.Equal(t, types.PresenceChanged{UserID: "alice", Role: types.RoleStudent, Online: false}, changes[0].Data)
	assert.Equal(t, types.PresenceChanged{UserID: "bob", Role: types.RoleStudent, Online: true}, changes[1].Data)
}
