package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edurelay/pkg/types"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	got := make(chan types.Envelope, 2)
	_, err := b.Subscribe("grades", func(env types.Envelope) { got <- env })
	require.NoError(t, err)
	_, err = b.Subscribe("grades", func(env types.Envelope) { got <- env })
	require.NoError(t, err)

	msg := types.Envelope{Topic: "grades", Payload: []byte(`{"a":1}`), CorrelationID: "c1", ReplyTo: "inbox"}
	require.NoError(t, b.Publish(context.Background(), msg))

	for i := 0; i < 2; i++ {
		select {
		case env := <-got:
			assert.Equal(t, msg, env)
		case <-time.After(time.Second):
			t.Fatal("delivery timed out")
		}
	}
}

func TestMemory_NoSubscriberDropsSilently(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	require.NoError(t, b.Publish(context.Background(), types.Envelope{Topic: "void"}))
}

func TestMemory_Unsubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var calls atomic.Int32
	sub, err := b.Subscribe("t", func(types.Envelope) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Zero(t, b.Subscribers("t"))

	require.NoError(t, b.Publish(context.Background(), types.Envelope{Topic: "t"}))
	require.NoError(t, b.Close())
	assert.Zero(t, calls.Load())
}

func TestMemory_Intercept(t *testing.T) {
	b := NewMemory()
	var calls atomic.Int32
	_, err := b.Subscribe("t", func(types.Envelope) { calls.Add(1) })
	require.NoError(t, err)
	b.Intercept = func(env types.Envelope) bool { return env.CorrelationID != "drop" }

	require.NoError(t, b.Publish(context.Background(), types.Envelope{Topic: "t", CorrelationID: "drop"}))
	require.NoError(t, b.Publish(context.Background(), types.Envelope{Topic: "t", CorrelationID: "keep"}))
	require.NoError(t, b.Close())
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemory_Closed(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(context.Background(), types.Envelope{Topic: "t"}), ErrClosed)
	_, err := b.Subscribe("t", func(types.Envelope) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemory_CloseWaitsForHandlers(t *testing.T) {
	b := NewMemory()
	var wg sync.WaitGroup
	wg.Add(1)
	var finished atomic.Bool
	_, err := b.Subscribe("slow", func(types.Envelope) {
		wg.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), types.Envelope{Topic: "slow"}))
	wg.Wait()
	require.NoError(t, b.Close())
	assert.True(t, finished.Load())
}
