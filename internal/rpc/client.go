// Package rpc layers correlated request/reply on top of a one-way broker.
// Each request carries a fresh correlation id and the caller's private inbox;
// a single inbox consumer hands replies back to the waiting caller.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"edurelay/internal/logging"
	"edurelay/internal/metrics"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// DefaultTimeout applies when neither the call nor the client sets one.
const DefaultTimeout = 10 * time.Second

// Reply is the wire body of every response. Exactly one of Data or Error is
// meaningful.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ClientOptions tunes a Client.
type ClientOptions struct {
	Timeout     time.Duration // per-call default
	InboxPrefix string        // defaults to "rpc.inbox."
}

// Client issues correlated calls. It must be started before use.
type Client struct {
	broker  interfaces.Broker
	inbox   string
	timeout time.Duration
	pending *Pending[json.RawMessage]
	topics  sync.Map // correlation id -> topic, for remote error context

	mu      sync.Mutex
	sub     interfaces.Subscription
	started bool
	closed  bool
}

// NewClient creates a client with its own inbox topic.
func NewClient(broker interfaces.Broker, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InboxPrefix == "" {
		opts.InboxPrefix = "rpc.inbox."
	}
	pending := NewPending[json.RawMessage]()
	pending.onChange = metrics.SetRPCPending
	return &Client{
		broker:  broker,
		inbox:   opts.InboxPrefix + uuid.NewString(),
		timeout: opts.Timeout,
		pending: pending,
	}
}

// Start subscribes the inbox consumer.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	sub, err := c.broker.Subscribe(c.inbox, c.handleReply)
	if err != nil {
		return fmt.Errorf("subscribe inbox %s: %w", c.inbox, err)
	}
	c.sub = sub
	c.started = true
	logging.Log.Info().Str("inbox", c.inbox).Msg("RPC client started")
	return nil
}

// Inbox returns the reply topic of this client.
func (c *Client) Inbox() string { return c.inbox }

// PendingCount returns the number of calls awaiting a reply.
func (c *Client) PendingCount() int { return c.pending.Len() }

// Call publishes payload on topic and waits for the correlated reply, the
// timeout, or ctx. A non-positive timeout uses the client default. Payloads
// of type []byte or json.RawMessage are sent as-is; anything else is
// JSON-encoded.
func (c *Client) Call(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if !started {
		return nil, ErrClientNotStarted
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	body, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", topic, err)
	}

	begin := time.Now()
	id := uuid.NewString()
	ch, err := c.pending.Add(id, timeout)
	if err != nil {
		return nil, err
	}
	c.topics.Store(id, topic)
	defer c.topics.Delete(id)

	log := logging.Log.With().Str("topic", topic).Str("correlation_id", id).Logger()
	env := types.Envelope{Topic: topic, Payload: body, CorrelationID: id, ReplyTo: c.inbox}
	if err := c.broker.Publish(ctx, env); err != nil {
		c.pending.Fail(id, err)
		<-ch
		metrics.ObserveRPC(topic, metrics.OutcomePublish, time.Since(begin))
		log.Warn().Err(err).Msg("RPC publish failed")
		return nil, fmt.Errorf("%w: %v", ErrPublish, err)
	}

	var res Result[json.RawMessage]
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.pending.Fail(id, ctx.Err())
		res = <-ch
	}

	metrics.ObserveRPC(topic, outcome(res.Err), time.Since(begin))
	if res.Err != nil {
		log.Debug().Err(res.Err).Dur("elapsed", time.Since(begin)).Msg("RPC call failed")
		return nil, res.Err
	}
	return res.Value, nil
}

// CallInto is Call followed by decoding the reply data into out.
func (c *Client) CallInto(ctx context.Context, topic string, payload, out any, timeout time.Duration) error {
	data, err := c.Call(ctx, topic, payload, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

// Close stops the inbox consumer and fails every outstanding call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	n := c.pending.FailAll(ErrClientClosed)
	if n > 0 {
		logging.Log.Info().Int("failed", n).Msg("RPC client closed with pending calls")
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (c *Client) handleReply(env types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.Error().Interface("panic", r).Str("correlation_id", env.CorrelationID).Msg("RPC reply handler panicked")
		}
	}()

	if env.CorrelationID == "" {
		c.discard(env, "missing correlation id")
		return
	}

	var reply Reply
	var resolved bool
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		resolved = c.pending.Fail(env.CorrelationID, fmt.Errorf("%w: %v", ErrMalformedReply, err))
	} else if reply.Error != "" {
		topic, _ := c.topics.Load(env.CorrelationID)
		name, _ := topic.(string)
		resolved = c.pending.Fail(env.CorrelationID, &RemoteError{Topic: name, Message: reply.Error})
	} else {
		resolved = c.pending.Resolve(env.CorrelationID, reply.Data)
	}

	if !resolved {
		c.discard(env, "unknown or completed correlation id")
	}
}

func (c *Client) discard(env types.Envelope, reason string) {
	metrics.IncRPCDiscarded()
	logging.Log.Debug().Str("correlation_id", env.CorrelationID).Str("reason", reason).Msg("Discarding RPC reply")
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.As(err, &remote):
		return metrics.OutcomeRemote
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrClientClosed):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeRemote
	}
}
