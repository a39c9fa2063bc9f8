package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"edurelay/internal/logging"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// HandlerFunc answers one request. The returned value is JSON-encoded into
// Reply.Data; a returned error becomes Reply.Error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Server answers requests published on registered topics by publishing a
// Reply to the request's ReplyTo with the same correlation id.
type Server struct {
	broker interfaces.Broker
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]interfaces.Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server whose handlers run with a context derived from ctx.
func NewServer(ctx context.Context, broker interfaces.Broker) *Server {
	ctx, cancel := context.WithCancel(ctx)
	return &Server{
		broker: broker,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]interfaces.Subscription),
	}
}

// Handle subscribes fn to topic.
func (s *Server) Handle(topic string, fn HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if _, exists := s.subs[topic]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, topic)
	}

	sub, err := s.broker.Subscribe(topic, func(env types.Envelope) {
		if !s.begin() {
			return
		}
		defer s.wg.Done()
		s.serve(fn, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.subs[topic] = sub
	logging.Log.Info().Str("topic", topic).Msg("RPC handler registered")
	return nil
}

// begin counts a request as in flight unless the server is closing.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) serve(fn HandlerFunc, env types.Envelope) {
	log := logging.Log.With().Str("topic", env.Topic).Str("correlation_id", env.CorrelationID).Logger()

	var reply Reply
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("RPC handler panicked")
				reply = Reply{Error: ErrInternalHandler.Error()}
			}
		}()
		result, err := fn(s.ctx, env.Payload)
		if err != nil {
			reply.Error = err.Error()
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			reply.Error = fmt.Sprintf("encode reply: %v", err)
			return
		}
		reply.Data = data
	}()

	if env.ReplyTo == "" {
		log.Debug().Msg("Request has no reply topic, dropping reply")
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode RPC reply")
		return
	}
	out := types.Envelope{Topic: env.ReplyTo, Payload: body, CorrelationID: env.CorrelationID}
	if err := s.broker.Publish(s.ctx, out); err != nil {
		log.Warn().Err(err).Msg("Failed to publish RPC reply")
	}
}

// Close unsubscribes every handler and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var firstErr error
	for topic, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe %s: %w", topic, err)
		}
	}
	s.wg.Wait()
	s.cancel()
	return firstErr
}
