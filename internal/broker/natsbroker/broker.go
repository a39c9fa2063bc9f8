// Package natsbroker adapts a NATS connection to the one-way broker port.
// Correlation ids travel in a message header and the reply topic in the
// native NATS reply subject.
package natsbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"edurelay/internal/logging"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// HeaderCorrelationID carries types.Envelope.CorrelationID.
const HeaderCorrelationID = "Relay-Correlation-Id"

// Broker publishes and subscribes through a NATS connection.
type Broker struct {
	conn *nats.Conn
}

// Connect dials url with reconnect handling logged through the module logger.
func Connect(url, name string, timeout time.Duration) (*Broker, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return New(conn), nil
}

// New wraps an existing connection.
func New(conn *nats.Conn) *Broker {
	return &Broker{conn: conn}
}

// Publish sends env. NATS itself is fire-and-forget; only local errors surface.
func (b *Broker) Publish(ctx context.Context, env types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.PublishMsg(toMsg(env)); err != nil {
		return fmt.Errorf("publish %s: %w", env.Topic, err)
	}
	return nil
}

// Subscribe delivers every message on topic to handler.
func (b *Broker) Subscribe(topic string, handler func(types.Envelope)) (interfaces.Subscription, error) {
	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		handler(fromMsg(m))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// Close drains pending traffic and closes the connection.
func (b *Broker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

func toMsg(env types.Envelope) *nats.Msg {
	msg := nats.NewMsg(env.Topic)
	msg.Data = env.Payload
	msg.Reply = env.ReplyTo
	if env.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, env.CorrelationID)
	}
	return msg
}

func fromMsg(m *nats.Msg) types.Envelope {
	env := types.Envelope{Topic: m.Subject, Payload: m.Data, ReplyTo: m.Reply}
	if m.Header != nil {
		env.CorrelationID = m.Header.Get(HeaderCorrelationID)
	}
	return env
}
