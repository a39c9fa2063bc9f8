package interfaces

import (
	"context"

	"edurelay/pkg/types"
)

// Broker is a one-way publish/subscribe transport. Delivery is fire-and-forget
// and unordered; request/reply is layered on top by the rpc package.
type Broker interface {
	Publish(ctx context.Context, msg types.Envelope) error
	Subscribe(topic string, handler func(types.Envelope)) (Subscription, error)
	Close() error
}

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}
