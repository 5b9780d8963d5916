package topic

import (
	"context"
	"errors"
)

var (
	// ErrPubSubUnavailable signals that the transport cannot provide topic
	// subscriptions; the network falls back to direct-message mode.
	ErrPubSubUnavailable = errors.New("topic: pub/sub unavailable")

	// ErrNotSubscribed is returned when broadcasting to an organization the
	// node has not joined.
	ErrNotSubscribed = errors.New("topic: not subscribed to organization")
)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the injected peer-to-peer collaborator. Delivery is
// at-most-once, best-effort. Implementations must be safe for concurrent use.
type Transport interface {
	// Subscribe registers a handler for messages published to topic.
	// Returns ErrPubSubUnavailable when the transport has no pub/sub.
	Subscribe(ctx context.Context, topic string, handler func(data []byte)) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
	// SendDirect delivers an encrypted point-to-point message.
	SendDirect(ctx context.Context, targetDID string, data []byte) error
	// HandleDirect registers the handler for inbound direct messages.
	HandleDirect(handler func(data []byte))
}
