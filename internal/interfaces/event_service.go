package interfaces

import "context"

// MessageHandler receives every message delivered to a subscriber, in publish order
type MessageHandler func(channel string, payload []byte)

// Subscriber is one multiplexed subscription connection. Channels are
// added and removed individually; all messages go to the single handler
// the subscriber was created with.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Close() error
}

// PubSub is the publish/subscribe collaborator used for per-job result and progress channels
type PubSub interface {
	// Publish delivers payload to every subscriber of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// NewSubscriber creates a subscription connection with no channels
	NewSubscriber(handler MessageHandler) Subscriber

	// Close shuts down the broker; later publishes fail
	Close() error
}
