// Package broker defines the publish/subscribe capability the gateway uses
// for cross-instance event propagation. The gateway only consumes the shared
// channel; Publish exists because the same broker handle serves producers
// (the game-rules backend) and keeps the contract symmetric.
package broker

import "context"

// PubSub is a shared broadcast channel between gateway instances and the
// game-rules backend. Delivery is best-effort: messages published while a
// subscriber is down are lost.
type PubSub interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription on channel. The returned Subscription
	// must be closed by the caller.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a single live subscription to a broker channel.
type Subscription interface {
	// Receive blocks until the next message arrives, ctx ends, or the
	// subscription is closed.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears down the subscription.
	Close() error
}
