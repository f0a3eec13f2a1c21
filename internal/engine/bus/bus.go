// Package bus provides the shared broadcast channel that fans reply
// resolutions out to every instance of the deployment. The broker's partition
// assignment makes it impossible to predict which instance consumes a reply,
// so the reply handler publishes the resolution here and each instance's
// correlation engine applies it locally or drops it.
package bus

import "context"

// ReplyBus is the pub/sub capability consumed by the correlation engine.
//
// Remember and Forget keep a bounded-TTL record of locally pending requests on
// the bus side. They exist for cross-instance visibility and debugging only;
// correctness never depends on them, so implementations may make them cheap
// and best-effort.
type ReplyBus interface {
	// Publish fans the payload out to every subscribed instance, including
	// the publishing one.
	Publish(ctx context.Context, payload []byte) error

	// Subscribe returns a channel of fan-out payloads. The channel is closed
	// when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	Remember(ctx context.Context, requestID, ownerInstanceID string) error
	Forget(ctx context.Context, requestID string) error

	Close() error
}
