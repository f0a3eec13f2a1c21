package bus

import (
	"context"
	"sync"
)

// Channel is an in-process ReplyBus used by tests and single-instance
// deployments. Fan-out still goes through the bus so the engine behaves the
// same way it does against Redis.
type Channel struct {
	mu      sync.Mutex
	subs    map[int]chan []byte
	nextID  int
	pending map[string]string
	closed  bool
}

// NewChannel builds an in-memory reply bus.
func NewChannel() *Channel {
	return &Channel{
		subs:    make(map[int]chan []byte),
		pending: make(map[string]string),
	}
}

func (c *Channel) Publish(_ context.Context, payload []byte) error {
	// Sends stay under the lock so a concurrent unsubscribe cannot close a
	// channel mid-publish; they are non-blocking, so the lock is never held
	// across a stalled receiver.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	for _, sub := range c.subs {
		// Copy per subscriber so no receiver can mutate another's view.
		buf := make([]byte, len(payload))
		copy(buf, payload)
		select {
		case sub <- buf:
		default:
			// Subscriber stopped draining; dropping mirrors a closed
			// pub/sub connection rather than stalling every publisher.
		}
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	id := c.nextID
	c.nextID++
	in := make(chan []byte, 64)
	c.subs[id] = in
	c.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer c.dropSubscriber(id)
		for {
			select {
			case payload, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Channel) dropSubscriber(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(sub)
	}
}

func (c *Channel) Remember(_ context.Context, requestID, ownerInstanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = ownerInstanceID
	return nil
}

func (c *Channel) Forget(_ context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
	return nil
}

// PendingOwners returns a snapshot of the bookkeeping records, used by tests
// to assert cleanup.
func (c *Channel) PendingOwners() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]string, len(c.pending))
	for k, v := range c.pending {
		snapshot[k] = v
	}
	return snapshot
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
	return nil
}
