package correlation

import (
	"context"
	"sync"
)

// Future is the one-shot settlement primitive handed to a Request caller. It
// is completed exactly once, by resolution, rejection, timeout or engine
// shutdown, whichever comes first.
type Future struct {
	ch     chan struct{}
	result []byte
	err    error

	once sync.Once
	mu   sync.Mutex
}

func newFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

// settle completes the future. Duplicate calls are ignored; the first settle
// wins. Closing the channel releases every waiter.
func (f *Future) settle(result []byte, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result = result
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

// Done returns a channel closed once the future is settled, for select-based
// waiting.
func (f *Future) Done() <-chan struct{} {
	return f.ch
}

// Wait blocks until settlement or context cancellation.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.ch:
		f.mu.Lock()
		result, err := f.result, f.err
		f.mu.Unlock()
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
