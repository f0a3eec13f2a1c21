// Package correlation matches asynchronous broker replies to the in-process
// caller awaiting them. A request published by instance A may be answered by
// a handler on instance B; the resolution travels over the shared reply bus
// to every instance, and the one holding the matching pending entry settles
// its caller while the others drop it.
package correlation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crosstalkmq/crosstalk/internal/engine/bus"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/jsoncodec"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

const forgetTimeout = 2 * time.Second

// Resolution is the fan-out message published on the reply bus. Exactly one
// of Result/Error is meaningful; Error non-empty means the request failed.
type Resolution struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type pending struct {
	requestID string
	createdAt time.Time
	deadline  time.Time
	fut       *Future
	timer     *time.Timer
}

// Engine owns this instance's pending-request table and applies resolutions
// arriving on the reply bus. All settlement paths funnel into settle, which
// enforces the first-settle-wins discipline by removing the entry under the
// table lock.
type Engine struct {
	bus        bus.ReplyBus
	instanceID string
	logger     logging.ServiceLogger

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	stop context.CancelFunc
	done chan struct{}
}

// New builds an Engine over the provided reply bus. Call Start before
// registering requests so no resolution broadcast is missed.
func New(replyBus bus.ReplyBus, instanceID string, logger logging.ServiceLogger) *Engine {
	return &Engine{
		bus:        replyBus,
		instanceID: instanceID,
		logger:     logger.With(logging.LogFields{"component": "correlation_engine"}),
		pending:    make(map[string]*pending),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the reply bus and runs the resolution loop until the
// context is cancelled or Close is called. A subscription failure is fatal to
// startup: without it this instance could never settle its own callers.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	resolutions, err := e.bus.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return cserrors.ErrEngineClosed
	}
	e.stop = cancel
	e.mu.Unlock()

	go e.run(resolutions)
	return nil
}

func (e *Engine) run(resolutions <-chan []byte) {
	defer close(e.done)
	for payload := range resolutions {
		var res Resolution
		if err := jsoncodec.Unmarshal(payload, &res); err != nil {
			e.logger.Error("dropping malformed resolution broadcast", err, nil)
			continue
		}
		if res.RequestID == "" {
			e.logger.Error("dropping resolution broadcast without request ID", nil, nil)
			continue
		}

		var applied bool
		if res.Error != "" {
			applied = e.Reject(res.RequestID, &cserrors.CorrelationError{
				RequestID: res.RequestID,
				Message:   res.Error,
			})
		} else {
			applied = e.Resolve(res.RequestID, res.Result)
		}

		// Not owning the entry is the normal cross-instance case.
		if !applied {
			e.logger.Debug("resolution matches no local pending request", logging.LogFields{
				"request_id": res.RequestID,
			})
		}
	}
}

// Register creates the pending entry for requestID and arms its deadline
// timer. The returned cleanup is idempotent and safe to call on every exit
// path; a caller that abandons the request must still call it. Registering an
// ID that is already pending is a programming error.
func (e *Engine) Register(ctx context.Context, requestID string, timeout time.Duration) (*Future, func(), error) {
	entry := &pending{
		requestID: requestID,
		createdAt: time.Now(),
		deadline:  time.Now().Add(timeout),
		fut:       newFuture(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, cserrors.ErrEngineClosed
	}
	if _, exists := e.pending[requestID]; exists {
		e.mu.Unlock()
		return nil, nil, cserrors.ErrRequestIDPending
	}
	e.pending[requestID] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		e.Reject(requestID, &cserrors.TimeoutError{RequestID: requestID, Timeout: timeout})
	})
	e.mu.Unlock()

	// Bus-side bookkeeping is observability only; a failure must not fail
	// the request.
	if err := e.bus.Remember(ctx, requestID, e.instanceID); err != nil {
		e.logger.Error("failed to record pending request on bus", err, logging.LogFields{
			"request_id": requestID,
		})
	}

	cleanup := func() { e.remove(requestID) }
	return entry.fut, cleanup, nil
}

// Resolve settles the pending request with a successful result. It reports
// whether this instance owned the entry; false means the entry was already
// settled, timed out, or belongs to another instance.
func (e *Engine) Resolve(requestID string, result []byte) bool {
	return e.settle(requestID, result, nil)
}

// Reject settles the pending request with an error.
func (e *Engine) Reject(requestID string, err error) bool {
	return e.settle(requestID, nil, err)
}

func (e *Engine) settle(requestID string, result []byte, err error) bool {
	entry, ok := e.take(requestID)
	if !ok {
		return false
	}

	entry.timer.Stop()
	entry.fut.settle(result, err)
	e.forget(requestID)
	return true
}

// take removes and returns the pending entry. Removal under the lock is the
// pending→settled transition; whoever gets the entry is the single settler.
func (e *Engine) take(requestID string) (*pending, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(e.pending, requestID)
	return entry, true
}

// remove is the caller-facing cleanup: drop the entry without settling.
// Safe to call any number of times, on any exit path.
func (e *Engine) remove(requestID string) {
	entry, ok := e.take(requestID)
	if !ok {
		return
	}
	entry.timer.Stop()
	e.forget(requestID)
}

func (e *Engine) forget(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if err := e.bus.Forget(ctx, requestID); err != nil {
		e.logger.Error("failed to drop pending request from bus", err, logging.LogFields{
			"request_id": requestID,
		})
	}
}

// PublishResolution fans a resolution out to every instance through the reply
// bus, including this one. Exactly one instance will own the matching entry.
func (e *Engine) PublishResolution(ctx context.Context, requestID string, result []byte, errorMessage string) error {
	payload, err := jsoncodec.Marshal(Resolution{
		RequestID: requestID,
		Result:    result,
		Error:     errorMessage,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, payload); err != nil {
		return err
	}
	e.logger.Debug("published resolution", logging.LogFields{"request_id": requestID})
	return nil
}

// PendingCount returns the number of locally pending requests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close rejects every still-pending entry with a shutdown error and stops the
// resolution loop. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stranded := make([]*pending, 0, len(e.pending))
	for id, entry := range e.pending {
		stranded = append(stranded, entry)
		delete(e.pending, id)
	}
	stop := e.stop
	e.mu.Unlock()

	for _, entry := range stranded {
		entry.timer.Stop()
		entry.fut.settle(nil, cserrors.ErrShuttingDown)
		e.forget(entry.requestID)
	}

	if stop != nil {
		stop()
		<-e.done
	}
	return nil
}
