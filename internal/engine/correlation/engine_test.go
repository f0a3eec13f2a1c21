package correlation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/crosstalkmq/crosstalk/internal/engine/bus"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newStartedEngine(t *testing.T, replyBus bus.ReplyBus) *Engine {
	t.Helper()
	engine := New(replyBus, "test-instance", newTestLogger())
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestRegisterThenResolveDeliversExactlyOnce(t *testing.T) {
	engine := newStartedEngine(t, bus.NewChannel())

	fut, cleanup, err := engine.Register(context.Background(), "req-1", time.Second)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	if !engine.Resolve("req-1", []byte(`{"ok":true}`)) {
		t.Fatal("expected resolve to apply")
	}

	result, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}

	// Later settles for the same ID are no-ops.
	if engine.Resolve("req-1", []byte(`{"ok":false}`)) {
		t.Error("second resolve must be ignored")
	}
	if engine.Reject("req-1", errors.New("late")) {
		t.Error("reject after resolve must be ignored")
	}
	if result, err := fut.Wait(context.Background()); err != nil || string(result) != `{"ok":true}` {
		t.Error("settled value must not change")
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	engine := newStartedEngine(t, bus.NewChannel())

	_, cleanup, err := engine.Register(context.Background(), "req-dup", time.Second)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	if _, _, err := engine.Register(context.Background(), "req-dup", time.Second); !errors.Is(err, cserrors.ErrRequestIDPending) {
		t.Fatalf("expected ErrRequestIDPending, got %v", err)
	}
}

func TestDeadlineExpiryRejectsWithTimeoutAndCleansUp(t *testing.T) {
	replyBus := bus.NewChannel()
	engine := newStartedEngine(t, replyBus)

	fut, cleanup, err := engine.Register(context.Background(), "req-timeout", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	_, err = fut.Wait(context.Background())
	if !cserrors.IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	var timeoutErr *cserrors.TimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.RequestID != "req-timeout" {
		t.Fatalf("timeout error should name the request, got %v", err)
	}

	if got := engine.PendingCount(); got != 0 {
		t.Errorf("pending table must be empty after timeout, got %d", got)
	}
	if owners := replyBus.PendingOwners(); len(owners) != 0 {
		t.Errorf("bus bookkeeping must be dropped after timeout, got %v", owners)
	}
}

func TestPublishResolutionSettlesOwningInstance(t *testing.T) {
	replyBus := bus.NewChannel()
	owner := newStartedEngine(t, replyBus)
	other := newStartedEngine(t, replyBus)

	fut, cleanup, err := owner.Register(context.Background(), "req-remote", time.Second)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	// Any instance may receive the broker reply; here the non-owner
	// publishes the resolution.
	if err := other.PublishResolution(context.Background(), "req-remote", []byte(`{"answer":42}`), ""); err != nil {
		t.Fatalf("publish resolution failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"answer":42}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestPublishResolutionErrorRejectsCaller(t *testing.T) {
	replyBus := bus.NewChannel()
	engine := newStartedEngine(t, replyBus)

	fut, cleanup, err := engine.Register(context.Background(), "req-err", time.Second)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	if err := engine.PublishResolution(context.Background(), "req-err", nil, "task rejected"); err != nil {
		t.Fatalf("publish resolution failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	var corrErr *cserrors.CorrelationError
	if !errors.As(err, &corrErr) {
		t.Fatalf("expected CorrelationError, got %v", err)
	}
	if corrErr.Message != "task rejected" {
		t.Fatalf("unexpected error message: %q", corrErr.Message)
	}
}

func TestUnknownResolutionIsIsolated(t *testing.T) {
	replyBus := bus.NewChannel()
	engine := newStartedEngine(t, replyBus)

	fut, cleanup, err := engine.Register(context.Background(), "req-live", time.Second)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	// A resolution for an ID nobody owns must neither fail nor disturb
	// other pending requests.
	if err := engine.PublishResolution(context.Background(), "req-unknown", []byte(`{}`), ""); err != nil {
		t.Fatalf("publish resolution failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := engine.PendingCount(); got != 1 {
		t.Fatalf("unrelated pending request must survive, pending=%d", got)
	}

	if engine.Resolve("req-live", []byte(`"done"`)) != true {
		t.Fatal("live request must still be resolvable")
	}
	if result, err := fut.Wait(context.Background()); err != nil || string(result) != `"done"` {
		t.Fatalf("unexpected outcome: %s %v", result, err)
	}
}

func TestCleanupIsIdempotentAndAlwaysRuns(t *testing.T) {
	replyBus := bus.NewChannel()
	engine := newStartedEngine(t, replyBus)

	_, cleanup, err := engine.Register(context.Background(), "req-cancel", time.Minute)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// A caller that abandons its request still cleans up, possibly twice.
	cleanup()
	cleanup()

	if got := engine.PendingCount(); got != 0 {
		t.Errorf("expected empty pending table, got %d", got)
	}
	if owners := replyBus.PendingOwners(); len(owners) != 0 {
		t.Errorf("expected empty bus bookkeeping, got %v", owners)
	}
}

func TestCloseRejectsStrandedRequests(t *testing.T) {
	engine := New(bus.NewChannel(), "test-instance", newTestLogger())
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	fut, _, err := engine.Register(context.Background(), "req-stranded", time.Minute)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := fut.Wait(context.Background()); !errors.Is(err, cserrors.ErrShuttingDown) {
		t.Fatalf("expected shutdown rejection, got %v", err)
	}
	if _, _, err := engine.Register(context.Background(), "req-after", time.Second); !errors.Is(err, cserrors.ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed after close, got %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestRegisterStoresBusBookkeeping(t *testing.T) {
	replyBus := bus.NewChannel()
	engine := newStartedEngine(t, replyBus)

	_, cleanup, err := engine.Register(context.Background(), "req-tracked", time.Second)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer cleanup()

	owners := replyBus.PendingOwners()
	if owners["req-tracked"] != "test-instance" {
		t.Fatalf("expected ownership record, got %v", owners)
	}
}
