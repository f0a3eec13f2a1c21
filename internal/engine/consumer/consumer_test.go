package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"

	"github.com/crosstalkmq/crosstalk/internal/engine/config"
	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	registry := NewRegistry(newTestLogger())

	noop := HandlerFunc(func(context.Context, *envelope.Envelope) error { return nil })
	if err := registry.Register("", noop); !errors.Is(err, cserrors.ErrTopicRequired) {
		t.Fatalf("error = %v, want ErrTopicRequired", err)
	}
	if err := registry.Register("topic", nil); !errors.Is(err, cserrors.ErrHandlerRequired) {
		t.Fatalf("error = %v, want ErrHandlerRequired", err)
	}
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	registry := NewRegistry(newTestLogger())

	var hits atomic.Int32
	first := HandlerFunc(func(context.Context, *envelope.Envelope) error {
		hits.Add(1)
		return nil
	})
	second := HandlerFunc(func(context.Context, *envelope.Envelope) error {
		hits.Add(100)
		return nil
	})

	if err := registry.Register("topic", first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("topic", second); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	handler, ok := registry.Handler("topic")
	if !ok {
		t.Fatal("handler missing")
	}
	if err := handler.Handle(context.Background(), envelope.New("topic", nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := hits.Load(); got != 100 {
		t.Fatalf("hits = %d, want the replacement handler only", got)
	}
}

func TestSwallowAbsorbsErrorsAndPanics(t *testing.T) {
	logger := newTestLogger()

	failing := Swallow(HandlerFunc(func(context.Context, *envelope.Envelope) error {
		return errors.New("bad payload")
	}), logger)
	if err := failing.Handle(context.Background(), envelope.New("t", nil)); err != nil {
		t.Fatalf("swallowed handler returned %v", err)
	}

	panicking := Swallow(HandlerFunc(func(context.Context, *envelope.Envelope) error {
		panic("boom")
	}), logger)
	if err := panicking.Handle(context.Background(), envelope.New("t", nil)); err != nil {
		t.Fatalf("panicking handler returned %v", err)
	}
}

func newRunningConsumer(t *testing.T, conf *config.Config, registry *Registry) (*Consumer, *gochannel.GoChannel) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	cons, err := New(conf, newTestLogger(), registry, pubSub)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if err := cons.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = cons.Close() })
	return cons, pubSub
}

func TestConsumerDispatchesToRegisteredHandler(t *testing.T) {
	conf := &config.Config{InstanceID: "consumer-test", Topics: []string{"tasks"}}
	conf.Normalize()

	registry := NewRegistry(newTestLogger())
	received := make(chan *envelope.Envelope, 1)
	if err := registry.Register("tasks", HandlerFunc(func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, pubSub := newRunningConsumer(t, conf, registry)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"job":"index"}`))
	msg.Metadata.Set(envelope.HeaderRequestID, "req-9")
	if err := pubSub.Publish("tasks", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-received:
		if env.Topic != "tasks" {
			t.Fatalf("topic = %q", env.Topic)
		}
		if env.RequestID() != "req-9" {
			t.Fatalf("request ID = %q", env.RequestID())
		}
		if string(env.Value) != `{"job":"index"}` {
			t.Fatalf("value = %s", env.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestConsumerRedeliversOnHandlerError(t *testing.T) {
	conf := &config.Config{InstanceID: "consumer-test", Topics: []string{"tasks"}}
	conf.Normalize()

	registry := NewRegistry(newTestLogger())
	var attempts atomic.Int32
	done := make(chan struct{})
	if err := registry.Register("tasks", HandlerFunc(func(context.Context, *envelope.Envelope) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, pubSub := newRunningConsumer(t, conf, registry)

	if err := pubSub.Publish("tasks", message.NewMessage(watermill.NewUUID(), []byte(`{}`))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
		if got := attempts.Load(); got != 3 {
			t.Fatalf("attempts = %d, want 3", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message was not redelivered, attempts = %d", attempts.Load())
	}
}

func TestConsumerDropsMessagesWithoutHandler(t *testing.T) {
	conf := &config.Config{InstanceID: "consumer-test", Topics: []string{"orphan", "tasks"}}
	conf.Normalize()

	registry := NewRegistry(newTestLogger())
	received := make(chan struct{}, 1)
	if err := registry.Register("tasks", HandlerFunc(func(context.Context, *envelope.Envelope) error {
		received <- struct{}{}
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, pubSub := newRunningConsumer(t, conf, registry)

	// The orphan message is acked and dropped; the tasks message behind it
	// still gets through.
	if err := pubSub.Publish("orphan", message.NewMessage(watermill.NewUUID(), []byte(`{}`))); err != nil {
		t.Fatalf("publish orphan: %v", err)
	}
	if err := pubSub.Publish("tasks", message.NewMessage(watermill.NewUUID(), []byte(`{}`))); err != nil {
		t.Fatalf("publish tasks: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks handler never ran")
	}
}

func TestConnectedLifecycle(t *testing.T) {
	conf := &config.Config{InstanceID: "consumer-test"}
	conf.Normalize()

	cons, _ := newRunningConsumer(t, conf, NewRegistry(newTestLogger()))
	if !cons.Connected() {
		t.Fatal("expected connected after start")
	}
	if err := cons.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cons.Connected() {
		t.Fatal("expected disconnected after close")
	}
}

func TestTracerMiddlewareAttachesSpan(t *testing.T) {
	mw := tracerMiddleware()
	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.Metadata.Set(envelope.HeaderRequestID, "req-7")
	msg.SetContext(context.Background())

	var observed trace.Span
	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, nil
	})(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed == nil {
		t.Fatal("expected span attached to message context")
	}
}

func TestConsumerDispatchesWithTracingEnabled(t *testing.T) {
	conf := &config.Config{
		InstanceID:     "consumer-test",
		Topics:         []string{"tasks"},
		TracingEnabled: true,
	}
	conf.Normalize()

	registry := NewRegistry(newTestLogger())
	received := make(chan *envelope.Envelope, 1)
	if err := registry.Register("tasks", HandlerFunc(func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, pubSub := newRunningConsumer(t, conf, registry)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"job":"trace"}`))
	if err := pubSub.Publish("tasks", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-received:
		if string(env.Value) != `{"job":"trace"}` {
			t.Fatalf("value = %s", env.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}
