package consumer

import (
	"context"
	"sync"

	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

// Handler processes one inbound envelope. An error returned from a handler
// propagates to the broker's acknowledgement mechanism and triggers
// redelivery; handlers whose failures must never block the consume loop are
// registered through Swallow.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Registry maps topics to handlers. It is constructed once at startup and
// handed to the Consumer; there is no ambient global registration.
type Registry struct {
	logger logging.ServiceLogger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty topic registry.
func NewRegistry(logger logging.ServiceLogger) *Registry {
	return &Registry{
		logger:   logger.With(logging.LogFields{"component": "handler_registry"}),
		handlers: make(map[string]Handler),
	}
}

// Register maps topic to handler. Re-registering a topic is allowed; the last
// registration wins and the override is logged.
func (r *Registry) Register(topic string, handler Handler) error {
	if topic == "" {
		return cserrors.ErrTopicRequired
	}
	if handler == nil {
		return cserrors.ErrHandlerRequired
	}

	r.mu.Lock()
	_, overridden := r.handlers[topic]
	r.handlers[topic] = handler
	r.mu.Unlock()

	fields := logging.LogFields{"topic": topic}
	if overridden {
		r.logger.Info("handler for topic is being overridden", fields)
	} else {
		r.logger.Info("handler registered for topic", fields)
	}
	return nil
}

// Handler returns the handler registered for topic.
func (r *Registry) Handler(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[topic]
	return handler, ok
}

// Topics returns the registered topics.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// Swallow wraps a handler so that errors and panics are logged and absorbed.
// Used for the notification path, where one malformed message must never
// stall delivery of the messages behind it.
func Swallow(handler Handler, logger logging.ServiceLogger) Handler {
	return HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notification handler panicked", nil, logging.LogFields{
					"topic": env.Topic,
					"panic": r,
				})
			}
			err = nil
		}()

		if handleErr := handler.Handle(ctx, env); handleErr != nil {
			logger.Error("notification handler failed", handleErr, logging.LogFields{
				"topic":  env.Topic,
				"offset": env.Offset,
			})
		}
		return nil
	})
}
