// Package producer is the thin publish-side wrapper over the transport.
package producer

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

// Producer publishes envelopes to broker topics. Publish returns once the
// broker accepts the write, not once any consumer processes it.
type Producer struct {
	publisher message.Publisher
	logger    logging.ServiceLogger
	closed    atomic.Bool
}

// New wraps an already-connected transport publisher.
func New(publisher message.Publisher, logger logging.ServiceLogger) (*Producer, error) {
	if publisher == nil {
		return nil, cserrors.ErrPublisherRequired
	}
	return &Producer{
		publisher: publisher,
		logger:    logger.With(logging.LogFields{"component": "producer"}),
	}, nil
}

// Publish writes the envelope to topic. Failures wrap into PublishError so
// callers can tell a broker write failure apart from a correlation failure.
func (p *Producer) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if topic == "" {
		return cserrors.ErrTopicRequired
	}

	msg := env.ToMessage()
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := p.publisher.Publish(topic, msg); err != nil {
		return &cserrors.PublishError{Topic: topic, Err: err}
	}

	p.logger.Trace("message published", logging.LogFields{
		"topic": topic,
		"uuid":  msg.UUID,
	})
	return nil
}

// Connected reports whether the producer is usable. The watermill publisher
// reconnects internally, so this flips only on Close.
func (p *Producer) Connected() bool {
	return !p.closed.Load()
}

// Close releases the underlying publisher.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.publisher.Close()
}
