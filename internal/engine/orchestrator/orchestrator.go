// Package orchestrator ties the publish side, the correlation engine, the
// consumer and the notification hub into the facade applications talk to.
package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/crosstalkmq/crosstalk/internal/engine/config"
	"github.com/crosstalkmq/crosstalk/internal/engine/consumer"
	"github.com/crosstalkmq/crosstalk/internal/engine/correlation"
	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/hub"
	"github.com/crosstalkmq/crosstalk/internal/engine/ids"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
	"github.com/crosstalkmq/crosstalk/internal/engine/producer"
)

// Status is the aggregate view over the orchestrator's moving parts. It is a
// pure read and takes no locks beyond each component's own.
type Status struct {
	ConsumerConnected bool `json:"consumerConnected"`
	ProducerConnected bool `json:"producerConnected"`
	PendingRequests   int  `json:"pendingRequests"`
	ConnectedClients  int  `json:"connectedClients"`
}

// Orchestrator exposes fire-and-forget sends and correlated request/reply
// over the broker, plus health introspection for the monitor.
type Orchestrator struct {
	conf     *config.Config
	logger   logging.ServiceLogger
	producer *producer.Producer
	engine   *correlation.Engine
	consumer *consumer.Consumer
	hub      *hub.Hub
	closed   atomic.Bool
}

// New assembles the facade from already-started components.
func New(
	conf *config.Config,
	logger logging.ServiceLogger,
	prod *producer.Producer,
	engine *correlation.Engine,
	cons *consumer.Consumer,
	h *hub.Hub,
) (*Orchestrator, error) {
	if conf == nil {
		return nil, cserrors.ErrConfigRequired
	}
	if prod == nil {
		return nil, cserrors.ErrPublisherRequired
	}
	return &Orchestrator{
		conf:     conf,
		logger:   logger.With(logging.LogFields{"component": "orchestrator"}),
		producer: prod,
		engine:   engine,
		consumer: cons,
		hub:      h,
	}, nil
}

// Send publishes the envelope with no correlation. It returns once the broker
// accepts the write, not once any consumer processes it.
func (o *Orchestrator) Send(ctx context.Context, topic string, env *envelope.Envelope) error {
	if o.closed.Load() {
		return cserrors.ErrShuttingDown
	}
	return o.producer.Publish(ctx, topic, env)
}

// Request publishes the envelope tagged with a fresh request ID and waits for
// the correlated reply. A non-positive timeout falls back to the configured
// default. Registration happens before the publish so a reply can never race
// an absent pending entry; cleanup runs on every return path.
func (o *Orchestrator) Request(ctx context.Context, topic string, env *envelope.Envelope, timeout time.Duration) ([]byte, error) {
	if o.closed.Load() {
		return nil, cserrors.ErrShuttingDown
	}
	if timeout <= 0 {
		timeout = o.conf.DefaultRequestTimeout
	}

	requestID := ids.NewRequestID(o.conf.InstanceID)
	tagged, err := env.WithRequestID(requestID)
	if err != nil {
		return nil, err
	}

	fut, cleanup, err := o.engine.Register(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := o.producer.Publish(ctx, topic, tagged); err != nil {
		return nil, err
	}

	o.logger.Debug("request published, awaiting reply", logging.LogFields{
		"topic":      topic,
		"request_id": requestID,
		"timeout":    timeout.String(),
	})

	return fut.Wait(ctx)
}

// Broadcast pushes a notification to every client subscribed to channel.
func (o *Orchestrator) Broadcast(channel string, msg hub.Message) {
	o.hub.Broadcast(channel, msg)
}

// Hub exposes the notification hub for client lifecycle management.
func (o *Orchestrator) Hub() *hub.Hub {
	return o.hub
}

// Status aggregates the connected flags and the pending/client counts.
func (o *Orchestrator) Status() Status {
	return Status{
		ConsumerConnected: o.consumer.Connected(),
		ProducerConnected: o.producer.Connected(),
		PendingRequests:   o.engine.PendingCount(),
		ConnectedClients:  o.hub.ClientCount(),
	}
}

// IsHealthy reports whether both broker directions are up.
func (o *Orchestrator) IsHealthy() bool {
	return o.consumer.Connected() && o.producer.Connected()
}

// Close shuts the components down consume-side first so no handler runs
// against an already-closed engine or hub. Safe to call more than once.
func (o *Orchestrator) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	o.logger.Info("shutting down", nil)
	return errors.Join(
		o.consumer.Close(),
		o.engine.Close(),
		o.hub.Close(),
		o.producer.Close(),
	)
}
