// Package consumer runs the topic-dispatch receive loop: one long-running
// subscription per configured topic, each inbound record decoded into an
// envelope and routed to the handler registered for its topic.
package consumer

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crosstalkmq/crosstalk/internal/engine/config"
	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

// Consumer owns the watermill router and dispatches inbound messages through
// the registry. Handler invocation within one partition is sequential in
// partition order (the subscriber's ordering guarantee); across partitions
// and topics dispatch is concurrent.
type Consumer struct {
	conf     *config.Config
	logger   logging.ServiceLogger
	registry *Registry

	subscriber message.Subscriber
	router     *message.Router

	connected atomic.Bool
}

// New builds the consumer over an already-built subscriber. Topics without a
// registered handler log and drop their messages; registration may happen
// any time before the message arrives.
func New(conf *config.Config, logger logging.ServiceLogger, registry *Registry, subscriber message.Subscriber) (*Consumer, error) {
	wmLogger := logging.NewWatermillAdapter(logger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.Recoverer)
	if conf.TracingEnabled {
		router.AddMiddleware(tracerMiddleware())
	}

	c := &Consumer{
		conf:       conf,
		logger:     logger.With(logging.LogFields{"component": "consumer"}),
		registry:   registry,
		subscriber: subscriber,
		router:     router,
	}

	if conf.MetricsEnabled {
		metricsBuilder := metrics.NewPrometheusMetricsBuilder(
			prometheus.DefaultRegisterer,
			"crosstalk",
			conf.PubSubSystem,
		)
		metricsBuilder.AddPrometheusRouterMetrics(router)
	}

	for _, topic := range c.subscribedTopics() {
		topic := topic
		router.AddNoPublisherHandler(
			fmt.Sprintf("consume_%s", topic),
			topic,
			subscriber,
			func(msg *message.Message) error {
				return c.dispatch(topic, msg)
			},
		)
	}

	return c, nil
}

// subscribedTopics is the reply topic plus the configured notification
// topics, deduplicated.
func (c *Consumer) subscribedTopics() []string {
	seen := map[string]struct{}{c.conf.ReplyTopic: {}}
	topics := []string{c.conf.ReplyTopic}
	for _, topic := range c.conf.Topics {
		if _, dup := seen[topic]; dup || topic == "" {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func (c *Consumer) dispatch(topic string, msg *message.Message) error {
	handler, ok := c.registry.Handler(topic)
	if !ok {
		c.logger.Info("no handler registered for topic, dropping message", logging.LogFields{
			"topic": topic,
			"uuid":  msg.UUID,
		})
		return nil
	}

	env := envelope.FromMessage(topic, msg)
	if err := handler.Handle(msg.Context(), env); err != nil {
		// Propagating the error nacks the message, so the broker's retry
		// policy redelivers it. A dropped reply would strand a caller
		// until its deadline.
		c.logger.Error("handler failed, message will be redelivered", err, logging.LogFields{
			"topic":     topic,
			"partition": env.Partition,
			"offset":    env.Offset,
		})
		return err
	}

	c.logger.Trace("message processed", logging.LogFields{
		"topic":  topic,
		"offset": env.Offset,
	})
	return nil
}

// Start launches the receive loop and blocks until the router is running or
// the context ends. A router that cannot start is fatal to process startup.
func (c *Consumer) Start(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() {
		runErr <- c.router.Run(ctx)
	}()

	select {
	case <-c.router.Running():
		c.connected.Store(true)
		c.logger.Info("consumer subscribed", logging.LogFields{
			"topics": c.subscribedTopics(),
		})
	case err := <-runErr:
		if err == nil {
			err = fmt.Errorf("consumer router stopped before running")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	go func() {
		err := <-runErr
		c.connected.Store(false)
		if err != nil {
			c.logger.Error("consumer router stopped", err, nil)
		}
	}()

	if c.conf.MetricsEnabled && c.conf.MetricsPort > 0 {
		c.serveMetrics()
	}

	return nil
}

// tracerMiddleware wraps handler dispatch in an OpenTelemetry span. Spans
// land on the global tracer provider, so without one configured this is a
// no-op.
func tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("crosstalk-consumer")
			ctx, span := tracer.Start(msg.Context(), "ProcessMessage")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.request_id", msg.Metadata.Get(envelope.HeaderRequestID)),
			)
			return h(msg)
		}
	}
}

func (c *Consumer) serveMetrics() {
	addr := fmt.Sprintf(":%d", c.conf.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	c.logger.Info("serving metrics", logging.LogFields{"address": addr})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			c.logger.Error("metrics server stopped", err, logging.LogFields{"address": addr})
		}
	}()
}

// Connected reports whether the receive loop is running.
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Close stops the router and the subscriptions it owns.
func (c *Consumer) Close() error {
	c.connected.Store(false)
	return c.router.Close()
}
