// Package handlers holds the two handler kinds consulted by the consumer:
// the reply handler feeding the correlation engine and the notification
// handler feeding the hub.
package handlers

import (
	"context"

	"github.com/crosstalkmq/crosstalk/internal/engine/correlation"
	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

// Reply consumes the reply topic. Every valid reply is fanned out through the
// correlation engine's bus so the owning instance settles its caller, no
// matter which instance's consumer got the record.
type Reply struct {
	engine *correlation.Engine
	logger logging.ServiceLogger
}

// NewReply builds the reply-topic handler.
func NewReply(engine *correlation.Engine, logger logging.ServiceLogger) *Reply {
	return &Reply{
		engine: engine,
		logger: logger.With(logging.LogFields{"component": "reply_handler"}),
	}
}

// Handle validates and fans out one reply record. A reply without a request
// ID cannot be correlated to any caller: it is logged and dropped, never
// retried, since redelivery cannot fix a malformed payload. Bus publish
// failures propagate so the broker redelivers the record; dropping it would
// strand the caller until timeout.
func (h *Reply) Handle(ctx context.Context, env *envelope.Envelope) error {
	reply := envelope.ParseReply(env)
	if reply.ID == "" {
		h.logger.Info("reply message missing request ID, dropping", logging.LogFields{
			"topic":     env.Topic,
			"partition": env.Partition,
			"offset":    env.Offset,
		})
		return nil
	}

	var (
		result       []byte
		errorMessage string
	)
	if reply.Failed() {
		errorMessage = reply.ErrorMessage()
	} else {
		result = env.Value
	}

	if err := h.engine.PublishResolution(ctx, reply.ID, result, errorMessage); err != nil {
		h.logger.Error("failed to publish resolution", err, logging.LogFields{
			"request_id": reply.ID,
		})
		return err
	}

	h.logger.Debug("reply processed", logging.LogFields{"request_id": reply.ID})
	return nil
}
