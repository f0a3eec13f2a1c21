package handlers

import (
	"context"
	"time"

	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	"github.com/crosstalkmq/crosstalk/internal/engine/hub"
	"github.com/crosstalkmq/crosstalk/internal/engine/ids"
	"github.com/crosstalkmq/crosstalk/internal/engine/jsoncodec"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

// Well-known task topics and the hub channels they fan out to. Topics outside
// the map land on the general channel so nothing is silently lost.
const (
	TopicUserLogin      = "USER_LOGIN"
	TopicPurchased      = "PURCHASED"
	TopicMessageSent    = "MESSAGE_SENT"
	TopicAlertTriggered = "ALERT_TRIGGERED"

	ChannelAuth     = "auth"
	ChannelPayments = "payments"
	ChannelMessages = "messages"
	ChannelAlerts   = "alerts"
	ChannelGeneral  = "general"
)

var topicChannels = map[string]string{
	TopicUserLogin:      ChannelAuth,
	TopicPurchased:      ChannelPayments,
	TopicMessageSent:    ChannelMessages,
	TopicAlertTriggered: ChannelAlerts,
}

// ChannelFor maps a task topic to its hub channel.
func ChannelFor(topic string) string {
	if ch, ok := topicChannels[topic]; ok {
		return ch
	}
	return ChannelGeneral
}

// Notification turns consumed task records into hub broadcasts. It is meant
// to be registered behind consumer.Swallow: notification delivery is
// best-effort and a bad record must never hold up the partition.
type Notification struct {
	hub    *hub.Hub
	logger logging.ServiceLogger
}

// NewNotification builds the task-topic handler.
func NewNotification(h *hub.Hub, logger logging.ServiceLogger) *Notification {
	return &Notification{
		hub:    h,
		logger: logger.With(logging.LogFields{"component": "notification_handler"}),
	}
}

// Handle shapes one consumed record into a notification and broadcasts it.
// It always returns nil: there is no caller waiting on a notification, so
// redelivering a record the hub already saw would only duplicate it.
func (n *Notification) Handle(_ context.Context, env *envelope.Envelope) error {
	channel := ChannelFor(env.Topic)
	msg := n.shape(env)

	n.hub.Broadcast(channel, msg)

	n.logger.Debug("notification broadcast", logging.LogFields{
		"topic":   env.Topic,
		"channel": channel,
		"event":   msg.Event,
	})
	return nil
}

// shape builds the client-facing message. The record value is decoded as
// JSON when possible; anything else rides along as a string payload.
func (n *Notification) shape(env *envelope.Envelope) hub.Message {
	var payload any
	if len(env.Value) > 0 {
		if err := jsoncodec.Unmarshal(env.Value, &payload); err != nil {
			payload = string(env.Value)
		}
	}

	return hub.Message{
		ID:    ids.CreateULID(),
		Event: eventFor(env.Topic),
		Data: map[string]any{
			"topic":     env.Topic,
			"payload":   payload,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func eventFor(topic string) string {
	switch topic {
	case TopicUserLogin:
		return "user_login"
	case TopicPurchased:
		return "purchase_completed"
	case TopicMessageSent:
		return "message_received"
	case TopicAlertTriggered:
		return "alert"
	default:
		return "task_event"
	}
}
