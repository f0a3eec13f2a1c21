// Package envelope defines the message model shared by the producer, the
// consumer and the registered handlers. The value is opaque UTF-8 text to
// everything except the envelope helpers themselves: JSON when the payload is
// structured, a raw string otherwise.
package envelope

import (
	"time"

	kafkawm "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/crosstalkmq/crosstalk/internal/engine/ids"
	"github.com/crosstalkmq/crosstalk/internal/engine/jsoncodec"
)

// Metadata keys carried alongside the payload.
const (
	HeaderRequestID = "x-request-id"
	HeaderKey       = "x-message-key"
)

// Envelope is the transport-independent view of one broker record. Partition
// and Offset are populated only on the consume path, and only by transports
// that expose them.
type Envelope struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// New builds a publish-side envelope around an opaque value.
func New(topic string, value []byte) *Envelope {
	return &Envelope{
		Topic:   topic,
		Value:   value,
		Headers: map[string]string{},
	}
}

// RequestID returns the correlation ID carried by the envelope, preferring the
// header and falling back to the "id" field inside a JSON value.
func (e *Envelope) RequestID() string {
	if id := e.Headers[HeaderRequestID]; id != "" {
		return id
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := jsoncodec.Unmarshal(e.Value, &body); err != nil {
		return ""
	}
	return body.ID
}

// WithRequestID returns a copy of the envelope tagged with the correlation ID.
// The ID is carried both inside the serialized value ("id" field) and as the
// x-request-id header for redundancy. A value that is not a JSON object is
// wrapped as {"id": ..., "payload": ...} so the ID always survives the trip.
func (e *Envelope) WithRequestID(requestID string) (*Envelope, error) {
	tagged := e.clone()

	var body map[string]any
	if err := jsoncodec.Unmarshal(e.Value, &body); err != nil || body == nil {
		body = map[string]any{"payload": string(e.Value)}
	}
	body["id"] = requestID

	value, err := jsoncodec.Marshal(body)
	if err != nil {
		return nil, err
	}

	tagged.Value = value
	tagged.Headers[HeaderRequestID] = requestID
	return tagged, nil
}

func (e *Envelope) clone() *Envelope {
	headers := make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		headers[k] = v
	}
	clone := *e
	clone.Headers = headers
	return &clone
}

// ToMessage converts the envelope into a Watermill message for publishing.
func (e *Envelope) ToMessage() *message.Message {
	msg := message.NewMessage(ids.CreateULID(), e.Value)
	for k, v := range e.Headers {
		msg.Metadata.Set(k, v)
	}
	if e.Key != "" {
		msg.Metadata.Set(HeaderKey, e.Key)
	}
	return msg
}

// FromMessage builds the consume-side envelope for a received record. Kafka
// partition bookkeeping is read from the message context when the subscriber
// provides it; other transports leave those fields zero.
func FromMessage(topic string, msg *message.Message) *Envelope {
	headers := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		headers[k] = v
	}

	env := &Envelope{
		Topic:     topic,
		Key:       headers[HeaderKey],
		Value:     msg.Payload,
		Headers:   headers,
		Timestamp: time.Now(),
	}

	ctx := msg.Context()
	if partition, ok := kafkawm.MessagePartitionFromCtx(ctx); ok {
		env.Partition = partition
	}
	if offset, ok := kafkawm.MessagePartitionOffsetFromCtx(ctx); ok {
		env.Offset = offset
	}
	if ts, ok := kafkawm.MessageTimestampFromCtx(ctx); ok {
		env.Timestamp = ts
	}
	if key, ok := kafkawm.MessageKeyFromCtx(ctx); ok && env.Key == "" {
		env.Key = string(key)
	}

	return env
}

// Reply is the decoded shape of a correlated reply value.
type Reply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// ParseReply decodes the reply fields from the envelope value. The returned
// Reply has an empty ID when the value carries none; the caller decides how to
// treat that.
func ParseReply(e *Envelope) Reply {
	var reply Reply
	if err := jsoncodec.Unmarshal(e.Value, &reply); err != nil {
		return Reply{}
	}
	if reply.ID == "" {
		reply.ID = e.Headers[HeaderRequestID]
	}
	return reply
}

// Failed reports whether the reply carries an explicit error outcome.
func (r Reply) Failed() bool {
	return r.Status == "error"
}

// ErrorMessage returns the error text of a failed reply, defaulting when the
// producer set none.
func (r Reply) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return "unknown error"
}
