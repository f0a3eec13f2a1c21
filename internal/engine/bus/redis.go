package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crosstalkmq/crosstalk/internal/engine/jsoncodec"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

const pendingKeyPrefix = "crosstalk:pending:"

// Redis implements ReplyBus on top of Redis pub/sub. All instances subscribe
// to one channel; pending-request bookkeeping lands in volatile keys with a
// bounded TTL.
//
// The *redis.Client is shared with other components and owned by the caller;
// Close only tears down subscriptions created by this bus.
type Redis struct {
	client     *redis.Client
	channel    string
	pendingTTL time.Duration
	logger     logging.ServiceLogger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

type pendingRecord struct {
	RequestID string `json:"requestId"`
	Owner     string `json:"owner"`
	CreatedAt int64  `json:"createdAt"`
}

// NewRedis builds a reply bus over the provided client. channel names the
// pub/sub channel shared by all instances.
func NewRedis(client *redis.Client, channel string, pendingTTL time.Duration, logger logging.ServiceLogger) *Redis {
	return &Redis{
		client:     client,
		channel:    channel,
		pendingTTL: pendingTTL,
		logger:     logger.With(logging.LogFields{"component": "reply_bus"}),
	}
}

func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, r.channel)

	// The subscription is only established once Redis confirms it; without
	// this a resolution published right after startup could be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Close()
		return nil, context.Canceled
	}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *Redis) Remember(ctx context.Context, requestID, ownerInstanceID string) error {
	record, err := jsoncodec.Marshal(pendingRecord{
		RequestID: requestID,
		Owner:     ownerInstanceID,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, pendingKeyPrefix+requestID, record, r.pendingTTL).Err()
}

func (r *Redis) Forget(ctx context.Context, requestID string) error {
	return r.client.Del(ctx, pendingKeyPrefix+requestID).Err()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.closed = true
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			r.logger.Error("failed to close reply subscription", err, nil)
		}
	}
	return nil
}
