// Package crosstalk layers request/reply correlation and live notification
// fan-out on top of a partitioned, at-least-once message broker via Watermill.
// It reads the target transport (Kafka, NATS, or Go Channels) from Config,
// bootstraps the consume loop, and wires the reply topic to a correlation
// engine so callers can await answers to the messages they publish.
//
// The core problem it solves: in a multi-instance deployment the broker's
// partition assignment decides which instance consumes a reply, and that is
// rarely the instance whose caller is waiting. Crosstalk fans every reply out
// through a shared broadcast bus (Redis pub/sub); each instance matches the
// resolution against its local pending table and settles its own caller,
// dropping resolutions it does not own.
//
// A minimal setup fills Config, calls NewService, and uses Request:
//
//	svc, err := crosstalk.NewService(ctx, &crosstalk.Config{
//		PubSubSystem: "kafka",
//		KafkaBrokers: []string{"localhost:9092"},
//		RedisAddr:    "localhost:6379",
//		Topics:       []string{"USER_LOGIN", "ALERT_TRIGGERED"},
//	}, crosstalk.ServiceDependencies{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	result, err := svc.Request(ctx, "orders",
//		crosstalk.NewEnvelope("orders", payload), 10*time.Second)
//
// # Transports
//
// Crosstalk supports 3 message transports out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - nats: High-performance messaging
//
// Transports self-register by import:
//
//	import _ "github.com/crosstalkmq/crosstalk/transport/kafka"
//
// # Notifications
//
// Topics listed in Config.Topics that have no custom handler flow into the
// notification hub: records are shaped into client-facing messages and
// broadcast on per-domain channels. Clients connect through Service.Hub(),
// subscribe to channels, and receive a heartbeat; clients that stop draining
// their stream are evicted rather than allowed to block the broadcaster. The
// "system" channel reaches every connected client and carries health alerts.
//
// # Errors
//
// Request returns a *TimeoutError when no reply arrives in time, a
// *PublishError when the broker rejects the write, and a *CorrelationError
// when the responder answered with an explicit error status. Use IsTimeout
// and errors.As to tell them apart.
package crosstalk
