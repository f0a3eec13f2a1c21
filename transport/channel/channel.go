// Package channel provides the in-process transport backed by Go channels.
// It exists for tests and single-process development: no broker, but the
// same ack/nack redelivery contract the durable transports give, so the
// request/reply path behaves identically.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/crosstalkmq/crosstalk/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// outputBuffer decouples publishers from slow handlers the way a broker's
// log does. The reply handler publishes from inside a consuming handler;
// with unbuffered channels that publish can stall against its own consumer.
const outputBuffer = 64

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-process transport. Publisher and subscriber share
// one gochannel instance, so messages never leave the process.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: outputBuffer,
	}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
