// Package engine assembles the crosstalk messaging layer: transport,
// producer, correlation engine, consumer, notification hub and health
// monitor, wired leaf-first from one Config.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crosstalkmq/crosstalk/internal/engine/bus"
	"github.com/crosstalkmq/crosstalk/internal/engine/config"
	"github.com/crosstalkmq/crosstalk/internal/engine/consumer"
	"github.com/crosstalkmq/crosstalk/internal/engine/correlation"
	"github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/handlers"
	"github.com/crosstalkmq/crosstalk/internal/engine/health"
	"github.com/crosstalkmq/crosstalk/internal/engine/hub"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
	"github.com/crosstalkmq/crosstalk/internal/engine/orchestrator"
	"github.com/crosstalkmq/crosstalk/internal/engine/producer"
	"github.com/crosstalkmq/crosstalk/transport"
)

// ServiceDependencies holds the optional overrides for NewService. Zero
// values select the defaults derived from Config.
type ServiceDependencies struct {
	// Logger for all components. Defaults to slog's default logger.
	Logger logging.ServiceLogger

	// ReplyBus overrides the resolution fan-out bus. Defaults to Redis
	// pub/sub when RedisAddr is configured, otherwise in-process.
	ReplyBus bus.ReplyBus

	// RedisClient overrides the Redis connection used for the reply bus and
	// the health store. When set, the caller owns its lifecycle.
	RedisClient *redis.Client

	// HealthStore overrides the snapshot store.
	HealthStore health.Store

	// Handlers maps topics to custom handlers, replacing the default
	// notification handler for those topics. Errors returned by a custom
	// handler nack the message.
	Handlers map[string]consumer.Handler

	// TransportRegistry overrides the registry used to build the transport.
	TransportRegistry *transport.Registry
}

// Service is the assembled messaging layer.
type Service struct {
	conf   *config.Config
	logger logging.ServiceLogger

	transport transport.Transport
	producer  *producer.Producer
	replyBus  bus.ReplyBus
	engine    *correlation.Engine
	hub       *hub.Hub
	registry  *consumer.Registry
	consumer  *consumer.Consumer
	orch      *orchestrator.Orchestrator
	monitor   *health.Monitor

	redisClient *redis.Client
	ownsRedis   bool
	closed      atomic.Bool
}

// NewService builds and starts the full stack. Construction is fatal on any
// startup error: a service that cannot subscribe to its reply path must not
// come up half-working.
func NewService(ctx context.Context, conf *config.Config, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, cserrors.ErrConfigRequired
	}
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewSlogServiceLogger(slog.Default())
	}

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, conf, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}

	s := &Service{
		conf:      conf,
		logger:    logger,
		transport: tr,
	}

	s.producer, err = producer.New(tr.Publisher, logger)
	if err != nil {
		s.teardown()
		return nil, err
	}

	if err := s.buildReplyBus(deps); err != nil {
		s.teardown()
		return nil, err
	}

	s.engine = correlation.New(s.replyBus, conf.InstanceID, logger)
	if err := s.engine.Start(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	s.hub = hub.New(logger, hub.Options{
		HeartbeatInterval: conf.HeartbeatInterval,
		ClientTimeout:     conf.ClientTimeout,
	})

	s.registry = consumer.NewRegistry(logger)
	if err := s.registerHandlers(deps); err != nil {
		s.teardown()
		return nil, err
	}

	s.consumer, err = consumer.New(conf, logger, s.registry, tr.Subscriber)
	if err != nil {
		s.teardown()
		return nil, err
	}
	if err := s.consumer.Start(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	s.orch, err = orchestrator.New(conf, logger, s.producer, s.engine, s.consumer, s.hub)
	if err != nil {
		s.teardown()
		return nil, err
	}

	store := deps.HealthStore
	if store == nil {
		if s.redisClient != nil {
			store = health.NewRedisStore(s.redisClient)
		} else {
			store = health.NewMemoryStore()
		}
	}
	s.monitor = health.NewMonitor(conf, logger, s.orch, s.hub, store)
	s.monitor.Start(ctx)

	logger.Info("crosstalk service started", logging.LogFields{
		"transport": conf.PubSubSystem,
		"instance":  conf.InstanceID,
		"topics":    conf.Topics,
	})
	return s, nil
}

func (s *Service) buildReplyBus(deps ServiceDependencies) error {
	if deps.ReplyBus != nil {
		s.replyBus = deps.ReplyBus
		return nil
	}

	if deps.RedisClient != nil {
		s.redisClient = deps.RedisClient
		s.replyBus = bus.NewRedis(s.redisClient, s.conf.ReplyChannel, s.conf.PendingTTL, s.logger)
		return nil
	}

	if s.conf.RedisAddr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.conf.RedisAddr,
			Password: s.conf.RedisPassword,
			DB:       s.conf.RedisDB,
		})
		s.ownsRedis = true
		s.replyBus = bus.NewRedis(s.redisClient, s.conf.ReplyChannel, s.conf.PendingTTL, s.logger)
		return nil
	}

	// No Redis configured: resolutions stay in-process. Correct for
	// single-instance deployments and tests.
	s.logger.Info("no redis configured, using in-process reply bus", nil)
	s.replyBus = bus.NewChannel()
	return nil
}

func (s *Service) registerHandlers(deps ServiceDependencies) error {
	if err := s.registry.Register(s.conf.ReplyTopic, handlers.NewReply(s.engine, s.logger)); err != nil {
		return err
	}

	notification := consumer.Swallow(handlers.NewNotification(s.hub, s.logger), s.logger)
	for _, topic := range s.conf.Topics {
		if _, ok := deps.Handlers[topic]; ok {
			continue
		}
		if err := s.registry.Register(topic, notification); err != nil {
			return err
		}
	}

	for topic, handler := range deps.Handlers {
		if err := s.registry.Register(topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// Send publishes without correlation.
func (s *Service) Send(ctx context.Context, topic string, env *envelope.Envelope) error {
	return s.orch.Send(ctx, topic, env)
}

// Request publishes and waits for the correlated reply.
func (s *Service) Request(ctx context.Context, topic string, env *envelope.Envelope, timeout time.Duration) ([]byte, error) {
	return s.orch.Request(ctx, topic, env, timeout)
}

// Hub exposes the notification hub for client lifecycle management.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Registry exposes the handler registry so applications can register topic
// handlers after construction.
func (s *Service) Registry() *consumer.Registry {
	return s.registry
}

// Status aggregates the component states.
func (s *Service) Status() orchestrator.Status {
	return s.orch.Status()
}

// IsHealthy reports whether both broker directions are up.
func (s *Service) IsHealthy() bool {
	return s.orch.IsHealthy()
}

// HealthStatus returns the last persisted health snapshot, or a live sample
// when none is stored.
func (s *Service) HealthStatus(ctx context.Context) health.Snapshot {
	return s.monitor.HealthStatus(ctx)
}

// Close shuts everything down in dependency order. Safe to call more than
// once.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	var errs []error
	if s.orch != nil {
		errs = append(errs, s.orch.Close())
	}
	errs = append(errs, s.teardown())
	return errors.Join(errs...)
}

// teardown releases the resources owned directly by the service. Safe to
// call on a partially constructed service.
func (s *Service) teardown() error {
	var errs []error
	if s.orch == nil {
		// Construction failed after some components started.
		if s.consumer != nil {
			errs = append(errs, s.consumer.Close())
		}
		if s.engine != nil {
			errs = append(errs, s.engine.Close())
		}
		if s.hub != nil {
			errs = append(errs, s.hub.Close())
		}
		if s.producer != nil {
			errs = append(errs, s.producer.Close())
		} else if s.transport.Publisher != nil {
			errs = append(errs, s.transport.Publisher.Close())
		}
	}
	if s.replyBus != nil {
		errs = append(errs, s.replyBus.Close())
	}
	if s.ownsRedis && s.redisClient != nil {
		errs = append(errs, s.redisClient.Close())
	}
	if s.transport.Subscriber != nil {
		errs = append(errs, s.transport.Subscriber.Close())
	}
	return errors.Join(errs...)
}
