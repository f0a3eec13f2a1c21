package crosstalk

import (
	enginepkg "github.com/crosstalkmq/crosstalk/internal/engine"
	buspkg "github.com/crosstalkmq/crosstalk/internal/engine/bus"
	catalogpkg "github.com/crosstalkmq/crosstalk/internal/engine/catalog"
	configpkg "github.com/crosstalkmq/crosstalk/internal/engine/config"
	consumerpkg "github.com/crosstalkmq/crosstalk/internal/engine/consumer"
	correlationpkg "github.com/crosstalkmq/crosstalk/internal/engine/correlation"
	envelopepkg "github.com/crosstalkmq/crosstalk/internal/engine/envelope"
	errspkg "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	handlerspkg "github.com/crosstalkmq/crosstalk/internal/engine/handlers"
	healthpkg "github.com/crosstalkmq/crosstalk/internal/engine/health"
	hubpkg "github.com/crosstalkmq/crosstalk/internal/engine/hub"
	idspkg "github.com/crosstalkmq/crosstalk/internal/engine/ids"
	jsoncodecpkg "github.com/crosstalkmq/crosstalk/internal/engine/jsoncodec"
	loggingpkg "github.com/crosstalkmq/crosstalk/internal/engine/logging"
	orchestratorpkg "github.com/crosstalkmq/crosstalk/internal/engine/orchestrator"
	transportpkg "github.com/crosstalkmq/crosstalk/transport"
)

type (
	Config              = configpkg.Config
	Service             = enginepkg.Service
	ServiceDependencies = enginepkg.ServiceDependencies

	Envelope = envelopepkg.Envelope
	Reply    = envelopepkg.Reply

	Handler     = consumerpkg.Handler
	HandlerFunc = consumerpkg.HandlerFunc
	Registry    = consumerpkg.Registry

	Future   = correlationpkg.Future
	ReplyBus = buspkg.ReplyBus

	Hub               = hubpkg.Hub
	Client            = hubpkg.Client
	ClientInfo        = hubpkg.ClientInfo
	NotificationHub   = hubpkg.Hub
	Notification      = hubpkg.Message
	Status            = orchestratorpkg.Status
	HealthSnapshot    = healthpkg.Snapshot
	HealthStore       = healthpkg.Store
	Catalog           = catalogpkg.Catalog
	LogFields         = loggingpkg.LogFields
	ServiceLogger     = loggingpkg.ServiceLogger
	TimeoutError      = errspkg.TimeoutError
	PublishError      = errspkg.PublishError
	CorrelationError  = errspkg.CorrelationError
	TransportBuilder  = transportpkg.Builder
	TransportConfig   = transportpkg.Config
	TransportRegistry = transportpkg.Registry
	Transport         = transportpkg.Transport
	Capabilities      = transportpkg.Capabilities
)

var (
	NewService     = enginepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewEnvelope = envelopepkg.New
	ParseReply  = envelopepkg.ParseReply

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewRedisReplyBus   = buspkg.NewRedis
	NewChannelReplyBus = buspkg.NewChannel

	NewRedisCatalog  = catalogpkg.NewRedisCatalog
	NewStaticCatalog = catalogpkg.NewStaticCatalog

	NewRedisHealthStore  = healthpkg.NewRedisStore
	NewMemoryHealthStore = healthpkg.NewMemoryStore

	CreateULID   = idspkg.CreateULID
	NewRequestID = idspkg.NewRequestID

	Marshal       = jsoncodecpkg.Marshal
	MarshalIndent = jsoncodecpkg.MarshalIndent
	Unmarshal     = jsoncodecpkg.Unmarshal

	IsTimeout = errspkg.IsTimeout

	RegisterTransport = transportpkg.Register

	ChannelFor = handlerspkg.ChannelFor
)

// Header names carried on every correlated message.
const (
	HeaderRequestID = envelopepkg.HeaderRequestID
	HeaderKey       = envelopepkg.HeaderKey
)

// SystemChannel is implicitly received by every connected hub client.
const SystemChannel = hubpkg.SystemChannel

// Sentinel errors surfaced by the API.
var (
	ErrRequestIDPending = errspkg.ErrRequestIDPending
	ErrEngineClosed     = errspkg.ErrEngineClosed
	ErrShuttingDown     = errspkg.ErrShuttingDown
	ErrTopicRequired    = errspkg.ErrTopicRequired
	ErrHandlerRequired  = errspkg.ErrHandlerRequired
	ErrClientIDRequired = errspkg.ErrClientIDRequired
	ErrHubClosed        = errspkg.ErrHubClosed
)
