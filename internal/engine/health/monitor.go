// Package health periodically samples the orchestrator and publishes the
// result: a JSON snapshot into the store for operators, and a system-channel
// alert into the hub when the instance is degraded.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/crosstalkmq/crosstalk/internal/engine/config"
	"github.com/crosstalkmq/crosstalk/internal/engine/hub"
	"github.com/crosstalkmq/crosstalk/internal/engine/ids"
	"github.com/crosstalkmq/crosstalk/internal/engine/jsoncodec"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
	"github.com/crosstalkmq/crosstalk/internal/engine/orchestrator"
)

const (
	snapshotTTL = time.Minute
	metricsTTL  = time.Hour
)

// StatusSource is the slice of the orchestrator the monitor reads.
type StatusSource interface {
	Status() orchestrator.Status
	IsHealthy() bool
}

// Broadcaster is the slice of the hub the monitor writes alerts to and reads
// channel membership from.
type Broadcaster interface {
	Broadcast(channel string, msg hub.Message)
	Clients() []hub.ClientInfo
}

// Snapshot is the persisted health document.
type Snapshot struct {
	Instance  string              `json:"instance"`
	Healthy   bool                `json:"healthy"`
	Status    orchestrator.Status `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
}

// Metrics is the persisted per-channel membership document.
type Metrics struct {
	Instance    string         `json:"instance"`
	Clients     int            `json:"clients"`
	Subscribers map[string]int `json:"subscribers"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Monitor runs the periodic health check loop.
type Monitor struct {
	conf   *config.Config
	logger logging.ServiceLogger
	source StatusSource
	hub    Broadcaster
	store  Store

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor assembles a monitor; Start launches the loop.
func NewMonitor(conf *config.Config, logger logging.ServiceLogger, source StatusSource, broadcaster Broadcaster, store Store) *Monitor {
	return &Monitor{
		conf:   conf,
		logger: logger.With(logging.LogFields{"component": "health_monitor"}),
		source: source,
		hub:    broadcaster,
		store:  store,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the check loop at the configured interval. A zero or
// negative interval disables the loop; Check remains callable directly.
func (m *Monitor) Start(ctx context.Context) {
	if m.conf.HealthCheckInterval <= 0 {
		close(m.done)
		return
	}
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.conf.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one sampling pass: persist the snapshot, alert if unhealthy,
// persist channel metrics. Store failures are logged, never fatal; health
// reporting must not take the instance down.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	snapshot := m.sample()

	if data, err := jsoncodec.Marshal(snapshot); err == nil {
		if err := m.store.SaveSnapshot(ctx, m.conf.InstanceID, data, snapshotTTL); err != nil {
			m.logger.Error("failed to persist health snapshot", err, nil)
		}
	}

	if !snapshot.Healthy {
		m.alert(snapshot)
	}

	m.collectMetrics(ctx)
	return snapshot
}

func (m *Monitor) sample() Snapshot {
	return Snapshot{
		Instance:  m.conf.InstanceID,
		Healthy:   m.source.IsHealthy(),
		Status:    m.source.Status(),
		Timestamp: time.Now().UTC(),
	}
}

// alert broadcasts a health_alert on the system channel so every connected
// client learns the instance is degraded.
func (m *Monitor) alert(snapshot Snapshot) {
	m.logger.Error("instance unhealthy", nil, logging.LogFields{
		"consumer_connected": snapshot.Status.ConsumerConnected,
		"producer_connected": snapshot.Status.ProducerConnected,
	})
	m.hub.Broadcast(hub.SystemChannel, hub.Message{
		ID:    ids.CreateULID(),
		Event: "health_alert",
		Data: map[string]any{
			"instance":          snapshot.Instance,
			"consumerConnected": snapshot.Status.ConsumerConnected,
			"producerConnected": snapshot.Status.ProducerConnected,
			"timestamp":         snapshot.Timestamp.Format(time.RFC3339),
		},
	})
}

func (m *Monitor) collectMetrics(ctx context.Context) {
	clients := m.hub.Clients()
	subscribers := make(map[string]int)
	for _, client := range clients {
		for _, channel := range client.Subscriptions {
			subscribers[channel]++
		}
	}

	doc := Metrics{
		Instance:    m.conf.InstanceID,
		Clients:     len(clients),
		Subscribers: subscribers,
		Timestamp:   time.Now().UTC(),
	}
	data, err := jsoncodec.Marshal(doc)
	if err != nil {
		return
	}
	if err := m.store.SaveMetrics(ctx, m.conf.InstanceID, data, metricsTTL); err != nil {
		m.logger.Error("failed to persist channel metrics", err, nil)
	}
}

// HealthStatus reads the stored snapshot, falling back to a live sample when
// the store has none or cannot be reached.
func (m *Monitor) HealthStatus(ctx context.Context) Snapshot {
	data, err := m.store.LoadSnapshot(ctx, m.conf.InstanceID)
	if err == nil {
		var snapshot Snapshot
		if jsonErr := jsoncodec.Unmarshal(data, &snapshot); jsonErr == nil {
			return snapshot
		}
	}
	return m.sample()
}

// Stop ends the loop and waits for it to exit. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
