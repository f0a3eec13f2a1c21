package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists health snapshots and channel metrics so operators can read
// them without touching a live instance. Records carry a TTL; a vanished
// record just means the instance stopped reporting.
type Store interface {
	SaveSnapshot(ctx context.Context, instanceID string, data []byte, ttl time.Duration) error
	LoadSnapshot(ctx context.Context, instanceID string) ([]byte, error)
	SaveMetrics(ctx context.Context, instanceID string, data []byte, ttl time.Duration) error
}

// ErrNoSnapshot is returned by LoadSnapshot when no record exists for the
// instance.
var ErrNoSnapshot = redis.Nil

const (
	snapshotKeyPrefix = "crosstalk:health:"
	metricsKeyPrefix  = "crosstalk:metrics:"
)

// RedisStore keeps snapshots in Redis string keys with expiry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a caller-owned Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, instanceID string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, snapshotKeyPrefix+instanceID, data, ttl).Err()
}

func (s *RedisStore) LoadSnapshot(ctx context.Context, instanceID string) ([]byte, error) {
	return s.client.Get(ctx, snapshotKeyPrefix+instanceID).Bytes()
}

func (s *RedisStore) SaveMetrics(ctx context.Context, instanceID string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, metricsKeyPrefix+instanceID, data, ttl).Err()
}

// MemoryStore is the in-process Store used in tests and channel-transport
// deployments. TTLs are recorded but not enforced.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	metrics   map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		metrics:   make(map[string][]byte),
	}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, instanceID string, data []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[instanceID] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, instanceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.snapshots[instanceID]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) SaveMetrics(_ context.Context, instanceID string, data []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[instanceID] = append([]byte(nil), data...)
	return nil
}

// Metrics returns the last stored metrics document, for tests.
func (s *MemoryStore) Metrics(instanceID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.metrics[instanceID]
	return data, ok
}
