// Package catalog exposes the task catalogue capability: which task types
// exist and which are currently enabled. The messaging layer itself does not
// consult it; task-execution layers built on top do.
package catalog

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Catalog answers availability queries about task types.
type Catalog interface {
	// Available reports whether taskType exists and is enabled.
	Available(ctx context.Context, taskType string) (bool, error)
	// Types lists every known task type.
	Types(ctx context.Context) ([]string, error)
}

const (
	enabledKey = "crosstalk:tasks:enabled"
	typesKey   = "crosstalk:tasks:types"
)

// RedisCatalog reads the shared catalogue: a hash of task type to enabled
// flag plus a set of all known types, both maintained by the task-execution
// deployment.
type RedisCatalog struct {
	client redis.UniversalClient
}

// NewRedisCatalog wraps a caller-owned Redis client.
func NewRedisCatalog(client redis.UniversalClient) *RedisCatalog {
	return &RedisCatalog{client: client}
}

func (c *RedisCatalog) Available(ctx context.Context, taskType string) (bool, error) {
	enabled, err := c.client.HGet(ctx, enabledKey, taskType).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled == "1" || enabled == "true", nil
}

func (c *RedisCatalog) Types(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, typesKey).Result()
}

// StaticCatalog is a fixed in-memory catalogue for tests and single-process
// deployments.
type StaticCatalog struct {
	enabled map[string]bool
}

// NewStaticCatalog builds a catalogue from a type-to-enabled map.
func NewStaticCatalog(enabled map[string]bool) *StaticCatalog {
	copied := make(map[string]bool, len(enabled))
	for taskType, on := range enabled {
		copied[taskType] = on
	}
	return &StaticCatalog{enabled: copied}
}

func (c *StaticCatalog) Available(_ context.Context, taskType string) (bool, error) {
	return c.enabled[taskType], nil
}

func (c *StaticCatalog) Types(_ context.Context) ([]string, error) {
	types := make([]string, 0, len(c.enabled))
	for taskType := range c.enabled {
		types = append(types, taskType)
	}
	return types, nil
}
