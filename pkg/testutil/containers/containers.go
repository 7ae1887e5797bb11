//go:build integration

// Package containers starts the Postgres, Redis and Kafka servers that
// integration tests run against. Each server is started once per test binary.
package containers

import (
	"sync"
	"testing"
)

// Manager hands out the shared servers.
type Manager struct {
	mu       sync.Mutex
	postgres *PostgresContainer
	redis    *RedisContainer
	kafka    *KafkaContainer
}

var manager = sync.OnceValue(func() *Manager { return &Manager{} })

// GetManager returns the process-wide Manager.
func GetManager() *Manager {
	return manager()
}

// started returns *slot, calling start first when it is still nil.
func started[C any](m *Manager, slot **C, start func() *C) *C {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *slot == nil {
		*slot = start()
	}
	return *slot
}

// GetPostgres returns a Postgres server with the courier schema applied.
func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	return started(m, &m.postgres, func() *PostgresContainer { return NewPostgresContainer(t) })
}

func (m *Manager) GetRedis(t *testing.T) *RedisContainer {
	t.Helper()
	return started(m, &m.redis, func() *RedisContainer { return NewRedisContainer(t) })
}

func (m *Manager) GetKafka(t *testing.T) *KafkaContainer {
	t.Helper()
	return started(m, &m.kafka, func() *KafkaContainer { return NewKafkaContainer(t) })
}
