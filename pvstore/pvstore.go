// Package pvstore records, per processor and aggregate, the last event version a processor
// has handled. Event handlers use it to skip events they already processed.
package pvstore

import (
	"context"
	"fmt"
	"sync"
)

// Store is implemented by the Redis and in-memory stores.
type Store interface {
	// Get returns the recorded version, 0 if none is recorded for that aggregate type.
	Get(ctx context.Context, processor, aggregateType, aggregateID string) (int, error)
	// Update records version if it is higher than the recorded one.
	Update(ctx context.Context, processor, aggregateType, aggregateID string, version int) error
	// Remove forgets the aggregate.
	Remove(ctx context.Context, processor, aggregateID string) error
}

type entry struct {
	aggregateType string
	version       int
}

// Memory keeps versions in memory.
type Memory struct {
	mu       sync.Mutex
	versions map[string]entry
}

func NewMemory() *Memory {
	return &Memory{versions: make(map[string]entry)}
}

func key(processor, aggregateID string) string {
	return fmt.Sprintf("%s:%s", processor, aggregateID)
}

func (m *Memory) Get(ctx context.Context, processor, aggregateType, aggregateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.versions[key(processor, aggregateID)]
	if !ok || e.aggregateType != aggregateType {
		return 0, nil
	}
	return e.version, nil
}

func (m *Memory) Update(ctx context.Context, processor, aggregateType, aggregateID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(processor, aggregateID)
	e, ok := m.versions[k]
	if !ok || (e.aggregateType == aggregateType && e.version < version) {
		m.versions[k] = entry{aggregateType: aggregateType, version: version}
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, processor, aggregateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, key(processor, aggregateID))
	return nil
}
