package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/raft-saga-store/eventsource"
)

// MemoryStore keeps streams in memory. Record slices are copied in and out; payload bytes are
// shared since records are never mutated after append.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]eventsource.Record
	snapshots map[string]eventsource.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]eventsource.Record),
		snapshots: make(map[string]eventsource.Snapshot),
	}
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

func (s *MemoryStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, records []eventsource.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var in []eventsource.Record
	if err := copier.Copy(&in, &records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(aggregateType, aggregateID)
	current := len(s.streams[key])
	if current != expectedVersion {
		return conflict(aggregateType, aggregateID, current, expectedVersion)
	}
	for i, rec := range in {
		if rec.Version != expectedVersion+i+1 {
			return fmt.Errorf("%w: record version %d after %d", eventsource.ErrVersionGap, rec.Version, expectedVersion+i)
		}
	}
	s.streams[key] = append(s.streams[key], in...)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateType, aggregateID string) ([]eventsource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.streams[streamKey(aggregateType, aggregateID)]
	if len(stored) == 0 {
		return nil, nil
	}
	var out []eventsource.Record
	if err := copier.Copy(&out, &stored); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSnapshot replaces the snapshot of the aggregate. The state bytes are copied, since the
// caller may reuse them.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var in eventsource.Snapshot
	if err := copier.CopyWithOption(&in, &snap, copier.Option{DeepCopy: true}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[streamKey(snap.AggregateType, snap.AggregateID)] = in
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (eventsource.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventsource.Snapshot{}, false, err
	}
	s.mu.RLock()
	stored, ok := s.snapshots[streamKey(aggregateType, aggregateID)]
	s.mu.RUnlock()
	if !ok {
		return eventsource.Snapshot{}, false, nil
	}
	var out eventsource.Snapshot
	if err := copier.CopyWithOption(&out, &stored, copier.Option{DeepCopy: true}); err != nil {
		return eventsource.Snapshot{}, false, err
	}
	return out, true, nil
}
