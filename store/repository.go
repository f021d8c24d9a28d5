package store

import (
	"context"
	"fmt"
	"time"

	"github.com/raft-saga-store/eventsource"
	log "github.com/sirupsen/logrus"
)

// Repository loads aggregates by replaying their streams and saves their pending changes.
type Repository struct {
	events   EventStore
	registry *eventsource.Registry
	log      *log.Entry

	snapshots     SnapshotStore
	snapshotEvery int
}

func NewRepository(logger *log.Logger, events EventStore, registry *eventsource.Registry) *Repository {
	return &Repository{
		events:   events,
		registry: registry,
		log:      logger.WithField("component", "repository"),
	}
}

// WithSnapshots makes the repository snapshot aggregates implementing
// eventsource.Snapshotter each time their stream grows past a multiple of every events.
func (r *Repository) WithSnapshots(snapshots SnapshotStore, every int) *Repository {
	r.snapshots = snapshots
	r.snapshotEvery = every
	return r
}

// Load replays the stream of a into it and returns every event of the stream. a must be
// fresh. A snapshotted aggregate is restored from its snapshot and only the later events
// are folded.
func (r *Repository) Load(ctx context.Context, a eventsource.Aggregate) ([]eventsource.Event, error) {
	root := a.Base()
	records, err := r.events.Load(ctx, root.Type(), root.ID())
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrAggregateNotFound, root.Type(), root.ID())
	}
	events := make([]eventsource.Event, 0, len(records))
	for _, rec := range records {
		e, err := r.registry.Decode(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	replay := events
	if from := r.restore(ctx, a, len(events)); from > 0 {
		replay = events[from:]
	}
	if err := root.Replay(a, replay); err != nil {
		return nil, err
	}
	return events, nil
}

// restore loads the snapshot of a into it and returns its version, or 0 when a is to be
// replayed from the start.
func (r *Repository) restore(ctx context.Context, a eventsource.Aggregate, streamVersion int) int {
	s, ok := a.(eventsource.Snapshotter)
	if !ok || r.snapshots == nil {
		return 0
	}
	root := a.Base()
	snap, found, err := r.snapshots.LoadSnapshot(ctx, root.Type(), root.ID())
	if err != nil {
		r.log.Warnf("replaying %s %s in full: %s", root.Type(), root.ID(), err)
		return 0
	}
	if !found || snap.Version <= 0 || snap.Version > streamVersion {
		return 0
	}
	if err := s.RestoreState(snap.State); err != nil {
		r.log.Warnf("replaying %s %s in full, snapshot at %d unusable: %s", root.Type(), root.ID(), snap.Version, err)
		return 0
	}
	root.Resume(snap.Version)
	return snap.Version
}

func (r *Repository) snapshot(ctx context.Context, a eventsource.Aggregate, before int) {
	s, ok := a.(eventsource.Snapshotter)
	if !ok || r.snapshots == nil || r.snapshotEvery <= 0 {
		return
	}
	root := a.Base()
	if root.Version()/r.snapshotEvery == before/r.snapshotEvery {
		return
	}
	state, err := s.SnapshotState()
	if err == nil {
		err = r.snapshots.SaveSnapshot(ctx, eventsource.Snapshot{
			AggregateType: root.Type(),
			AggregateID:   root.ID(),
			Version:       root.Version(),
			State:         state,
			Timestamp:     time.Now().UTC(),
		})
	}
	if err != nil {
		r.log.Warnf("snapshot of %s %s at %d: %s", root.Type(), root.ID(), root.Version(), err)
		return
	}
	r.log.Debugf("snapshot of %s %s at %d", root.Type(), root.ID(), root.Version())
}

// Save appends the pending changes of a, expecting the stream to still be at the version a
// was loaded at, and returns the saved events.
func (r *Repository) Save(ctx context.Context, a eventsource.Aggregate) ([]eventsource.Event, error) {
	root := a.Base()
	changes := root.Changes()
	if len(changes) == 0 {
		return nil, nil
	}
	records := make([]eventsource.Record, 0, len(changes))
	for _, e := range changes {
		rec, err := r.registry.Encode(e)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := r.events.Append(ctx, root.Type(), root.ID(), root.Version(), records); err != nil {
		return nil, err
	}
	saved := append([]eventsource.Event(nil), changes...)
	before := root.Version()
	root.MarkSaved()
	r.snapshot(ctx, a, before)
	r.log.Debugf("saved %d events to %s %s, now at version %d", len(saved), root.Type(), root.ID(), root.Version())
	return saved, nil
}
