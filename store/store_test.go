package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/raft"
	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/raftpb"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func records(id string, from, to int) []eventsource.Record {
	var res []eventsource.Record
	for v := from; v <= to; v++ {
		res = append(res, eventsource.Record{
			ID:            id + "-" + string(rune('0'+v)),
			AggregateID:   id,
			AggregateType: "Counter",
			Version:       v,
			Type:          "Incremented",
			Payload:       json.RawMessage(`{"by":1}`),
			Timestamp:     time.Date(2024, 5, 1, 0, 0, v, 0, time.UTC),
		})
	}
	return res
}

func newBoltStore(t *testing.T) *BoltStore {
	s, err := NewBoltStore(quietLogger(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEventStore(t *testing.T, s EventStore) {
	ctx := context.Background()

	got, err := s.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Append(ctx, "Counter", "c1", 0, records("c1", 1, 2)))
	require.NoError(t, s.Append(ctx, "Counter", "c1", 2, records("c1", 3, 3)))
	require.NoError(t, s.Append(ctx, "Counter", "c2", 0, records("c2", 1, 1)))

	err = s.Append(ctx, "Counter", "c1", 2, records("c1", 3, 3))
	assert.ErrorIsf(t, err, ErrConcurrencyConflict, "stale expected version should conflict")
	err = s.Append(ctx, "Counter", "c1", 3, records("c1", 5, 5))
	assert.ErrorIs(t, err, eventsource.ErrVersionGap)

	got, err = s.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	if diff := cmp.Diff(records("c1", 1, 3), got); diff != "" {
		t.Errorf("stream mismatch (-want +got):\n%s", diff)
	}

	got, err = s.Load(ctx, "Other", "c1")
	require.NoError(t, err)
	assert.Empty(t, got, "streams are scoped by aggregate type")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Append(cancelled, "Counter", "c1", 3, records("c1", 4, 4)), context.Canceled)
}

func testSnapshotStore(t *testing.T, s SnapshotStore) {
	ctx := context.Background()
	_, found, err := s.LoadSnapshot(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.False(t, found)

	snap := eventsource.Snapshot{
		AggregateType: "Counter",
		AggregateID:   "c1",
		Version:       4,
		State:         json.RawMessage(`{"total":4}`),
		Timestamp:     time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	snap.State[2] = 'X'

	got, found, err := s.LoadSnapshot(ctx, "Counter", "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"total":4}`, string(got.State), "saved state must not alias the caller's bytes")
	got.State = nil
	snap.State = nil
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	snap.Version, snap.State = 8, json.RawMessage(`{"total":8}`)
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	got, _, err = s.LoadSnapshot(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Version)

	_, found, err = s.LoadSnapshot(ctx, "Other", "c1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore(t *testing.T) {
	testEventStore(t, NewMemoryStore())
	testSnapshotStore(t, NewMemoryStore())
}

func TestMemoryStore_Isolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	in := records("c1", 1, 1)
	require.NoError(t, s.Append(ctx, "Counter", "c1", 0, in))
	in[0].Type = "Changed"

	out, err := s.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Incremented", out[0].Type)
	out[0].Version = 99
	again, _ := s.Load(ctx, "Counter", "c1")
	assert.Equal(t, 1, again[0].Version)
}

func TestBoltStore(t *testing.T) {
	testEventStore(t, newBoltStore(t))
	testSnapshotStore(t, newBoltStore(t))
}

func TestBoltStore_DumpReset(t *testing.T) {
	ctx := context.Background()
	src := newBoltStore(t)
	require.NoError(t, src.Append(ctx, "Counter", "c1", 0, records("c1", 1, 2)))
	require.NoError(t, src.Append(ctx, "Account", "a1", 0, records("a1", 1, 1)))
	require.NoError(t, src.SaveSnapshot(ctx, eventsource.Snapshot{AggregateType: "Counter", AggregateID: "c1", Version: 2, State: json.RawMessage(`{}`)}))

	streams, err := src.Dump()
	require.NoError(t, err)
	assert.Len(t, streams, 2, "snapshots are not streams")

	dst := newBoltStore(t)
	require.NoError(t, dst.Append(ctx, "Stale", "s1", 0, records("s1", 1, 1)))
	require.NoError(t, dst.Reset(streams))

	got, err := dst.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	got, err = dst.Load(ctx, "Stale", "s1")
	require.NoError(t, err)
	assert.Empty(t, got, "reset should drop streams missing from the snapshot")
}

type sink struct {
	bytes.Buffer
	cancelled bool
}

func (s *sink) ID() string    { return "test" }
func (s *sink) Cancel() error { s.cancelled = true; return nil }
func (s *sink) Close() error  { return nil }

func TestFSM(t *testing.T) {
	s := &Store{db: newBoltStore(t), log: quietLogger().WithField("component", "store")}
	f := (*fsm)(s)

	entry := func(expected int, recs []eventsource.Record) *raft.Log {
		b, err := (&raftpb.Entry{
			Op:              raftpb.OpAppend,
			AggregateType:   "Counter",
			AggregateID:     "c1",
			ExpectedVersion: expected,
			Records:         recs,
		}).Marshal()
		require.NoError(t, err)
		return &raft.Log{Data: b}
	}

	assert.Nil(t, f.Apply(entry(0, records("c1", 1, 2))))
	resp := f.Apply(entry(0, records("c1", 1, 1)))
	err, ok := resp.(error)
	require.Truef(t, ok, "conflicting append should answer with an error, got %v", resp)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	out := &sink{}
	require.NoError(t, snap.Persist(out))
	assert.False(t, out.cancelled)

	other := &Store{db: newBoltStore(t), log: quietLogger().WithField("component", "store")}
	require.NoError(t, (*fsm)(other).Restore(io.NopCloser(&out.Buffer)))
	got, err := other.Load(context.Background(), "Counter", "c1")
	require.NoError(t, err)
	if diff := cmp.Diff(records("c1", 1, 2), got); diff != "" {
		t.Errorf("restored stream mismatch (-want +got):\n%s", diff)
	}
}
