package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/raft-saga-store/raftpb"
)

type fsm Store

// Apply applies a Raft log entry to the local event file. A conflicting append is returned
// as the entry's response, not treated as a failure of the log.
func (f *fsm) Apply(l *raft.Log) interface{} {
	entry, err := raftpb.Unmarshal(l.Data)
	if err != nil {
		panic(fmt.Sprintf("failed to unmarshal entry: %s", err.Error()))
	}
	switch entry.Op {
	case raftpb.OpAppend:
		err := f.db.Append(context.Background(), entry.AggregateType, entry.AggregateID, entry.ExpectedVersion, entry.Records)
		if err != nil {
			f.log.Debugf("append to %s %s rejected: %s", entry.AggregateType, entry.AggregateID, err)
			return err
		}
		return nil
	default:
		panic(fmt.Sprintf("unrecognized entry op: %s", entry.Op))
	}
}

// Snapshot returns a snapshot of every stream.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	streams, err := f.db.Dump()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{streams: streams}, nil
}

// Restore replaces the local event file with a snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var streams []Stream
	if err := json.NewDecoder(rc).Decode(&streams); err != nil {
		return err
	}
	// Set the state from the snapshot, no lock required according to
	// Hashicorp docs.
	return f.db.Reset(streams)
}

type fsmSnapshot struct {
	streams []Stream
}

func (f *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		// Encode data.
		b, err := json.Marshal(f.streams)
		if err != nil {
			return err
		}

		// Write data to sink.
		if _, err := sink.Write(b); err != nil {
			return err
		}

		// Close the sink.
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

func (f *fsmSnapshot) Release() {}
