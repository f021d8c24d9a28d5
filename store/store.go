// Package store provides the event log behind the aggregate repository. Streams are appended
// with an optimistic version check and read back in version order.
//
// The replicated Store proposes every append through the Raft log, specifically the Hashicorp
// implementation, and each node applies committed entries to its local bolt file.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/raftpb"
	log "github.com/sirupsen/logrus"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrNotLeader           = errors.New("not leader")
)

// EventStore is implemented by every event log.
type EventStore interface {
	// Append writes records to the end of a stream, failing with ErrConcurrencyConflict
	// unless the stream is at expectedVersion.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, records []eventsource.Record) error

	// Load returns the records of a stream in version order, nil for an empty stream.
	Load(ctx context.Context, aggregateType, aggregateID string) ([]eventsource.Record, error)
}

// SnapshotStore keeps the latest snapshot of each aggregate. Snapshots are a cache of state
// derivable from the stream: losing one only costs a longer replay.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error
	// LoadSnapshot reports false when the aggregate has no snapshot.
	LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (eventsource.Snapshot, bool, error)
}

func conflict(aggregateType, aggregateID string, current, expected int) error {
	return fmt.Errorf("%w: %s %s is at version %d, expected %d", ErrConcurrencyConflict, aggregateType, aggregateID, current, expected)
}

// Store is an event log where every append is made via Raft consensus.
type Store struct {
	ID          string
	RaftDir     string
	RaftAddress string

	db     *BoltStore
	raft   *raft.Raft
	logger *log.Logger
	log    *log.Entry
}

// NewStore returns a Store keeping its raft state and event file under raftDir.
func NewStore(logger *log.Logger, nodeID, raftAddress, raftDir string) (*Store, error) {
	if nodeID == "" {
		nodeID = "node-" + common.RandNodeID(common.NodeIDLen)
	}
	if raftDir == "" {
		raftDir = fmt.Sprintf("./%s", nodeID)
	}
	l := logger.WithField("component", "store")
	l.Infof("Preparing node-%s with persistent directory %s, raftAddress %s", nodeID, raftDir, raftAddress)
	if err := os.MkdirAll(raftDir, 0700); err != nil {
		return nil, err
	}
	db, err := NewBoltStore(logger, filepath.Join(raftDir, "events.db"))
	if err != nil {
		return nil, err
	}
	return &Store{
		ID:          nodeID,
		RaftDir:     raftDir,
		RaftAddress: raftAddress,
		db:          db,
		logger:      logger,
		log:         l,
	}, nil
}

// Open starts raft. If enableSingle is set, and there are no existing peers, then this node
// becomes the first node, and therefore leader, of the cluster.
func (s *Store) Open(enableSingle bool) error {
	ra, err := common.SetupRaft(s.logger, (*fsm)(s), s.ID, s.RaftAddress, s.RaftDir, enableSingle)
	if err != nil {
		return err
	}
	s.raft = ra
	return nil
}

// Append proposes the records to the cluster. Only the leader accepts appends.
func (s *Store) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, records []eventsource.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	entry := &raftpb.Entry{
		Op:              raftpb.OpAppend,
		AggregateType:   aggregateType,
		AggregateID:     aggregateID,
		ExpectedVersion: expectedVersion,
		Records:         records,
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	b, err := entry.Marshal()
	if err != nil {
		return err
	}

	f := s.raft.Apply(b, common.RaftTimeout)
	if err := f.Error(); err != nil {
		return err
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// Load reads the local copy of a stream.
func (s *Store) Load(ctx context.Context, aggregateType, aggregateID string) ([]eventsource.Record, error) {
	return s.db.Load(ctx, aggregateType, aggregateID)
}

// SaveSnapshot keeps snap in the local bolt file only. Snapshots are not replicated; a node
// without one replays the full stream.
func (s *Store) SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error {
	return s.db.SaveSnapshot(ctx, snap)
}

// LoadSnapshot reads the local snapshot of an aggregate.
func (s *Store) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (eventsource.Snapshot, bool, error) {
	return s.db.LoadSnapshot(ctx, aggregateType, aggregateID)
}

// Leader returns the current leader of the cluster
func (s *Store) Leader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// Join joins a node, identified by nodeID and located at addr, to this store.
// The node must be ready to respond to Raft communications at that address.
func (s *Store) Join(nodeID, addr string) error {
	s.log.Infof("received join request for remote node %s at %s", nodeID, addr)

	configFuture := s.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		s.log.Errorf("failed to get raft configuration: %v", err)
		return err
	}

	for _, srv := range configFuture.Configuration().Servers {
		// If a node already exists with either the joining node's ID or address,
		// that node may need to be removed from the config first.
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(addr) {
			// However if *both* the ID and the address are the same, then nothing -- not even
			// a join operation -- is needed.
			if srv.Address == raft.ServerAddress(addr) && srv.ID == raft.ServerID(nodeID) {
				s.log.Infof("node %s at %s already member of cluster, ignoring join request", nodeID, addr)
				return nil
			}

			future := s.raft.RemoveServer(srv.ID, 0, 0)
			if err := future.Error(); err != nil {
				return fmt.Errorf("error removing existing node %s at %s: %s", nodeID, addr, err)
			}
		}
	}

	f := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if f.Error() != nil {
		return f.Error()
	}
	s.log.Infof("node %s at %s joined successfully", nodeID, addr)
	return nil
}

// Close stops raft and closes the event file.
func (s *Store) Close() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return s.db.Close()
}
