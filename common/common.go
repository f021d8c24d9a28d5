package common

import (
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	log "github.com/sirupsen/logrus"
)

const (
	RetainSnapshotCount = 2
	RaftTimeout         = 10 * time.Second
	NodeIDLen           = 5

	// LockTimeout bounds how long a command waits for its aggregate.
	LockTimeout = 500 * time.Millisecond
)

var (
	SnapshotThreshold = 1024
	SnapshotInterval  = 30
)

// RandNodeID returns a random node id
func RandNodeID(n int) string {
	letters := []rune("abcdefghijklmnopqrstuvwxyz0123456789")
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

// SetupRaft initialises raft and returns a raft instance. If enableSingle is set, and there are no existing peers,
// then this node becomes the first node, and therefore leader, of the cluster.
func SetupRaft(logger *log.Logger, fsm raft.FSM, id, raftAddress, raftDir string, enableSingle bool) (*raft.Raft, error) {
	raftLogger := hclog.New(&hclog.LoggerOptions{
		Name:   "raft-" + id,
		Level:  hclog.Info,
		Output: logger.Writer(),
	})

	config := raft.DefaultConfig()
	// Override defaults with configured values
	config.SnapshotThreshold = uint64(SnapshotThreshold)
	config.SnapshotInterval = time.Duration(SnapshotInterval) * time.Second
	config.LocalID = raft.ServerID(id)
	config.Logger = raftLogger

	// Setup Raft communication.
	tcpAddress, err := net.ResolveTCPAddr("tcp", raftAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address %s: %s", raftAddress, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(raftAddress, tcpAddress, 3, 10*time.Second, raftLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to make TCP transport on %s: %s", raftAddress, err)
	}

	// Create the snapshot store. This allows the Raft to truncate the log.
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(raftDir, RetainSnapshotCount, raftLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store at %s: %s", raftDir, err)
	}

	// Create the log store and stable store.
	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create new bolt store: %s", err)
	}

	// Instantiate the Raft systems.
	ra, err := raft.NewRaft(config, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create new raft: %s", err)
	}
	if enableSingle {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		ra.BootstrapCluster(configuration)
	}

	return ra, nil
}

// ShardOf hashes key onto one of n shards.
func ShardOf(key string, n int) int {
	var h uint32
	for _, c := range key {
		h = 31*h + uint32(c)
	}
	return int(h % uint32(n))
}
