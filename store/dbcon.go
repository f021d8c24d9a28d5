package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/raft-saga-store/eventsource"
	log "github.com/sirupsen/logrus"
)

// Stream is every record of one aggregate, used to snapshot and restore the whole log.
type Stream struct {
	AggregateType string               `json:"aggregateType"`
	AggregateID   string               `json:"aggregateId"`
	Records       []eventsource.Record `json:"records"`
}

// snapshotBucket holds the latest snapshot of each aggregate, keyed by type/id. Aggregate
// type names never start with '$'.
var snapshotBucket = []byte("$snapshots")

// BoltStore keeps streams in a bolt file: one bucket per aggregate type, one nested bucket
// per aggregate, records keyed by big-endian version.
type BoltStore struct {
	db      *bolt.DB
	options bolt.Options
	log     *log.Entry
}

// NewBoltStore opens (or creates) the bolt file.
func NewBoltStore(logger *log.Logger, file string) (*BoltStore, error) {
	s := &BoltStore{
		options: bolt.Options{Timeout: 1 * time.Second},
		log:     logger.WithField("component", "boltstore"),
	}
	db, err := bolt.Open(file, 0600, &s.options)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	s.db = db
	return s, nil
}

func versionKey(v int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))
	return k
}

// Append writes records after checking the stream is at expectedVersion.
func (s *BoltStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, records []eventsource.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := tx.CreateBucketIfNotExists([]byte(aggregateType))
		if err != nil {
			return err
		}
		sb, err := tb.CreateBucketIfNotExists([]byte(aggregateID))
		if err != nil {
			return err
		}
		current := 0
		if k, _ := sb.Cursor().Last(); k != nil {
			current = int(binary.BigEndian.Uint64(k))
		}
		if current != expectedVersion {
			return conflict(aggregateType, aggregateID, current, expectedVersion)
		}
		for i, rec := range records {
			if rec.Version != expectedVersion+i+1 {
				return fmt.Errorf("%w: record version %d after %d", eventsource.ErrVersionGap, rec.Version, expectedVersion+i)
			}
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := sb.Put(versionKey(rec.Version), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the records of a stream in version order.
func (s *BoltStore) Load(ctx context.Context, aggregateType, aggregateID string) ([]eventsource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []eventsource.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte(aggregateType))
		if tb == nil {
			return nil
		}
		sb := tb.Bucket([]byte(aggregateID))
		if sb == nil {
			return nil
		}
		var err error
		records, err = readStream(sb)
		return err
	})
	return records, err
}

func readStream(b *bolt.Bucket) ([]eventsource.Record, error) {
	var records []eventsource.Record
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec eventsource.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Dump reads every stream in one consistent view.
func (s *BoltStore) Dump() ([]Stream, error) {
	var streams []Stream
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(typ []byte, tb *bolt.Bucket) error {
			if bytes.Equal(typ, snapshotBucket) {
				return nil
			}
			return tb.ForEach(func(id, v []byte) error {
				sb := tb.Bucket(id)
				if v != nil || sb == nil {
					return nil
				}
				records, err := readStream(sb)
				if err != nil {
					return err
				}
				streams = append(streams, Stream{AggregateType: string(typ), AggregateID: string(id), Records: records})
				return nil
			})
		})
	})
	return streams, err
}

// Reset replaces the whole content with streams. Snapshots are dropped with the rest.
func (s *BoltStore) Reset(streams []Stream) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		for _, st := range streams {
			tb, err := tx.CreateBucketIfNotExists([]byte(st.AggregateType))
			if err != nil {
				return err
			}
			sb, err := tb.CreateBucketIfNotExists([]byte(st.AggregateID))
			if err != nil {
				return err
			}
			for _, rec := range st.Records {
				b, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := sb.Put(versionKey(rec.Version), b); err != nil {
					return err
				}
			}
		}
		s.log.Infof("restored %d streams", len(streams))
		return nil
	})
}

// SaveSnapshot replaces the snapshot of the aggregate.
func (s *BoltStore) SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return err
		}
		return sb.Put([]byte(streamKey(snap.AggregateType, snap.AggregateID)), b)
	})
}

// LoadSnapshot reads the snapshot of an aggregate.
func (s *BoltStore) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (eventsource.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventsource.Snapshot{}, false, err
	}
	var (
		snap  eventsource.Snapshot
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(snapshotBucket)
		if sb == nil {
			return nil
		}
		v := sb.Get([]byte(streamKey(aggregateType, aggregateID)))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	if err != nil {
		return eventsource.Snapshot{}, false, fmt.Errorf("snapshot of %s %s: %w", aggregateType, aggregateID, err)
	}
	return snap, found, nil
}

// Close closes the bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
