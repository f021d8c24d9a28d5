// Package raftpb encodes the entries replicated through the raft log. Entries travel as a
// protobuf Struct so that followers decode them without generated message types.
package raftpb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raft-saga-store/eventsource"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// OpAppend appends records to an aggregate stream.
const OpAppend = "append"

var ErrInvalidEntry = errors.New("invalid raft entry")

// Entry is one replicated operation on the event log.
type Entry struct {
	Op              string
	AggregateType   string
	AggregateID     string
	ExpectedVersion int
	Records         []eventsource.Record
}

// Validate checks the entry is well formed before it is proposed.
func (e *Entry) Validate() error {
	if e.Op != OpAppend {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEntry, e.Op)
	}
	if e.AggregateType == "" || e.AggregateID == "" {
		return fmt.Errorf("%w: missing stream", ErrInvalidEntry)
	}
	if len(e.Records) == 0 {
		return fmt.Errorf("%w: no records", ErrInvalidEntry)
	}
	return nil
}

// Marshal encodes the entry for raft.Apply.
func (e *Entry) Marshal() ([]byte, error) {
	records := make([]interface{}, 0, len(e.Records))
	for _, rec := range e.Records {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		records = append(records, string(b))
	}
	s, err := structpb.NewStruct(map[string]interface{}{
		"op":              e.Op,
		"aggregateType":   e.AggregateType,
		"aggregateId":     e.AggregateID,
		"expectedVersion": e.ExpectedVersion,
		"records":         records,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Unmarshal decodes an entry written by Marshal.
func Unmarshal(b []byte) (*Entry, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	f := s.GetFields()
	e := &Entry{
		Op:              f["op"].GetStringValue(),
		AggregateType:   f["aggregateType"].GetStringValue(),
		AggregateID:     f["aggregateId"].GetStringValue(),
		ExpectedVersion: int(f["expectedVersion"].GetNumberValue()),
	}
	for _, v := range f["records"].GetListValue().GetValues() {
		var rec eventsource.Record
		if err := json.Unmarshal([]byte(v.GetStringValue()), &rec); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEntry, err)
		}
		e.Records = append(e.Records, rec)
	}
	return e, nil
}
