package raftpb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/raft-saga-store/eventsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_MarshalUnmarshal(t *testing.T) {
	e := &Entry{
		Op:              OpAppend,
		AggregateType:   "BankAccount",
		AggregateID:     "acc1",
		ExpectedVersion: 3,
		Records: []eventsource.Record{{
			ID:            "e1",
			AggregateID:   "acc1",
			AggregateType: "BankAccount",
			Version:       4,
			Type:          "AccountCreated",
			Payload:       json.RawMessage(`{"owner":"alice"}`),
			Items:         map[string]string{"trace": "t"},
			Timestamp:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
	}
	require.NoError(t, e.Validate())
	b, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestEntry_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Entry{Op: "set"}).Validate(), ErrInvalidEntry)
	assert.ErrorIs(t, (&Entry{Op: OpAppend, AggregateType: "T"}).Validate(), ErrInvalidEntry)
	assert.ErrorIs(t, (&Entry{Op: OpAppend, AggregateType: "T", AggregateID: "a"}).Validate(), ErrInvalidEntry)

	_, err := Unmarshal([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}
