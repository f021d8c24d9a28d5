// Package eventsource provides the event-sourced aggregate root shared by the domain
// aggregates: pending changes, version tracking, correlation of events with the command that
// caused them, and the registry that turns events into storable records and back.
package eventsource

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

var (
	ErrUntypedEvent     = errors.New("event payload does not name its type")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrVersionGap       = errors.New("event version out of sequence")
)

// ReceiptType names the bookkeeping event that records a command which raised nothing.
const ReceiptType = "CommandReceipt"

// Receipt is saved in place of domain events when a command was declined or changed nothing,
// so that a redelivered copy is recognised by its command id. It is never folded into the
// aggregate.
type Receipt struct {
	Topic string `json:"topic"`
	// Reply is the message published in answer to the command, if any.
	Reply json.RawMessage `json:"reply,omitempty"`
}

func (Receipt) EventType() string { return ReceiptType }

// Snapshot is the state of an aggregate at Version, restorable without replaying the events
// up to it.
type Snapshot struct {
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Version       int             `json:"version"`
	State         json.RawMessage `json:"state"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Typed is implemented by every event payload.
type Typed interface {
	EventType() string
}

// Event is a payload raised by an aggregate, stamped with its position in the stream.
type Event struct {
	ID            string
	AggregateID   string
	AggregateType string
	Version       int
	Type          string
	CommandID     string
	Data          any
	Items         map[string]string
	Timestamp     time.Time
}

// Record is the storable form of an Event.
type Record struct {
	ID            string            `json:"id"`
	AggregateID   string            `json:"aggregateId"`
	AggregateType string            `json:"aggregateType"`
	Version       int               `json:"version"`
	Type          string            `json:"type"`
	CommandID     string            `json:"commandId,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Items         map[string]string `json:"items,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Registry maps event type names to payload types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns a registry that already knows Receipt.
func NewRegistry() *Registry {
	return &Registry{types: map[string]reflect.Type{ReceiptType: reflect.TypeOf(Receipt{})}}
}

// Register makes the payload types of samples decodable.
func (r *Registry) Register(samples ...Typed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		r.types[s.EventType()] = reflect.TypeOf(s)
	}
}

// Encode marshals the payload of e.
func (r *Registry) Encode(e Event) (Record, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return Record{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Version:       e.Version,
		Type:          e.Type,
		CommandID:     e.CommandID,
		Payload:       payload,
		Items:         e.Items,
		Timestamp:     e.Timestamp,
	}, nil
}

// Decode unmarshals the payload of rec into its registered type.
func (r *Registry) Decode(rec Record) (Event, error) {
	r.mu.RLock()
	t, ok := r.types[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, rec.Type)
	}
	v := reflect.New(t)
	if err := json.Unmarshal(rec.Payload, v.Interface()); err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", rec.Type, err)
	}
	return Event{
		ID:            rec.ID,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Version:       rec.Version,
		Type:          rec.Type,
		CommandID:     rec.CommandID,
		Data:          v.Elem().Interface(),
		Items:         rec.Items,
		Timestamp:     rec.Timestamp,
	}, nil
}
