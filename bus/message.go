// Package bus moves commands, events, failures and application messages between the
// aggregates and the process managers. Delivery is at least once; messages sharing a key are
// handled one at a time, in publish order.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/eventsource"
	"github.com/rs/xid"
)

var ErrClosed = errors.New("bus closed")

// Message is the envelope of everything on the bus. Topic names the concrete payload type;
// Key is the ordering unit, usually the id of the aggregate the message is about.
type Message struct {
	ID            string             `json:"id"`
	Kind          common.MessageKind `json:"kind"`
	Topic         string             `json:"topic"`
	Key           string             `json:"key"`
	AggregateType string             `json:"aggregateType,omitempty"`
	Version       int                `json:"version,omitempty"`
	Payload       json.RawMessage    `json:"payload"`
	Items         map[string]string  `json:"items,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// NewMessage marshals payload into a message with a fresh id.
func NewMessage(kind common.MessageKind, topic, key string, payload any, items map[string]string) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", topic, err)
	}
	return Message{
		ID:        xid.New().String(),
		Kind:      kind,
		Topic:     topic,
		Key:       key,
		Payload:   b,
		Items:     items,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FromRecord wraps a stored event.
func FromRecord(rec eventsource.Record) Message {
	return Message{
		ID:            rec.ID,
		Kind:          common.EventMessage,
		Topic:         rec.Type,
		Key:           rec.AggregateID,
		AggregateType: rec.AggregateType,
		Version:       rec.Version,
		Payload:       rec.Payload,
		Items:         rec.Items,
		Timestamp:     rec.Timestamp,
	}
}

// Decode unmarshals the payload of m.
func Decode[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s %s: %w", m.Topic, m.ID, err)
	}
	return v, nil
}

// Handler handles one message. An error the bus deems retryable causes redelivery.
type Handler func(ctx context.Context, msg Message) error

// Bus is implemented by the in-process bus and by the broker transport.
type Bus interface {
	Publish(ctx context.Context, msgs ...Message) error
	Subscribe(topic, subscriber string, h Handler)
}
