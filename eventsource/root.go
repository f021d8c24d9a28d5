package eventsource

import (
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Snapshotter is implemented by aggregates that can save their folded state and restore it
// in place of the events it was folded from.
type Snapshotter interface {
	Aggregate
	SnapshotState() ([]byte, error)
	RestoreState(state []byte) error
}

// Aggregate is an event-sourced aggregate. Apply is the fold: it must validate the event
// before mutating anything, because a rejected event leaves the stream untouched.
type Aggregate interface {
	Base() *Root
	Apply(Event) error
}

// Root carries the bookkeeping every aggregate embeds.
type Root struct {
	id      string
	typ     string
	version int
	changes []Event

	commandID string
	items     map[string]string
}

func NewRoot(id, aggregateType string) Root {
	return Root{id: id, typ: aggregateType}
}

func (r *Root) Base() *Root { return r }

// ID returns the aggregate id.
func (r *Root) ID() string { return r.id }

// Type returns the aggregate type name.
func (r *Root) Type() string { return r.typ }

// Version is the version of the last persisted event, 0 for a new aggregate.
func (r *Root) Version() int { return r.version }

// Changes returns the events raised since the last save.
func (r *Root) Changes() []Event { return r.changes }

// Correlate stamps every event raised from now on with the id and items of the command
// being handled.
func (r *Root) Correlate(commandID string, items map[string]string) {
	r.commandID = commandID
	r.items = items
}

// Raise stamps data, folds it through a and records it as a pending change.
func (r *Root) Raise(a Aggregate, data any) error {
	typed, ok := data.(Typed)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUntypedEvent, data)
	}
	e := Event{
		ID:            xid.New().String(),
		AggregateID:   r.id,
		AggregateType: r.typ,
		Version:       r.version + len(r.changes) + 1,
		Type:          typed.EventType(),
		CommandID:     r.commandID,
		Data:          data,
		Items:         copyItems(r.items),
		Timestamp:     time.Now().UTC(),
	}
	if err := fold(a, e); err != nil {
		return err
	}
	r.changes = append(r.changes, e)
	return nil
}

// Replay folds persisted events through a.
func (r *Root) Replay(a Aggregate, events []Event) error {
	for _, e := range events {
		if e.Version != r.version+1 {
			return fmt.Errorf("%w: %s %s at %d, expected %d", ErrVersionGap, r.typ, r.id, e.Version, r.version+1)
		}
		if err := fold(a, e); err != nil {
			return fmt.Errorf("replay %s %s version %d: %w", r.typ, r.id, e.Version, err)
		}
		r.version = e.Version
	}
	return nil
}

// Resume places a fresh aggregate at version, after its state was restored from a snapshot.
func (r *Root) Resume(version int) {
	r.version = version
	r.changes = nil
}

// fold applies e to a. Receipts carry no state.
func fold(a Aggregate, e Event) error {
	if _, ok := e.Data.(Receipt); ok {
		return nil
	}
	return a.Apply(e)
}

// MarkSaved advances the version past the pending changes and drops them.
func (r *Root) MarkSaved() {
	r.version += len(r.changes)
	r.changes = nil
}

func copyItems(items map[string]string) map[string]string {
	if len(items) == 0 {
		return nil
	}
	c := make(map[string]string, len(items))
	for k, v := range items {
		c[k] = v
	}
	return c
}
