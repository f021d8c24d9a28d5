// Package command runs commands against event-sourced aggregates: one aggregate per command,
// one operation per aggregate, saved with an optimistic version check.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/raft-saga-store/metric"
	"github.com/raft-saga-store/store"
	log "github.com/sirupsen/logrus"
)

var ErrAggregateExists = errors.New("aggregate already exists")

// Mode says whether a command creates its aggregate or acts on an existing one.
type Mode int

const (
	Existing Mode = iota
	Create
)

// Op runs exactly one state machine operation on the loaded aggregate. A returned failure is
// published in place of events.
type Op func() (*eventual2pc.Failure, error)

// Retryable reports whether a command error is worth redelivering.
func Retryable(err error) bool {
	return errors.Is(err, store.ErrConcurrencyConflict) || errors.Is(err, common.ErrLocked)
}

// Executor loads, runs, saves and publishes.
type Executor struct {
	repo     *store.Repository
	registry *eventsource.Registry
	bus      bus.Bus
	locks    *common.LockMap
	metrics  *metric.Metrics
	log      *log.Entry
}

func NewExecutor(logger *log.Logger, repo *store.Repository, registry *eventsource.Registry, b bus.Bus, metrics *metric.Metrics) *Executor {
	return &Executor{
		repo:     repo,
		registry: registry,
		bus:      b,
		locks:    common.NewLockMap(logger, common.LockTimeout),
		metrics:  metrics,
		log:      logger.WithField("component", "executor"),
	}
}

// Execute handles msg against a, a fresh aggregate carrying only its id. Every command run
// on an existing aggregate leaves a trace in its stream: the events it raised, or a receipt
// holding its reply when it was declined or changed nothing. A redelivered command is not run
// again; what it produced is published once more so that a crash between save and publish
// does not stall the transaction.
func (e *Executor) Execute(ctx context.Context, msg bus.Message, a eventsource.Aggregate, mode Mode, op Op) error {
	start := time.Now()
	result, err := e.execute(ctx, msg, a, mode, op)
	if err != nil {
		result = metric.ResultError
	}
	e.metrics.CommandHandled(msg.Topic, result, time.Since(start))
	return err
}

func (e *Executor) execute(ctx context.Context, msg bus.Message, a eventsource.Aggregate, mode Mode, op Op) (string, error) {
	root := a.Base()
	unlock, err := e.locks.TryLock(root.Type() + "/" + root.ID())
	if err != nil {
		return "", err
	}
	defer unlock()

	history, err := e.repo.Load(ctx, a)
	if err != nil && !(mode == Create && errors.Is(err, store.ErrAggregateNotFound)) {
		return "", err
	}
	if dup := handledBy(history, msg.ID); len(dup) > 0 {
		e.log.Infof("%s %s already handled by %s %s, republishing", msg.Topic, msg.ID, root.Type(), root.ID())
		return metric.ResultDuplicate, e.publish(ctx, dup)
	}
	if mode == Create && len(history) > 0 {
		return "", fmt.Errorf("%w: %s %s", ErrAggregateExists, root.Type(), root.ID())
	}

	root.Correlate(msg.ID, msg.Items)
	failure, err := op()
	if err != nil {
		return "", err
	}
	result := metric.ResultOK
	var reply *bus.Message
	if failure != nil {
		e.log.Infof("%s on %s %s declined: %s", msg.Topic, root.Type(), root.ID(), failure)
		m, err := failureMessage(msg, failure)
		if err != nil {
			return "", err
		}
		reply, result = &m, metric.ResultFailure
	}
	if mode == Existing && (failure != nil || len(root.Changes()) == 0) {
		if err := e.receipt(a, msg, reply); err != nil {
			return "", err
		}
	}

	saved, err := e.repo.Save(ctx, a)
	if err != nil {
		return "", err
	}
	if reply != nil {
		return result, e.bus.Publish(ctx, *reply)
	}
	return result, e.publish(ctx, saved)
}

// receipt records that msg was handled without raising anything. A declined operation
// raised nothing, so the receipt is the only pending change.
func (e *Executor) receipt(a eventsource.Aggregate, msg bus.Message, reply *bus.Message) error {
	r := eventsource.Receipt{Topic: msg.Topic}
	if reply != nil {
		b, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		r.Reply = b
	}
	return a.Base().Raise(a, r)
}

func handledBy(history []eventsource.Event, commandID string) []eventsource.Event {
	var res []eventsource.Event
	for _, evt := range history {
		if evt.CommandID == commandID {
			res = append(res, evt)
		}
	}
	return res
}

// publish sends events as event messages and receipts as the reply they hold.
func (e *Executor) publish(ctx context.Context, events []eventsource.Event) error {
	msgs := make([]bus.Message, 0, len(events))
	for _, evt := range events {
		if r, ok := evt.Data.(eventsource.Receipt); ok {
			if len(r.Reply) == 0 {
				continue
			}
			var m bus.Message
			if err := json.Unmarshal(r.Reply, &m); err != nil {
				return fmt.Errorf("receipt of %s %s: %w", r.Topic, evt.CommandID, err)
			}
			msgs = append(msgs, m)
			continue
		}
		rec, err := e.registry.Encode(evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, bus.FromRecord(rec))
	}
	if len(msgs) == 0 {
		return nil
	}
	return e.bus.Publish(ctx, msgs...)
}

// failureMessage answers cause with failure, under the id of cause so that the initiator
// can recognise a republished answer.
func failureMessage(cause bus.Message, failure *eventual2pc.Failure) (bus.Message, error) {
	m, err := bus.NewMessage(common.FailureMessage, failure.Code, failure.Preparation.InitiatorID, failure, cause.Items)
	if err != nil {
		return bus.Message{}, err
	}
	m.ID = cause.ID
	return m, nil
}
