package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raft-saga-store/common"
	log "github.com/sirupsen/logrus"
)

// Options tune the in-process bus.
type Options struct {
	// Workers is the number of ordered queues keys are hashed onto.
	Workers int
	// MaxAttempts bounds deliveries of a message failing with a retryable error.
	MaxAttempts int
	// Backoff is the pause before the second attempt; it grows linearly.
	Backoff time.Duration
	// Retryable reports whether a handler error warrants redelivery.
	Retryable func(error) bool
}

// DefaultOptions returns options suited to a single node.
func DefaultOptions() Options {
	return Options{Workers: 16, MaxAttempts: 5, Backoff: 20 * time.Millisecond}
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	msg     Message
	sub     subscription
	tracker *tracker
}

// tracker reports the outcome of a message once every subscriber is done with it.
type tracker struct {
	mu      sync.Mutex
	pending int
	err     error
	done    func(error)
}

func (t *tracker) finish(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if err != nil && t.err == nil {
		t.err = err
	}
	t.pending--
	last := t.pending == 0
	t.mu.Unlock()
	if last {
		t.done(t.err)
	}
}

type queue struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func (q *queue) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	q.items[0] = delivery{}
	q.items = q.items[1:]
	return d, true
}

// Memory is an in-process bus. Each key is hashed onto one queue served by one goroutine, so
// a key never has two handlers running at once.
type Memory struct {
	opts Options

	mu     sync.RWMutex
	subs   map[string][]subscription
	closed bool

	queues   []*queue
	inflight int64
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *log.Entry
}

// NewMemory starts the workers of a new bus.
func NewMemory(logger *log.Logger, opts Options) *Memory {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		opts:   opts,
		subs:   make(map[string][]subscription),
		queues: make([]*queue, opts.Workers),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.WithField("component", "bus"),
	}
	for i := range m.queues {
		q := &queue{signal: make(chan struct{}, 1)}
		m.queues[i] = q
		m.wg.Add(1)
		go m.work(q)
	}
	return m
}

// Subscribe registers h for topic under the given subscriber name.
func (m *Memory) Subscribe(topic, subscriber string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], subscription{name: subscriber, handler: h})
}

// Topics lists every subscribed topic.
func (m *Memory) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	return topics
}

// Publish queues msgs for every subscriber of their topics. Messages nobody subscribes to are
// dropped.
func (m *Memory) Publish(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, err := m.enqueue(msg, nil); err != nil {
			return err
		}
	}
	return nil
}

// Deliver queues msg like Publish and calls done once every subscriber has handled it, with
// the error of a subscriber that gave up on it. done is not called for a message discarded
// by Close.
func (m *Memory) Deliver(ctx context.Context, msg Message, done func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := m.enqueue(msg, &tracker{done: done})
	if err != nil {
		return err
	}
	if n == 0 {
		done(nil)
	}
	return nil
}

func (m *Memory) enqueue(msg Message, t *tracker) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	subs := m.subs[msg.Topic]
	if len(subs) == 0 {
		m.log.Debugf("no subscriber for %s %s", msg.Kind, msg.Topic)
		return 0, nil
	}
	if t != nil {
		t.pending = len(subs)
	}
	q := m.queues[common.ShardOf(msg.Key, len(m.queues))]
	for _, sub := range subs {
		atomic.AddInt64(&m.inflight, 1)
		q.push(delivery{msg: msg, sub: sub, tracker: t})
	}
	return len(subs), nil
}

func (m *Memory) work(q *queue) {
	defer m.wg.Done()
	for {
		for {
			d, ok := q.pop()
			if !ok {
				break
			}
			if err := m.deliver(d); !errors.Is(err, ErrClosed) {
				d.tracker.finish(err)
			}
			atomic.AddInt64(&m.inflight, -1)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-q.signal:
		}
	}
}

// deliver runs the handler of d until it succeeds, fails for good or the bus closes, and
// returns the last handler error or ErrClosed.
func (m *Memory) deliver(d delivery) error {
	for attempt := 1; ; attempt++ {
		if m.ctx.Err() != nil {
			return ErrClosed
		}
		err := d.sub.handler(m.ctx, d.msg)
		if err == nil {
			return nil
		}
		retry := m.opts.Retryable != nil && m.opts.Retryable(err)
		if !retry || attempt >= m.opts.MaxAttempts {
			m.log.Errorf("%s gave up on %s %s (key %s) after %d attempt(s): %s",
				d.sub.name, d.msg.Topic, d.msg.ID, d.msg.Key, attempt, err)
			return err
		}
		m.log.Warnf("%s retrying %s %s: %s", d.sub.name, d.msg.Topic, d.msg.ID, err)
		select {
		case <-m.ctx.Done():
			return ErrClosed
		case <-time.After(time.Duration(attempt) * m.opts.Backoff):
		}
	}
}

// Drain waits until every published message has been handled.
func (m *Memory) Drain(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for atomic.LoadInt64(&m.inflight) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close stops the workers. Queued messages are discarded.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
