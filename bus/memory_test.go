package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/raft-saga-store/common"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var errTransient = errors.New("transient")

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestBus(t *testing.T) *Memory {
	opts := Options{
		Workers:     4,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
	return NewMemory(quietLogger(), opts)
}

func drain(t *testing.T, b *Memory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

func msg(t *testing.T, topic, key string, payload any) Message {
	m, err := NewMessage(common.EventMessage, topic, key, payload, map[string]string{"trace": "t1"})
	require.NoError(t, err)
	return m
}

func TestMemory_OrderPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	seen := make(map[string][]int)
	b.Subscribe("Tick", "recorder", func(ctx context.Context, m Message) error {
		n, err := Decode[int](m)
		if err != nil {
			return err
		}
		mu.Lock()
		seen[m.Key] = append(seen[m.Key], n)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, b.Publish(context.Background(), msg(t, "Tick", key, i)))
		}
	}
	drain(t, b)

	for _, key := range []string{"a", "b", "c"} {
		require.Lenf(t, seen[key], 50, "key %s", key)
		for i, n := range seen[key] {
			assert.Equalf(t, i, n, "key %s out of order at %d", key, i)
		}
	}
}

func TestMemory_OneHandlerPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	b.Subscribe("Tick", "slow", func(ctx context.Context, m Message) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(context.Background(), msg(t, "Tick", "same", i)))
	}
	drain(t, b)
	assert.Equal(t, 1, maxRunning)
}

func TestMemory_FanOutAndItems(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"first", "second"} {
		name := name
		b.Subscribe("Tick", name, func(ctx context.Context, m Message) error {
			mu.Lock()
			got = append(got, name+":"+m.Items["trace"])
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, b.Publish(context.Background(), msg(t, "Tick", "k", 1), msg(t, "Unheard", "k", 2)))
	drain(t, b)
	assert.ElementsMatch(t, []string{"first:t1", "second:t1"}, got)
	assert.ElementsMatch(t, []string{"Tick"}, b.Topics())
}

func TestMemory_Retry(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	attempts := make(map[string]int)
	b.Subscribe("Flaky", "flaky", func(ctx context.Context, m Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[m.Key]++
		switch m.Key {
		case "recovers":
			if attempts[m.Key] < 2 {
				return errTransient
			}
			return nil
		case "always":
			return fmt.Errorf("still failing: %w", errTransient)
		default:
			return errors.New("fatal")
		}
	})
	for _, key := range []string{"recovers", "always", "fatal"} {
		require.NoError(t, b.Publish(context.Background(), msg(t, "Flaky", key, 0)))
	}
	drain(t, b)
	assert.Equal(t, 2, attempts["recovers"])
	assert.Equal(t, 3, attempts["always"], "retryable errors stop at MaxAttempts")
	assert.Equal(t, 1, attempts["fatal"], "other errors are not redelivered")
}

func TestMemory_PublishFromHandler(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	defer b.Close()

	done := make(chan int, 1)
	b.Subscribe("Ping", "ponger", func(ctx context.Context, m Message) error {
		n, _ := Decode[int](m)
		pong, err := NewMessage(common.CommandMessage, "Pong", m.Key, n+1, m.Items)
		if err != nil {
			return err
		}
		return b.Publish(ctx, pong)
	})
	b.Subscribe("Pong", "sink", func(ctx context.Context, m Message) error {
		n, _ := Decode[int](m)
		done <- n
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), msg(t, "Ping", "k", 41)))
	drain(t, b)
	assert.Equal(t, 42, <-done)
}

func TestMemory_Close(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), msg(t, "Tick", "k", 1)), ErrClosed)
}

func TestMemory_DeliverReportsOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	handled := 0
	b.Subscribe("Order", "first", func(ctx context.Context, m Message) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})
	b.Subscribe("Order", "second", func(ctx context.Context, m Message) error {
		mu.Lock()
		handled++
		mu.Unlock()
		if m.Key == "bad" {
			return errTransient
		}
		return nil
	})

	outcome := func(key, topic string) error {
		done := make(chan error, 1)
		require.NoError(t, b.Deliver(context.Background(), msg(t, topic, key, 0), func(err error) { done <- err }))
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("no outcome for %s", key)
			return nil
		}
	}

	assert.NoError(t, outcome("good", "Order"))
	mu.Lock()
	assert.Equal(t, 2, handled, "done waits for every subscriber")
	mu.Unlock()
	assert.ErrorIs(t, outcome("bad", "Order"), errTransient)
	assert.NoError(t, outcome("any", "Unheard"))
}

func TestMemory_DeliverAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t)
	b.Close()
	called := false
	err := b.Deliver(context.Background(), msg(t, "Tick", "k", 1), func(error) { called = true })
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, called)
}
