package common

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/subchen/go-trylock/v2"
)

var ErrLocked = errors.New("locked")

type lockEntry struct {
	mu   trylock.TryLocker
	refs int
}

// LockMap hands out one try-lock per key. Entries live only while someone holds or waits
// for them.
type LockMap struct {
	locks   map[string]*lockEntry
	mu      trylock.TryLocker
	timeout time.Duration
	log     *log.Entry
}

func NewLockMap(logger *log.Logger, t time.Duration) *LockMap {
	return &LockMap{
		locks:   make(map[string]*lockEntry),
		mu:      trylock.New(),
		timeout: t,
		log:     logger.WithField("component", "lockmap"),
	}
}

// TryLock locks key, waiting at most the map's timeout. The returned func releases it.
func (c *LockMap) TryLock(key string) (func(), error) {
	if global := c.mu.TryLockTimeout(c.timeout); !global {
		return nil, fmt.Errorf("%w: map is locked globally", ErrLocked)
	}
	e, ok := c.locks[key]
	if !ok {
		e = &lockEntry{mu: trylock.New()}
		c.locks[key] = e
	}
	e.refs++
	c.mu.Unlock() // unlock globally asap

	if local := e.mu.TryLockTimeout(c.timeout); !local {
		c.release(key, e)
		return nil, fmt.Errorf("%w: map is locked on Key=%s", ErrLocked, key)
	}
	c.log.Debugf("LOCKED %s", key)
	return func() {
		e.mu.Unlock()
		c.release(key, e)
		c.log.Debugf("UNLOCKED %s", key)
	}, nil
}

func (c *LockMap) release(key string, e *lockEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(c.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (c *LockMap) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.locks)
}
