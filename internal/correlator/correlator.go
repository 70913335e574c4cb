// Package correlator routes button presses back to the command invocation
// that rendered them. Entries live for a fixed time from insertion.
package correlator

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a flow stays resumable after it was started.
const DefaultTTL = 15 * time.Minute

var (
	// ErrExpired is returned by GetAs when no entry exists for the event.
	ErrExpired = errors.New("correlator: no pending interaction")
	// ErrTypeMismatch is returned by GetAs when the entry belongs to a
	// different flow.
	ErrTypeMismatch = errors.New("correlator: payload type mismatch")
)

type entry struct {
	payload any
	expires time.Time
	timer   *time.Timer
}

// Correlator is safe for concurrent use.
type Correlator struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uint64]*entry
}

// Opts holds parameters for creating a Correlator.
type Opts struct {
	TTL time.Duration    // defaults to DefaultTTL
	Now func() time.Time // defaults to time.Now
}

// New creates a Correlator.
func New(opts Opts) *Correlator {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Correlator{
		ttl:     ttl,
		now:     now,
		entries: make(map[uint64]*entry),
	}
}

// Put stores payload under eventID, replacing any previous entry, and
// schedules its eviction one TTL from now.
func (c *Correlator) Put(eventID uint64, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[eventID]; ok {
		old.timer.Stop()
	}
	e := &entry{payload: payload, expires: c.now().Add(c.ttl)}
	e.timer = time.AfterFunc(c.ttl, func() { c.evict(eventID, e) })
	c.entries[eventID] = e
}

// evict removes eventID only if it still holds e.
func (c *Correlator) evict(eventID uint64, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[eventID]; ok && cur == e {
		delete(c.entries, eventID)
	}
}

// Get returns the payload for eventID, if present and not expired.
func (c *Correlator) Get(eventID uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[eventID]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		e.timer.Stop()
		delete(c.entries, eventID)
		return nil, false
	}
	return e.payload, true
}

// Remove drops the entry for eventID.
func (c *Correlator) Remove(eventID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[eventID]; ok {
		e.timer.Stop()
		delete(c.entries, eventID)
	}
}

// Clear drops every entry.
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, id)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetAs returns the payload for eventID as a T. A missing or expired entry
// is ErrExpired; an entry of another type is ErrTypeMismatch.
func GetAs[T any](c *Correlator, eventID uint64) (T, error) {
	var zero T
	v, ok := c.Get(eventID)
	if !ok {
		return zero, fmt.Errorf("%w: event %d", ErrExpired, eventID)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: event %d holds %T, want %T", ErrTypeMismatch, eventID, v, zero)
	}
	return t, nil
}
