// Package locks serializes index mutations that could race on the same
// subtree. Locks are keyed by (bucket, top segment) so the lock count of
// an operation is bounded by its fan-out, not its depth. Every caller
// acquires its full key set in one deterministic global order, which rules
// out wait cycles between operations touching overlapping subtrees.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock in the ordered acquisition sequence
// cannot be obtained before the deadline. It signals contention, not a
// correctness problem; callers are expected to retry.
var ErrTimeout = errors.New("lock wait timed out")

// Key identifies one lock: a bucket plus the first segment of the paths
// the operation will touch in that bucket.
type Key struct {
	Bucket  string
	Segment string
}

func (k Key) String() string {
	return k.Bucket + "/" + k.Segment
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Manager hands out exclusive leases over lock keys. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[Key]*entry
}

// NewManager returns a manager whose acquisitions give up after timeout.
// A non-positive timeout falls back to 5s.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		timeout: timeout,
		locks:   make(map[Key]*entry),
	}
}

// sortKeys orders keys by bucket then segment, byte-wise, and drops
// duplicates. This is the global total order every acquirer follows.
func sortKeys(keys []Key) []Key {
	out := make([]Key, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].Segment < out[j].Segment
	})
	dedup := out[:0]
	for i, k := range out {
		if i == 0 || k != out[i-1] {
			dedup = append(dedup, k)
		}
	}
	return dedup
}

// Acquire takes every lock in keys, in the global order, and returns a
// lease covering all of them. On timeout or context cancellation it
// releases whatever it already holds and returns ErrTimeout wrapped with
// the contended key. An empty key set yields an empty lease.
func (m *Manager) Acquire(ctx context.Context, keys []Key) (*Lease, error) {
	ordered := sortKeys(keys)
	lease := &Lease{m: m}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, k := range ordered {
		e := m.ref(k)
		select {
		case e.ch <- struct{}{}:
			lease.held = append(lease.held, k)
		case <-ctx.Done():
			m.unref(k)
			lease.Release()
			return nil, fmt.Errorf("lock %s: %w", k, ErrTimeout)
		}
	}
	return lease, nil
}

func (m *Manager) ref(k Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[k]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[k] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[k]
	if e == nil {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, k)
	}
}

// Lease holds a set of acquired locks. Release is idempotent and frees
// the locks in reverse acquisition order.
type Lease struct {
	m    *Manager
	held []Key
	once sync.Once
}

func (l *Lease) Release() {
	l.once.Do(func() {
		for i := len(l.held) - 1; i >= 0; i-- {
			k := l.held[i]
			l.m.mu.Lock()
			e := l.m.locks[k]
			l.m.mu.Unlock()
			<-e.ch
			l.m.unref(k)
		}
	})
}
