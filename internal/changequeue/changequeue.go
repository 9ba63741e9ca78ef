// Package changequeue implements the single-consumer FIFO change
// notification queue, grounded on rpki_queue.c. Each update id is
// listed at most once; re-enqueueing merges the new reason into the
// existing entry's reason bitmask instead of the original's
// unconditional RQ_ALL overwrite (see DESIGN.md REDESIGN entry).
package changequeue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nist-bgp/srx-valcache/internal/updateid"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// Elem is one pending change notification.
type Elem struct {
	UpdateID updateid.ID
	Reason   verdict.Reason
	Source   updateid.Source // identifies the (prefix, path) this change is about
}

// Queue is a thread-safe, order-preserving, dedup-on-enqueue FIFO.
// Lock acquisition is time-bounded (TryLock with a bounded spin-sleep)
// rather than the original's unconditional semaphore wait, per the
// concurrency model's "lock acquisition SHOULD be time-bounded". Dedup
// is keyed by PV mode (prefix+path), not the full UpdateID, per §4.5:
// path-validation events are what affect verdicts, so two pending
// updates for the same prefix+path but different origin ASNs merge
// into one queue entry.
type Queue struct {
	mu       sync.Mutex
	elems    []Elem
	index    map[updateid.ID]int // PV key -> position in elems, for O(1) dedup lookup
	lockWait time.Duration
	log      zerolog.Logger
}

// DefaultLockWait is used when New is called without an explicit bound.
const DefaultLockWait = 50 * time.Millisecond

// New creates an empty queue with the default lock-acquisition bound,
// logging under the "change-queue" component.
func New(log zerolog.Logger) *Queue {
	return NewWithLockWait(log, DefaultLockWait)
}

// NewWithLockWait creates an empty queue with a custom bound on how
// long Enqueue/Dequeue will spin attempting to acquire the lock before
// giving up.
func NewWithLockWait(log zerolog.Logger, d time.Duration) *Queue {
	return &Queue{
		index:    make(map[updateid.ID]int),
		lockWait: d,
		log:      log.With().Str("component", "change-queue").Logger(),
	}
}

// ErrNoLock is returned when the bounded lock-acquisition attempt
// times out; callers should retry.
type ErrNoLock struct{}

func (ErrNoLock) Error() string { return "changequeue: could not acquire lock within bound" }

func (q *Queue) tryLock() bool {
	deadline := time.Now().Add(q.lockWait)
	for {
		if q.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Enqueue adds updateID to the queue with the given reason and source.
// If an element with the same PV identity (prefix+path, ignoring
// origin ASN) is already queued, its reason is merged via bitwise OR
// instead of being overwritten, preserving every distinct cause that
// is still pending notification.
func (q *Queue) Enqueue(updateID updateid.ID, source updateid.Source, reason verdict.Reason) error {
	if !q.tryLock() {
		return ErrNoLock{}
	}
	defer q.mu.Unlock()

	key := source.KeyFor(updateid.PV)
	if pos, ok := q.index[key]; ok {
		q.elems[pos].Reason |= reason
		return nil
	}
	q.index[key] = len(q.elems)
	q.elems = append(q.elems, Elem{UpdateID: updateID, Reason: reason, Source: source})
	return nil
}

// Dequeue removes and returns the head element. ok is false if the
// queue is empty or the lock could not be acquired within the bound.
func (q *Queue) Dequeue() (Elem, bool) {
	if !q.tryLock() {
		return Elem{}, false
	}
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() (Elem, bool) {
	if len(q.elems) == 0 {
		return Elem{}, false
	}
	e := q.elems[0]
	q.elems = q.elems[1:]
	delete(q.index, e.Source.KeyFor(updateid.PV))
	for key, pos := range q.index {
		q.index[key] = pos - 1
	}
	return e, true
}

// Empty drains the whole queue, discarding every pending element.
func (q *Queue) Empty() {
	if !q.tryLock() {
		return
	}
	defer q.mu.Unlock()
	q.elems = nil
	q.index = make(map[updateid.ID]int)
}

// Size returns the current queue depth. It is deliberately
// unsynchronized, mirroring rq_size: the count may change between the
// read and any decision made from it, which is harmless here since the
// consumer always re-checks before acting.
func (q *Queue) Size() int {
	return len(q.elems)
}
