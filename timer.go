package netcore

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/lattice-io/netcore/internal/corelog"
)

// TimerID identifies a registered timer. IDs are allocated from a
// single process-wide monotonic sequence starting at 1, matching the
// original Timer::s_timerIdAlloc being a static counter shared by every
// Timer regardless of which loop's queue it lives in.
type TimerID int64

var timerIDSeq int64

func nextTimerID() TimerID {
	return TimerID(atomic.AddInt64(&timerIDSeq, 1))
}

// timerItem is one scheduled callback. It is simultaneously a member of
// the ordered heap and of the id-to-item map; TimerQueue keeps both in
// lockstep (spec.md §3 invariant: |ordered_set| == |id_map|).
type timerItem struct {
	expiration time.Time
	interval   time.Duration
	repeat     bool
	id         TimerID
	callback   func()

	seq   int64 // tie-break standing in for the original's pointer-identity order
	index int   // heap.Interface bookkeeping
}

// timerHeap orders by (expiration, seq) — seq is a stable proxy for the
// C++ original's raw pointer-identity tie-break: both produce an
// "arbitrary but consistent" order for same-instant timers, which is
// all spec.md §5 requires.
type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].seq < h[j].seq
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	it := x.(*timerItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// TimerQueue is the per-loop hierarchical timer store of spec.md §4.6:
// an ordered set keyed by (expiration, identity) plus an id->item map
// for O(log n) cancel, with a cancel-during-callback guard set.
//
// TimerQueue is owned exclusively by its loop's thread; nothing in this
// type takes a lock. Cross-thread cancellation is handled one level up
// by Loop.CancelTimer, which delegates onto the loop thread when called
// from elsewhere (spec.md §5).
type TimerQueue struct {
	heap   timerHeap
	idMap  map[TimerID]*timerItem
	nextSeq int64

	callingExpired  bool
	cancelingTimers map[TimerID]struct{}
}

// NewTimerQueue returns an empty TimerQueue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{
		idMap:           make(map[TimerID]*timerItem),
		cancelingTimers: make(map[TimerID]struct{}),
	}
}

// Len reports the number of pending timers; used by tests to check the
// |ordered_set| == |id_map| invariant alongside IDMapLen.
func (q *TimerQueue) Len() int { return q.heap.Len() }

// IDMapLen reports the id-map size; should always equal Len().
func (q *TimerQueue) IDMapLen() int { return len(q.idMap) }

// Add inserts a new timer expiring at `at`. If repeat is true, interval
// is the re-arm period (interval_ms > 0 per spec.md §3); interval_ms==0
// behaves as one-shot per spec.md §8 boundary behavior.
func (q *TimerQueue) Add(at time.Time, interval time.Duration, repeat bool, cb func()) TimerID {
	return q.AddWithID(nextTimerID(), at, interval, repeat, cb)
}

// AddWithID is like Add but accepts a pre-allocated id. Loop uses this
// to hand back a TimerID synchronously to a caller on another goroutine
// even though the actual heap insertion is delegated onto the loop
// thread and happens slightly later.
func (q *TimerQueue) AddWithID(id TimerID, at time.Time, interval time.Duration, repeat bool, cb func()) TimerID {
	q.nextSeq++
	it := &timerItem{
		expiration: at,
		interval:   interval,
		repeat:     repeat && interval > 0,
		id:         id,
		callback:   cb,
		seq:        q.nextSeq,
	}
	heap.Push(&q.heap, it)
	q.idMap[id] = it
	return id
}

// Cancel implements spec.md §4.6's cancel_timer: if the timer is live in
// both structures, remove and destroy it; if the queue is mid-callback
// dispatch (callingExpired), defer the cancellation by recording the id
// so the re-arm step can skip it (handles a repeating timer cancelling
// itself from within its own callback).
func (q *TimerQueue) Cancel(id TimerID) {
	it, ok := q.idMap[id]
	if ok {
		heap.Remove(&q.heap, it.index)
		delete(q.idMap, id)
		return
	}
	if q.callingExpired {
		q.cancelingTimers[id] = struct{}{}
	}
}

// NearestExpiration returns the earliest pending expiration, if any.
func (q *TimerQueue) NearestExpiration() (time.Time, bool) {
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].expiration, true
}

// ProcessExpired invokes every timer whose expiration <= now, in
// ascending (expiration, seq) order, batch-extracting them first so a
// callback registering a new timer never observes itself in the same
// pass. Repeating timers not cancelled from within their own callback
// are re-armed for now+interval. Panics from callbacks are caught and
// logged, never escaping to the loop (spec.md §7).
func (q *TimerQueue) ProcessExpired(now time.Time, onFire func()) {
	q.callingExpired = true
	for k := range q.cancelingTimers {
		delete(q.cancelingTimers, k)
	}

	var expired []*timerItem
	for q.heap.Len() > 0 && !q.heap[0].expiration.After(now) {
		it := heap.Pop(&q.heap).(*timerItem)
		delete(q.idMap, it.id)
		expired = append(expired, it)
	}

	for _, it := range expired {
		func() {
			defer func() {
				if r := recover(); r != nil {
					corelog.Logger().WithField("timer_id", it.id).
						Errorf("netcore: timer callback panicked: %v", r)
				}
			}()
			it.callback()
		}()
		if onFire != nil {
			onFire()
		}

		if _, cancelled := q.cancelingTimers[it.id]; it.repeat && !cancelled {
			it.expiration = now.Add(it.interval)
			q.nextSeq++
			it.seq = q.nextSeq
			heap.Push(&q.heap, it)
			q.idMap[it.id] = it
		}
	}

	q.callingExpired = false
	for k := range q.cancelingTimers {
		delete(q.cancelingTimers, k)
	}
}
