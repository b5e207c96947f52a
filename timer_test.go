package netcore

import (
	"testing"
	"time"
)

func TestTimerQueueOrdering(t *testing.T) {
	q := NewTimerQueue()
	var fired []string
	base := time.Now()
	q.Add(base.Add(30*time.Millisecond), 0, false, func() { fired = append(fired, "b") })
	q.Add(base.Add(10*time.Millisecond), 0, false, func() { fired = append(fired, "a") })
	q.Add(base.Add(20*time.Millisecond), 0, false, func() { fired = append(fired, "c") })

	q.ProcessExpired(base.Add(100*time.Millisecond), nil)
	if len(fired) != 3 || fired[0] != "a" || fired[1] != "c" || fired[2] != "b" {
		t.Fatalf("expected fire order a,c,b; got %v", fired)
	}
}

func TestTimerQueueInvariant(t *testing.T) {
	q := NewTimerQueue()
	base := time.Now()
	id1 := q.Add(base.Add(time.Second), 0, false, func() {})
	q.Add(base.Add(2*time.Second), 0, false, func() {})
	if q.Len() != q.IDMapLen() {
		t.Fatalf("heap/map size mismatch")
	}
	q.Cancel(id1)
	if q.Len() != 1 || q.IDMapLen() != 1 {
		t.Fatalf("expected 1 remaining timer after cancel")
	}
}

func TestTimerCancelNoopOnFired(t *testing.T) {
	q := NewTimerQueue()
	base := time.Now()
	id := q.Add(base.Add(-time.Millisecond), 0, false, func() {})
	q.ProcessExpired(base, nil)
	// cancel on an already-fired, non-repeating timer must be a no-op
	q.Cancel(id)
	if q.Len() != 0 || q.IDMapLen() != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestTimerCancelSelfDuringCallback(t *testing.T) {
	q := NewTimerQueue()
	base := time.Now()
	count := 0
	var id TimerID
	id = q.Add(base, 100*time.Millisecond, true, func() {
		count++
		if count == 3 {
			q.Cancel(id)
		}
	})

	now := base
	for i := 0; i < 5; i++ {
		now = now.Add(100 * time.Millisecond)
		q.ProcessExpired(now, nil)
	}

	if count != 3 {
		t.Fatalf("expected exactly 3 fires, got %d", count)
	}
	if q.Len() != 0 || q.IDMapLen() != 0 {
		t.Fatalf("expected timer fully removed after self-cancel")
	}
}

func TestTimerZeroIntervalIsOneShot(t *testing.T) {
	q := NewTimerQueue()
	base := time.Now()
	count := 0
	q.Add(base, 0, true, func() { count++ }) // repeat=true but interval=0 -> one-shot
	q.ProcessExpired(base.Add(time.Second), nil)
	q.ProcessExpired(base.Add(2*time.Second), nil)
	if count != 1 {
		t.Fatalf("expected exactly one fire, got %d", count)
	}
}
