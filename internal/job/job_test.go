package job

import (
	"fmt"
	"testing"
	"time"
)

func TestRingPushAndLookup(t *testing.T) {
	r := NewRing()
	r.Push(&Record{PoolJobID: "1", ReceivedAt: time.Now()})
	r.Push(&Record{PoolJobID: "2", ReceivedAt: time.Now()})

	if rec, ok := r.Lookup("1"); !ok || rec.PoolJobID != "1" {
		t.Errorf("Lookup(1) = %v, %v", rec, ok)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRingEvictsOldestBeyondRingSize(t *testing.T) {
	r := NewRing()
	for i := 0; i < RingSize+3; i++ {
		r.Push(&Record{PoolJobID: fmt.Sprintf("%d", i), ReceivedAt: time.Now()})
	}

	if r.Len() != RingSize {
		t.Fatalf("Len() = %d, want %d", r.Len(), RingSize)
	}
	// the first 3 pushed must have been evicted (FIFO)
	for i := 0; i < 3; i++ {
		if _, ok := r.Lookup(fmt.Sprintf("%d", i)); ok {
			t.Errorf("job %d should have been evicted", i)
		}
	}
	// the most recent RingSize must still be present
	if _, ok := r.Lookup(fmt.Sprintf("%d", RingSize+2)); !ok {
		t.Error("most recent job should still be in the ring")
	}
}

func TestRingEvictedWithin(t *testing.T) {
	r := NewRing()
	for i := 0; i < RingSize+1; i++ {
		r.Push(&Record{PoolJobID: fmt.Sprintf("%d", i), ReceivedAt: time.Now()})
	}

	if !r.EvictedWithin("0", time.Minute) {
		t.Error("job 0 should report evicted within a minute of eviction")
	}
	if r.EvictedWithin("0", -time.Second) {
		t.Error("a negative grace window should never match")
	}
	if r.EvictedWithin("never-seen", time.Hour) {
		t.Error("a job id that was never pushed should not report evicted")
	}
}

func TestRingLatest(t *testing.T) {
	r := NewRing()
	if r.Latest() != nil {
		t.Error("Latest() on empty ring should be nil")
	}
	r.Push(&Record{PoolJobID: "1"})
	r.Push(&Record{PoolJobID: "2"})
	if got := r.Latest(); got == nil || got.PoolJobID != "2" {
		t.Errorf("Latest() = %v, want job 2", got)
	}
}

func TestRingPruneEvicted(t *testing.T) {
	r := NewRing()
	for i := 0; i < RingSize+1; i++ {
		r.Push(&Record{PoolJobID: fmt.Sprintf("%d", i)})
	}
	r.PruneEvicted(0)
	if r.EvictedWithin("0", time.Hour) {
		t.Error("eviction record for job 0 should have been pruned")
	}
}

func TestIDMinterIsMonotoneAndUnique(t *testing.T) {
	m := &IDMinter{}
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 100; i++ {
		id := m.Next()
		if seen[id] {
			t.Fatalf("duplicate id minted: %s", id)
		}
		seen[id] = true
		if id == prev {
			t.Fatalf("id did not advance: %s", id)
		}
		prev = id
	}
}
