// Package job holds the upstream job record and the bounded ring buffer
// that backs invariant I4 (an upstream session never holds more than N
// job records; pruning is FIFO) and the stale-share grace window (spec
// §4.5, P7).
package job

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RingSize is N from spec §3: the number of most-recent jobs an upstream
// session retains.
const RingSize = 16

// Record is one job as received from an upstream pool's mining.notify.
type Record struct {
	PoolJobID    string
	PrevHash     string
	Coinbase1    string
	Coinbase2    string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
	ReceivedAt   time.Time
	// Difficulty is the difficulty that was active on the issuing pool
	// at the moment this job was issued (spec §3, Job record).
	Difficulty float64
}

// Ring is a bounded, FIFO job history for one upstream pool. It is safe
// for concurrent use: the upstream session's reader goroutine appends,
// while the router's submit-validation path and the status API read
// concurrently.
type Ring struct {
	mu      sync.RWMutex
	entries []*Record
	index   map[string]*Record
	evicted map[string]time.Time // pool_job_id -> time it left the ring
}

// NewRing creates an empty job ring.
func NewRing() *Ring {
	return &Ring{
		entries: make([]*Record, 0, RingSize),
		index:   make(map[string]*Record, RingSize),
		evicted: make(map[string]time.Time),
	}
}

// Push appends a new job, evicting the oldest once the ring is full (I4).
func (r *Ring) Push(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, rec)
	r.index[rec.PoolJobID] = rec

	for len(r.entries) > RingSize {
		oldest := r.entries[0]
		r.entries = r.entries[1:]
		delete(r.index, oldest.PoolJobID)
		r.evicted[oldest.PoolJobID] = time.Now()
	}
}

// Lookup returns the job with the given pool-side id if it is still in
// the ring.
func (r *Ring) Lookup(poolJobID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.index[poolJobID]
	return rec, ok
}

// EvictedWithin reports whether poolJobID left the ring within the given
// grace window — the basis for spec §4.5 / P7's stale-share grace period.
// A job that was never seen at all (never evicted, never present) returns
// false: the caller should treat that as "not found", a distinct outcome
// from "stale but within grace".
func (r *Ring) EvictedWithin(poolJobID string, grace time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evictedAt, ok := r.evicted[poolJobID]
	if !ok {
		return false
	}
	return time.Since(evictedAt) <= grace
}

// Latest returns the most recently pushed job, or nil if the ring is
// empty.
func (r *Ring) Latest() *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

// Len returns the number of jobs currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// PruneEvicted drops eviction bookkeeping older than maxAge, called by the
// supervisor's periodic pruning pass (spec §4.6) so the evicted map does
// not grow without bound across a long-lived upstream session.
func (r *Ring) PruneEvicted(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, at := range r.evicted {
		if now.Sub(at) > maxAge {
			delete(r.evicted, id)
		}
	}
}

// IDMinter mints monotonically increasing, opaque proxy-side job ids.
// Proxy job ids decouple the two pools' id spaces from the miner-facing
// one (spec §3, "Proxy job id"), so a reverse lookup on submit is always
// unambiguous regardless of which pool issued the underlying job.
type IDMinter struct {
	counter uint64
}

// Next returns the next proxy job id as a monotone hex string.
func (m *IDMinter) Next() string {
	n := atomic.AddUint64(&m.counter, 1)
	return fmt.Sprintf("%x", n)
}
