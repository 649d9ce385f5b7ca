// Package router is the one place that knows both sides of the proxy at
// once: it attributes each downstream miner to an upstream pool (via the
// scheduler), forwards accepted jobs and difficulty down, and forwards
// submitted shares up — validating each submit against spec §3 (I1
// attribution immutability) and rejecting duplicates before it ever
// reaches a pool.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/stratum-splitter/internal/downstream"
	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/fingerprint"
	"github.com/tos-network/stratum-splitter/internal/job"
	"github.com/tos-network/stratum-splitter/internal/scheduler"
	"github.com/tos-network/stratum-splitter/internal/upstream"
)

// Stratum error codes the router returns to miners (spec §4.5).
const (
	ErrJobNotFound    = 21
	ErrDuplicateShare = 22
	ErrLowDifficulty  = 23
	ErrUnauthorized   = 24
)

// Router wires one downstream.Server to the configured upstream pools.
type Router struct {
	mu    sync.RWMutex
	pools map[string]*upstream.Session

	sched      *scheduler.Scheduler
	bus        *events.Bus
	ids        *job.IDMinter
	staleGrace time.Duration

	sessions sync.Map // uint64 -> *downstream.Session
}

// New creates a Router over the given upstream pools.
func New(pools map[string]*upstream.Session, sched *scheduler.Scheduler, bus *events.Bus, staleGrace time.Duration) *Router {
	if staleGrace <= 0 {
		staleGrace = 20 * time.Second
	}
	return &Router{
		pools:      pools,
		sched:      sched,
		bus:        bus,
		ids:        &job.IDMinter{},
		staleGrace: staleGrace,
	}
}

func (r *Router) pool(id string) *upstream.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[id]
}

// ReplacePool swaps the upstream session behind poolID, used by the
// supervisor's config hot-reload (SPEC supplement to §4.6) when a pool's
// connection settings change and it must be reconnected under a fresh
// Session without disturbing existing miner attribution or job history
// for the other pool.
func (r *Router) ReplacePool(poolID string, pool *upstream.Session) {
	r.mu.Lock()
	r.pools[poolID] = pool
	r.mu.Unlock()
}

// HandleSubscribe implements downstream.Dispatcher: it attributes the new
// session to a pool and, if that pool already has a job, sends it
// immediately so the miner does not idle until the next mining.notify.
func (r *Router) HandleSubscribe(sess *downstream.Session) {
	r.sessions.Store(sess.ID, sess)
	poolID := r.sched.Assign(sess.ID, false)
	sess.SetActivePool(poolID)

	pool := r.pool(poolID)
	if pool == nil {
		return
	}
	snap := pool.Snapshot()
	if snap.LatestJob != nil {
		sess.AssignJob(poolID, snap.LatestJob, r.ids, snap.Difficulty, false)
	}
}

// HandleAuthorize implements downstream.Dispatcher. Pool attribution
// happens at subscribe time; nothing further is needed here.
func (r *Router) HandleAuthorize(sess *downstream.Session, workerName string) error {
	return nil
}

// HandleDisconnect implements downstream.Dispatcher, dropping the
// session's scheduler state so it cannot leak across reconnects with a
// reused id.
func (r *Router) HandleDisconnect(sess *downstream.Session) {
	r.sessions.Delete(sess.ID)
	r.sched.Forget(sess.ID)
}

// Submit implements downstream.Dispatcher. It resolves the proxy job id
// back to the pool that issued it (I1: the pool attributed here is
// whichever pool was active when the job was minted, even if the
// scheduler has since moved the miner elsewhere), validates it against
// that pool's job ring, rejects duplicates, and only then forwards
// the share upstream.
func (r *Router) Submit(sess *downstream.Session, proxyJobID, extranonce2, ntime, nonce string) (bool, int, string) {
	poolID, poolJobID, _, ok := sess.ResolvePoolJob(proxyJobID)
	if !ok {
		return false, ErrJobNotFound, "Job not found"
	}

	pool := r.pool(poolID)
	if pool == nil {
		return false, ErrJobNotFound, "Job not found"
	}

	key := fingerprint.SubmitKey(proxyJobID, extranonce2, ntime, nonce)
	if !sess.CheckAndRecordSubmit(key) {
		r.bus.Emit(events.DuplicateShare, "miner", fmt.Sprintf("%d", sess.ID))
		return false, ErrDuplicateShare, "Duplicate share"
	}

	if _, found := pool.JobRing().Lookup(poolJobID); !found {
		if !pool.JobRing().EvictedWithin(poolJobID, r.staleGrace) {
			r.bus.Emit(events.StaleShare, "miner", fmt.Sprintf("%d", sess.ID), "pool", poolID, "reason", "job not found")
			return false, ErrJobNotFound, "Job not found"
		}
		r.bus.Emit(events.StaleShare, "miner", fmt.Sprintf("%d", sess.ID), "pool", poolID, "reason", "within stale grace")
	}

	result, err := pool.Submit(poolJobID, extranonce2, ntime, nonce)
	if err != nil {
		return false, ErrJobNotFound, err.Error()
	}
	if result.TimedOut {
		return false, ErrJobNotFound, "Upstream timeout"
	}

	r.bus.Emit(events.ShareResult, "miner", fmt.Sprintf("%d", sess.ID), "pool", poolID, "accepted", result.Accepted)
	if !result.Accepted {
		return false, result.ErrCode, result.ErrMsg
	}
	return true, 0, ""
}

// BroadcastJob pushes a freshly received upstream job down to every
// miner currently attributed to poolID, minting each of them a fresh
// proxy job id (spec §4.2.1: clean_jobs forces every affected miner onto
// the new job).
func (r *Router) BroadcastJob(poolID string, rec *job.Record, difficulty float64) {
	r.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*downstream.Session)
		if sess.ActivePool() == poolID {
			sess.AssignJob(poolID, rec, r.ids, difficulty, false)
		}
		return true
	})
}

// BroadcastDifficulty propagates a mining.set_difficulty update from a
// pool to every miner currently attributed to it, without minting a new
// job (spec §4.2: "update difficulty; propagate if active for any
// miner").
func (r *Router) BroadcastDifficulty(poolID string, difficulty float64) {
	r.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*downstream.Session)
		if sess.ActivePool() == poolID {
			sess.SendDifficulty(difficulty)
		}
		return true
	})
}

// Reassign forces every miner currently on fromPoolID onto a freshly
// scheduled pool, used for immediate failover (the one exception to the
// dwell floor, I5) when fromPoolID goes unhealthy.
func (r *Router) Reassign(fromPoolID string) {
	r.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*downstream.Session)
		if sess.ActivePool() != fromPoolID {
			return true
		}
		next := r.sched.Assign(sess.ID, true)
		sess.SetActivePool(next)
		if pool := r.pool(next); pool != nil {
			if snap := pool.Snapshot(); snap.LatestJob != nil {
				sess.AssignJob(next, snap.LatestJob, r.ids, snap.Difficulty, true)
			}
		}
		return true
	})
}

// TickSlot re-evaluates pool attribution for every tracked miner at a
// scheduler slot boundary (spec §4.4): fixed/auto-balance apportionment
// only converges on the configured split (P4) if every miner's
// attribution is actually revisited on a timer, not just pinned at
// subscribe time. A miner whose target pool changes gets set_difficulty
// then a clean_jobs=true notify for the new pool's latest job (P2); one
// whose target is unchanged, or whose dwell floor has not yet elapsed
// (I5), is left alone.
func (r *Router) TickSlot() {
	r.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*downstream.Session)
		current := sess.ActivePool()
		next := r.sched.Assign(sess.ID, false)
		if next == current {
			return true
		}
		sess.SetActivePool(next)
		if pool := r.pool(next); pool != nil {
			if snap := pool.Snapshot(); snap.LatestJob != nil {
				sess.AssignJob(next, snap.LatestJob, r.ids, snap.Difficulty, true)
			}
		}
		return true
	})
}

// SessionCount returns the number of downstream sessions the router is
// currently tracking attribution for.
func (r *Router) SessionCount() int {
	n := 0
	r.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
