// Package supervisor owns the lifetime of every session and background
// loop the proxy runs: it starts and stops the two upstream pool
// sessions and the downstream miner server, wires the router's callbacks
// onto upstream state changes, drives periodic housekeeping (spec
// §4.6), and catches panics in any session goroutine so a single bad
// pool or miner never takes the process down.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/stratum-splitter/internal/chaininfo"
	"github.com/tos-network/stratum-splitter/internal/config"
	"github.com/tos-network/stratum-splitter/internal/downstream"
	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/job"
	"github.com/tos-network/stratum-splitter/internal/newrelic"
	"github.com/tos-network/stratum-splitter/internal/notify"
	"github.com/tos-network/stratum-splitter/internal/router"
	"github.com/tos-network/stratum-splitter/internal/scheduler"
	"github.com/tos-network/stratum-splitter/internal/upstream"
	"github.com/tos-network/stratum-splitter/internal/util"
)

// pendingSubmitMaxAge and recentSubmitMaxAge are the retention windows
// spec §4.6 names explicitly. Job-ring eviction records are kept for four
// times the stale-share grace window (see prune) so EvictedWithin (P7)
// still has something to consult for any share arriving within grace.
const (
	pendingSubmitMaxAge = 60 * time.Second
	recentSubmitMaxAge  = 10 * time.Minute
)

// Supervisor owns the pool sessions, the downstream server, the router
// that binds them together, and the periodic housekeeping pass.
type Supervisor struct {
	mu    sync.RWMutex
	cfg   *config.Config
	bus   *events.Bus
	pools map[string]*upstream.Session

	downstreamSrv *downstream.Server
	sched         *scheduler.Scheduler
	router        *router.Router
	notifier      *notify.Notifier
	nrAgent       *newrelic.Agent

	chainA *chaininfo.Client
	chainB *chaininfo.Client

	staleGrace time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a Supervisor and every collaborator it owns, but starts
// nothing: call Start to bring the proxy up. pol may be nil to disable
// downstream connection/share policy enforcement.
func New(cfg *config.Config, bus *events.Bus, notifier *notify.Notifier, nrAgent *newrelic.Agent, pol downstream.Policy) *Supervisor {
	sched := scheduler.New(scheduler.Config{
		Mode:          schedulerMode(cfg.Scheduler.Mode),
		WeightA:       cfg.Scheduler.WeightA,
		WeightB:       cfg.Scheduler.WeightB,
		SinglePoolID:  cfg.Scheduler.SinglePoolID,
		DwellFloor:    cfg.DwellFloor(),
		ShortHalflife: time.Duration(cfg.Scheduler.AutoBalance.ShortHalflifeSeconds) * time.Second,
		LongHalflife:  time.Duration(cfg.Scheduler.AutoBalance.LongHalflifeSeconds) * time.Second,
		BlendShort:    cfg.Scheduler.AutoBalance.BlendShort,
	}, bus)

	pools := map[string]*upstream.Session{
		"A": upstream.New(poolConfig("A", cfg.PoolA), bus),
		"B": upstream.New(poolConfig("B", cfg.PoolB), bus),
	}

	s := &Supervisor{
		cfg:        cfg,
		bus:        bus,
		pools:      pools,
		sched:      sched,
		notifier:   notifier,
		nrAgent:    nrAgent,
		staleGrace: cfg.StaleGrace(),
		quit:       make(chan struct{}),
	}
	if cfg.PoolA.ChainRPCURL != "" {
		s.chainA = chaininfo.NewClient(cfg.PoolA.ChainRPCURL, cfg.AutoBalanceRPCTimeout())
	}
	if cfg.PoolB.ChainRPCURL != "" {
		s.chainB = chaininfo.NewClient(cfg.PoolB.ChainRPCURL, cfg.AutoBalanceRPCTimeout())
	}
	// router gets its own map instance: it guards reads/writes with its
	// own mutex, so it must never alias the Supervisor's map, which is
	// guarded by a different one (ApplyConfig mutates both independently
	// via ReplacePool).
	routerPools := make(map[string]*upstream.Session, len(pools))
	for k, v := range pools {
		routerPools[k] = v
	}
	s.router = router.New(routerPools, sched, bus, cfg.StaleGrace())

	for id, pool := range pools {
		s.wireUpstream(id, pool)
	}

	s.downstreamSrv = downstream.NewServer(cfg.Stratum.Bind, cfg.Stratum.TLSCert, cfg.Stratum.TLSKey, pol, s.router, bus)
	return s
}

func schedulerMode(m string) scheduler.Mode {
	switch m {
	case "autobalance":
		return scheduler.ModeAutoBalance
	case "single":
		return scheduler.ModeSinglePool
	default:
		return scheduler.ModeFixed
	}
}

func poolConfig(id string, c config.PoolConfig) upstream.Config {
	return upstream.Config{
		PoolID:              id,
		Host:                c.Host,
		Port:                c.Port,
		TLS:                 c.TLS,
		Username:            c.Username,
		Password:            c.Password,
		Flavour:             c.Flavour,
		ExtranonceSubscribe: c.ExtranonceSubscribe,
	}
}

// wireUpstream hooks one pool session's notification/state callbacks
// into the router and the optional notifier/APM collaborators (spec
// §4.2, §4.4 fail-over).
func (s *Supervisor) wireUpstream(poolID string, pool *upstream.Session) {
	pool.OnNotify = func(rec *job.Record, difficulty float64) {
		s.router.BroadcastJob(poolID, rec, difficulty)
		if s.nrAgent != nil {
			s.nrAgent.UpdateUpstreamMetrics(poolID, difficulty, 0)
		}
	}

	pool.OnDifficultyChange = func(difficulty float64) {
		s.router.BroadcastDifficulty(poolID, difficulty)
		if s.nrAgent != nil {
			snap := pool.Snapshot()
			age := 0.0
			if snap.LatestJob != nil {
				age = time.Since(snap.LatestJob.ReceivedAt).Seconds()
			}
			s.nrAgent.UpdateUpstreamMetrics(poolID, difficulty, age)
		}
	}

	pool.OnStateChange = func(old, new upstream.State) {
		if s.nrAgent != nil {
			s.nrAgent.RecordUpstreamHealth(poolID, new.String(), pool.Snapshot().ConsecutiveTimeouts)
		}
		// Only a transition OUT of Ready is an actual disconnect (spec
		// §7: "pool_disconnected"); the healthy Connecting -> Subscribing
		// -> Authorizing -> Ready bring-up sequence is not a fault and
		// must not inflate this counter.
		if old == upstream.StateReady && new != upstream.StateReady {
			s.bus.Emit(events.PoolDisconnected, "pool", poolID, "from", old.String(), "to", new.String())
			s.router.Reassign(poolID)
			if s.notifier != nil {
				s.notifier.NotifyPoolDisconnected(poolID, pool.Snapshot().ConsecutiveTimeouts)
			}
		}
	}
}

// Start launches both upstream sessions, the downstream server, and the
// periodic housekeeping loop. It does not block.
func (s *Supervisor) Start() error {
	s.mu.RLock()
	pools := make([]*upstream.Session, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	for _, p := range pools {
		s.wg.Add(1)
		go s.runGuarded("upstream:"+p.PoolID(), func() { p.Run() })
	}

	if err := s.downstreamSrv.Start(); err != nil {
		return fmt.Errorf("supervisor: downstream start: %w", err)
	}

	s.wg.Add(1)
	go s.pruneLoop()

	s.wg.Add(1)
	go s.slotLoop()

	s.mu.RLock()
	mode := s.cfg.Scheduler.Mode
	s.mu.RUnlock()
	if mode == "autobalance" {
		s.wg.Add(1)
		go s.autobalanceLoop()
	}

	util.Info("supervisor: all components started")
	return nil
}

// slotLoop is the scheduler's tick source (spec §4.4: "at slot
// boundaries, for each miner, the scheduler picks the target pool").
// Without this, attribution would only ever be (re)computed at subscribe
// time or on upstream failover, and fixed/auto-balance weights would
// never actually be realized as a time-share (P4).
func (s *Supervisor) slotLoop() {
	defer s.wg.Done()

	s.mu.RLock()
	period := s.cfg.SlotDuration()
	s.mu.RUnlock()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.router.TickSlot()
		}
	}
}

// autobalanceLoop periodically samples each pool's backing chain node for
// network difficulty and block reward and feeds the resulting
// profitability figures into the scheduler's EMA blend (spec §4.4:
// "weights are derived every autobalance_period ... from ... measured
// network hashrate for the two chains"). It is a no-op if either pool has
// no chain_rpc_url configured, in which case autobalance mode falls back
// to the configured seed weights (scheduler.currentWeights).
func (s *Supervisor) autobalanceLoop() {
	defer s.wg.Done()

	s.mu.RLock()
	period := s.cfg.AutoBalancePeriod()
	timeout := s.cfg.AutoBalanceRPCTimeout()
	chainA, chainB := s.chainA, s.chainB
	s.mu.RUnlock()

	if chainA == nil || chainB == nil {
		util.Warn("supervisor: autobalance mode enabled but pool_a/pool_b chain_rpc_url is not set; falling back to seed weights")
		return
	}

	s.sampleAutobalance(chainA, chainB, timeout)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sampleAutobalance(chainA, chainB, timeout)
		}
	}
}

func (s *Supervisor) sampleAutobalance(chainA, chainB *chaininfo.Client, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sampleA, errA := chainA.Sample(ctx)
	if errA != nil {
		util.Warnw("supervisor: autobalance pool A chain sample failed", "error", errA)
	}
	sampleB, errB := chainB.Sample(ctx)
	if errB != nil {
		util.Warnw("supervisor: autobalance pool B chain sample failed", "error", errB)
	}
	if errA != nil || errB != nil {
		return
	}

	s.sched.Sample(sampleA.Profitability(), sampleB.Profitability())
}

// runGuarded runs fn to completion, recovering any panic so one crashed
// component never terminates the process (spec §4.6: "the process never
// terminates from a component fault").
func (s *Supervisor) runGuarded(component string, fn func()) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.bus.Emit(events.ComponentCrashed, "component", component, "reason", fmt.Sprintf("%v", r))
			if s.notifier != nil {
				s.notifier.NotifyComponentCrashed(component, fmt.Sprintf("%v", r))
			}
		}
	}()
	fn()
}

// pruneLoop runs the periodic housekeeping pass spec §4.6 names: expired
// upstream pending-submit correlations, aged-out downstream recent-submit
// dedup entries, and stale job-ring eviction bookkeeping.
func (s *Supervisor) pruneLoop() {
	defer s.wg.Done()

	period := s.cfg.PrunePeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Supervisor) prune() {
	s.mu.RLock()
	pools := make([]*upstream.Session, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	for _, p := range pools {
		p.PrunePending(pendingSubmitMaxAge)
		p.JobRing().PruneEvicted(s.staleGrace * 4)
	}

	for _, sess := range s.downstreamSrv.Sessions() {
		sess.PruneStaleSubmits(recentSubmitMaxAge)
	}
}

// Stop shuts down the downstream server and every upstream session, then
// waits for all owned goroutines to exit.
func (s *Supervisor) Stop() {
	close(s.quit)
	s.downstreamSrv.Stop()

	s.mu.RLock()
	pools := make([]*upstream.Session, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	for _, p := range pools {
		p.Close()
	}
	s.wg.Wait()
	util.Info("supervisor: all components stopped")
}

// ApplyConfig hot-reloads a new configuration snapshot: pool A/B
// connection settings are diffed against what is currently running, and
// only a pool whose settings actually changed is torn down and
// recreated; scheduler weights are applied in place regardless, since
// reweighting never requires a reconnect.
func (s *Supervisor) ApplyConfig(newCfg *config.Config) error {
	s.sched.SetWeights(newCfg.Scheduler.WeightA, newCfg.Scheduler.WeightB)

	for _, id := range []string{"A", "B"} {
		oldPoolCfg := s.cfg.PoolA
		newPoolCfg := newCfg.PoolA
		if id == "B" {
			oldPoolCfg = s.cfg.PoolB
			newPoolCfg = newCfg.PoolB
		}
		if oldPoolCfg == newPoolCfg {
			continue
		}

		util.Infow("supervisor: pool config changed, reconnecting", "pool", id)
		s.mu.Lock()
		old := s.pools[id]
		fresh := upstream.New(poolConfig(id, newPoolCfg), s.bus)
		s.wireUpstream(id, fresh)
		s.pools[id] = fresh
		var chainClient *chaininfo.Client
		if newPoolCfg.ChainRPCURL != "" {
			chainClient = chaininfo.NewClient(newPoolCfg.ChainRPCURL, newCfg.AutoBalanceRPCTimeout())
		}
		if id == "A" {
			s.chainA = chainClient
		} else {
			s.chainB = chainClient
		}
		s.mu.Unlock()

		s.router.ReplacePool(id, fresh)

		old.Close()
		s.wg.Add(1)
		go s.runGuarded("upstream:"+id, func() { fresh.Run() })
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.staleGrace = newCfg.StaleGrace()
	s.mu.Unlock()
	return nil
}

// Router exposes the wired router, for tests and the status API.
func (s *Supervisor) Router() *router.Router { return s.router }

// Scheduler exposes the wired scheduler, for the status API.
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.sched }

// Pools exposes the upstream sessions keyed by pool id, for the status
// API.
func (s *Supervisor) Pools() map[string]*upstream.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*upstream.Session, len(s.pools))
	for k, v := range s.pools {
		out[k] = v
	}
	return out
}

// DownstreamServer exposes the miner-facing server, for the status API.
func (s *Supervisor) DownstreamServer() *downstream.Server { return s.downstreamSrv }
