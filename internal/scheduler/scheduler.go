// Package scheduler decides, for each downstream miner, which upstream
// pool it is currently attributed to (spec §4.4). Three modes are
// supported: fixed weights, auto-balance (profitability-driven), and
// single-pool (spec §4.4, I6).
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/util"
)

// Mode selects how weights are derived.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeAutoBalance Mode = "autobalance"
	ModeSinglePool  Mode = "single"
)

// Config configures a Scheduler. Weights are percentages for pool A and
// B that must sum to 100 in Fixed mode; in SinglePool mode SinglePoolID
// pins 100/0 (I6); in AutoBalance mode the initial weights seed the
// apportionment sequence until the first profitability sample lands.
type Config struct {
	Mode             Mode
	WeightA, WeightB int
	SinglePoolID     string
	DwellFloor       time.Duration
	ShortHalflife    time.Duration
	LongHalflife     time.Duration
	BlendShort       float64 // weight given to the short EMA, 0..1
}

// apportionWindow is the sliding window size (in assignment slots) the
// largest-remainder method is evaluated over.
const apportionWindow = 100

// assignment tracks one miner's current pool and when it was set, to
// enforce the dwell floor (I5).
type assignment struct {
	poolID string
	since  time.Time
}

// Scheduler owns pool-weight apportionment and per-miner attribution
// decisions. Per spec §5(c) it is guarded by a single mutex: weight
// updates and assignment reads never interleave partially.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	bus *events.Bus

	// countA/countB realize a largest-remainder (Hamilton) apportionment
	// incrementally: each NextSlotPool() call hands the slot to whichever
	// pool is furthest below its target share so far.
	countA, countB int

	// profitability EMAs for auto-balance mode, one pair of half-lives
	// per pool, blended per cfg.BlendShort.
	shortA, longA, shortB, longB float64
	lastSample                   time.Time
	haveSample                   bool

	assignments map[uint64]*assignment
}

// New creates a Scheduler.
func New(cfg Config, bus *events.Bus) *Scheduler {
	if cfg.DwellFloor <= 0 {
		cfg.DwellFloor = 30 * time.Second
	}
	if cfg.ShortHalflife <= 0 {
		cfg.ShortHalflife = 30 * time.Minute
	}
	if cfg.LongHalflife <= 0 {
		cfg.LongHalflife = 24 * time.Hour
	}
	if cfg.BlendShort <= 0 {
		cfg.BlendShort = 0.6
	}
	return &Scheduler{
		cfg:         cfg,
		bus:         bus,
		assignments: make(map[uint64]*assignment),
	}
}

// Sample feeds a fresh profitability observation for each pool into the
// auto-balance EMA (spec §9 open question: profitability = blockReward /
// networkDifficulty). Irrelevant outside ModeAutoBalance.
func (s *Scheduler) Sample(poolAProfitability, poolBProfitability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.haveSample {
		s.shortA, s.longA = poolAProfitability, poolAProfitability
		s.shortB, s.longB = poolBProfitability, poolBProfitability
		s.lastSample = now
		s.haveSample = true
		return
	}

	elapsed := now.Sub(s.lastSample).Seconds()
	shortHL := s.cfg.ShortHalflife.Seconds()
	longHL := s.cfg.LongHalflife.Seconds()

	s.shortA = util.EMA(s.shortA, poolAProfitability, elapsed, shortHL)
	s.longA = util.EMA(s.longA, poolAProfitability, elapsed, longHL)
	s.shortB = util.EMA(s.shortB, poolBProfitability, elapsed, shortHL)
	s.longB = util.EMA(s.longB, poolBProfitability, elapsed, longHL)
	s.lastSample = now
}

// currentWeights returns the (weightA, weightB) percentages the scheduler
// is currently apportioning by, recomputing from blended EMAs in
// AutoBalance mode. Caller must hold s.mu.
func (s *Scheduler) currentWeights() (int, int) {
	switch s.cfg.Mode {
	case ModeSinglePool:
		if s.cfg.SinglePoolID == "B" {
			return 0, 100
		}
		return 100, 0
	case ModeAutoBalance:
		if !s.haveSample {
			return s.cfg.WeightA, s.cfg.WeightB
		}
		blendedA := s.cfg.BlendShort*s.shortA + (1-s.cfg.BlendShort)*s.longA
		blendedB := s.cfg.BlendShort*s.shortB + (1-s.cfg.BlendShort)*s.longB
		total := blendedA + blendedB
		if total <= 0 {
			return 50, 50
		}
		wA := int(blendedA / total * 100)
		return wA, 100 - wA
	default: // ModeFixed
		return s.cfg.WeightA, s.cfg.WeightB
	}
}

// NextSlotPool realizes Hamilton/largest-remainder apportionment
// incrementally: it returns the pool id ("A" or "B") for the next slot in
// the window, rolling the window every apportionWindow calls so the
// split tracks weight changes (e.g. a mode or sample update) within one
// window's lag.
func (s *Scheduler) NextSlotPool() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSlotPoolLocked()
}

func (s *Scheduler) nextSlotPoolLocked() string {
	wA, wB := s.currentWeights()
	if wA+wB == 0 {
		wA, wB = 50, 50
	}

	total := s.countA + s.countB
	if total >= apportionWindow {
		s.countA, s.countB = 0, 0
		total = 0
	}

	targetA := float64(wA) / float64(wA+wB) * float64(total+1)
	errA := targetA - float64(s.countA)
	targetB := float64(wB) / float64(wA+wB) * float64(total+1)
	errB := targetB - float64(s.countB)

	if errA >= errB {
		s.countA++
		return "A"
	}
	s.countB++
	return "B"
}

// Assign returns the pool a session should be attributed to right now,
// respecting the dwell floor (I5) unless forceSwitch is set (immediate
// failover, the one exception the invariant carves out).
func (s *Scheduler) Assign(sessionID uint64, forceSwitch bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.assignments[sessionID]
	if exists && !forceSwitch && time.Since(a.since) < s.cfg.DwellFloor {
		return a.poolID
	}

	next := s.nextSlotPoolLocked()
	if exists && next == a.poolID && !forceSwitch {
		return a.poolID
	}

	prev := ""
	if exists {
		prev = a.poolID
	}
	s.assignments[sessionID] = &assignment{poolID: next, since: time.Now()}

	if prev != "" && prev != next {
		s.bus.Emit(events.PoolSwitched, "miner", fmt.Sprintf("%d", sessionID), "from", prev, "to", next, "forced", forceSwitch)
	}
	return next
}

// Forget drops a disconnected session's assignment state.
func (s *Scheduler) Forget(sessionID uint64) {
	s.mu.Lock()
	delete(s.assignments, sessionID)
	s.mu.Unlock()
}

// CurrentAssignment returns the pool a session is presently attributed
// to without advancing the apportionment window, or "" if unassigned.
func (s *Scheduler) CurrentAssignment(sessionID uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assignments[sessionID]; ok {
		return a.poolID
	}
	return ""
}

// Weights exposes the scheduler's current effective split, for the
// status API.
func (s *Scheduler) Weights() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentWeights()
}

// Mode returns the scheduler's configured mode, for the status API.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Mode
}

// SetWeights updates the fixed-mode target split without disturbing
// in-flight dwell-floor state, so a config hot-reload (spec §6) can
// retune weights without reconnecting any session.
func (s *Scheduler) SetWeights(weightA, weightB int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.WeightA = weightA
	s.cfg.WeightB = weightB
}
