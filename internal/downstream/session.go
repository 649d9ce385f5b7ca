// Package downstream implements the proxy's miner-facing Stratum v1
// server (spec §4.3): one session per connected miner, minting its own
// extranonce1/2 space and proxy-local job ids so a switch between
// upstream pools is invisible to the miner except for a difficulty or
// clean-jobs change.
package downstream

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/stratum-splitter/internal/fingerprint"
	"github.com/tos-network/stratum-splitter/internal/job"
	"github.com/tos-network/stratum-splitter/internal/wire"
)

// State is a downstream miner session's lifecycle (spec §4.3).
type State int32

const (
	StateHello State = iota
	StateSubscribed
	StateAuthorized
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "hello"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// defaultExtranonce2Size is the size the proxy advertises to every miner
// regardless of which upstream pool is currently active, so a pool
// switch never forces a miner to resubscribe (spec §4.3).
const defaultExtranonce2Size = 4

// recentSubmitCap bounds the per-session duplicate-share set; oldest
// entries are pruned once the set exceeds this size.
const recentSubmitCap = 2048

// jobMapping resolves one proxy-minted job id back to the pool that
// issued it, frozen at the moment the job was sent to the miner — this
// is what keeps attribution immutable (I1) even if the scheduler later
// moves the miner to a different pool before the share comes back.
type jobMapping struct {
	poolID    string
	poolJobID string
	issuedAt  time.Time
}

// recentSubmit is one entry in the duplicate-share dedup set, timestamped
// so the supervisor's periodic prune pass (spec §4.6) can drop entries
// older than the recent-submits retention window independent of the
// count-based cap.
type recentSubmit struct {
	key string
	at  time.Time
}

// Session is one connected miner.
type Session struct {
	ID         uint64
	conn       net.Conn
	reader     *wire.Reader
	writer     *wire.Writer
	remoteAddr string

	state       int32 // State, atomic
	extranonce1 string
	workerName  string

	mu         sync.RWMutex
	difficulty float64
	activePool string

	proxyJobs sync.Map // proxyJobID -> jobMapping
	jobOrder  []string
	jobMu     sync.Mutex

	recentMu    sync.Mutex
	recentOrder []recentSubmit
	recentSet   map[string]struct{}

	connectedAt time.Time
	lastSubmit  atomic.Value // time.Time

	quit chan struct{}
}

// New wraps an accepted connection as a miner session, minting its
// extranonce1 from the shared process minter.
func New(id uint64, conn net.Conn, minter *fingerprint.Minter) *Session {
	return &Session{
		ID:          id,
		conn:        conn,
		reader:      wire.NewReader(conn),
		writer:      wire.NewWriter(conn),
		remoteAddr:  conn.RemoteAddr().String(),
		extranonce1: minter.Next(),
		connectedAt: time.Now(),
		recentSet:   make(map[string]struct{}, recentSubmitCap),
		quit:        make(chan struct{}),
	}
}

func (s *Session) State() State   { return State(atomic.LoadInt32(&s.state)) }
func (s *Session) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

// RemoteIP returns the connection's address without the port.
func (s *Session) RemoteIP() string {
	if idx := strings.LastIndex(s.remoteAddr, ":"); idx != -1 {
		ip := s.remoteAddr[:idx]
		return strings.TrimPrefix(strings.TrimSuffix(ip, "]"), "[")
	}
	return s.remoteAddr
}

// WorkerName returns the authorized worker name, if any.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// ActivePool returns the pool id (not necessarily frozen) the scheduler
// currently has this miner attributed to for *future* job assignments.
func (s *Session) ActivePool() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePool
}

// SetActivePool updates which pool the scheduler wants this miner routed
// to going forward. It does not retroactively change attribution of
// already-issued proxy job ids (I1).
func (s *Session) SetActivePool(poolID string) {
	s.mu.Lock()
	s.activePool = poolID
	s.mu.Unlock()
}

// Difficulty returns the last difficulty sent to this miner.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// AssignJob mints a new proxy job id for rec, records which pool issued
// it, and sends mining.notify to the miner, preceded by
// mining.set_difficulty when difficulty is positive and either differs
// from the last value sent or forceClean is set. It returns the minted id.
//
// forceClean overrides rec.CleanJobs to true regardless of what the
// issuing pool actually sent. The scheduler (spec §4.4) requires every
// pool switch to carry clean_jobs=true so the miner discards in-flight
// work from the old pool immediately (P2); an ordinary job forwarded
// from the pool a miner is already attributed to keeps the pool's own
// flag.
func (s *Session) AssignJob(poolID string, rec *job.Record, ids *job.IDMinter, difficulty float64, forceClean bool) (string, error) {
	proxyJobID := ids.Next()

	s.jobMu.Lock()
	s.proxyJobs.Store(proxyJobID, jobMapping{poolID: poolID, poolJobID: rec.PoolJobID, issuedAt: time.Now()})
	s.jobOrder = append(s.jobOrder, proxyJobID)
	if len(s.jobOrder) > job.RingSize {
		stale := s.jobOrder[0]
		s.jobOrder = s.jobOrder[1:]
		s.proxyJobs.Delete(stale)
	}
	s.jobMu.Unlock()

	// forceClean marks a scheduler pool switch: P2 mandates set_difficulty
	// then notify(clean_jobs=true) on every switch, in that order,
	// regardless of whether the new pool's difficulty happens to match
	// what was last advertised.
	if difficulty > 0 && (forceClean || difficulty != s.Difficulty()) {
		if err := s.sendDifficulty(difficulty); err != nil {
			return proxyJobID, err
		}
	}

	cleanJobs := rec.CleanJobs || forceClean
	notify := wire.Notification{
		Method: "mining.notify",
		Params: []interface{}{
			proxyJobID,
			rec.PrevHash,
			rec.Coinbase1,
			rec.Coinbase2,
			rec.MerkleBranch,
			rec.Version,
			rec.NBits,
			rec.NTime,
			cleanJobs,
		},
	}
	if err := s.writer.WriteMessage(notify); err != nil {
		return proxyJobID, err
	}
	s.setState(StateActive)
	return proxyJobID, nil
}

func (s *Session) sendDifficulty(d float64) error {
	s.mu.Lock()
	s.difficulty = d
	s.mu.Unlock()
	return s.writer.WriteMessage(wire.Notification{Method: "mining.set_difficulty", Params: []interface{}{d}})
}

// SendDifficulty pushes a difficulty update outside of a job assignment
// (e.g. vardiff retarget).
func (s *Session) SendDifficulty(d float64) error { return s.sendDifficulty(d) }

// ResolvePoolJob looks up which pool and pool-side job id a proxy job id
// refers to. ok is false once the mapping has aged out of the session's
// bounded history.
func (s *Session) ResolvePoolJob(proxyJobID string) (poolID, poolJobID string, issuedAt time.Time, ok bool) {
	v, found := s.proxyJobs.Load(proxyJobID)
	if !found {
		return "", "", time.Time{}, false
	}
	jm := v.(jobMapping)
	return jm.poolID, jm.poolJobID, jm.issuedAt, true
}

// CheckAndRecordSubmit returns true if key has not been seen before
// (duplicate-submit rejection), recording it either way.
func (s *Session) CheckAndRecordSubmit(key string) bool {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	if _, dup := s.recentSet[key]; dup {
		return false
	}
	s.recentSet[key] = struct{}{}
	s.recentOrder = append(s.recentOrder, recentSubmit{key: key, at: time.Now()})
	if len(s.recentOrder) > recentSubmitCap {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recentSet, oldest.key)
	}
	s.lastSubmit.Store(time.Now())
	return true
}

// PruneStaleSubmits drops duplicate-share dedup entries older than maxAge,
// called by the supervisor's periodic housekeeping pass (spec §4.6: "drop
// downstream recent-submits entries older than 10 min").
func (s *Session) PruneStaleSubmits(maxAge time.Duration) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	i := 0
	for i < len(s.recentOrder) && s.recentOrder[i].at.Before(cutoff) {
		delete(s.recentSet, s.recentOrder[i].key)
		i++
	}
	if i > 0 {
		s.recentOrder = s.recentOrder[i:]
	}
}

// LastSubmit returns the time of the most recent mining.submit, or the
// zero time if none has been seen yet.
func (s *Session) LastSubmit() time.Time {
	if v := s.lastSubmit.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// ConnectedAt returns when the TCP connection was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Extranonce1 returns the proxy-minted extranonce1 hex string for this
// session.
func (s *Session) Extranonce1() string { return s.extranonce1 }

// Close closes the underlying connection.
func (s *Session) Close() error {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.setState(StateClosing)
	return s.conn.Close()
}

// ReadMessage reads the next line from the miner.
func (s *Session) ReadMessage() (*wire.RawMessage, error) { return s.reader.ReadMessage() }

// WriteMessage sends a message to the miner.
func (s *Session) WriteMessage(msg interface{}) error { return s.writer.WriteMessage(msg) }

// SendResult replies to a miner request with a success result.
func (s *Session) SendResult(id interface{}, result interface{}) error {
	return s.writer.WriteMessage(wire.Response{ID: id, Result: result})
}

// SendError replies to a miner request with a Stratum error.
func (s *Session) SendError(id interface{}, code int, message string) error {
	return s.writer.WriteMessage(wire.Response{ID: id, Error: wire.NewStratumError(code, message)})
}

// Authorize records the validated worker name and marks the session
// authorized.
func (s *Session) Authorize(workerName string) {
	s.mu.Lock()
	s.workerName = workerName
	s.mu.Unlock()
	s.setState(StateAuthorized)
}

// SubscribeResult builds the reply to mining.subscribe.
func (s *Session) SubscribeResult() []interface{} {
	s.setState(StateSubscribed)
	return []interface{}{
		[][]string{
			{"mining.notify", fmt.Sprintf("%d", s.ID)},
			{"mining.set_difficulty", fmt.Sprintf("%d", s.ID)},
		},
		s.extranonce1,
		defaultExtranonce2Size,
	}
}

// Extranonce2Size is the fixed size the proxy advertises.
func Extranonce2Size() int { return defaultExtranonce2Size }
