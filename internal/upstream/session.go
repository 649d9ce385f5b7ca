// Package upstream implements the proxy's Stratum v1 client side: one
// long-lived connection per configured pool (spec §4.2), reconnecting
// with backoff on failure and tracking everything the scheduler and
// router need to attribute and forward shares correctly.
package upstream

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/job"
	"github.com/tos-network/stratum-splitter/internal/util"
	"github.com/tos-network/stratum-splitter/internal/wire"
)

// State is the upstream session's connection lifecycle (spec §4.2).
type State int32

const (
	StateConnecting State = iota
	StateSubscribing
	StateAuthorizing
	StateReady
	StateReconnecting
	StateDown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

const (
	// submitTimeout is how long a mining.submit waits for a pool reply
	// before it is counted as a timed-out share.
	submitTimeout = 30 * time.Second
	// unhealthyThreshold is T from spec §4.2: once this many consecutive
	// submit timeouts have occurred, each further timeout emits
	// events.PoolUnavailable. The session state is not changed, and the
	// scheduler keeps assigning miners to the pool.
	unhealthyThreshold = 5

	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Config is everything a session needs to dial and authenticate against
// one upstream pool.
type Config struct {
	PoolID              string
	Host                string
	Port                int
	TLS                 bool
	Username            string
	Password            string
	Flavour             string
	ExtranonceSubscribe bool
}

// pendingSubmit tracks one in-flight mining.submit awaiting a reply.
type pendingSubmit struct {
	sentAt time.Time
	result chan submitOutcome
}

type submitOutcome struct {
	accepted bool
	errCode  int
	errMsg   string
	err      error
}

// Snapshot is the atomic, read-only view of session state the scheduler
// and router consult without taking the session's lock.
type Snapshot struct {
	State               State
	Extranonce1         string
	Extranonce2Size     int
	Difficulty          float64
	LatestJob           *job.Record
	ConsecutiveTimeouts int
}

// Session is one Stratum v1 client connection to an upstream pool.
type Session struct {
	cfg     Config
	flavour Flavour
	bus     *events.Bus

	mu              sync.RWMutex
	conn            net.Conn
	reader          *wire.Reader
	writer          *wire.Writer
	state           State
	extranonce1     string
	extranonce2Size int
	difficulty      float64
	poolUsername    string

	jobRing *job.Ring

	idSeq   uint64
	pending sync.Map // id -> *pendingSubmit

	consecutiveTimeouts int32

	quit chan struct{}
	wg   sync.WaitGroup

	// OnNotify is invoked whenever a fresh job lands on the ring (spec
	// §2 data flow: "upstream session receives a job ... pushes it to
	// the downstream session"). The router registers this at wiring
	// time to broadcast the job to every miner currently routed here.
	OnNotify func(rec *job.Record, difficulty float64)

	// OnDifficultyChange is invoked when the pool updates the running
	// difficulty without a fresh job (spec §4.2, Ready + set_difficulty:
	// "update difficulty; propagate if active for any miner").
	OnDifficultyChange func(difficulty float64)

	// OnStateChange is invoked on every connection-state transition so
	// the supervisor can drive immediate scheduler fail-over (spec
	// §4.4) the moment this session leaves Ready.
	OnStateChange func(old, new State)
}

// New creates an upstream session. Call Run to start connecting.
func New(cfg Config, bus *events.Bus) *Session {
	return &Session{
		cfg:          cfg,
		flavour:      ByName(cfg.Flavour),
		bus:          bus,
		poolUsername: cfg.Username,
		jobRing:      job.NewRing(),
		quit:         make(chan struct{}),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st && s.OnStateChange != nil {
		s.OnStateChange(old, st)
	}
}

// Snapshot returns a point-in-time copy of the fields other components
// read without holding the session's lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		State:               s.state,
		Extranonce1:         s.extranonce1,
		Extranonce2Size:     s.extranonce2Size,
		Difficulty:          s.difficulty,
		LatestJob:           s.jobRing.Latest(),
		ConsecutiveTimeouts: int(atomic.LoadInt32(&s.consecutiveTimeouts)),
	}
}

// JobRing exposes the job history for submit validation (router).
func (s *Session) JobRing() *job.Ring { return s.jobRing }

// PoolID returns the configured identifier for this pool ("A" or "B").
func (s *Session) PoolID() string { return s.cfg.PoolID }

// PrunePending drops in-flight submit correlation entries older than
// maxAge. Submit's own defer normally removes its entry as soon as it
// returns; this is the supervisor's backstop (spec §4.6: "drop upstream
// pending-submit entries older than 60 s") for the case where a write
// succeeded but the connection died before any response or timeout fired.
func (s *Session) PrunePending(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	s.pending.Range(func(k, v interface{}) bool {
		if ps := v.(*pendingSubmit); ps.sentAt.Before(cutoff) {
			s.pending.Delete(k)
		}
		return true
	})
}

// Run connects and reconnects with backoff until Close is called. It
// blocks, so callers run it in its own goroutine (supervisor pattern,
// spec §4.6).
func (s *Session) Run() {
	backoff := minBackoff
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if err := s.connectAndServe(); err != nil {
			s.bus.Emit(events.PoolUnavailable, "pool", s.cfg.PoolID, "error", err.Error())
			util.Warnw("upstream session error", "pool", s.cfg.PoolID, "error", err)
		}

		select {
		case <-s.quit:
			return
		default:
		}

		s.setState(StateReconnecting)
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		time.Sleep(backoff + jitter)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close tears down the session and stops reconnect attempts.
func (s *Session) Close() {
	select {
	case <-s.quit:
		return
	default:
		close(s.quit)
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

func (s *Session) connectAndServe() error {
	s.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var conn net.Conn
	var err error
	if s.cfg.TLS {
		conn, err = tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("upstream: dial %s: %w", addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.reader = wire.NewReader(conn)
	s.writer = wire.NewWriter(conn)
	s.mu.Unlock()
	defer conn.Close()

	s.setState(StateSubscribing)
	if err := s.subscribe(); err != nil {
		return fmt.Errorf("upstream: subscribe: %w", err)
	}

	s.setState(StateAuthorizing)
	if err := s.authorize(); err != nil {
		return fmt.Errorf("upstream: authorize: %w", err)
	}

	s.setState(StateReady)
	util.Infow("upstream session ready", "pool", s.cfg.PoolID, "addr", addr)
	atomic.StoreInt32(&s.consecutiveTimeouts, 0)

	return s.readLoop()
}

func (s *Session) nextID() uint64 {
	return atomic.AddUint64(&s.idSeq, 1)
}

func (s *Session) subscribe() error {
	id := s.nextID()
	req := wire.Request{ID: id, Method: "mining.subscribe", Params: s.flavour.SubscribeParams("stratum-splitter/1.0")}
	if err := s.writer.WriteMessage(req); err != nil {
		return err
	}
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Kind != wire.KindResponse {
		return fmt.Errorf("expected subscribe response, got %s", msg.Kind)
	}

	var result []interface{}
	if err := unmarshalInto(msg.Result, &result); err != nil || len(result) < 3 {
		return fmt.Errorf("malformed subscribe response")
	}
	extranonce1, _ := result[1].(string)
	size, _ := result[2].(float64)

	s.mu.Lock()
	s.extranonce1 = extranonce1
	s.extranonce2Size = int(size)
	s.mu.Unlock()

	if s.cfg.ExtranonceSubscribe {
		subID := s.nextID()
		_ = s.writer.WriteMessage(wire.Request{ID: subID, Method: "mining.extranonce.subscribe", Params: []interface{}{}})
	}
	return nil
}

func (s *Session) authorize() error {
	id := s.nextID()
	req := wire.Request{ID: id, Method: "mining.authorize", Params: []interface{}{s.cfg.Username, s.cfg.Password}}
	if err := s.writer.WriteMessage(req); err != nil {
		return err
	}
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Kind != wire.KindResponse {
		return fmt.Errorf("expected authorize response, got %s", msg.Kind)
	}
	var ok bool
	_ = unmarshalInto(msg.Result, &ok)
	if !ok {
		return fmt.Errorf("pool rejected authorization")
	}
	return nil
}

func (s *Session) readLoop() error {
	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			return err
		}

		switch msg.Kind {
		case wire.KindNotification:
			s.handleNotification(msg.Method, msg.Params)
		case wire.KindResponse:
			s.handleResponse(msg)
		}
	}
}

func (s *Session) handleNotification(method string, rawParams []byte) {
	var params []interface{}
	_ = unmarshalInto(rawParams, &params)

	switch method {
	case "mining.notify":
		rec, err := s.flavour.ParseNotify(params)
		if err != nil {
			s.bus.Emit(events.ProtocolError, "pool", s.cfg.PoolID, "method", method, "error", err.Error())
			return
		}
		s.mu.RLock()
		rec.Difficulty = s.difficulty
		s.mu.RUnlock()
		rec.ReceivedAt = time.Now()
		s.jobRing.Push(rec)
		s.bus.Emit(events.JobForwarded, "pool", s.cfg.PoolID, "job_id", rec.PoolJobID)
		if s.OnNotify != nil {
			s.OnNotify(rec, rec.Difficulty)
		}

	case "mining.set_difficulty":
		if len(params) < 1 {
			return
		}
		d, _ := params[0].(float64)
		s.mu.Lock()
		s.difficulty = d
		s.mu.Unlock()
		if s.OnDifficultyChange != nil {
			s.OnDifficultyChange(d)
		}

	case "mining.set_extranonce":
		if len(params) < 2 {
			return
		}
		en1, _ := params[0].(string)
		size, _ := params[1].(float64)
		s.mu.Lock()
		s.extranonce1 = en1
		s.extranonce2Size = int(size)
		s.mu.Unlock()
		s.bus.Emit(events.ExtranonceChange, "pool", s.cfg.PoolID)
	}
}

func (s *Session) handleResponse(msg *wire.RawMessage) {
	idStr := fmt.Sprintf("%v", msg.ID)
	val, ok := s.pending.Load(idStr)
	if !ok {
		return
	}
	s.pending.Delete(idStr)
	ps := val.(*pendingSubmit)

	outcome := submitOutcome{}
	var ok2 bool
	if err := unmarshalInto(msg.Result, &ok2); err == nil {
		outcome.accepted = ok2
	}
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		var errArr []interface{}
		if err := unmarshalInto(msg.Error, &errArr); err == nil && len(errArr) >= 2 {
			if code, ok := errArr[0].(float64); ok {
				outcome.errCode = int(code)
			}
			outcome.errMsg, _ = errArr[1].(string)
		}
		outcome.accepted = false
	}

	select {
	case ps.result <- outcome:
	default:
	}
}

// SubmitResult is what Submit reports back to the router.
type SubmitResult struct {
	Accepted bool
	ErrCode  int
	ErrMsg   string
	TimedOut bool
}

// Submit forwards a share to the pool and waits for its verdict,
// tracking consecutive timeouts for the unhealthy threshold (spec §4.2).
func (s *Session) Submit(poolJobID, extranonce2, ntime, nonce string) (SubmitResult, error) {
	s.mu.RLock()
	ready := s.state == StateReady
	writer := s.writer
	username := s.poolUsername
	s.mu.RUnlock()
	if !ready || writer == nil {
		return SubmitResult{}, fmt.Errorf("upstream: session %s not ready", s.cfg.PoolID)
	}

	id := s.nextID()
	idStr := fmt.Sprintf("%v", id)
	ps := &pendingSubmit{sentAt: time.Now(), result: make(chan submitOutcome, 1)}
	s.pending.Store(idStr, ps)
	defer s.pending.Delete(idStr)

	req := wire.Request{ID: id, Method: "mining.submit", Params: s.flavour.SubmitParams(username, poolJobID, extranonce2, ntime, nonce)}
	if err := writer.WriteMessage(req); err != nil {
		return SubmitResult{}, fmt.Errorf("upstream: submit write: %w", err)
	}

	select {
	case outcome := <-ps.result:
		if outcome.err != nil {
			return SubmitResult{}, outcome.err
		}
		atomic.StoreInt32(&s.consecutiveTimeouts, 0)
		return SubmitResult{Accepted: outcome.accepted, ErrCode: outcome.errCode, ErrMsg: outcome.errMsg}, nil
	case <-time.After(submitTimeout):
		n := atomic.AddInt32(&s.consecutiveTimeouts, 1)
		if int(n) >= unhealthyThreshold {
			s.bus.Emit(events.PoolUnavailable, "pool", s.cfg.PoolID, "reason", "consecutive submit timeouts")
		}
		return SubmitResult{TimedOut: true}, nil
	}
}

func unmarshalInto(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty")
	}
	return json.Unmarshal(raw, v)
}
