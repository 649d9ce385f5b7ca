package downstream

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/fingerprint"
	"github.com/tos-network/stratum-splitter/internal/util"
	"github.com/tos-network/stratum-splitter/internal/wire"
)

// maxRequestSize is the per-line bound of the teacher's stratum server.
// It is not applied here: miner lines are read through wire.Reader,
// which bounds them at wire.MaxLineSize.
const maxRequestSize = 1024

// Policy is the subset of internal/policy the server needs, expressed
// as an interface so this package does not depend on policy's storage
// wiring.
type Policy interface {
	IsBanned(ip string) bool
	ApplyConnectionLimit(ip string) bool
	ApplyMalformedPolicy(ip string) bool
	ApplyLoginPolicy(workerName, ip string) bool
	ApplySharePolicy(ip string, valid bool) bool
	BanIP(ip string)
}

// Dispatcher is how the server hands a validated mining.submit off to
// whatever owns pool attribution (the router).
type Dispatcher interface {
	HandleSubscribe(sess *Session)
	HandleAuthorize(sess *Session, workerName string) error
	HandleDisconnect(sess *Session)
	Submit(sess *Session, proxyJobID, extranonce2, ntime, nonce string) (accepted bool, errCode int, errMsg string)
}

// Server accepts miner connections and runs the per-session protocol
// loop (spec §4.3), grounded on the teacher's StratumServer accept/session
// pattern.
type Server struct {
	bind     string
	tlsCert  string
	tlsKey   string
	policy   Policy
	dispatch Dispatcher
	bus      *events.Bus
	minter   *fingerprint.Minter

	listener    net.Listener
	tlsListener net.Listener

	sessions   sync.Map // uint64 -> *Session
	sessionSeq uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a downstream Stratum server.
func NewServer(bind, tlsCert, tlsKey string, policy Policy, dispatch Dispatcher, bus *events.Bus) *Server {
	return &Server{
		bind:     bind,
		tlsCert:  tlsCert,
		tlsKey:   tlsKey,
		policy:   policy,
		dispatch: dispatch,
		bus:      bus,
		minter:   fingerprint.NewMinter(time.Now()),
		quit:     make(chan struct{}),
	}
}

// Start binds the listener(s) and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("downstream: bind %s: %w", s.bind, err)
	}
	s.listener = listener
	util.Infow("stratum server listening", "addr", s.bind)

	s.wg.Add(1)
	go s.acceptLoop(s.listener)

	if s.tlsCert != "" && s.tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(s.tlsCert, s.tlsKey)
		if err != nil {
			util.Warnw("failed to load TLS cert/key", "error", err)
		} else {
			tlsListener, err := tls.Listen("tcp", s.bind, &tls.Config{Certificates: []tls.Certificate{cert}})
			if err != nil {
				util.Warnw("failed to bind TLS stratum listener", "error", err)
			} else {
				s.tlsListener = tlsListener
				s.wg.Add(1)
				go s.acceptLoop(s.tlsListener)
			}
		}
	}
	return nil
}

// Stop closes all listeners and sessions and waits for goroutines to
// finish.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}
	s.sessions.Range(func(_, v interface{}) bool {
		v.(*Session).Close()
		return true
	})
	s.wg.Wait()
	util.Info("stratum server stopped")
}

// SessionCount returns the number of currently connected miners.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// Sessions returns a snapshot slice of all connected sessions, for the
// status API.
func (s *Server) Sessions() []*Session {
	var out []*Session
	s.sessions.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnw("accept error", "error", err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.policy != nil {
			if s.policy.IsBanned(ip) {
				conn.Close()
				continue
			}
			if !s.policy.ApplyConnectionLimit(ip) {
				conn.Close()
				continue
			}
		}

		id := atomic.AddUint64(&s.sessionSeq, 1)
		sess := New(id, conn, s.minter)
		s.sessions.Store(id, sess)

		s.wg.Add(1)
		go s.handleSession(sess)
	}
}

func (s *Server) handleSession(sess *Session) {
	defer s.wg.Done()
	defer func() {
		sess.Close()
		s.sessions.Delete(sess.ID)
		s.dispatch.HandleDisconnect(sess)
	}()

	ip := sess.RemoteIP()
	sess.conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		msg, err := sess.ReadMessage()
		if err != nil {
			return
		}
		if msg.Method == "" && msg.ID == nil && len(msg.Result) == 0 {
			continue // blank line
		}

		sess.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		s.handleRequest(sess, ip, msg)
	}
}

func (s *Server) handleRequest(sess *Session, ip string, msg *wire.RawMessage) {
	if msg.Kind != wire.KindRequest {
		return
	}

	switch msg.Method {
	case "mining.subscribe":
		sess.SendResult(msg.ID, sess.SubscribeResult())
		s.dispatch.HandleSubscribe(sess)

	case "mining.authorize":
		var params []interface{}
		_ = decodeParams(msg.Params, &params)
		if len(params) < 1 {
			sess.SendError(msg.ID, -1, "Invalid params")
			return
		}
		username, _ := params[0].(string)
		workerName := parseWorkerName(username)

		if !util.ValidateWorkerName(workerName) {
			sess.SendError(msg.ID, -1, "Invalid worker name")
			return
		}
		if s.policy != nil && !s.policy.ApplyLoginPolicy(workerName, ip) {
			sess.SendError(msg.ID, -1, "Worker blacklisted")
			return
		}
		if err := s.dispatch.HandleAuthorize(sess, workerName); err != nil {
			sess.SendError(msg.ID, -1, err.Error())
			return
		}
		sess.Authorize(workerName)
		sess.SendResult(msg.ID, true)

	case "mining.extranonce.subscribe":
		sess.SendResult(msg.ID, true)

	case "mining.submit":
		s.handleSubmit(sess, ip, msg)

	default:
		sess.SendError(msg.ID, -32601, "Method not found")
	}
}

func (s *Server) handleSubmit(sess *Session, ip string, msg *wire.RawMessage) {
	if sess.State() != StateActive && sess.State() != StateAuthorized {
		sess.SendError(msg.ID, 24, "Unauthorized")
		return
	}

	var params []interface{}
	_ = decodeParams(msg.Params, &params)
	if len(params) < 4 {
		sess.SendError(msg.ID, -1, "Invalid params")
		s.penalizeInvalid(sess, ip)
		return
	}

	proxyJobID, _ := params[1].(string)
	var extranonce2, ntime, nonce string
	if len(params) >= 5 {
		extranonce2, _ = params[2].(string)
		ntime, _ = params[3].(string)
		nonce, _ = params[4].(string)
	} else {
		extranonce2, _ = params[2].(string)
		nonce, _ = params[3].(string)
	}

	accepted, errCode, errMsg := s.dispatch.Submit(sess, proxyJobID, extranonce2, ntime, nonce)
	if !accepted {
		sess.SendError(msg.ID, errCode, errMsg)
		if s.policy != nil {
			s.policy.ApplySharePolicy(ip, false)
		}
		return
	}
	sess.SendResult(msg.ID, true)
	if s.policy != nil {
		s.policy.ApplySharePolicy(ip, true)
	}
}

func (s *Server) penalizeInvalid(sess *Session, ip string) {
	if s.policy != nil {
		if !s.policy.ApplySharePolicy(ip, false) {
			sess.Close()
		}
	}
}

func parseWorkerName(username string) string {
	for i, c := range username {
		if c == '.' {
			return username[i+1:]
		}
	}
	return username
}

func extractIP(remoteAddr string) string {
	for i := len(remoteAddr) - 1; i >= 0; i-- {
		if remoteAddr[i] == ':' {
			ip := remoteAddr[:i]
			if len(ip) > 0 && ip[0] == '[' {
				ip = ip[1 : len(ip)-1]
			}
			return ip
		}
	}
	return remoteAddr
}

func decodeParams(raw []byte, v *[]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
