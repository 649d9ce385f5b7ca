package router

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/tos-network/stratum-splitter/internal/downstream"
	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/fingerprint"
	"github.com/tos-network/stratum-splitter/internal/job"
	"github.com/tos-network/stratum-splitter/internal/scheduler"
	"github.com/tos-network/stratum-splitter/internal/upstream"
)

// startMockPool runs a tiny Stratum pool that completes subscribe and
// authorize, then replies "true" to every mining.submit it receives.
func startMockPool(t *testing.T) (host string, port int, close func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			var req map[string]interface{}
			json.Unmarshal([]byte(line), &req)
			var resp map[string]interface{}
			if i == 0 {
				resp = map[string]interface{}{"id": req["id"], "result": []interface{}{[][]string{{"mining.notify", "s1"}}, "aabb0001", 4}, "error": nil}
			} else {
				resp = map[string]interface{}{"id": req["id"], "result": true, "error": nil}
			}
			data, _ := json.Marshal(resp)
			conn.Write(append(data, '\n'))
		}

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			var req map[string]interface{}
			json.Unmarshal([]byte(line), &req)
			resp := map[string]interface{}{"id": req["id"], "result": true, "error": nil}
			data, _ := json.Marshal(resp)
			conn.Write(append(data, '\n'))
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port, func() { ln.Close() }
}

func waitReady(t *testing.T, s *upstream.Session) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == upstream.StateReady {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("upstream session never became ready")
}

func newTestRouter(t *testing.T) (*Router, *upstream.Session, func()) {
	bus := events.NewBus()
	host, port, closePool := startMockPool(t)

	up := upstream.New(upstream.Config{PoolID: "A", Host: host, Port: port, Username: "u", Password: "p"}, bus)
	go up.Run()
	waitReady(t, up)

	up.JobRing().Push(&job.Record{PoolJobID: "pooljob1", NTime: "5f5e0f1a"})

	sched := scheduler.New(scheduler.Config{Mode: scheduler.ModeSinglePool, SinglePoolID: "A", DwellFloor: time.Millisecond}, bus)
	r := New(map[string]*upstream.Session{"A": up}, sched, bus, 50*time.Millisecond)

	cleanup := func() {
		up.Close()
		closePool()
	}
	return r, up, cleanup
}

func newPipeDownstream(id uint64) (*downstream.Session, net.Conn) {
	server, client := net.Pipe()
	minter := fingerprint.NewMinter(time.Now())
	sess := downstream.New(id, server, minter)
	return sess, client
}

func drain(conn net.Conn) {
	go func() {
		buf := make([]byte, 8192)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestHandleSubscribeAttributesAndSendsLatestJob(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	sess, client := newPipeDownstream(1)
	defer client.Close()
	drain(client)

	r.HandleSubscribe(sess)

	if sess.ActivePool() != "A" {
		t.Errorf("ActivePool() = %q, want A", sess.ActivePool())
	}
	if r.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", r.SessionCount())
	}
}

func TestSubmitAcceptedRoundTrip(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	sess, client := newPipeDownstream(2)
	defer client.Close()
	drain(client)

	r.HandleSubscribe(sess)

	// HandleSubscribe mints exactly one proxy job id via the router's
	// IDMinter, whose first value is always "1".
	accepted, code, _ := r.Submit(sess, "1", "00000001", "5f5e0f1a", "deadbeef")
	if !accepted {
		t.Fatalf("Submit() rejected, code=%d", code)
	}
}

func TestSubmitUnknownProxyJobIDIsJobNotFound(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	sess, client := newPipeDownstream(3)
	defer client.Close()
	drain(client)

	accepted, code, _ := r.Submit(sess, "never-issued", "00000001", "5f5e0f1a", "deadbeef")
	if accepted || code != ErrJobNotFound {
		t.Errorf("Submit() = %v, %d, want rejected with ErrJobNotFound", accepted, code)
	}
}

func TestSubmitDuplicateIsRejected(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	sess, client := newPipeDownstream(4)
	defer client.Close()
	drain(client)

	r.HandleSubscribe(sess)
	r.Submit(sess, "1", "00000001", "5f5e0f1a", "deadbeef")
	accepted, code, _ := r.Submit(sess, "1", "00000001", "5f5e0f1a", "deadbeef")
	if accepted || code != ErrDuplicateShare {
		t.Errorf("second identical Submit() = %v, %d, want rejected with ErrDuplicateShare", accepted, code)
	}
}

func TestTickSlotSwitchesAndForcesCleanJobs(t *testing.T) {
	bus := events.NewBus()
	hostA, portA, closeA := startMockPool(t)
	hostB, portB, closeB := startMockPool(t)
	defer closeA()
	defer closeB()

	upA := upstream.New(upstream.Config{PoolID: "A", Host: hostA, Port: portA, Username: "u", Password: "p"}, bus)
	upB := upstream.New(upstream.Config{PoolID: "B", Host: hostB, Port: portB, Username: "u", Password: "p"}, bus)
	go upA.Run()
	go upB.Run()
	defer upA.Close()
	defer upB.Close()
	waitReady(t, upA)
	waitReady(t, upB)

	upA.JobRing().Push(&job.Record{PoolJobID: "a-job-1", NTime: "5f5e0f1a", CleanJobs: false})
	upB.JobRing().Push(&job.Record{PoolJobID: "b-job-1", NTime: "5f5e0f1b", CleanJobs: false})

	// Weights 0:100 make HandleSubscribe attribute the miner to B; the
	// weights are then moved to A so the TickSlot below picks A. A 1ns
	// dwell floor (New turns 0 into the 30s default) lets the tick switch.
	sched := scheduler.New(scheduler.Config{Mode: scheduler.ModeFixed, WeightA: 0, WeightB: 100, DwellFloor: time.Nanosecond}, bus)
	r := New(map[string]*upstream.Session{"A": upA, "B": upB}, sched, bus, 50*time.Millisecond)

	sess, client := newPipeDownstream(1)
	defer client.Close()

	lines := make(chan string, 8)
	go func() {
		rd := bufio.NewReader(client)
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	r.HandleSubscribe(sess)
	readLine := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a line downstream")
			return ""
		}
	}
	readLine() // initial mining.notify from HandleSubscribe (pool B, weight 0:100)

	if sess.ActivePool() != "B" {
		t.Fatalf("ActivePool() after subscribe = %q, want B", sess.ActivePool())
	}

	// Flip weights to all-A and tick: the session should move to A and
	// receive set_difficulty (0 difficulty is skipped, so just notify)
	// with clean_jobs forced true even though the pool's own job was not
	// marked clean.
	sched.SetWeights(100, 0)
	r.TickSlot()

	line := readLine()
	var msg map[string]interface{}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal notify: %v (line=%q)", err, line)
	}
	if msg["method"] != "mining.notify" {
		t.Fatalf("method = %v, want mining.notify", msg["method"])
	}
	params := msg["params"].([]interface{})
	cleanJobs := params[len(params)-1].(bool)
	if !cleanJobs {
		t.Error("clean_jobs = false on a forced pool switch, want true")
	}
	if sess.ActivePool() != "A" {
		t.Errorf("ActivePool() after tick = %q, want A", sess.ActivePool())
	}
}

func TestHandleDisconnectForgetsSession(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	sess, client := newPipeDownstream(5)
	defer client.Close()
	drain(client)

	r.HandleSubscribe(sess)
	r.HandleDisconnect(sess)
	if r.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after disconnect, want 0", r.SessionCount())
	}
}

