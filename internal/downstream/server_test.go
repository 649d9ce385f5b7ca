package downstream

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/tos-network/stratum-splitter/internal/events"
)

type fakePolicy struct{}

func (fakePolicy) IsBanned(string) bool                { return false }
func (fakePolicy) ApplyConnectionLimit(string) bool     { return true }
func (fakePolicy) ApplyMalformedPolicy(string) bool     { return true }
func (fakePolicy) ApplyLoginPolicy(string, string) bool { return true }
func (fakePolicy) ApplySharePolicy(string, bool) bool   { return true }
func (fakePolicy) BanIP(string)                         {}

type fakeDispatcher struct {
	submitAccept bool
}

func (d *fakeDispatcher) HandleSubscribe(*Session)               {}
func (d *fakeDispatcher) HandleAuthorize(*Session, string) error { return nil }
func (d *fakeDispatcher) HandleDisconnect(*Session)              {}
func (d *fakeDispatcher) Submit(sess *Session, proxyJobID, extranonce2, ntime, nonce string) (bool, int, string) {
	if d.submitAccept {
		return true, 0, ""
	}
	return false, 23, "Low difficulty share"
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func writeReq(t *testing.T, conn net.Conn, id int, method string, params []interface{}) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "method": method, "params": params})
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResp(t *testing.T, r *bufio.Reader) map[string]interface{} {
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func startTestServer(t *testing.T, dispatch Dispatcher) (*Server, string) {
	bus := events.NewBus()
	srv := NewServer("127.0.0.1:0", "", "", fakePolicy{}, dispatch, bus)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, srv.listener.Addr().String()
}

func TestServerSubscribeAndAuthorize(t *testing.T) {
	srv, addr := startTestServer(t, &fakeDispatcher{submitAccept: true})
	conn, r := dial(t, addr)
	defer conn.Close()

	writeReq(t, conn, 1, "mining.subscribe", []interface{}{"cgminer/1.0"})
	resp := readResp(t, r)
	if resp["id"] != float64(1) {
		t.Errorf("subscribe resp id = %v", resp["id"])
	}

	writeReq(t, conn, 2, "mining.authorize", []interface{}{"pool.rig01", "x"})
	resp = readResp(t, r)
	if resp["result"] != true {
		t.Errorf("authorize resp = %v", resp)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.SessionCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", srv.SessionCount())
	}
}

func TestServerRejectsInvalidWorkerName(t *testing.T) {
	_, addr := startTestServer(t, &fakeDispatcher{submitAccept: true})
	conn, r := dial(t, addr)
	defer conn.Close()

	writeReq(t, conn, 1, "mining.subscribe", nil)
	readResp(t, r)

	writeReq(t, conn, 2, "mining.authorize", []interface{}{""})
	resp := readResp(t, r)
	if resp["error"] == nil {
		t.Error("empty worker name should be rejected")
	}
}

func TestServerSubmitAcceptedAndRejected(t *testing.T) {
	for _, accept := range []bool{true, false} {
		disp := &fakeDispatcher{submitAccept: accept}
		_, addr := startTestServer(t, disp)
		conn, r := dial(t, addr)

		writeReq(t, conn, 1, "mining.subscribe", nil)
		readResp(t, r)
		writeReq(t, conn, 2, "mining.authorize", []interface{}{"rig01", "x"})
		readResp(t, r)

		writeReq(t, conn, 3, "mining.submit", []interface{}{"rig01", "jobid1", "00000001", "5f5e0f1a", "deadbeef"})
		resp := readResp(t, r)
		if accept && resp["result"] != true {
			t.Errorf("expected accepted submit, got %v", resp)
		}
		if !accept && resp["error"] == nil {
			t.Errorf("expected rejected submit, got %v", resp)
		}
		conn.Close()
	}
}

func TestServerSubmitBeforeAuthorizeIsUnauthorized(t *testing.T) {
	_, addr := startTestServer(t, &fakeDispatcher{submitAccept: true})
	conn, r := dial(t, addr)
	defer conn.Close()

	writeReq(t, conn, 1, "mining.submit", []interface{}{"rig01", "jobid1", "00000001", "5f5e0f1a", "deadbeef"})
	resp := readResp(t, r)
	errArr, ok := resp["error"].([]interface{})
	if !ok || len(errArr) < 1 || errArr[0] != float64(24) {
		t.Errorf("expected error code 24 (unauthorized), got %v", resp["error"])
	}
}
