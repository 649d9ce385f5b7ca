package supervisor

import (
	"testing"
	"time"

	"github.com/tos-network/stratum-splitter/internal/config"
	"github.com/tos-network/stratum-splitter/internal/events"
	"github.com/tos-network/stratum-splitter/internal/scheduler"
)

func testConfig() *config.Config {
	return &config.Config{
		PoolA: config.PoolConfig{Host: "127.0.0.1", Port: 13331, Flavour: "generic"},
		PoolB: config.PoolConfig{Host: "127.0.0.1", Port: 13332, Flavour: "generic"},
		Scheduler: config.SchedulerConfig{
			Mode:        "fixed",
			WeightA:     50,
			WeightB:     50,
			SlotSeconds: 1,
		},
		Stratum: config.StratumConfig{Bind: "127.0.0.1:0", StaleGraceSeconds: 20},
		Supervisor: config.SupervisorConfig{PrunePeriodSeconds: 1},
	}
}

func TestSchedulerModeMapsConfigStrings(t *testing.T) {
	cases := map[string]scheduler.Mode{
		"fixed":       scheduler.ModeFixed,
		"autobalance": scheduler.ModeAutoBalance,
		"single":      scheduler.ModeSinglePool,
		"":            scheduler.ModeFixed,
		"bogus":       scheduler.ModeFixed,
	}
	for in, want := range cases {
		if got := schedulerMode(in); got != want {
			t.Errorf("schedulerMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPoolConfigCopiesAllFields(t *testing.T) {
	src := config.PoolConfig{
		Host: "pool.example.com", Port: 3333, TLS: true,
		Username: "user", Password: "pass", Flavour: "ck-type",
		ExtranonceSubscribe: true,
	}
	got := poolConfig("A", src)

	if got.PoolID != "A" || got.Host != src.Host || got.Port != src.Port ||
		got.TLS != src.TLS || got.Username != src.Username ||
		got.Password != src.Password || got.Flavour != src.Flavour ||
		got.ExtranonceSubscribe != src.ExtranonceSubscribe {
		t.Errorf("poolConfig() = %+v, did not preserve source fields %+v", got, src)
	}
}

func TestNewWiresIndependentPoolMaps(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)

	pools := s.Pools()
	if len(pools) != 2 {
		t.Fatalf("Pools() returned %d entries, want 2", len(pools))
	}
	if pools["A"] == nil || pools["B"] == nil {
		t.Fatalf("Pools() missing A or B: %+v", pools)
	}

	// The supervisor's map and the router's internal map must not be the
	// same instance: ApplyConfig mutates each independently via
	// ReplacePool, so an alias would let one overwrite the other's view
	// of which session is currently wired to a pool id.
	if s.pools["A"] == nil || s.router == nil {
		t.Fatalf("supervisor not fully wired")
	}
	s.router.ReplacePool("A", nil)
	if s.pools["A"] == nil {
		t.Error("router.ReplacePool changed the supervisor's pool map: the maps are aliased")
	}
}

func TestApplyConfigOnlyReconnectsChangedPool(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)

	before := s.Pools()

	changed := testConfig()
	changed.PoolA.Port = 19999 // A changed, B untouched

	if err := s.ApplyConfig(changed); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}

	after := s.Pools()
	if after["A"] == before["A"] {
		t.Error("pool A session was not recreated after its config changed")
	}
	if after["B"] != before["B"] {
		t.Error("pool B session was recreated even though its config did not change")
	}

	// ApplyConfig started the fresh A session; Close stops its reconnect
	// loop. B was never started, and Close is safe on it too.
	after["A"].Close()
	before["B"].Close()
}

func TestApplyConfigUpdatesSchedulerWeightsRegardlessOfPoolChange(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)

	changed := testConfig()
	changed.Scheduler.WeightA = 80
	changed.Scheduler.WeightB = 20

	if err := s.ApplyConfig(changed); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}

	wA, wB := s.Scheduler().Weights()
	if wA != 80 || wB != 20 {
		t.Errorf("Weights() after ApplyConfig = %d/%d, want 80/20", wA, wB)
	}

	for _, p := range s.Pools() {
		p.Close()
	}
}

func TestPruneRunsCleanlyWithNoActiveSessions(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)
	defer func() {
		for _, p := range s.Pools() {
			p.Close()
		}
	}()

	// prune() must not panic or block even though no session has ever
	// connected and the downstream server was never started (spec §4.6
	// housekeeping must be safe to run at any point in the lifecycle).
	done := make(chan struct{})
	go func() {
		s.prune()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prune() did not return")
	}
}

func TestNewWiresChainClientsOnlyWhenConfigured(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)
	defer func() {
		for _, p := range s.Pools() {
			p.Close()
		}
	}()

	if s.chainA != nil || s.chainB != nil {
		t.Error("chain clients should be nil when chain_rpc_url is not configured")
	}

	withURLs := testConfig()
	withURLs.Scheduler.Mode = "autobalance"
	withURLs.PoolA.ChainRPCURL = "http://127.0.0.1:1"
	withURLs.PoolB.ChainRPCURL = "http://127.0.0.1:2"
	s2 := New(withURLs, bus, nil, nil, nil)
	defer func() {
		for _, p := range s2.Pools() {
			p.Close()
		}
	}()

	if s2.chainA == nil || s2.chainB == nil {
		t.Error("chain clients should be wired when chain_rpc_url is configured")
	}
}

func TestAutobalanceLoopIsNoOpWithoutChainClients(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Mode = "autobalance"
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)
	defer func() {
		for _, p := range s.Pools() {
			p.Close()
		}
	}()

	// Neither pool has a chain_rpc_url configured; the loop must return
	// immediately rather than block forever on a nil client.
	s.wg.Add(1)
	done := make(chan struct{})
	go func() {
		s.autobalanceLoop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("autobalanceLoop() did not return when no chain clients are configured")
	}
}

func TestRouterSchedulerAndDownstreamServerAccessorsAreWired(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus()
	s := New(cfg, bus, nil, nil, nil)
	defer func() {
		for _, p := range s.Pools() {
			p.Close()
		}
	}()

	if s.Router() == nil {
		t.Error("Router() returned nil")
	}
	if s.Scheduler() == nil {
		t.Error("Scheduler() returned nil")
	}
	if s.DownstreamServer() == nil {
		t.Error("DownstreamServer() returned nil")
	}
}
