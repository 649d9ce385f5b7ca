package events

import "testing"

func TestNewBusStartsAtZeroForAllKinds(t *testing.T) {
	b := NewBus()
	snap := b.Snapshot()
	for _, k := range allKinds {
		if snap[string(k)] != 0 {
			t.Errorf("kind %s starts at %d, want 0", k, snap[string(k)])
		}
	}
	if len(snap) != len(allKinds) {
		t.Errorf("Snapshot() has %d keys, want %d", len(snap), len(allKinds))
	}
}

func TestEmitIncrementsCounter(t *testing.T) {
	b := NewBus()
	b.Emit(PoolSwitched, "miner", "m1")
	b.Emit(PoolSwitched, "miner", "m2")
	b.Emit(ShareResult, "pool", "A")

	if got := b.Count(PoolSwitched); got != 2 {
		t.Errorf("Count(PoolSwitched) = %d, want 2", got)
	}
	if got := b.Count(ShareResult); got != 1 {
		t.Errorf("Count(ShareResult) = %d, want 1", got)
	}
	if got := b.Count(StaleShare); got != 0 {
		t.Errorf("Count(StaleShare) = %d, want 0", got)
	}
}

func TestSnapshotReflectsEmits(t *testing.T) {
	b := NewBus()
	b.Emit(ComponentCrashed, "component", "router")
	snap := b.Snapshot()
	if snap[string(ComponentCrashed)] != 1 {
		t.Errorf("snapshot[component_crashed] = %d, want 1", snap[string(ComponentCrashed)])
	}
}

func TestEmitUnknownKindStillCounted(t *testing.T) {
	b := NewBus()
	b.Emit(Kind("unregistered_kind"))
	if got := b.Count(Kind("unregistered_kind")); got != 1 {
		t.Errorf("Count() for a dynamically emitted kind = %d, want 1", got)
	}
}
