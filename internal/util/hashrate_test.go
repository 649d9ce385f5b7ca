package util

import "testing"

func TestNetworkHashrate(t *testing.T) {
	if got := NetworkHashrate(1000, 10); got != 100 {
		t.Errorf("NetworkHashrate = %v, want 100", got)
	}
	if got := NetworkHashrate(1000, 0); got != 0 {
		t.Errorf("NetworkHashrate with zero block time = %v, want 0", got)
	}
}

func TestEstimatedTimeToBlock(t *testing.T) {
	if got := EstimatedTimeToBlock(100, 1000); got != 10 {
		t.Errorf("EstimatedTimeToBlock = %v, want 10", got)
	}
	if got := EstimatedTimeToBlock(0, 1000); got != 0 {
		t.Errorf("EstimatedTimeToBlock with zero hashrate = %v, want 0", got)
	}
}

func TestEMA(t *testing.T) {
	// After exactly one half-life, the average should move halfway to the
	// new sample.
	got := EMA(0, 100, 30, 30)
	if got < 49 || got > 51 {
		t.Errorf("EMA after one half-life = %v, want ~50", got)
	}

	// Zero elapsed leaves the average unchanged.
	if got := EMA(10, 1000, 0, 30); got != 10 {
		t.Errorf("EMA with zero elapsed = %v, want 10", got)
	}

	// Zero half-life snaps straight to the sample.
	if got := EMA(10, 1000, 5, 0); got != 1000 {
		t.Errorf("EMA with zero half-life = %v, want 1000", got)
	}
}
