package scheduler

import (
	"testing"
	"time"

	"github.com/tos-network/stratum-splitter/internal/events"
)

func TestFixedModeApportionsRoughlyByWeight(t *testing.T) {
	s := New(Config{Mode: ModeFixed, WeightA: 70, WeightB: 30, DwellFloor: time.Millisecond}, events.NewBus())

	countA, countB := 0, 0
	for i := 0; i < 1000; i++ {
		if s.NextSlotPool() == "A" {
			countA++
		} else {
			countB++
		}
	}

	ratio := float64(countA) / float64(countA+countB)
	if ratio < 0.65 || ratio > 0.75 {
		t.Errorf("A ratio = %v, want ~0.70", ratio)
	}
}

func TestSinglePoolModeAlwaysReturnsConfiguredPool(t *testing.T) {
	s := New(Config{Mode: ModeSinglePool, SinglePoolID: "B", DwellFloor: time.Millisecond}, events.NewBus())
	for i := 0; i < 50; i++ {
		if got := s.NextSlotPool(); got != "B" {
			t.Fatalf("NextSlotPool() = %q, want B (I6: single pool is 100/0)", got)
		}
	}
	wA, wB := s.Weights()
	if wA != 0 || wB != 100 {
		t.Errorf("Weights() = %d/%d, want 0/100", wA, wB)
	}
}

func TestAssignRespectsDwellFloor(t *testing.T) {
	s := New(Config{Mode: ModeFixed, WeightA: 0, WeightB: 100, DwellFloor: time.Hour}, events.NewBus())
	first := s.Assign(1, false)
	// Even though weights are skewed, the dwell floor must keep the
	// miner on its first assignment for subsequent calls.
	for i := 0; i < 5; i++ {
		if got := s.Assign(1, false); got != first {
			t.Errorf("Assign() = %q, want stable %q within dwell floor", got, first)
		}
	}
}

func TestAssignForceSwitchBypassesDwellFloor(t *testing.T) {
	s := New(Config{Mode: ModeFixed, WeightA: 100, WeightB: 0, DwellFloor: time.Hour}, events.NewBus())
	first := s.Assign(1, false)
	if first != "A" {
		t.Fatalf("first assignment = %q, want A", first)
	}

	// Move all weight to B. Within the one-hour dwell floor an unforced
	// call keeps the miner on A; forceSwitch bypasses the floor and
	// re-runs apportionment, which now picks B.
	s.SetWeights(0, 100)
	if got := s.Assign(1, false); got != "A" {
		t.Errorf("Assign(no force) within dwell floor = %q, want A", got)
	}
	second := s.Assign(1, true)
	if second != "B" {
		t.Errorf("Assign(forceSwitch) = %q, want B since weights are now 0/100", second)
	}
}

func TestForgetRemovesAssignment(t *testing.T) {
	s := New(Config{Mode: ModeFixed, WeightA: 50, WeightB: 50}, events.NewBus())
	s.Assign(1, false)
	if s.CurrentAssignment(1) == "" {
		t.Fatal("expected an assignment before Forget")
	}
	s.Forget(1)
	if s.CurrentAssignment(1) != "" {
		t.Error("CurrentAssignment should be empty after Forget")
	}
}

func TestAutoBalanceWeightsFollowProfitabilitySamples(t *testing.T) {
	s := New(Config{Mode: ModeAutoBalance, ShortHalflife: time.Second, LongHalflife: time.Second, BlendShort: 1.0}, events.NewBus())
	s.Sample(80, 20)
	wA, wB := s.Weights()
	if wA != 80 || wB != 20 {
		t.Errorf("Weights() after first sample = %d/%d, want 80/20 (first sample seeds both EMAs)", wA, wB)
	}
}

func TestAutoBalanceBeforeAnySampleUsesConfiguredWeights(t *testing.T) {
	s := New(Config{Mode: ModeAutoBalance, WeightA: 40, WeightB: 60}, events.NewBus())
	wA, wB := s.Weights()
	if wA != 40 || wB != 60 {
		t.Errorf("Weights() with no sample = %d/%d, want configured 40/60", wA, wB)
	}
}
