package metrics

import (
	"testing"

	"breakout-engine/internal/store"
	"breakout-engine/internal/types"
)

func closedBar(ts int64, o, h, l, c, v float64) types.Bar {
	return types.Bar{TimestampMs: ts, Open: o, High: h, Low: l, Close: c, VolumeBase: v, IsClosed: true}
}

func TestATRNilBeforeEnoughBars(t *testing.T) {
	bars := []types.Bar{closedBar(0, 100, 101, 99, 100.5, 10)}
	if v := atr(bars, 14); v != nil {
		t.Errorf("expected nil ATR with 1 bar and period 14, got %v", *v)
	}
}

func TestATRComputesOverPeriod(t *testing.T) {
	bars := []types.Bar{
		closedBar(0, 100, 101, 99, 100, 10),
		closedBar(1, 100, 102, 99, 101, 10),
		closedBar(2, 101, 103, 100, 102, 10),
	}
	v := atr(bars, 2)
	if v == nil {
		t.Fatal("expected non-nil ATR")
	}
	// bar1 TR = max(102-99, |102-100|, |99-100|) = 3
	// bar2 TR = max(103-100, |103-101|, |100-101|) = 3
	if *v != 3 {
		t.Errorf("ATR = %v, want 3", *v)
	}
}

func TestRVOLNilBeforeEnoughHistory(t *testing.T) {
	vols := []float64{10, 20, 30}
	if v := rvol(vols, 20); v != nil {
		t.Errorf("expected nil RVOL, got %v", *v)
	}
}

func TestRVOLComputesRatio(t *testing.T) {
	vols := []float64{1000, 1000, 1000, 3000}
	v := rvol(vols, 3)
	if v == nil {
		t.Fatal("expected non-nil RVOL")
	}
	if *v != 3.0 {
		t.Errorf("RVOL = %v, want 3.0", *v)
	}
}

func TestDetectPinbarBullish(t *testing.T) {
	// body = 0.2, range = 1.8, lower wick = 1.5 >= 2*0.2, upper wick = 0.1 <= 0.2
	bar := closedBar(0, 100.0, 100.3, 98.5, 100.2, 10)
	ok, dir := detectPinbar(bar)
	if !ok {
		t.Fatal("expected pinbar detected")
	}
	if dir != types.Long {
		t.Errorf("PinbarDir = %v, want Long", dir)
	}
}

func TestDetectPinbarNoneOnLargeBody(t *testing.T) {
	bar := closedBar(0, 100, 110, 99, 109, 10)
	ok, _ := detectPinbar(bar)
	if ok {
		t.Fatal("expected no pinbar: body too large relative to range")
	}
}

func TestSweepSignalFailsClosedWithoutBook(t *testing.T) {
	ok, _ := sweepSignal(nil, nil, 0.3, 10, types.Long)
	if ok {
		t.Fatal("expected sweep gate to fail closed with no book")
	}
}

func TestSweepSignalDetectsAskDepletion(t *testing.T) {
	prev := &types.BookSnapshot{
		Bids: []types.BookLevel{{Price: 99, Size: 10}},
		Asks: []types.BookLevel{{Price: 101, Size: 10}},
	}
	latest := &types.BookSnapshot{
		Bids: []types.BookLevel{{Price: 99, Size: 10}},
		Asks: []types.BookLevel{{Price: 101, Size: 2}},
	}
	ok, side := sweepSignal(latest, prev, 0.3, 10, types.Long)
	if !ok {
		t.Fatal("expected sweep detected: ask depth dropped from 10 to 2 (80%% depletion)")
	}
	if side != types.Long {
		t.Errorf("side = %v, want Long", side)
	}
}

func TestComputeSnapshotAsOfMs(t *testing.T) {
	c := New(2, 3, 0.3, 10)
	snap := store.Snapshot{
		Closed: []types.Bar{
			closedBar(0, 100, 101, 99, 100, 10),
			closedBar(60000, 100, 102, 99, 101, 10),
		},
		Volumes: []float64{10, 10},
	}
	out := c.Compute(snap, nil, nil, types.Long)
	if out.AsOfMs != 60000 {
		t.Errorf("AsOfMs = %d, want 60000", out.AsOfMs)
	}
}
