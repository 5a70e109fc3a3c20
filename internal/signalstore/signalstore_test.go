package signalstore

import (
	"testing"

	"breakout-engine/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSignal(planID string, ts int64) types.Signal {
	rvol := 2.0
	return types.Signal{
		PlanID:        planID,
		State:         types.SignalTriggered,
		TimestampMs:   ts,
		LastPrice:     100.7,
		Metrics:       types.SignalMetrics{RVOL: &rvol},
		StrengthScore: 65,
		ProtocolVer:   types.ProtocolVersion,
	}
}

func TestInsertAndListByPlan(t *testing.T) {
	s := openTestStore(t)
	sig := sampleSignal("plan-1", 60000)
	if err := s.Insert(sig); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	sigs, err := s.ListByPlan("plan-1")
	if err != nil {
		t.Fatalf("ListByPlan: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("len(sigs) = %d, want 1", len(sigs))
	}
	if sigs[0].TimestampMs != 60000 || sigs[0].StrengthScore != 65 {
		t.Errorf("round-tripped signal mismatch: %+v", sigs[0])
	}
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	s := openTestStore(t)
	sig := sampleSignal("plan-1", 60000)
	if err := s.Insert(sig); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.Insert(sig)
	if err == nil {
		t.Fatal("expected duplicate key error on second identical insert")
	}
	if _, ok := err.(*DuplicateKeyError); !ok {
		t.Fatalf("expected *DuplicateKeyError, got %T: %v", err, err)
	}

	n, err := s.CountDuplicates()
	if err != nil {
		t.Fatalf("CountDuplicates: %v", err)
	}
	if n != 0 {
		t.Errorf("CountDuplicates = %d, want 0 (rejected insert leaves no duplicate row)", n)
	}
}

func TestAllKeysReseedsDedupSet(t *testing.T) {
	s := openTestStore(t)
	s.Insert(sampleSignal("plan-1", 1))
	s.Insert(sampleSignal("plan-2", 2))

	keys, err := s.AllKeys()
	if err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d, want 2", len(keys))
	}
}

func TestListByPlanEmptyForUnknownPlan(t *testing.T) {
	s := openTestStore(t)
	sigs, err := s.ListByPlan("does-not-exist")
	if err != nil {
		t.Fatalf("ListByPlan: %v", err)
	}
	if len(sigs) != 0 {
		t.Errorf("expected no signals for unknown plan, got %d", len(sigs))
	}
}
