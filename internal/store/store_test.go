package store

import (
	"testing"

	"breakout-engine/internal/types"
)

func TestApplyBarBoundsBuffer(t *testing.T) {
	s := New("ETH-USDT-SWAP", 3)
	for i := int64(0); i < 10; i++ {
		s.ApplyBar("1m", types.Bar{
			TimestampMs: i * 60000,
			Open:        100, High: 101, Low: 99, Close: 100.5,
			VolumeBase: 10, IsClosed: true,
		})
	}
	snap, ok := s.Snapshot("1m")
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if len(snap.Closed) != 3 {
		t.Errorf("len(Closed) = %d, want 3 (bounded)", len(snap.Closed))
	}
	if len(snap.Volumes) != len(snap.Closed) {
		t.Errorf("Volumes and Closed length mismatch: %d vs %d", len(snap.Volumes), len(snap.Closed))
	}
	if snap.Closed[len(snap.Closed)-1].TimestampMs != 9*60000 {
		t.Errorf("last closed bar ts = %d, want %d", snap.Closed[len(snap.Closed)-1].TimestampMs, 9*60000)
	}
}

func TestApplyBarDevelopingThenCloses(t *testing.T) {
	s := New("ETH-USDT-SWAP", 5)
	s.ApplyBar("1m", types.Bar{TimestampMs: 0, Open: 100, High: 101, Low: 99, Close: 100.2, IsClosed: false})
	snap, _ := s.Snapshot("1m")
	if len(snap.Closed) != 0 {
		t.Fatalf("expected 0 closed bars while developing, got %d", len(snap.Closed))
	}
	if snap.Developing == nil {
		t.Fatal("expected a developing bar")
	}

	// A later-timestamp bar closes the developing one, then starts a new one.
	s.ApplyBar("1m", types.Bar{TimestampMs: 60000, Open: 100.2, High: 100.9, Low: 100.0, Close: 100.7, IsClosed: false})
	snap, _ = s.Snapshot("1m")
	if len(snap.Closed) != 1 {
		t.Fatalf("expected 1 closed bar, got %d", len(snap.Closed))
	}
	if snap.Developing == nil || snap.Developing.TimestampMs != 60000 {
		t.Fatal("expected developing bar at ts=60000")
	}
}

func TestApplyBarSameTimestampReplacesDeveloping(t *testing.T) {
	s := New("ETH-USDT-SWAP", 5)
	s.ApplyBar("1m", types.Bar{TimestampMs: 0, Open: 100, High: 100.5, Low: 99.5, Close: 100.1, IsClosed: false})
	s.ApplyBar("1m", types.Bar{TimestampMs: 0, Open: 100, High: 100.8, Low: 99.5, Close: 100.6, IsClosed: false})
	snap, _ := s.Snapshot("1m")
	if len(snap.Closed) != 0 {
		t.Fatalf("expected still developing, got %d closed", len(snap.Closed))
	}
	if snap.Developing.Close != 100.6 {
		t.Errorf("Developing.Close = %v, want 100.6 (replaced)", snap.Developing.Close)
	}
}

func TestApplyBookTracksPrevious(t *testing.T) {
	s := New("ETH-USDT-SWAP", 5)
	s.ApplyBook(types.BookSnapshot{
		TimestampMs: 1,
		Bids:        []types.BookLevel{{Price: 99, Size: 10}},
		Asks:        []types.BookLevel{{Price: 101, Size: 10}},
	})
	s.ApplyBook(types.BookSnapshot{
		TimestampMs: 2,
		Bids:        []types.BookLevel{{Price: 99, Size: 2}},
		Asks:        []types.BookLevel{{Price: 101, Size: 10}},
	})
	latest, previous := s.Book()
	if latest.TimestampMs != 2 {
		t.Errorf("latest.TimestampMs = %d, want 2", latest.TimestampMs)
	}
	if previous == nil || previous.TimestampMs != 1 {
		t.Fatal("expected previous book snapshot retained")
	}
}

func TestLastPriceFromBarAndBook(t *testing.T) {
	s := New("ETH-USDT-SWAP", 5)
	if _, _, ok := s.LastPrice(); ok {
		t.Fatal("expected no last price before any input")
	}
	s.ApplyBar("1m", types.Bar{TimestampMs: 10, Open: 100, High: 101, Low: 99, Close: 100.3, IsClosed: true})
	price, ts, ok := s.LastPrice()
	if !ok || price != 100.3 || ts != 10 {
		t.Fatalf("LastPrice = (%v,%v,%v), want (100.3,10,true)", price, ts, ok)
	}
	s.ApplyBook(types.BookSnapshot{
		TimestampMs: 20,
		Bids:        []types.BookLevel{{Price: 100, Size: 1}},
		Asks:        []types.BookLevel{{Price: 100.2, Size: 1}},
	})
	price, ts, ok = s.LastPrice()
	if !ok || ts != 20 || price != 100.1 {
		t.Fatalf("LastPrice after book = (%v,%v,%v), want (100.1,20,true)", price, ts, ok)
	}
}

func TestCapacity(t *testing.T) {
	if c := Capacity(14, 20, 5); c != 25 {
		t.Errorf("Capacity(14,20,5) = %d, want 25", c)
	}
	if c := Capacity(0, 0, 0); c != 2 {
		t.Errorf("Capacity(0,0,0) = %d, want 2 (floor)", c)
	}
}
