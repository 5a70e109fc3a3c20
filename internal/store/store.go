// Package store owns the per-instrument rolling market-data state: bar
// history per timeframe, parallel volume history, the latest book
// snapshot, and the last trade price. It is a passive value mutated only
// by its owning worker through the Normalizer; every other component
// reads consistent snapshots from it.
package store

import (
	"sync"

	"breakout-engine/internal/types"
)

// timeframeBuffer holds one timeframe's closed-bar history plus the
// currently developing (not yet closed) bar, bounded to a fixed capacity.
type timeframeBuffer struct {
	closed     []types.Bar // ascending by timestamp, bounded
	volumes    []float64   // parallel to closed, one entry per closed bar
	developing *types.Bar
	capacity   int
}

func newTimeframeBuffer(capacity int) *timeframeBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &timeframeBuffer{capacity: capacity}
}

// apply folds one normalized bar into the buffer following the ordering
// rule: a bar matching the developing bar's timestamp replaces it; a
// later timestamp first closes the developing bar into history (if
// present) then starts a new developing bar. A bar whose timestamp is
// not later than the last closed bar's is ignored, so it is never
// applied out of order relative to what's already closed.
func (tb *timeframeBuffer) apply(bar types.Bar) {
	if n := len(tb.closed); n > 0 && bar.TimestampMs <= tb.closed[n-1].TimestampMs {
		return
	}
	if tb.developing != nil {
		switch {
		case bar.TimestampMs == tb.developing.TimestampMs:
			tb.developing = &bar
			if bar.IsClosed {
				tb.closeDeveloping()
			}
			return
		case bar.TimestampMs > tb.developing.TimestampMs:
			tb.closeDeveloping()
		default:
			// Out-of-order relative to developing bar: ignore, the
			// normalizer is responsible for timestamp-ascending delivery.
			return
		}
	}

	if bar.IsClosed {
		tb.appendClosed(bar)
		return
	}
	d := bar
	tb.developing = &d
}

func (tb *timeframeBuffer) closeDeveloping() {
	if tb.developing == nil {
		return
	}
	d := *tb.developing
	d.IsClosed = true
	tb.developing = nil
	tb.appendClosed(d)
}

func (tb *timeframeBuffer) appendClosed(bar types.Bar) {
	tb.closed = append(tb.closed, bar)
	tb.volumes = append(tb.volumes, bar.VolumeBase)
	if over := len(tb.closed) - tb.capacity; over > 0 {
		tb.closed = tb.closed[over:]
		tb.volumes = tb.volumes[over:]
	}
}

// Snapshot is a read-only, copy-safe view of one timeframe's state at a
// point in time.
type Snapshot struct {
	Closed     []types.Bar
	Volumes    []float64
	Developing *types.Bar
}

func (tb *timeframeBuffer) snapshot() Snapshot {
	closed := make([]types.Bar, len(tb.closed))
	copy(closed, tb.closed)
	vols := make([]float64, len(tb.volumes))
	copy(vols, tb.volumes)
	var dev *types.Bar
	if tb.developing != nil {
		d := *tb.developing
		dev = &d
	}
	return Snapshot{Closed: closed, Volumes: vols, Developing: dev}
}

// Store is the per-instrument data store: one timeframe buffer set,
// the latest book snapshot, and the last trade price/timestamp. A Store
// belongs to exactly one worker goroutine; the mutex guards reads that
// may race with the owning worker (e.g. an introspection endpoint).
type Store struct {
	mu sync.Mutex

	instrumentID string
	timeframes   map[string]*timeframeBuffer
	capacity     int

	book           *types.BookSnapshot
	prevBook       *types.BookSnapshot
	lastPrice      float64
	lastPriceTs    int64
	hasLastPrice   bool
}

// New creates a store for one instrument. capacity is the bounded bar
// buffer length, normally max(atr.period, volume.rvol_period)+margin.
func New(instrumentID string, capacity int) *Store {
	return &Store{
		instrumentID: instrumentID,
		timeframes:   make(map[string]*timeframeBuffer),
		capacity:     capacity,
	}
}

// InstrumentID returns the instrument this store tracks.
func (s *Store) InstrumentID() string {
	return s.instrumentID
}

// ApplyBar folds one normalized bar for the given timeframe into the
// store, updating last-price/last-timestamp when the bar is newer.
func (s *Store) ApplyBar(timeframe string, bar types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.timeframes[timeframe]
	if !ok {
		tb = newTimeframeBuffer(s.capacity)
		s.timeframes[timeframe] = tb
	}
	tb.apply(bar)

	if !s.hasLastPrice || bar.TimestampMs >= s.lastPriceTs {
		s.lastPrice = bar.Close
		s.lastPriceTs = bar.TimestampMs
		s.hasLastPrice = true
	}
}

// ApplyBook replaces the latest book snapshot, retaining the previous
// one for sweep-depth comparison in the metrics calculator.
func (s *Store) ApplyBook(book types.BookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.book != nil {
		prev := *s.book
		s.prevBook = &prev
	}
	b := book
	s.book = &b

	if mid, ok := book.Mid(); ok {
		if !s.hasLastPrice || book.TimestampMs >= s.lastPriceTs {
			s.lastPrice = mid
			s.lastPriceTs = book.TimestampMs
			s.hasLastPrice = true
		}
	}
}

// Snapshot returns a consistent, copy-safe view of one timeframe.
func (s *Store) Snapshot(timeframe string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.timeframes[timeframe]
	if !ok {
		return Snapshot{}, false
	}
	return tb.snapshot(), true
}

// Book returns the latest and previous book snapshots, if any.
func (s *Store) Book() (latest, previous *types.BookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var l, p *types.BookSnapshot
	if s.book != nil {
		v := *s.book
		l = &v
	}
	if s.prevBook != nil {
		v := *s.prevBook
		p = &v
	}
	return l, p
}

// LastPrice returns the most recent trade/mid price and its timestamp.
func (s *Store) LastPrice() (price float64, timestampMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice, s.lastPriceTs, s.hasLastPrice
}

// Capacity computes the bounded buffer length from the ATR and RVOL
// lookback periods: max(atr_period, rvol_period) + margin, never below 2.
func Capacity(atrPeriod, rvolPeriod, margin int) int {
	c := atrPeriod
	if rvolPeriod > c {
		c = rvolPeriod
	}
	c += margin
	if c < 2 {
		c = 2
	}
	return c
}
