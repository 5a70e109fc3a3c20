// Package types holds the domain model shared by every core component:
// bars, book snapshots, plans, runtime state, and signals.
package types

import "fmt"

// Direction is the side a breakout plan trades.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Bar is one OHLCV candlestick. Developing bars are mutable (the latest,
// not-yet-closed bar for a timeframe); closed bars are immutable and
// contribute to indicator history.
type Bar struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	VolumeBase  float64
	IsClosed    bool
}

// Validate checks the OHLC consistency and non-negative volume invariants
// from the data model: low <= min(open,close) <= max(open,close) <= high.
func (b Bar) Validate() error {
	lo := min(b.Open, b.Close)
	hi := max(b.Open, b.Close)
	if !(b.Low <= lo && lo <= hi && hi <= b.High) {
		return fmt.Errorf("bar %d: OHLC inconsistent (o=%v h=%v l=%v c=%v)", b.TimestampMs, b.Open, b.High, b.Low, b.Close)
	}
	if b.VolumeBase < 0 {
		return fmt.Errorf("bar %d: negative volume %v", b.TimestampMs, b.VolumeBase)
	}
	return nil
}

func (b Bar) TrueRange(prevClose float64) float64 {
	tr := b.High - b.Low
	tr = max(tr, absf(b.High-prevClose))
	tr = max(tr, absf(b.Low-prevClose))
	return tr
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// BookLevel is a single price/size level on one side of the book.
type BookLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a full order-book snapshot for an instrument at a point
// in market time. Bids are ordered descending by price, asks ascending.
type BookSnapshot struct {
	TimestampMs int64
	Bids        []BookLevel
	Asks        []BookLevel
}

func (b BookSnapshot) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

func (b BookSnapshot) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

func (b BookSnapshot) Mid() (float64, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// DepthAndImbalance sums size over the top n levels on each side and
// returns the signed imbalance (bid_depth - ask_depth) / (bid_depth + ask_depth).
func (b BookSnapshot) DepthAndImbalance(n int) (bidDepth, askDepth, imbalance float64) {
	bidDepth = sumDepth(b.Bids, n)
	askDepth = sumDepth(b.Asks, n)
	total := bidDepth + askDepth
	if total == 0 {
		return bidDepth, askDepth, 0
	}
	return bidDepth, askDepth, (bidDepth - askDepth) / total
}

func sumDepth(levels []BookLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += levels[i].Size
	}
	return sum
}

// PlanState is the lifecycle state of a breakout plan.
type PlanState string

const (
	Pending         PlanState = "PENDING"
	BreakSeen       PlanState = "BREAK_SEEN"
	BreakConfirmed  PlanState = "BREAK_CONFIRMED"
	Triggered       PlanState = "TRIGGERED"
	Invalid         PlanState = "INVALID"
	Expired         PlanState = "EXPIRED"
)

// IsTerminal reports whether a state is absorbing.
func (s PlanState) IsTerminal() bool {
	switch s {
	case Triggered, Invalid, Expired:
		return true
	default:
		return false
	}
}

// InvalidationType names a plan's exit condition.
type InvalidationType string

const (
	PriceAbove InvalidationType = "price_above"
	PriceBelow InvalidationType = "price_below"
	TimeLimit  InvalidationType = "time_limit"
)

// InvalidationCondition is one entry of extra_data.invalidation_conditions.
type InvalidationCondition struct {
	Type            InvalidationType
	Level           float64
	DurationSeconds int64
}

// Plan is a breakout plan as admitted, immutable once accepted.
type Plan struct {
	ID                     string
	InstrumentID           string
	Direction              Direction
	EntryType              string
	EntryPrice             float64
	CreatedAtMs            int64
	EntryLevelOverride     *float64
	InvalidationConditions []InvalidationCondition
	ParamOverrides         map[string]interface{}
}

// TriggerLevel returns extra_data.entry_params.level if present, else EntryPrice.
func (p Plan) TriggerLevel() float64 {
	if p.EntryLevelOverride != nil {
		return *p.EntryLevelOverride
	}
	return p.EntryPrice
}

// Validate enforces admission-time structural requirements.
func (p Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan: id is required")
	}
	if p.InstrumentID == "" {
		return fmt.Errorf("plan %s: instrument_id is required", p.ID)
	}
	if p.Direction != Long && p.Direction != Short {
		return fmt.Errorf("plan %s: direction must be long or short", p.ID)
	}
	if p.EntryType != "breakout" {
		return fmt.Errorf("plan %s: entry_type must be breakout", p.ID)
	}
	if p.TriggerLevel() == 0 {
		return fmt.Errorf("plan %s: no trigger level present", p.ID)
	}
	return nil
}

// RuntimeState is the mutable per-tick evaluation state of a plan.
type RuntimeState struct {
	State         PlanState
	BreakTs       *int64
	ArmedAt       *int64
	TriggeredAt   *int64
	InvalidReason string
	SignalEmitted bool

	// ConfirmDeadlineMs is the market timestamp by which the confirmation
	// gates must all hold simultaneously, set when a break is first seen.
	ConfirmDeadlineMs *int64
	// RetestPinbar records whether a pinbar formed at the retest bar, for
	// the strength-score pattern bonus in retest mode.
	RetestPinbar bool
}

// MetricsSnapshot is the set of derived indicators available at a tick,
// all computed from closed bars only (except where noted).
type MetricsSnapshot struct {
	AsOfMs      int64
	ATR         *float64
	NATRPercent *float64
	RVOL        *float64
	Pinbar      bool
	PinbarDir   Direction
	SweepSide   Direction
	SweepOK     bool
	TrendBias   float64
	VolumeRatio *float64
}

// SignalState is the terminal state a signal records.
type SignalState string

const (
	SignalTriggered SignalState = "triggered"
	SignalInvalid   SignalState = "invalid"
	SignalExpired   SignalState = "expired"
)

// ProtocolVersion is the fixed wire-format tag for every emitted signal.
const ProtocolVersion = "breakout-v1"

// SignalRuntime mirrors the plan's runtime block on the wire.
type SignalRuntime struct {
	ArmedAt       *int64
	TriggeredAt   *int64
	InvalidReason string
}

// SignalMetrics is the metrics block embedded in a signal.
type SignalMetrics struct {
	RVOL     *float64
	NATRPct  *float64
	ATR      *float64
	Pinbar   bool
}

// Signal is the record emitted (and persisted) at a terminal transition.
type Signal struct {
	PlanID         string
	State          SignalState
	TimestampMs    int64
	LastPrice      float64
	Metrics        SignalMetrics
	StrengthScore  int
	Runtime        SignalRuntime
	ProtocolVer    string
}

// SignalKey is the (plan_id, state, timestamp_ms) dedup/uniqueness triple.
type SignalKey struct {
	PlanID      string
	State       SignalState
	TimestampMs int64
}

func (s Signal) Key() SignalKey {
	return SignalKey{PlanID: s.PlanID, State: s.State, TimestampMs: s.TimestampMs}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
