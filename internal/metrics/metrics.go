// Package metrics derives ATR, NATR, RVOL, pinbar, order-book sweep, and
// trend-bias indicators from a per-instrument data store snapshot.
package metrics

import (
	"breakout-engine/internal/store"
	"breakout-engine/internal/types"
)

// Calculator produces a MetricsSnapshot from store snapshots. It holds
// no mutable state of its own; every value is derived lazily per call.
type Calculator struct {
	atrPeriod          int
	rvolPeriod         int
	depletionThreshold float64
	depthLevels        int
}

// New builds a Calculator from the given ATR and RVOL lookback periods
// and order-book sweep settings.
func New(atrPeriod, rvolPeriod int, depletionThreshold float64, depthLevels int) *Calculator {
	return &Calculator{
		atrPeriod:          atrPeriod,
		rvolPeriod:         rvolPeriod,
		depletionThreshold: depletionThreshold,
		depthLevels:        depthLevels,
	}
}

// Compute builds a MetricsSnapshot from the timeframe snapshot and the
// store's latest/previous book. direction informs the sweep-side check.
func (c *Calculator) Compute(snap store.Snapshot, latestBook, prevBook *types.BookSnapshot, direction types.Direction) types.MetricsSnapshot {
	out := types.MetricsSnapshot{}

	if len(snap.Closed) > 0 {
		out.AsOfMs = snap.Closed[len(snap.Closed)-1].TimestampMs
	}

	out.ATR = atr(snap.Closed, c.atrPeriod)
	lc, hasLC := lastClose(snap.Closed)
	out.NATRPercent = natr(out.ATR, lc, hasLC)
	out.RVOL = rvol(snap.Volumes, c.rvolPeriod)
	out.VolumeRatio = out.RVOL

	if len(snap.Closed) > 0 {
		pinbar, dir := detectPinbar(snap.Closed[len(snap.Closed)-1])
		out.Pinbar = pinbar
		out.PinbarDir = dir
	}

	out.TrendBias = trendBias(snap.Closed, c.atrPeriod)

	sweepOK, side := sweepSignal(latestBook, prevBook, c.depletionThreshold, c.depthLevels, direction)
	out.SweepOK = sweepOK
	out.SweepSide = side

	return out
}

// Sweep exposes the order-book sweep check for a specific breakout
// direction, independent of the direction-agnostic fields in a
// MetricsSnapshot. The coordinator calls this once per plan since the
// side "resisting" a breakout depends on the plan's own direction.
func (c *Calculator) Sweep(latestBook, prevBook *types.BookSnapshot, direction types.Direction) (bool, types.Direction) {
	return sweepSignal(latestBook, prevBook, c.depletionThreshold, c.depthLevels, direction)
}

func lastClose(closed []types.Bar) (float64, bool) {
	if len(closed) == 0 {
		return 0, false
	}
	return closed[len(closed)-1].Close, true
}

// atr computes Wilder's true-range average over the last `period` closed
// bars. Returns nil until period+1 closed bars exist (the extra bar
// supplies the previous close for the first true-range value).
func atr(closed []types.Bar, period int) *float64 {
	if period < 1 || len(closed) < period+1 {
		return nil
	}
	start := len(closed) - period
	var sum float64
	for i := start; i < len(closed); i++ {
		tr := closed[i].TrueRange(closed[i-1].Close)
		sum += tr
	}
	v := sum / float64(period)
	return &v
}

// natr expresses ATR as a percentage of the latest close.
func natr(atrVal *float64, lastClose float64, hasLastClose bool) *float64 {
	if atrVal == nil || !hasLastClose || lastClose == 0 {
		return nil
	}
	v := (*atrVal / lastClose) * 100
	return &v
}

// rvol is current closed-bar volume over the mean of the prior
// rvolPeriod closed-bar volumes (excluding the current bar itself).
func rvol(volumes []float64, rvolPeriod int) *float64 {
	if rvolPeriod < 1 || len(volumes) < rvolPeriod+1 {
		return nil
	}
	current := volumes[len(volumes)-1]
	window := volumes[len(volumes)-1-rvolPeriod : len(volumes)-1]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	if mean == 0 {
		return nil
	}
	v := current / mean
	return &v
}

// detectPinbar classifies the latest closed bar: body <= 0.33*range and
// one wick >= 2*body while the other wick <= body.
func detectPinbar(bar types.Bar) (bool, types.Direction) {
	rng := bar.High - bar.Low
	if rng <= 0 {
		return false, ""
	}
	body := bar.Close - bar.Open
	if body < 0 {
		body = -body
	}
	if body > 0.33*rng {
		return false, ""
	}

	upperWick := bar.High - max(bar.Open, bar.Close)
	lowerWick := min(bar.Open, bar.Close) - bar.Low

	switch {
	case lowerWick >= 2*body && upperWick <= body:
		return true, types.Long // hammer-like, bullish
	case upperWick >= 2*body && lowerWick <= body:
		return true, types.Short // shooting-star-like, bearish
	default:
		return false, ""
	}
}

// trendBias is the sign-normalized slope of closed closes over the ATR
// lookback window, fit by least squares and expressed in [-1,1].
func trendBias(closed []types.Bar, lookback int) float64 {
	if lookback < 2 || len(closed) < lookback {
		return 0
	}
	start := len(closed) - lookback
	window := closed[start:]
	n := float64(len(window))

	var sumX, sumY, sumXY, sumX2 float64
	for i, bar := range window {
		x := float64(i)
		y := bar.Close
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denominator := n*sumX2 - sumX*sumX
	if denominator == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denominator

	avgPrice := sumY / n
	if avgPrice == 0 {
		return 0
	}
	normalizedSlope := (slope / avgPrice) * 100

	bias := normalizedSlope / 0.5
	if bias > 1 {
		bias = 1
	} else if bias < -1 {
		bias = -1
	}
	return bias
}

// sweepSignal compares top-of-book depth between successive snapshots
// and declares a sweep when the depletion ratio on the side resisting
// the breakout direction exceeds depletionThreshold. An absent book
// fails closed: no sweep.
func sweepSignal(latest, prev *types.BookSnapshot, depletionThreshold float64, depthLevels int, direction types.Direction) (bool, types.Direction) {
	if latest == nil || prev == nil {
		return false, ""
	}

	// The side "resisting" a long breakout is the ask side (sellers);
	// for a short breakout it's the bid side (buyers).
	var prevDepth, curDepth float64
	var side types.Direction
	if direction == types.Long {
		_, prevDepth, _ = prev.DepthAndImbalance(depthLevels)
		_, curDepth, _ = latest.DepthAndImbalance(depthLevels)
		side = types.Long
	} else {
		prevDepth, _, _ = prev.DepthAndImbalance(depthLevels)
		curDepth, _, _ = latest.DepthAndImbalance(depthLevels)
		side = types.Short
	}

	if prevDepth <= 0 {
		return false, ""
	}
	depletion := (prevDepth - curDepth) / prevDepth
	if depletion > depletionThreshold {
		return true, side
	}
	return false, ""
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
