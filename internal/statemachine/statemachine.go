// Package statemachine evaluates one breakout plan against one tick of
// market data, advancing it through the PENDING -> BREAK_SEEN ->
// BREAK_CONFIRMED -> TRIGGERED lifecycle (or into INVALID/EXPIRED) and
// producing the terminal signal when a transition completes.
package statemachine

import (
	"breakout-engine/internal/config"
	"breakout-engine/internal/types"
)

// Tick is the per-evaluation snapshot the state machine reads. It never
// mutates the data store; the Coordinator builds one per plan on every
// instrument tick from a single metrics snapshot, differing only in the
// sweep fields, which depend on the plan's direction.
type Tick struct {
	MarketTs int64

	LastPrice    float64
	HasLastPrice bool

	DevHigh, DevLow float64
	HasDeveloping   bool

	// ClosedBar is the bar that just closed this tick, if any. It is the
	// basis for close-confirmation, volume, and range gates. The
	// Coordinator sets it to the last bar of the tick's candlestick
	// payload that arrived flagged as closed; a developing bar that the
	// data store closes because a later bar arrived is not reported here.
	ClosedBar *types.Bar

	Metrics types.MetricsSnapshot
}

// Evaluate advances one plan's runtime state by one tick. It returns the
// (possibly unchanged) next state and, on a terminal transition, the
// signal to hand to the emitter.
func Evaluate(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick) (types.RuntimeState, *types.Signal) {
	if rt.State.IsTerminal() {
		return rt, nil
	}

	// Invalidation wins over confirmation on the same tick (fail-safe).
	if next, sig, fired := checkInvalidation(plan, rt, params, tick); fired {
		return next, sig
	}
	if next, sig, fired := checkExpiry(plan, rt, tick); fired {
		return next, sig
	}

	switch rt.State {
	case types.Pending:
		return evaluatePending(plan, rt, params, tick)
	case types.BreakSeen:
		return evaluateBreakSeen(plan, rt, params, tick)
	case types.BreakConfirmed:
		return evaluateBreakConfirmed(plan, rt, params, tick)
	default:
		return rt, nil
	}
}

func evaluatePending(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick) (types.RuntimeState, *types.Signal) {
	level := plan.TriggerLevel()
	threshold := penetrationThreshold(level, params, tick.Metrics.ATR)

	price, ok := extremeOnSide(plan.Direction, tick)
	if !ok || !crossedBeyond(plan.Direction, price, level, threshold) {
		return rt, nil
	}

	if tick.ClosedBar != nil && params.Volume.MinVolumeThreshold > 0 {
		if tick.ClosedBar.VolumeBase < params.Volume.MinVolumeThreshold {
			return rt, nil
		}
	}

	ts := tick.MarketTs
	next := rt
	next.State = types.BreakSeen
	next.BreakTs = &ts
	if params.Breakout.ConfirmClose {
		// Close confirmation gets a single chance: the deadline is the
		// break tick itself, so the next evaluation checks the gates
		// against that tick's closed bar (not necessarily the bar that
		// produced the break) and invalidates with confirmation_failed
		// when they do not all hold.
		next.ConfirmDeadlineMs = &ts
	} else {
		deadline := ts + params.Breakout.ConfirmTimeMs
		next.ConfirmDeadlineMs = &deadline
	}
	return next, nil
}

func evaluateBreakSeen(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick) (types.RuntimeState, *types.Signal) {
	level := plan.TriggerLevel()
	gates := confirmationGates(plan, rt, params, tick, level)

	if gates.allSatisfied() {
		ts := tick.MarketTs
		next := rt
		next.State = types.BreakConfirmed
		next.ArmedAt = &ts
		return next, nil
	}

	if rt.ConfirmDeadlineMs != nil && tick.MarketTs >= *rt.ConfirmDeadlineMs {
		next := rt
		next.State = types.Invalid
		next.InvalidReason = "confirmation_failed"
		sig := buildSignal(plan, next, params, tick, types.SignalInvalid)
		return next, sig
	}

	return rt, nil
}

type gateResult struct {
	closeOrTime bool
	volume      bool
	rangeOK     bool
	sweep       bool
	sweepReq    bool
}

func (g gateResult) allSatisfied() bool {
	if !g.closeOrTime || !g.volume || !g.rangeOK {
		return false
	}
	if g.sweepReq && !g.sweep {
		return false
	}
	return true
}

func confirmationGates(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick, level float64) gateResult {
	threshold := penetrationThreshold(level, params, tick.Metrics.ATR)

	var closeOrTime bool
	if params.Breakout.ConfirmClose {
		if tick.ClosedBar != nil {
			closeOrTime = crossedBeyond(plan.Direction, tick.ClosedBar.Close, level, threshold)
		}
	} else if rt.BreakTs != nil {
		closeOrTime = tick.MarketTs-*rt.BreakTs >= params.Breakout.ConfirmTimeMs
	}

	var volume bool
	if tick.Metrics.RVOL != nil {
		volume = *tick.Metrics.RVOL >= params.Breakout.MinRVOL
	}

	var rangeOK bool
	if tick.ClosedBar != nil && tick.Metrics.ATR != nil {
		barRange := tick.ClosedBar.High - tick.ClosedBar.Low
		rangeOK = barRange >= params.Breakout.MinBreakRangeATR*(*tick.Metrics.ATR)
	}

	return gateResult{
		closeOrTime: closeOrTime,
		volume:      volume,
		rangeOK:     rangeOK,
		sweep:       tick.Metrics.SweepOK && tick.Metrics.SweepSide == plan.Direction,
		sweepReq:    params.Breakout.OBSweepCheck,
	}
}

func evaluateBreakConfirmed(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick) (types.RuntimeState, *types.Signal) {
	if !params.Breakout.AllowRetestEntry {
		ts := tick.MarketTs
		next := rt
		next.State = types.Triggered
		next.TriggeredAt = &ts
		sig := buildSignal(plan, next, params, tick, types.SignalTriggered)
		return next, sig
	}

	level := plan.TriggerLevel()
	price, ok := extremeOnSide(oppositeDirection(plan.Direction), tick)
	if !ok {
		return rt, nil
	}

	band := level * params.Breakout.RetestBandPct
	inBand := absf(price-level) <= band

	next := rt
	if !inBand {
		return next, nil
	}
	if tick.Metrics.Pinbar {
		next.RetestPinbar = true
	}

	// Trigger only on a tick whose counter-breakout extreme lies inside
	// the retest band and whose breakout-side extreme is beyond the
	// level. Band entry is not remembered across ticks, so the resuming
	// tick must itself satisfy both conditions.
	retestPrice, ok := extremeOnSide(plan.Direction, tick)
	if !ok || !crossedBeyond(plan.Direction, retestPrice, level, 0) {
		return next, nil
	}

	ts := tick.MarketTs
	next.State = types.Triggered
	next.TriggeredAt = &ts
	sig := buildSignal(plan, next, params, tick, types.SignalTriggered)
	return next, sig
}

func checkInvalidation(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick) (types.RuntimeState, *types.Signal, bool) {
	level := plan.TriggerLevel()

	for _, cond := range plan.InvalidationConditions {
		switch cond.Type {
		case types.PriceAbove:
			if tick.HasLastPrice && tick.LastPrice > cond.Level {
				return invalidate(plan, rt, params, tick, "price_above")
			}
		case types.PriceBelow:
			if tick.HasLastPrice && tick.LastPrice < cond.Level {
				return invalidate(plan, rt, params, tick, "price_below")
			}
		}
	}

	if params.Breakout.FakeoutCloseInvalidate && (rt.State == types.BreakSeen || rt.State == types.BreakConfirmed) {
		if tick.ClosedBar != nil {
			threshold := penetrationThreshold(level, params, tick.Metrics.ATR)
			if crossedBeyond(oppositeDirection(plan.Direction), tick.ClosedBar.Close, level, threshold) {
				return invalidate(plan, rt, params, tick, "fakeout_close")
			}
		}
	}

	return rt, nil, false
}

func invalidate(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick, reason string) (types.RuntimeState, *types.Signal, bool) {
	next := rt
	next.State = types.Invalid
	next.InvalidReason = reason
	sig := buildSignal(plan, next, params, tick, types.SignalInvalid)
	return next, sig, true
}

func checkExpiry(plan types.Plan, rt types.RuntimeState, tick Tick) (types.RuntimeState, *types.Signal, bool) {
	if rt.State != types.Pending && rt.State != types.BreakSeen {
		return rt, nil, false
	}
	for _, cond := range plan.InvalidationConditions {
		if cond.Type != types.TimeLimit {
			continue
		}
		if tick.MarketTs-plan.CreatedAtMs >= cond.DurationSeconds*1000 {
			next := rt
			next.State = types.Expired
			sig := buildSignal(plan, next, config.Effective{}, tick, types.SignalExpired)
			return next, sig, true
		}
	}
	return rt, nil, false
}

func buildSignal(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick, state types.SignalState) *types.Signal {
	sig := &types.Signal{
		PlanID:      plan.ID,
		State:       state,
		TimestampMs: tick.MarketTs,
		LastPrice:   tick.LastPrice,
		Metrics: types.SignalMetrics{
			RVOL:    tick.Metrics.RVOL,
			NATRPct: tick.Metrics.NATRPercent,
			ATR:     tick.Metrics.ATR,
			Pinbar:  tick.Metrics.Pinbar,
		},
		Runtime: types.SignalRuntime{
			ArmedAt:       rt.ArmedAt,
			TriggeredAt:   rt.TriggeredAt,
			InvalidReason: rt.InvalidReason,
		},
		ProtocolVer: types.ProtocolVersion,
	}
	if state == types.SignalTriggered {
		sig.StrengthScore = strengthScore(plan, rt, params, tick)
	}
	return sig
}

// strengthScore is emitted only with triggered signals: base 30 plus
// volume, volatility, pattern, and liquidity terms, clamped to [0,100].
func strengthScore(plan types.Plan, rt types.RuntimeState, params config.Effective, tick Tick) int {
	score := 30

	if tick.Metrics.RVOL != nil && *tick.Metrics.RVOL >= params.Breakout.MinRVOL {
		bonus := int(round((*tick.Metrics.RVOL - 1) * 10))
		if bonus > 25 {
			bonus = 25
		}
		if bonus > 0 {
			score += bonus
		}
	}

	if tick.Metrics.NATRPercent != nil && *tick.Metrics.NATRPercent >= 0.5 && *tick.Metrics.NATRPercent <= 5.0 {
		score += 25
	}

	if params.Breakout.AllowRetestEntry && rt.RetestPinbar {
		score += 10
	}

	if tick.Metrics.SweepOK && tick.Metrics.SweepSide == plan.Direction {
		score += 10
	}

	if params.Scoring.TrendBonusEnabled {
		aligned := (plan.Direction == types.Long && tick.Metrics.TrendBias > 0.3) ||
			(plan.Direction == types.Short && tick.Metrics.TrendBias < -0.3)
		if aligned {
			score += 5
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// penetrationThreshold is max(L*penetration_pct/100, ATR*penetration_natr_mult)
// when the NATR-mult branch is configured and ATR available, else the
// percentage branch alone.
func penetrationThreshold(level float64, params config.Effective, atr *float64) float64 {
	pct := level * params.Breakout.PenetrationPct / 100
	if params.Breakout.PenetrationNATRMult > 0 && atr != nil {
		natrBranch := *atr * params.Breakout.PenetrationNATRMult
		if natrBranch > pct {
			return natrBranch
		}
	}
	return pct
}

// crossedBeyond reports whether price has crossed level by at least
// threshold in direction's favor. Equality never triggers.
func crossedBeyond(direction types.Direction, price, level, threshold float64) bool {
	if direction == types.Long {
		return price > level+threshold
	}
	return price < level-threshold
}

func extremeOnSide(direction types.Direction, tick Tick) (float64, bool) {
	var best float64
	var ok bool
	if tick.HasLastPrice {
		best = tick.LastPrice
		ok = true
	}
	if tick.HasDeveloping {
		if direction == types.Long {
			if !ok || tick.DevHigh > best {
				best = tick.DevHigh
				ok = true
			}
		} else {
			if !ok || tick.DevLow < best {
				best = tick.DevLow
				ok = true
			}
		}
	}
	return best, ok
}

func oppositeDirection(d types.Direction) types.Direction {
	if d == types.Long {
		return types.Short
	}
	return types.Long
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func round(x float64) float64 {
	if x < 0 {
		return -round(-x)
	}
	return float64(int64(x + 0.5))
}
