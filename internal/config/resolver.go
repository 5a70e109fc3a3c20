package config

import "fmt"

// ValidationError aggregates every rule violation found in one merge, so
// admission reports all problems at once instead of failing on the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := "config validation failed:"
	for _, p := range e.Problems {
		msg += " " + p + ";"
	}
	return msg
}

// Resolver merges global defaults, instrument overrides, and plan
// overrides into one Effective parameter set. It holds no file I/O —
// pure, synchronous, and cheap to call once per plan per tick.
type Resolver struct {
	global      Effective
	instruments map[string]Layer
}

// NewResolver builds a resolver from a base global layer (typically
// Defaults() merged with the loaded "defaults" document) and a map of
// instrument_id -> override layer (the loaded "instruments" document).
func NewResolver(global Effective, instruments map[string]Layer) *Resolver {
	if instruments == nil {
		instruments = map[string]Layer{}
	}
	return &Resolver{global: global, instruments: instruments}
}

// Resolve merges global <- instrument <- plan (last write wins per leaf
// field) and validates the result. planOverrides is the plan's
// extra_data.breakout_params document and may be nil.
func (r *Resolver) Resolve(instrumentID string, planOverrides *BreakoutOverride) (Effective, error) {
	eff := r.global

	if instLayer, ok := r.instruments[instrumentID]; ok {
		mergeLayer(&eff, instLayer)
	}

	if planOverrides != nil {
		mergeBreakout(&eff.Breakout, *planOverrides)
	}

	if err := validate(eff); err != nil {
		return Effective{}, err
	}
	return eff, nil
}

func mergeLayer(eff *Effective, l Layer) {
	if l.BreakoutParams != nil {
		mergeBreakout(&eff.Breakout, *l.BreakoutParams)
	}
	if l.ATRParams != nil {
		if l.ATRParams.Period != 0 {
			eff.ATR.Period = l.ATRParams.Period
		}
	}
	if l.VolumeParams != nil {
		if l.VolumeParams.RVOLPeriod != 0 {
			eff.Volume.RVOLPeriod = l.VolumeParams.RVOLPeriod
		}
		if l.VolumeParams.MinVolumeThreshold != 0 {
			eff.Volume.MinVolumeThreshold = l.VolumeParams.MinVolumeThreshold
		}
	}
	if l.OrderbookParams != nil {
		ob := l.OrderbookParams
		if ob.ImbalanceThreshold != 0 {
			eff.Orderbook.ImbalanceThreshold = ob.ImbalanceThreshold
		}
		if ob.DepletionThreshold != 0 {
			eff.Orderbook.DepletionThreshold = ob.DepletionThreshold
		}
		if ob.DepthLevels != 0 {
			eff.Orderbook.DepthLevels = ob.DepthLevels
		}
	}
	if l.ScoringParams != nil {
		eff.Scoring.TrendBonusEnabled = l.ScoringParams.TrendBonusEnabled
	}
	if l.SpikeFilter != nil {
		sf := l.SpikeFilter
		eff.Spike.Enabled = sf.Enabled
		if sf.ATRMultiplier != 0 {
			eff.Spike.ATRMultiplier = sf.ATRMultiplier
		}
		if sf.FallbackPct != 0 {
			eff.Spike.FallbackPct = sf.FallbackPct
		}
	}
}

// mergeBreakout overlays only the leaves override actually set onto
// base. Every override field is a pointer: nil means the document never
// mentioned that leaf and base keeps the lower layer's value, including
// for booleans where a bare zero-value couldn't otherwise be told apart
// from an explicit false.
func mergeBreakout(base *BreakoutParams, override BreakoutOverride) {
	if override.PenetrationPct != nil {
		base.PenetrationPct = *override.PenetrationPct
	}
	if override.PenetrationNATRMult != nil {
		base.PenetrationNATRMult = *override.PenetrationNATRMult
	}
	if override.MinRVOL != nil {
		base.MinRVOL = *override.MinRVOL
	}
	if override.ConfirmClose != nil {
		base.ConfirmClose = *override.ConfirmClose
	}
	if override.ConfirmTimeMs != nil {
		base.ConfirmTimeMs = *override.ConfirmTimeMs
	}
	if override.AllowRetestEntry != nil {
		base.AllowRetestEntry = *override.AllowRetestEntry
	}
	if override.RetestBandPct != nil {
		base.RetestBandPct = *override.RetestBandPct
	}
	if override.FakeoutCloseInvalidate != nil {
		base.FakeoutCloseInvalidate = *override.FakeoutCloseInvalidate
	}
	if override.OBSweepCheck != nil {
		base.OBSweepCheck = *override.OBSweepCheck
	}
	if override.MinBreakRangeATR != nil {
		base.MinBreakRangeATR = *override.MinBreakRangeATR
	}
}

func validate(eff Effective) error {
	var problems []string

	checkPct := func(name string, v float64) {
		if v < 0 || v > 1 {
			problems = append(problems, fmt.Sprintf("%s must be in [0,1], got %v", name, v))
		}
	}
	checkPct("penetration_pct", eff.Breakout.PenetrationPct)
	checkPct("retest_band_pct", eff.Breakout.RetestBandPct)
	checkPct("orderbook.imbalance_threshold", eff.Orderbook.ImbalanceThreshold)
	checkPct("orderbook.depletion_threshold", eff.Orderbook.DepletionThreshold)

	if eff.Breakout.MinRVOL < 0 {
		problems = append(problems, fmt.Sprintf("min_rvol must be >= 0, got %v", eff.Breakout.MinRVOL))
	}
	if !eff.Breakout.ConfirmClose && eff.Breakout.ConfirmTimeMs <= 0 {
		problems = append(problems, "confirm_time_ms must be > 0 when confirm_close is false")
	}
	if eff.ATR.Period < 2 {
		problems = append(problems, fmt.Sprintf("atr.period must be >= 2, got %d", eff.ATR.Period))
	}
	if eff.Volume.RVOLPeriod < 1 {
		problems = append(problems, fmt.Sprintf("volume.rvol_period must be >= 1, got %d", eff.Volume.RVOLPeriod))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
