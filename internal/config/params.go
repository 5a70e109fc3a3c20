// Package config resolves the effective per-plan parameter set from
// three layers (global defaults, instrument overrides, plan overrides)
// and loads the on-disk layer documents.
package config

// BreakoutParams are the direct breakout-state-machine parameters.
type BreakoutParams struct {
	PenetrationPct         float64 `yaml:"penetration_pct"`
	PenetrationNATRMult    float64 `yaml:"penetration_natr_mult"`
	MinRVOL                float64 `yaml:"min_rvol"`
	ConfirmClose           bool    `yaml:"confirm_close"`
	ConfirmTimeMs          int64   `yaml:"confirm_time_ms"`
	AllowRetestEntry       bool    `yaml:"allow_retest_entry"`
	RetestBandPct          float64 `yaml:"retest_band_pct"`
	FakeoutCloseInvalidate bool    `yaml:"fakeout_close_invalidate"`
	OBSweepCheck           bool    `yaml:"ob_sweep_check"`
	MinBreakRangeATR       float64 `yaml:"min_break_range_atr"`
}

type ATRParams struct {
	Period int `yaml:"period"`
}

type VolumeParams struct {
	RVOLPeriod          int     `yaml:"rvol_period"`
	MinVolumeThreshold  float64 `yaml:"min_volume_threshold"`
}

type OrderbookParams struct {
	ImbalanceThreshold  float64 `yaml:"imbalance_threshold"`
	DepletionThreshold  float64 `yaml:"depletion_threshold"`
	DepthLevels         int     `yaml:"depth_levels"`
}

type TimeParams struct{}

type ScoringParams struct {
	TrendBonusEnabled bool `yaml:"trend_bonus_enabled"`
}

type SpikeFilterParams struct {
	Enabled       bool    `yaml:"enabled"`
	ATRMultiplier float64 `yaml:"atr_multiplier"`
	FallbackPct   float64 `yaml:"fallback_pct"`
}

// BreakoutOverride is one layer's breakout-parameter overrides, leaf by
// leaf. Every field is a pointer so that omitting a leaf from the
// document (or from a plan's override map) means "no opinion" and
// mergeBreakout leaves the lower layer's value untouched — a plain bool
// field can't distinguish "explicitly false" from "not mentioned".
type BreakoutOverride struct {
	PenetrationPct         *float64 `yaml:"penetration_pct,omitempty"`
	PenetrationNATRMult    *float64 `yaml:"penetration_natr_mult,omitempty"`
	MinRVOL                *float64 `yaml:"min_rvol,omitempty"`
	ConfirmClose           *bool    `yaml:"confirm_close,omitempty"`
	ConfirmTimeMs          *int64   `yaml:"confirm_time_ms,omitempty"`
	AllowRetestEntry       *bool    `yaml:"allow_retest_entry,omitempty"`
	RetestBandPct          *float64 `yaml:"retest_band_pct,omitempty"`
	FakeoutCloseInvalidate *bool    `yaml:"fakeout_close_invalidate,omitempty"`
	OBSweepCheck           *bool    `yaml:"ob_sweep_check,omitempty"`
	MinBreakRangeATR       *float64 `yaml:"min_break_range_atr,omitempty"`
}

// Layer is one document's worth of overrides. Every field is optional;
// sub-structs are merged field-by-field, not struct-by-struct, by the
// resolver, and a zero numeric leaf means "not specified by this layer".
// The plain boolean leaves outside breakout_params
// (scoring_params.trend_bonus_enabled, spike_filter.enabled) are copied
// whenever their section is present, so a present section that omits
// them sets them to false.
type Layer struct {
	BreakoutParams  *BreakoutOverride  `yaml:"breakout_params,omitempty"`
	ATRParams       *ATRParams       `yaml:"atr_params,omitempty"`
	VolumeParams    *VolumeParams    `yaml:"volume_params,omitempty"`
	OrderbookParams *OrderbookParams `yaml:"orderbook_params,omitempty"`
	TimeParams      *TimeParams      `yaml:"time_params,omitempty"`
	ScoringParams   *ScoringParams   `yaml:"scoring_params,omitempty"`
	SpikeFilter     *SpikeFilterParams `yaml:"spike_filter,omitempty"`
}

// Effective is the fully merged, validated parameter set for one plan
// evaluation. The state machine reads its Breakout, Volume.MinVolumeThreshold
// and Scoring fields. The Coordinator builds the metrics calculator, data
// store capacity and spike filter from Defaults() instead, so the ATR,
// RVOL period, order-book and spike-filter values resolved here do not
// affect evaluation.
type Effective struct {
	Breakout  BreakoutParams
	ATR       ATRParams
	Volume    VolumeParams
	Orderbook OrderbookParams
	Time      TimeParams
	Scoring   ScoringParams
	Spike     SpikeFilterParams
}

func boolPtr(v bool) *bool       { return &v }
func float64Ptr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64    { return &v }

// Defaults returns the built-in fallback layer used when no document
// supplies a value for a given leaf.
func Defaults() Effective {
	return Effective{
		Breakout: BreakoutParams{
			PenetrationPct:         0.05,
			MinRVOL:                1.5,
			ConfirmClose:           true,
			RetestBandPct:          0.02,
			FakeoutCloseInvalidate: true,
		},
		ATR: ATRParams{Period: 14},
		Volume: VolumeParams{
			RVOLPeriod: 20,
		},
		Orderbook: OrderbookParams{
			ImbalanceThreshold: 0.2,
			DepletionThreshold: 0.3,
			DepthLevels:        10,
		},
		Scoring: ScoringParams{},
		Spike: SpikeFilterParams{
			Enabled:       true,
			ATRMultiplier: 5,
			FallbackPct:   0.1,
		},
	}
}
