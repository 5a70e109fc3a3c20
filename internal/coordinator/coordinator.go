// Package coordinator wires the normalizer, data store, metrics
// calculator, state machine, and emitter into per-instrument ticks. One
// worker owns each instrument's data store and plan table; the signal
// store is the only resource shared across workers.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"breakout-engine/internal/config"
	"breakout-engine/internal/emitter"
	"breakout-engine/internal/logging"
	"breakout-engine/internal/metrics"
	"breakout-engine/internal/normalizer"
	"breakout-engine/internal/statemachine"
	"breakout-engine/internal/store"
	"breakout-engine/internal/types"
)

const defaultTimeframe = "1m"

// planEntry is one plan bound to a worker, kept in admission order.
type planEntry struct {
	plan    types.Plan
	runtime types.RuntimeState
	params  config.Effective
}

// worker owns one instrument's data store and plan table. Every field
// is touched only while holding mu; ticks for different instruments run
// without contention on each other.
type worker struct {
	mu           sync.Mutex
	instrumentID string
	dataStore    *store.Store
	plans        []*planEntry
}

// Coordinator is the engine's single entry point for ticks and plan
// admission.
type Coordinator struct {
	mu        sync.RWMutex
	workers   map[string]*worker
	resolver  *config.Resolver
	emit      *emitter.Emitter
	log       *logging.Logger
	timeframe string

	atrPeriod          int
	rvolPeriod         int
	storeMargin        int
	depletionThreshold float64
	depthLevels        int
	spikeATRMultiplier float64
	spikeFallbackPct   float64
}

// New builds a Coordinator. resolver supplies the effective parameter
// layers; em is the shared signal emitter; log is the base logger the
// coordinator annotates per instrument/plan/signal. The ATR and RVOL
// periods, store margin, order-book sweep settings and spike-filter
// multipliers come from config.Defaults(), not from the resolver.
func New(resolver *config.Resolver, em *emitter.Emitter, log *logging.Logger) *Coordinator {
	defaults := config.Defaults()
	return &Coordinator{
		workers:            make(map[string]*worker),
		resolver:           resolver,
		emit:               em,
		log:                log,
		timeframe:          defaultTimeframe,
		atrPeriod:          defaults.ATR.Period,
		rvolPeriod:         defaults.Volume.RVOLPeriod,
		storeMargin:        5,
		depletionThreshold: defaults.Orderbook.DepletionThreshold,
		depthLevels:        defaults.Orderbook.DepthLevels,
		spikeATRMultiplier: defaults.Spike.ATRMultiplier,
		spikeFallbackPct:   defaults.Spike.FallbackPct,
	}
}

func (c *Coordinator) workerFor(instrumentID string) *worker {
	c.mu.RLock()
	w, ok := c.workers[instrumentID]
	c.mu.RUnlock()
	if ok {
		return w
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[instrumentID]; ok {
		return w
	}
	cap := store.Capacity(c.atrPeriod, c.rvolPeriod, c.storeMargin)
	w = &worker{
		instrumentID: instrumentID,
		dataStore:    store.New(instrumentID, cap),
	}
	c.workers[instrumentID] = w
	return w
}

// AddPlan admits a plan. Admission fails closed: a structurally invalid
// plan or an invalid merged parameter set is rejected and never reaches
// the worker's plan table.
func (c *Coordinator) AddPlan(plan types.Plan, planOverrides *config.BreakoutOverride) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("coordinator: admission rejected: %w", err)
	}
	params, err := c.resolver.Resolve(plan.InstrumentID, planOverrides)
	if err != nil {
		return fmt.Errorf("coordinator: admission rejected: %w", err)
	}

	w := c.workerFor(plan.InstrumentID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.plans = append(w.plans, &planEntry{
		plan:    plan,
		runtime: types.RuntimeState{State: types.Pending},
		params:  params,
	})
	return nil
}

// EvaluateTick applies the given payloads (either may be nil) to the
// instrument's data store, computes one metrics snapshot, evaluates
// every bound plan in admission order, and returns the signals that
// were newly emitted this tick.
func (c *Coordinator) EvaluateTick(instrumentID string, candlestickPayload, orderbookPayload []byte) ([]types.Signal, error) {
	w := c.workerFor(instrumentID)
	w.mu.Lock()
	defer w.mu.Unlock()

	instLog := logging.InstrumentContext(c.log, instrumentID)

	if orderbookPayload != nil {
		book, err := normalizer.NormalizeOrderbook(orderbookPayload)
		if err != nil {
			instLog.WithError(err).Warn("orderbook normalize failed, tick dropped")
		} else {
			w.dataStore.ApplyBook(book)
		}
	}

	var closedBar *types.Bar
	if candlestickPayload != nil {
		bars, err := normalizer.NormalizeCandlesticks(candlestickPayload)
		if err != nil {
			instLog.WithError(err).Warn("candlestick normalize failed, tick dropped")
		} else {
			for i := range bars {
				bar := bars[i]
				lastPrice, _, hasLastPrice := w.dataStore.LastPrice()
				atrBefore := atrFromStore(w.dataStore, c.timeframe, c.atrPeriod)
				if err := normalizer.CheckSpike(bar, lastPrice, hasLastPrice, atrBefore, c.spikeATRMultiplier, c.spikeFallbackPct); err != nil {
					instLog.WithError(err).Warn("bar rejected by spike filter")
					continue
				}
				w.dataStore.ApplyBar(c.timeframe, bar)
				if bar.IsClosed {
					b := bar
					closedBar = &b
				}
			}
		}
	}

	snap, _ := w.dataStore.Snapshot(c.timeframe)
	latestBook, prevBook := w.dataStore.Book()
	lastPrice, lastPriceTs, hasLastPrice := w.dataStore.LastPrice()

	calc := metrics.New(c.atrPeriod, c.rvolPeriod, c.depletionThreshold, c.depthLevels)
	baseMetrics := calc.Compute(snap, latestBook, prevBook, types.Long)

	marketTs := lastPriceTs
	if closedBar != nil && closedBar.TimestampMs > marketTs {
		marketTs = closedBar.TimestampMs
	}

	var emitted []types.Signal
	for _, pe := range w.plans {
		m := baseMetrics
		m.SweepOK, m.SweepSide = calc.Sweep(latestBook, prevBook, pe.plan.Direction)

		tick := statemachine.Tick{
			MarketTs:      marketTs,
			LastPrice:     lastPrice,
			HasLastPrice:  hasLastPrice,
			DevHigh:       devExtreme(snap, true),
			DevLow:        devExtreme(snap, false),
			HasDeveloping: snap.Developing != nil,
			ClosedBar:     closedBar,
			Metrics:       m,
		}

		next, sig := statemachine.Evaluate(pe.plan, pe.runtime, pe.params, tick)
		pe.runtime = next
		if sig == nil {
			continue
		}

		res, dispatchErr := c.emit.EmitIfNew(*sig)
		if dispatchErr != nil {
			logging.SignalContext(c.log, pe.plan.ID, string(sig.State), sig.TimestampMs).
				WithError(dispatchErr).
				Warn("signal emit reported an error")
		}
		if res == emitter.Emitted {
			emitted = append(emitted, *sig)
			pe.runtime.SignalEmitted = true
		}
	}

	return emitted, nil
}

// TickBatch is one instrument's payload for a single dispatch round.
type TickBatch struct {
	InstrumentID       string
	CandlestickPayload []byte
	OrderbookPayload   []byte
}

// EvaluateBatch dispatches one tick per distinct instrument in batch
// concurrently, grounded on the §5 concurrency model: each instrument's
// own worker lock still serializes that instrument's ticks, but distinct
// instruments run on separate goroutines rather than waiting on each
// other. Callers are responsible for never putting the same instrument
// in a batch twice, since that would race the instrument's own worker
// lock against itself in an undefined tick order. Returns every signal
// newly emitted across the batch. Every instrument's tick runs to
// completion even when another one fails; if any fails, the first error
// is returned and the batch's signals are not.
func (c *Coordinator) EvaluateBatch(ctx context.Context, batch []TickBatch) ([]types.Signal, error) {
	results := make([][]types.Signal, len(batch))
	g, _ := errgroup.WithContext(ctx)
	for i, b := range batch {
		i, b := i, b
		g.Go(func() error {
			sigs, err := c.EvaluateTick(b.InstrumentID, b.CandlestickPayload, b.OrderbookPayload)
			if err != nil {
				return fmt.Errorf("coordinator: batch tick for %s: %w", b.InstrumentID, err)
			}
			results[i] = sigs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []types.Signal
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func devExtreme(snap store.Snapshot, high bool) float64 {
	if snap.Developing == nil {
		return 0
	}
	if high {
		return snap.Developing.High
	}
	return snap.Developing.Low
}

func atrFromStore(s *store.Store, timeframe string, period int) *float64 {
	snap, ok := s.Snapshot(timeframe)
	if !ok {
		return nil
	}
	calc := metrics.New(period, 1, 0, 0)
	m := calc.Compute(snap, nil, nil, types.Long)
	return m.ATR
}
