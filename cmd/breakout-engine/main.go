// Command breakout-engine wires the config resolver, signal store,
// delivery sinks, emitter, and coordinator into a runnable process that
// replays a JSON fixture of ticks through the engine. It is a manual
// exercising harness, not a production exchange connector.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/relvacode/iso8601"

	"breakout-engine/internal/api"
	"breakout-engine/internal/config"
	"breakout-engine/internal/coordinator"
	"breakout-engine/internal/emitter"
	"breakout-engine/internal/logging"
	"breakout-engine/internal/signalstore"
	"breakout-engine/internal/sink"
	"breakout-engine/internal/types"
)

type planFixture struct {
	ID           string  `json:"id"`
	InstrumentID string  `json:"instrument_id"`
	Direction    string  `json:"direction"`
	EntryType    string  `json:"entry_type"`
	EntryPrice   float64 `json:"entry_price"`
	CreatedAtMs  int64   `json:"created_at_ms"`
}

type tickFixture struct {
	InstrumentID string          `json:"instrument_id"`
	Candlestick  json.RawMessage `json:"candlestick,omitempty"`
	Orderbook    json.RawMessage `json:"orderbook,omitempty"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config document")
	plansPath := flag.String("plans", "plans.json", "path to the plan fixture (JSON array)")
	ticksPath := flag.String("ticks", "ticks.json", "path to the tick fixture (JSON array)")
	dbPath := flag.String("db", "signals.db", "path to the signal store SQLite database")
	httpAddr := flag.String("http", "", "address to serve the introspection API on (empty disables it)")
	asOf := flag.String("as-of", "", "ISO8601 cutoff: ticks at or after this time are skipped")
	flag.Parse()

	logger := logging.New(&logging.Config{
		Level:      "INFO",
		Output:     "stdout",
		Component:  "main",
		JSONFormat: true,
	})

	var cutoffMs int64 = -1
	if *asOf != "" {
		t, err := iso8601.ParseString(*asOf)
		if err != nil {
			logger.Fatal("invalid --as-of value", "error", err)
		}
		cutoffMs = t.UnixMilli()
		logger.Info("replay cutoff set", "as_of", t.Format(time.RFC3339))
	}

	resolver, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	sinksCfg, err := config.LoadSinks(*configPath)
	if err != nil {
		logger.Fatal("failed to load sink config", "error", err)
	}

	store, err := signalstore.Open(*dbPath)
	if err != nil {
		logger.Fatal("failed to open signal store", "error", err)
	}
	defer store.Close()

	manager := sink.NewManager(
		sink.NewStdoutSink(sinksCfg.Stdout.Enabled),
		sink.NewFileSink(sinksCfg.File.Path, sinksCfg.File.Enabled),
		sink.NewWebhookSink(sinksCfg.Webhook.URL, sinksCfg.Webhook.Enabled),
	)

	em, err := emitter.New(store, manager)
	if err != nil {
		logger.Fatal("failed to initialize emitter", "error", err)
	}

	coord := coordinator.New(resolver, em, logger.WithComponent("coordinator"))

	plans, err := loadPlans(*plansPath)
	if err != nil {
		logger.Fatal("failed to load plans", "error", err)
	}
	admitted := 0
	for _, p := range plans {
		if err := coord.AddPlan(p, nil); err != nil {
			logger.Warn("plan admission rejected", "plan_id", p.ID, "error", err)
			continue
		}
		admitted++
	}
	logger.Info("plans admitted", "count", admitted)

	if *httpAddr != "" {
		srv := api.NewServer(api.ServerConfig{}, coord, store, logger.WithComponent("api"))
		go func() {
			logger.Info("introspection API listening", "addr", *httpAddr)
			if err := http.ListenAndServe(*httpAddr, srv.Handler()); err != nil {
				logger.Error("introspection API stopped", "error", err)
			}
		}()
	}

	ticks, err := loadTicks(*ticksPath)
	if err != nil {
		logger.Fatal("failed to load ticks", "error", err)
	}

	ctx := context.Background()
	start := time.Now()
	var totalEmitted, ticksProcessed int
	for roundIdx, round := range groupIntoRounds(ticks, cutoffMs, logger) {
		ticksProcessed += len(round)
		sigs, err := coord.EvaluateBatch(ctx, round)
		if err != nil {
			logger.Warn("batch evaluation failed", "round", roundIdx, "error", err)
			continue
		}
		totalEmitted += len(sigs)
	}

	elapsed := time.Since(start)
	logger.Info("replay complete",
		"ticks_processed", ticksProcessed,
		"signals_emitted", totalEmitted,
		"elapsed", humanize.RelTime(start, time.Now(), "ago", "from now"),
	)
	fmt.Printf("processed %s ticks, emitted %s signals in %s\n",
		humanize.Comma(int64(ticksProcessed)), humanize.Comma(int64(totalEmitted)), elapsed)
}

func loadPlans(path string) ([]types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fixtures []planFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	plans := make([]types.Plan, 0, len(fixtures))
	for _, f := range fixtures {
		plans = append(plans, types.Plan{
			ID:           f.ID,
			InstrumentID: f.InstrumentID,
			Direction:    types.Direction(f.Direction),
			EntryType:    f.EntryType,
			EntryPrice:   f.EntryPrice,
			CreatedAtMs:  f.CreatedAtMs,
		})
	}
	return plans, nil
}

// groupIntoRounds splits the fixture's flat, time-ordered tick list into
// rounds suitable for Coordinator.EvaluateBatch: each round holds at most
// one tick per instrument, so instruments within a round dispatch
// concurrently while a given instrument's own ticks never reorder across
// rounds. Ticks past the --as-of cutoff (cutoffMs < 0 disables the
// check) are dropped before grouping; a tick's time is the timestamp of
// the first row of its candlestick payload, and ticks without one are
// kept.
func groupIntoRounds(ticks []tickFixture, cutoffMs int64, logger *logging.Logger) [][]coordinator.TickBatch {
	var rounds [][]coordinator.TickBatch
	var current []coordinator.TickBatch
	seen := make(map[string]bool)

	flush := func() {
		if len(current) > 0 {
			rounds = append(rounds, current)
			current = nil
			seen = make(map[string]bool)
		}
	}

	for i, tick := range ticks {
		if cutoffMs >= 0 {
			var peek struct {
				Data [][]json.RawMessage `json:"data"`
			}
			// Best-effort peek: malformed payloads fall through to the
			// normalizer's own error handling, not this cutoff check.
			_ = json.Unmarshal(tick.Candlestick, &peek)
			if len(peek.Data) > 0 && len(peek.Data[0]) > 0 {
				raw := strings.Trim(string(peek.Data[0][0]), `"`)
				if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts >= cutoffMs {
					logger.Info("tick skipped past --as-of cutoff", "index", i)
					continue
				}
			}
		}

		if seen[tick.InstrumentID] {
			flush()
		}
		seen[tick.InstrumentID] = true
		current = append(current, coordinator.TickBatch{
			InstrumentID:       tick.InstrumentID,
			CandlestickPayload: tick.Candlestick,
			OrderbookPayload:   tick.Orderbook,
		})
	}
	flush()
	return rounds
}

func loadTicks(path string) ([]tickFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var ticks []tickFixture
	if err := json.Unmarshal(data, &ticks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ticks, nil
}
