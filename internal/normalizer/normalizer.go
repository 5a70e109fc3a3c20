// Package normalizer parses raw candlestick and order-book payloads into
// the core domain types, applying the validation and spike-filtering
// rules that keep malformed or anomalous ticks out of the data store.
package normalizer

import (
	"fmt"
	"strconv"

	"github.com/valyala/fastjson"

	"breakout-engine/internal/types"
)

// ParseError wraps any malformed-payload failure. The tick is dropped
// for the instrument but processing of later payloads continues.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("normalizer: %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidPriceError flags a structurally invalid bar or book (OHLC
// inconsistency, negative size, crossed book).
type InvalidPriceError struct {
	Reason string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("normalizer: invalid price data: %s", e.Reason)
}

// PriceSpikeError flags a candle rejected by the spike filter. The
// offending bar is dropped; the data store is not mutated.
type PriceSpikeError struct {
	LastPrice float64
	NewClose  float64
	Threshold float64
}

func (e *PriceSpikeError) Error() string {
	return fmt.Sprintf("normalizer: price spike rejected: close=%v last=%v threshold=%v", e.NewClose, e.LastPrice, e.Threshold)
}

var jsonParserPool fastjson.ParserPool

// NormalizeCandlesticks parses a raw envelope payload of the form
// {"code":..,"msg":..,"data":[[ts_ms,o,h,l,c,vol_base,vol_quote,vol_quote_alt,confirm_flag], ...]}
// into Bars in ascending timestamp order. Every numeric field in the
// 9-tuple arrives as a JSON string; the timestamp is also accepted as a
// JSON number.
func NormalizeCandlesticks(payload []byte) ([]types.Bar, error) {
	p := jsonParserPool.Get()
	defer jsonParserPool.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return nil, &ParseError{Stage: "candlestick envelope", Err: err}
	}

	data, err := v.Get("data").Array()
	if err != nil {
		return nil, &ParseError{Stage: "candlestick data array", Err: err}
	}

	bars := make([]types.Bar, 0, len(data))
	for i, row := range data {
		tuple, err := row.Array()
		if err != nil || len(tuple) < 9 {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d", i), Err: fmt.Errorf("expected 9-element tuple")}
		}

		var ts int64
		if tuple[0].Type() == fastjson.TypeNumber {
			ts, err = tuple[0].Int64()
		} else {
			var tsRaw string
			if tsRaw, err = stringValue(tuple[0]); err == nil {
				ts, err = strconv.ParseInt(tsRaw, 10, 64)
			}
		}
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d timestamp", i), Err: err}
		}
		open, err := parseStringFloat(tuple[1])
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d open", i), Err: err}
		}
		high, err := parseStringFloat(tuple[2])
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d high", i), Err: err}
		}
		low, err := parseStringFloat(tuple[3])
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d low", i), Err: err}
		}
		closeP, err := parseStringFloat(tuple[4])
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d close", i), Err: err}
		}
		volBase, err := parseStringFloat(tuple[5])
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d volume", i), Err: err}
		}
		confirmRaw, err := stringValue(tuple[8])
		if err != nil {
			return nil, &ParseError{Stage: fmt.Sprintf("candlestick row %d confirm flag", i), Err: err}
		}

		bar := types.Bar{
			TimestampMs: ts,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       closeP,
			VolumeBase:  volBase,
			IsClosed:    confirmRaw == "1",
		}
		if err := bar.Validate(); err != nil {
			return nil, &InvalidPriceError{Reason: err.Error()}
		}
		bars = append(bars, bar)
	}

	sortBarsAscending(bars)
	return bars, nil
}

// NormalizeOrderbook parses a raw envelope {"data":{"asks":[[price,size,_,_],...],"bids":[...],"ts":..}}
// into a BookSnapshot, verifying monotonic ordering, non-negative sizes,
// and best-bid < best-ask.
func NormalizeOrderbook(payload []byte) (types.BookSnapshot, error) {
	p := jsonParserPool.Get()
	defer jsonParserPool.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return types.BookSnapshot{}, &ParseError{Stage: "orderbook envelope", Err: err}
	}
	data := v.Get("data")
	if data == nil {
		return types.BookSnapshot{}, &ParseError{Stage: "orderbook data", Err: fmt.Errorf("missing data field")}
	}

	ts, err := data.Get("ts").Int64()
	if err != nil {
		return types.BookSnapshot{}, &ParseError{Stage: "orderbook timestamp", Err: err}
	}

	bids, err := parseLevels(data.Get("bids"))
	if err != nil {
		return types.BookSnapshot{}, &ParseError{Stage: "orderbook bids", Err: err}
	}
	asks, err := parseLevels(data.Get("asks"))
	if err != nil {
		return types.BookSnapshot{}, &ParseError{Stage: "orderbook asks", Err: err}
	}

	if err := validateLevelOrder(bids, false); err != nil {
		return types.BookSnapshot{}, &InvalidPriceError{Reason: "bids not descending: " + err.Error()}
	}
	if err := validateLevelOrder(asks, true); err != nil {
		return types.BookSnapshot{}, &InvalidPriceError{Reason: "asks not ascending: " + err.Error()}
	}

	book := types.BookSnapshot{TimestampMs: ts, Bids: bids, Asks: asks}
	if bid, ok1 := book.BestBid(); ok1 {
		if ask, ok2 := book.BestAsk(); ok2 && bid >= ask {
			return types.BookSnapshot{}, &InvalidPriceError{Reason: fmt.Sprintf("best_bid %v >= best_ask %v", bid, ask)}
		}
	}

	return book, nil
}

func parseLevels(v *fastjson.Value) ([]types.BookLevel, error) {
	if v == nil {
		return nil, nil
	}
	rows, err := v.Array()
	if err != nil {
		return nil, err
	}
	levels := make([]types.BookLevel, 0, len(rows))
	for i, row := range rows {
		tuple, err := row.Array()
		if err != nil || len(tuple) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, size, ...]", i)
		}
		price, err := parseStringFloat(tuple[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := parseStringFloat(tuple[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		if size < 0 {
			return nil, fmt.Errorf("level %d: negative size %v", i, size)
		}
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

func validateLevelOrder(levels []types.BookLevel, ascending bool) error {
	for i := 1; i < len(levels); i++ {
		if ascending && levels[i].Price < levels[i-1].Price {
			return fmt.Errorf("level %d price %v < level %d price %v", i, levels[i].Price, i-1, levels[i-1].Price)
		}
		if !ascending && levels[i].Price > levels[i-1].Price {
			return fmt.Errorf("level %d price %v > level %d price %v", i, levels[i].Price, i-1, levels[i-1].Price)
		}
	}
	return nil
}

func parseStringFloat(v *fastjson.Value) (float64, error) {
	s, err := stringValue(v)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q: %w", s, err)
	}
	return f, nil
}

func stringValue(v *fastjson.Value) (string, error) {
	b, err := v.StringBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sortBarsAscending(bars []types.Bar) {
	for i := 1; i < len(bars); i++ {
		for j := i; j > 0 && bars[j].TimestampMs < bars[j-1].TimestampMs; j-- {
			bars[j], bars[j-1] = bars[j-1], bars[j]
		}
	}
}

// CheckSpike applies the spike filter once a last price is available:
// it rejects any candle whose |close - lastPrice| exceeds
// atrMultiplier*atr, falling back to fallbackPct*lastPrice when atr is
// not yet available. It has no enabled switch of its own, and the
// Coordinator calls it for every bar, so spike_filter.enabled is not
// consulted.
func CheckSpike(bar types.Bar, lastPrice float64, hasLastPrice bool, atr *float64, atrMultiplier, fallbackPct float64) error {
	if !hasLastPrice {
		return nil
	}
	delta := bar.Close - lastPrice
	if delta < 0 {
		delta = -delta
	}

	var threshold float64
	if atr != nil {
		threshold = atrMultiplier * *atr
	} else {
		threshold = fallbackPct * lastPrice
	}

	if delta > threshold {
		return &PriceSpikeError{LastPrice: lastPrice, NewClose: bar.Close, Threshold: threshold}
	}
	return nil
}
