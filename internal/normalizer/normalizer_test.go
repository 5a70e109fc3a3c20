package normalizer

import (
	"testing"

	"breakout-engine/internal/types"
)

func TestNormalizeCandlesticksAscendingOrder(t *testing.T) {
	payload := []byte(`{"code":"0","msg":"","data":[
		["60000","99.1","100.9","99.0","100.7","3000","0","0","1"],
		["0","99.0","100.2","98.9","99.1","1000","0","0","1"]
	]}`)
	bars, err := NormalizeCandlesticks(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	if bars[0].TimestampMs != 0 || bars[1].TimestampMs != 60000 {
		t.Errorf("bars not sorted ascending: %v, %v", bars[0].TimestampMs, bars[1].TimestampMs)
	}
	if !bars[0].IsClosed {
		t.Error("expected IsClosed=true for confirm_flag=1")
	}
}

func TestNormalizeCandlesticksRejectsInvalidOHLC(t *testing.T) {
	payload := []byte(`{"data":[["0","100","99","98","100.5","10","0","0","1"]]}`)
	_, err := NormalizeCandlesticks(payload)
	if err == nil {
		t.Fatal("expected InvalidPriceError for OHLC inconsistency")
	}
	if _, ok := err.(*InvalidPriceError); !ok {
		t.Fatalf("expected *InvalidPriceError, got %T: %v", err, err)
	}
}

func TestNormalizeCandlesticksRejectsMalformedTuple(t *testing.T) {
	payload := []byte(`{"data":[["0","100","101","99"]]}`)
	_, err := NormalizeCandlesticks(payload)
	if err == nil {
		t.Fatal("expected ParseError for short tuple")
	}
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestNormalizeOrderbookValid(t *testing.T) {
	payload := []byte(`{"data":{"ts":100,
		"bids":[["99.5","10","0","0"],["99.0","5","0","0"]],
		"asks":[["100.0","8","0","0"],["100.5","4","0","0"]]}}`)
	book, err := NormalizeOrderbook(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	if bid != 99.5 || ask != 100.0 {
		t.Errorf("best bid/ask = %v/%v, want 99.5/100.0", bid, ask)
	}
}

func TestNormalizeOrderbookRejectsCrossedBook(t *testing.T) {
	payload := []byte(`{"data":{"ts":100,
		"bids":[["101.0","10","0","0"]],
		"asks":[["100.0","8","0","0"]]}}`)
	_, err := NormalizeOrderbook(payload)
	if err == nil {
		t.Fatal("expected InvalidPriceError for crossed book")
	}
}

func TestNormalizeOrderbookRejectsNonMonotonicBids(t *testing.T) {
	payload := []byte(`{"data":{"ts":100,
		"bids":[["99.0","10","0","0"],["99.5","5","0","0"]],
		"asks":[["100.0","8","0","0"]]}}`)
	_, err := NormalizeOrderbook(payload)
	if err == nil {
		t.Fatal("expected InvalidPriceError for non-descending bids")
	}
}

func TestCheckSpikeUsesATRWhenAvailable(t *testing.T) {
	atr := 1.0
	bar := types.Bar{Close: 105, High: 105, Low: 104, Open: 104.5, IsClosed: true}
	err := CheckSpike(bar, 100, true, &atr, 3.0, 0.1)
	if err == nil {
		t.Fatal("expected spike rejection: delta=5 > threshold=3*1")
	}
	var spikeErr *PriceSpikeError
	if e, ok := err.(*PriceSpikeError); ok {
		spikeErr = e
	} else {
		t.Fatalf("expected *PriceSpikeError, got %T", err)
	}
	if spikeErr.Threshold != 3.0 {
		t.Errorf("Threshold = %v, want 3.0", spikeErr.Threshold)
	}
}

func TestCheckSpikeFallsBackToPercentWithoutATR(t *testing.T) {
	bar := types.Bar{Close: 110, High: 110, Low: 109, Open: 109.5, IsClosed: true}
	err := CheckSpike(bar, 100, true, nil, 3.0, 0.05)
	if err == nil {
		t.Fatal("expected spike rejection: delta=10 > threshold=0.05*100=5")
	}
}

func TestCheckSpikeNoneBeforeFirstPrice(t *testing.T) {
	bar := types.Bar{Close: 1000, High: 1000, Low: 999, Open: 999.5, IsClosed: true}
	if err := CheckSpike(bar, 0, false, nil, 3.0, 0.05); err != nil {
		t.Errorf("expected no spike check before a last price exists, got %v", err)
	}
}
