// Package sink delivers emitted signals to external destinations:
// stdout, a local file, or a webhook. Every sink is fire-and-forget from
// the emitter's perspective; a failing sink never blocks or rolls back
// the others.
package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"breakout-engine/internal/types"
)

// wirePayload mirrors the external Signal JSON contract exactly: armed_at
// and triggered_at are rendered as ISO-8601 UTC strings (or null), never
// as raw epoch milliseconds.
type wirePayload struct {
	PlanID  string `json:"plan_id"`
	State   string `json:"state"`
	Runtime struct {
		ArmedAt       *string `json:"armed_at"`
		TriggeredAt   *string `json:"triggered_at"`
		InvalidReason string  `json:"invalid_reason"`
	} `json:"runtime"`
	LastPrice float64 `json:"last_price"`
	Metrics   struct {
		RVOL    *float64 `json:"rvol"`
		NATRPct *float64 `json:"natr_pct"`
		ATR     *float64 `json:"atr"`
		Pinbar  bool     `json:"pinbar"`
	} `json:"metrics"`
	StrengthScore int    `json:"strength_score"`
	ProtocolVer   string `json:"protocol_version"`
}

func toWire(sig types.Signal) wirePayload {
	w := wirePayload{
		PlanID:        sig.PlanID,
		State:         string(sig.State),
		LastPrice:     sig.LastPrice,
		StrengthScore: sig.StrengthScore,
		ProtocolVer:   sig.ProtocolVer,
	}
	w.Runtime.ArmedAt = msToISO8601(sig.Runtime.ArmedAt)
	w.Runtime.TriggeredAt = msToISO8601(sig.Runtime.TriggeredAt)
	w.Runtime.InvalidReason = sig.Runtime.InvalidReason
	w.Metrics.RVOL = sig.Metrics.RVOL
	w.Metrics.NATRPct = sig.Metrics.NATRPct
	w.Metrics.ATR = sig.Metrics.ATR
	w.Metrics.Pinbar = sig.Metrics.Pinbar
	return w
}

// msToISO8601 renders an epoch-millisecond timestamp as an ISO-8601 UTC
// string, or nil when ms itself is nil.
func msToISO8601(ms *int64) *string {
	if ms == nil {
		return nil
	}
	s := time.UnixMilli(*ms).UTC().Format(time.RFC3339)
	return &s
}

// Sink is one delivery destination for emitted signals.
type Sink interface {
	Send(sig types.Signal) error
	Name() string
	IsEnabled() bool
}

// Manager fans a signal out to every enabled sink, continuing past
// delivery failures and reporting the last one to the caller.
type Manager struct {
	sinks []Sink
}

// NewManager builds a fan-out manager over the given sinks.
func NewManager(sinks ...Sink) *Manager {
	return &Manager{sinks: sinks}
}

// Dispatch sends sig to every enabled sink and returns the last error
// seen, if any. Callers must treat this as informational: sink failures
// never roll back the store insert or affect plan state.
func (m *Manager) Dispatch(sig types.Signal) error {
	var lastErr error
	for _, s := range m.sinks {
		if !s.IsEnabled() {
			continue
		}
		if err := s.Send(sig); err != nil {
			lastErr = fmt.Errorf("sink %s: %w", s.Name(), err)
		}
	}
	return lastErr
}

// StdoutSink writes the signal JSON to an io.Writer (normally os.Stdout).
type StdoutSink struct {
	w       io.Writer
	enabled bool
}

// NewStdoutSink builds a StdoutSink writing to os.Stdout.
func NewStdoutSink(enabled bool) *StdoutSink {
	return &StdoutSink{w: os.Stdout, enabled: enabled}
}

func (s *StdoutSink) Name() string    { return "stdout" }
func (s *StdoutSink) IsEnabled() bool { return s.enabled }

func (s *StdoutSink) Send(sig types.Signal) error {
	data, err := json.Marshal(toWire(sig))
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = fmt.Fprintln(s.w, string(data))
	return err
}

// FileSink appends newline-delimited signal JSON to a file.
type FileSink struct {
	path    string
	enabled bool
}

// NewFileSink builds a FileSink that appends to path.
func NewFileSink(path string, enabled bool) *FileSink {
	return &FileSink{path: path, enabled: enabled}
}

func (s *FileSink) Name() string    { return "file" }
func (s *FileSink) IsEnabled() bool { return s.enabled }

func (s *FileSink) Send(sig types.Signal) error {
	data, err := json.Marshal(toWire(sig))
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// WebhookSink POSTs the signal JSON to a configured URL.
type WebhookSink struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookSink builds a WebhookSink posting to url with a bounded
// request timeout.
func NewWebhookSink(url string, enabled bool) *WebhookSink {
	return &WebhookSink{
		url:     url,
		enabled: enabled && url != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string    { return "webhook" }
func (s *WebhookSink) IsEnabled() bool { return s.enabled }

func (s *WebhookSink) Send(sig types.Signal) error {
	data, err := json.Marshal(toWire(sig))
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post to %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", s.url, resp.StatusCode)
	}
	return nil
}
