package sink

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"breakout-engine/internal/types"
)

func sampleSignal() types.Signal {
	return types.Signal{
		PlanID:        "plan-1",
		State:         types.SignalTriggered,
		TimestampMs:   60000,
		LastPrice:     100.7,
		StrengthScore: 65,
		ProtocolVer:   types.ProtocolVersion,
	}
}

type recordingSink struct {
	name    string
	enabled bool
	sendErr error
	sent    []types.Signal
}

func (r *recordingSink) Name() string    { return r.name }
func (r *recordingSink) IsEnabled() bool { return r.enabled }
func (r *recordingSink) Send(sig types.Signal) error {
	r.sent = append(r.sent, sig)
	return r.sendErr
}

func TestStdoutSinkWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	s := &StdoutSink{w: &buf, enabled: true}
	if err := s.Send(sampleSignal()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode written json: %v", err)
	}
	if decoded["plan_id"] != "plan-1" {
		t.Errorf("plan_id = %v, want plan-1", decoded["plan_id"])
	}
	if decoded["protocol_version"] != "breakout-v1" {
		t.Errorf("protocol_version = %v, want breakout-v1", decoded["protocol_version"])
	}
}

func TestFileSinkAppends(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "signals-*.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()

	s := NewFileSink(path, true)
	if err := s.Send(sampleSignal()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(sampleSignal()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
}

func TestWebhookSinkPostsAndHandlesStatus(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := NewWebhookSink(ts.URL, true)
	if err := s.Send(sampleSignal()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected webhook to receive a request body")
	}
}

func TestWebhookSinkDisabledWithoutURL(t *testing.T) {
	s := NewWebhookSink("", true)
	if s.IsEnabled() {
		t.Error("expected webhook sink disabled with empty URL")
	}
}

func TestManagerDispatchContinuesPastFailure(t *testing.T) {
	failing := &recordingSink{name: "failing", enabled: true, sendErr: errBoom}
	ok := &recordingSink{name: "ok", enabled: true}
	disabled := &recordingSink{name: "disabled", enabled: false}

	m := NewManager(failing, ok, disabled)
	err := m.Dispatch(sampleSignal())
	if err == nil {
		t.Fatal("expected the manager to surface the failing sink's error")
	}
	if len(failing.sent) != 1 {
		t.Error("expected failing sink to have been invoked")
	}
	if len(ok.sent) != 1 {
		t.Error("expected ok sink to still be dispatched despite the earlier failure")
	}
	if len(disabled.sent) != 0 {
		t.Error("expected disabled sink to never be invoked")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }
