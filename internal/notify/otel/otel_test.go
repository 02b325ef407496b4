package otel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// countingLogExporter implements sdklog.Exporter and counts exported records.
type countingLogExporter struct {
	mu      sync.Mutex
	count   atomic.Int64
	records []sdklog.Record
}

func (e *countingLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.count.Add(int64(len(records)))
	e.mu.Lock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	e.mu.Unlock()
	return nil
}

func (e *countingLogExporter) Shutdown(_ context.Context) error   { return nil }
func (e *countingLogExporter) ForceFlush(_ context.Context) error { return nil }

func (e *countingLogExporter) Records() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]sdklog.Record, len(e.records))
	copy(cp, e.records)
	return cp
}

// newTestSink uses a SimpleProcessor so export is synchronous.
func newTestSink(t *testing.T) (*Sink, *countingLogExporter) {
	t.Helper()
	exp := &countingLogExporter{}
	return newSink(sdklog.NewSimpleProcessor(exp), BuildResource("hidsward-test", nil)), exp
}

func attr(rec sdklog.Record, key string) (otellog.Value, bool) {
	var out otellog.Value
	found := false
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		if kv.Key == key {
			out, found = kv.Value, true
			return false
		}
		return true
	})
	return out, found
}

func TestSink_SendAlert(t *testing.T) {
	s, exp := newTestSink(t)
	defer s.Close()

	observed := time.Now().Add(-time.Second)
	ev := types.Event{
		ID:         "ev-1",
		Timestamp:  time.Now(),
		Type:       types.EventAlert,
		Address:    "203.0.113.5",
		Reason:     "ssh brute force",
		ObservedAt: &observed,
		IncidentID: 42,
	}
	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs := exp.Records()
	if len(recs) != 1 {
		t.Fatalf("exported = %d, want 1", len(recs))
	}
	rec := recs[0]
	if got := rec.Body().AsString(); got != "alert: 203.0.113.5: ssh brute force" {
		t.Errorf("body = %q", got)
	}
	if rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn", rec.Severity())
	}
	if v, ok := attr(rec, "source.address"); !ok || v.AsString() != "203.0.113.5" {
		t.Errorf("source.address = %v", v)
	}
	if v, ok := attr(rec, "hidsward.incident.id"); !ok || v.AsInt64() != 42 {
		t.Errorf("incident id = %v", v)
	}
}

func TestSink_StateChangeBody(t *testing.T) {
	exp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := types.Event{Type: types.EventBlockStateChange, Address: "1.2.3.4", NewState: types.StateBlocked, ExpiresAt: &exp}
	if got := eventBody(ev); got != "1.2.3.4 blocked until 2025-01-02T03:04:05Z" {
		t.Errorf("body = %q", got)
	}
	ev = types.Event{Type: types.EventBlockStateChange, Address: "1.2.3.4", NewState: types.StateUnblocked}
	if eventSeverity(ev) != otellog.SeverityInfo {
		t.Errorf("unblock should be info")
	}
	ev = types.Event{Type: types.EventWhitelistChange, Address: "1.2.3.4", Cause: "added"}
	if got := eventBody(ev); got != "whitelist added: 1.2.3.4" {
		t.Errorf("body = %q", got)
	}
}

func TestSink_CloseFlushes(t *testing.T) {
	s, exp := newTestSink(t)
	for i := 0; i < 3; i++ {
		_ = s.Send(context.Background(), types.Event{Type: types.EventAlert, Address: "1.1.1.1", Reason: "x"})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := exp.count.Load(); got != 3 {
		t.Errorf("exported = %d, want 3", got)
	}
}

func TestNewLogExporter_UnknownProtocol(t *testing.T) {
	if _, err := newLogExporter(context.Background(), Config{Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error")
	}
}
