package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ppiankov/changegate/internal/model"
)

func countingServer(t *testing.T, status func(n int32) int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status(calls.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func ok(int32) int { return http.StatusOK }

func TestNotifyMatchesEventTypes(t *testing.T) {
	srv1, calls1 := countingServer(t, ok)
	srv2, calls2 := countingServer(t, ok)

	d := NewDispatcher([]Config{
		{URL: srv1.URL, Format: "generic", Events: []string{EventDeployFailed}},
		{URL: srv2.URL, Format: "slack", Events: []string{EventDeployFailed, EventUnfixable}},
	}, nil)

	d.Notify(Event{Type: EventDeployFailed, ProposalID: "p1", Severity: "critical"})
	d.Notify(Event{Type: EventUnfixable, ProposalID: "p2", Severity: "high"})
	d.Notify(Event{Type: EventDeployed, ProposalID: "p3", Severity: "low"})
	d.Close()

	if calls1.Load() != 1 {
		t.Errorf("expected 1 call to first webhook, got %d", calls1.Load())
	}
	if calls2.Load() != 2 {
		t.Errorf("expected 2 calls to second webhook, got %d", calls2.Load())
	}
}

func TestNilDispatcherDropsEvents(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher for empty configs")
	}
	d.Notify(Event{Type: EventDeployFailed})
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	srv, calls := countingServer(t, func(n int32) int {
		if n < 3 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})

	err := send(context.Background(), srv.Client(), 0, Config{URL: srv.URL}, Event{Type: EventDeployFailed})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendNoRetryOnClientError(t *testing.T) {
	srv, calls := countingServer(t, func(int32) int { return http.StatusBadRequest })

	err := send(context.Background(), srv.Client(), 0, Config{URL: srv.URL}, Event{Type: EventDeployFailed})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", calls.Load())
	}
}

func TestFormatPayloads(t *testing.T) {
	ev := Event{
		Timestamp:  "2026-03-01T12:00:00Z",
		Type:       EventDeployFailed,
		ProposalID: "p1",
		Title:      "Fix handler",
		Severity:   "critical",
		Reason:     "write app/main.py: permission denied",
	}

	data, err := FormatPayload("generic", ev)
	if err != nil {
		t.Fatal(err)
	}
	var generic Event
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if generic != ev {
		t.Errorf("expected %+v, got %+v", ev, generic)
	}

	data, err = FormatPayload("slack", ev)
	if err != nil {
		t.Fatal(err)
	}
	var slack map[string]any
	if err := json.Unmarshal(data, &slack); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, _ := slack["blocks"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %v", header["type"])
	}

	data, err = FormatPayload("pagerduty", ev)
	if err != nil {
		t.Fatal(err)
	}
	var pd map[string]any
	if err := json.Unmarshal(data, &pd); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}
	payload, _ := pd["payload"].(map[string]any)
	if payload["severity"] != "critical" || payload["source"] != "changegate" {
		t.Errorf("unexpected pagerduty payload %v", payload)
	}
}

type recorder struct {
	events []model.SecurityEvent
	err    error
}

func (r *recorder) Record(ev model.SecurityEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestSinkRaisesBlocked(t *testing.T) {
	srv, calls := countingServer(t, ok)
	d := NewDispatcher([]Config{{URL: srv.URL, Events: []string{EventBlocked}}}, nil)
	next := &recorder{err: errors.New("disk full")}
	s := NewSink(next, d)

	if err := s.Record(model.SecurityEvent{Type: model.EventInjectionAttempt, Action: model.EventBlocked, Severity: model.LevelHigh}); err == nil {
		t.Error("expected the underlying error to be returned")
	}
	if err := s.Record(model.SecurityEvent{Type: model.EventInjectionAttempt, Action: model.EventFlagged, Severity: model.LevelLow}); err == nil {
		t.Error("expected the underlying error to be returned")
	}
	d.Close()

	if len(next.events) != 2 {
		t.Errorf("expected both events forwarded, got %d", len(next.events))
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 webhook call for the blocked event, got %d", calls.Load())
	}
	if NewSink(next, nil) != Recorder(next) {
		t.Error("expected nil dispatcher to return the next recorder")
	}
}
