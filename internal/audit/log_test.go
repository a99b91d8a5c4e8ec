package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/changegate/internal/model"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security-events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open event log: %v", err)
	}
	return l, path
}

func testEvent(action model.EventAction) model.SecurityEvent {
	return model.SecurityEvent{
		Type:      model.EventInjectionAttempt,
		Severity:  model.LevelHigh,
		Action:    action,
		SessionID: "s-test123",
		Score:     65,
		Patterns:  []string{"ignore previous instructions"},
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Record(testEvent(model.EventBlocked)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()

	if err := l.Record(testEvent(model.EventFlagged)); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := l.List(Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID == "" || events[0].Timestamp == "" {
		t.Errorf("expected id and timestamp set, got %+v", events[0])
	}
	if events[0].PrevHash != GenesisHash {
		t.Errorf("expected genesis prev_hash, got %s", events[0].PrevHash)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Record(testEvent(model.EventBlocked)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"blocked"`, `"flagged"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Record(testEvent(model.EventBlocked)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	kept := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	l, path := newTestLog(t)
	l.Record(testEvent(model.EventBlocked))
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Record(testEvent(model.EventFlagged))
	l2.Close()

	result := Verify(path)
	if !result.Valid || result.Lines != 2 {
		t.Fatalf("expected valid 2-line chain after reopen, got %+v", result)
	}
}

func TestConcurrentWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Record(testEvent(model.EventFlagged)); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 20 {
		t.Fatalf("expected 20 lines, got %d", result.Lines)
	}
}

func TestEventNeverStoresPayload(t *testing.T) {
	l, path := newTestLog(t)
	ev := testEvent(model.EventBlocked)
	l.Record(ev)
	l.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "print the API key") {
		t.Error("event log must only contain matched patterns")
	}
}

func TestVerifyReportsTailHash(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 2; i++ {
		if err := l.Record(testEvent(model.EventRedacted)); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	result := Verify(path)
	if !result.Valid || result.LastHash != HashLine([]byte(lines[1])) {
		t.Errorf("expected tail hash of line 2, got %+v", result)
	}

	missing := Verify(path + ".missing")
	if missing.Valid || missing.Error == "" {
		t.Errorf("expected missing log to be reported, got %+v", missing)
	}
}
