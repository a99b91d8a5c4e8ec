package audit

import (
	"encoding/json"
	"errors"
	"io/fs"
	"time"

	"github.com/ppiankov/changegate/internal/model"
)

// Filter selects security events. Zero fields match everything.
type Filter struct {
	SessionID   string
	Type        model.EventType
	Action      model.EventAction
	MinSeverity model.Level
	From        time.Time // zero value = no lower bound
	To          time.Time // zero value = no upper bound
	Limit       int       // most recent N; 0 = all
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev model.SecurityEvent) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.MinSeverity != "" && !ev.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, ev.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

// Query reads the event log at path and returns matching events in log
// order. A missing log yields no events; malformed lines are skipped.
func Query(path string, filter Filter) ([]model.SecurityEvent, error) {
	var events []model.SecurityEvent
	err := scanLines(path, func(_ int, line []byte) error {
		var ev model.SecurityEvent
		if json.Unmarshal(line, &ev) == nil && filter.Match(ev) {
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}
	return events, nil
}

// Summary counts events by type and action.
type Summary struct {
	Total    int                       `json:"total"`
	ByType   map[model.EventType]int   `json:"by_type"`
	ByAction map[model.EventAction]int `json:"by_action"`
	First    string                    `json:"first,omitempty"`
	Last     string                    `json:"last,omitempty"`
}

// Summarize aggregates events for display.
func Summarize(events []model.SecurityEvent) Summary {
	s := Summary{
		ByType:   make(map[model.EventType]int),
		ByAction: make(map[model.EventAction]int),
	}
	for _, ev := range events {
		s.Total++
		s.ByType[ev.Type]++
		s.ByAction[ev.Action]++
		if s.First == "" {
			s.First = ev.Timestamp
		}
		s.Last = ev.Timestamp
	}
	return s
}
