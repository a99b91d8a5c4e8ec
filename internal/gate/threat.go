package gate

import (
	"sync"
	"time"
)

// ThreatLevel grades accumulated per-session risk.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

const (
	maxThreatEvents = 50
	maxThreatScores = 10
	escalationSpan  = 5 * time.Minute
)

// ThreatEvent is one scored input within a session.
type ThreatEvent struct {
	At       time.Time `json:"at"`
	Score    int       `json:"score"`
	Blocked  bool      `json:"blocked"`
	Patterns []string  `json:"patterns,omitempty"`
}

// ThreatContext is the accumulated risk signal for one session.
type ThreatContext struct {
	SessionID  string        `json:"session_id"`
	Cumulative float64       `json:"cumulative"`
	Scores     []int         `json:"scores"`
	Events     []ThreatEvent `json:"events"`
	Blocks     int           `json:"blocks"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
}

// Assessment is the tracker's view after an observation.
type Assessment struct {
	Level       ThreatLevel
	Cumulative  float64
	Escalating  bool
	ShouldBlock bool
	Reason      string
}

// Tracker keeps a ThreatContext per session id. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*ThreatContext
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*ThreatContext),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Observe folds one scored input into the session and assesses it.
// An empty session id is never tracked.
func (t *Tracker) Observe(sessionID string, score int, blocked bool, patterns []string) Assessment {
	if sessionID == "" {
		return Assessment{Level: ThreatNone}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	tc, ok := t.sessions[sessionID]
	if !ok {
		tc = &ThreatContext{SessionID: sessionID, FirstSeen: now}
		t.sessions[sessionID] = tc
	}
	tc.LastSeen = now
	tc.Cumulative = tc.Cumulative*0.7 + float64(score)*0.3

	tc.Scores = append(tc.Scores, score)
	if len(tc.Scores) > maxThreatScores {
		tc.Scores = tc.Scores[len(tc.Scores)-maxThreatScores:]
	}
	if score > 0 {
		tc.Events = append(tc.Events, ThreatEvent{At: now, Score: score, Blocked: blocked, Patterns: patterns})
		if len(tc.Events) > maxThreatEvents {
			tc.Events = tc.Events[len(tc.Events)-maxThreatEvents:]
		}
	}
	if blocked {
		tc.Blocks++
	}

	return assess(tc, now)
}

// Get returns a copy of the session context.
func (t *Tracker) Get(sessionID string) (ThreatContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.sessions[sessionID]
	if !ok {
		return ThreatContext{}, false
	}
	c := *tc
	c.Scores = append([]int(nil), tc.Scores...)
	c.Events = append([]ThreatEvent(nil), tc.Events...)
	return c, true
}

// Reset drops the session's context on teardown.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func assess(tc *ThreatContext, now time.Time) Assessment {
	a := Assessment{Cumulative: tc.Cumulative, Level: levelFor(tc)}
	a.Escalating = escalating(tc, now)

	switch {
	case a.Level == ThreatCritical:
		a.ShouldBlock, a.Reason = true, "critical session threat level"
	case tc.Blocks > 5:
		a.ShouldBlock, a.Reason = true, "too many blocked requests in session"
	case a.Escalating && a.Level == ThreatHigh:
		a.ShouldBlock, a.Reason = true, "escalating attack pattern"
	case tc.Cumulative > 85:
		a.ShouldBlock, a.Reason = true, "cumulative session score too high"
	}
	return a
}

func levelFor(tc *ThreatContext) ThreatLevel {
	if tc.Blocks > 3 {
		return ThreatCritical
	}
	switch c := tc.Cumulative; {
	case c >= 80:
		return ThreatCritical
	case c >= 60:
		return ThreatHigh
	case c >= 40:
		return ThreatMedium
	case c >= 20:
		return ThreatLow
	}
	return ThreatNone
}

// escalating detects gradual multi-turn attacks: five rising scores, three
// high scores among the last five, or a burst of high events.
func escalating(tc *ThreatContext, now time.Time) bool {
	if n := len(tc.Scores); n >= 5 {
		last := tc.Scores[n-5:]
		rising := true
		high := 0
		for i, s := range last {
			if i > 0 && s <= last[i-1] {
				rising = false
			}
			if s > 60 {
				high++
			}
		}
		if rising || high >= 3 {
			return true
		}
	}

	burst := 0
	for _, ev := range tc.Events {
		if ev.Score > 50 && now.Sub(ev.At) <= escalationSpan {
			burst++
		}
	}
	return burst >= 3
}
