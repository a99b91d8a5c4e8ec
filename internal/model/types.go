package model

import "time"

// Status is a proposal lifecycle state.
type Status string

const (
	StatusProposed        Status = "PROPOSED"
	StatusSandboxDeployed Status = "SANDBOX_DEPLOYED"
	StatusTesting         Status = "TESTING"
	StatusTestsPassed     Status = "TESTS_PASSED"
	StatusTestsFailed     Status = "TESTS_FAILED"
	StatusApproved        Status = "APPROVED"
	StatusApplied         Status = "APPLIED"
	StatusRolledBack      Status = "ROLLED_BACK"
	StatusRejected        Status = "REJECTED"
	StatusUnfixable       Status = "UNFIXABLE"
)

// AllStatuses lists every lifecycle state in flow order.
var AllStatuses = []Status{
	StatusProposed,
	StatusSandboxDeployed,
	StatusTesting,
	StatusTestsPassed,
	StatusTestsFailed,
	StatusApproved,
	StatusApplied,
	StatusRolledBack,
	StatusRejected,
	StatusUnfixable,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, k := range AllStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// Level is shared by proposal risk, proposal priority and event severity.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelRank maps a level to a comparable integer.
var LevelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// AtLeast reports whether l is the same as or more severe than other.
// Unknown levels rank as low.
func (l Level) AtLeast(other Level) bool {
	return LevelRank[l] >= LevelRank[other]
}

// Source tags where a proposal came from.
type Source string

const (
	SourceChat           Source = "chat"
	SourceSystemAnalysis Source = "system-analysis"
	SourceBugFix         Source = "bug-fix"
)

// ChangeAction says whether a file change creates or replaces a file.
type ChangeAction string

const (
	ChangeCreate ChangeAction = "create"
	ChangeModify ChangeAction = "modify"
)

// FileChange is one file a proposal writes. Content is the full new content.
type FileChange struct {
	Path      string       `json:"path" validate:"required,max=512"`
	Content   string       `json:"content" validate:"max=1048576"`
	Action    ChangeAction `json:"action" validate:"omitempty,oneof=create modify"`
	Reason    string       `json:"reason,omitempty"`
	BackupRef string       `json:"backup_ref,omitempty"`
}

// TestReason explains why a stage did not pass.
type TestReason string

const (
	ReasonNone    TestReason = ""
	ReasonFailed  TestReason = "failed"
	ReasonTimeout TestReason = "timeout"
	ReasonError   TestReason = "error"
)

// TestResult is the outcome of one test stage. Never mutated after recording.
type TestResult struct {
	Stage    string        `json:"stage"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	Output   string        `json:"output,omitempty"`
	Reason   TestReason    `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempt  int           `json:"attempt"`
}

// TestGroup is every stage result from one test run.
type TestGroup struct {
	Attempt    int          `json:"attempt"`
	Passed     bool         `json:"passed"`
	Results    []TestResult `json:"results"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Failures returns the results that did not pass and were not skipped.
func (g TestGroup) Failures() []TestResult {
	var out []TestResult
	for _, r := range g.Results {
		if !r.Passed && !r.Skipped {
			out = append(out, r)
		}
	}
	return out
}

// FixAttempt summarizes one auto-fix iteration.
type FixAttempt struct {
	Number      int       `json:"number"`
	Category    string    `json:"category"`
	RootCause   string    `json:"root_cause,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Files       []string  `json:"files,omitempty"`
	Outcome     string    `json:"outcome"`
	At          time.Time `json:"at"`
}

// Proposal is a persisted, AI-originated set of source changes.
type Proposal struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Status          Status            `json:"status"`
	Files           []FileChange      `json:"files"`
	RiskLevel       Level             `json:"risk_level"`
	Priority        Level             `json:"priority"`
	Source          Source            `json:"source"`
	Attempts        []TestGroup       `json:"attempts,omitempty"`
	FixHistory      []FixAttempt      `json:"fix_history,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedBy       string            `json:"created_by,omitempty"`
	ApprovedBy      string            `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	SnapshotID      string            `json:"snapshot_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Paths returns the file paths the proposal touches, in order.
func (p *Proposal) Paths() []string {
	out := make([]string, len(p.Files))
	for i, f := range p.Files {
		out[i] = f.Path
	}
	return out
}

// LastGroup returns the most recent test group, or nil.
func (p *Proposal) LastGroup() *TestGroup {
	if len(p.Attempts) == 0 {
		return nil
	}
	return &p.Attempts[len(p.Attempts)-1]
}

// RecordGroup appends a test group and stamps UpdatedAt.
func (p *Proposal) RecordGroup(g TestGroup) {
	p.Attempts = append(p.Attempts, g)
	p.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Files = append([]FileChange(nil), p.Files...)
	c.Attempts = make([]TestGroup, len(p.Attempts))
	for i, g := range p.Attempts {
		g.Results = append([]TestResult(nil), g.Results...)
		c.Attempts[i] = g
	}
	c.FixHistory = append([]FixAttempt(nil), p.FixHistory...)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		c.ApprovedAt = &t
	}
	return &c
}

// SandboxStatus is the lifecycle of a sandbox environment.
type SandboxStatus string

const (
	SandboxCreated SandboxStatus = "created"
	SandboxReady   SandboxStatus = "ready"
	SandboxRunning SandboxStatus = "running"
	SandboxCleaned SandboxStatus = "cleaned"
)

// SandboxEnvironment describes an isolated working copy for one proposal.
type SandboxEnvironment struct {
	ID         string        `json:"id"`
	ProposalID string        `json:"proposal_id"`
	Root       string        `json:"root"`
	WorkDir    string        `json:"work_dir"`
	EnvDir     string        `json:"env_dir"`
	LogDir     string        `json:"log_dir"`
	Status     SandboxStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// EventType classifies a security event.
type EventType string

const (
	EventInjectionAttempt EventType = "injection-attempt"
	EventSecretLeak       EventType = "secret-leak"
	EventJailbreakPattern EventType = "jailbreak-pattern"
	EventImageTextAnomaly EventType = "image-text-anomaly"
	EventOutputDiscarded  EventType = "output-discarded"
)

// EventAction records what the gate did.
type EventAction string

const (
	EventFlagged   EventAction = "flagged"
	EventBlocked   EventAction = "blocked"
	EventRedacted  EventAction = "redacted"
	EventDiscarded EventAction = "discarded"
)

// SecurityEvent is one gate finding. Patterns holds the matched pattern
// text, never the original payload.
type SecurityEvent struct {
	ID        string      `json:"id"`
	Timestamp string      `json:"ts"`
	Type      EventType   `json:"type"`
	Severity  Level       `json:"severity"`
	Action    EventAction `json:"action"`
	SessionID string      `json:"session_id,omitempty"`
	Score     int         `json:"score"`
	Patterns  []string    `json:"patterns,omitempty"`
	PrevHash  string      `json:"prev_hash"`
}

func nowUTC() time.Time { return time.Now().UTC() }
