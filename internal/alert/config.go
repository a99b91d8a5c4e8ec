package alert

// Event types a webhook can subscribe to.
const (
	EventDeployFailed = "deploy_failed"
	EventDeployed     = "deployed"
	EventRolledBack   = "rolled_back"
	EventUnfixable    = "unfixable"
	EventBlocked      = "security_blocked"
)

// Config defines a webhook destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // e.g. ["deploy_failed", "unfixable"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp  string `json:"timestamp"`
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Severity   string `json:"severity"` // low, medium, high, critical
	Reason     string `json:"reason,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}
