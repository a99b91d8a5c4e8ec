package gate

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ppiankov/changegate/internal/model"
)

// secretPattern is one fixed-format secret shape.
type secretPattern struct {
	name     string
	re       *regexp.Regexp
	severity model.Level
	// group selects the submatch whose entropy is checked; 0 = whole match.
	group      int
	minEntropy float64
	// redact is false for findings that are reported but never rewritten.
	redact bool
	allow  func(match string) bool
}

var secretPatterns = []secretPattern{
	{name: "private_key", re: regexp.MustCompile(`(?s)-----BEGIN (?:RSA |EC |OPENSSH |DSA |)PRIVATE KEY-----.*?(?:-----END (?:RSA |EC |OPENSSH |DSA |)PRIVATE KEY-----|$)`), severity: model.LevelCritical, redact: true},
	{name: "anthropic_key", re: regexp.MustCompile(`sk-ant-api03-[A-Za-z0-9_\-]{80,}`), severity: model.LevelCritical, redact: true},
	{name: "openai_key", re: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9]{32,}`), severity: model.LevelHigh, redact: true},
	{name: "google_api_key", re: regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`), severity: model.LevelHigh, redact: true},
	{name: "aws_access_key", re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), severity: model.LevelHigh, redact: true},
	{name: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), severity: model.LevelHigh, redact: true},
	{name: "slack_token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), severity: model.LevelHigh, redact: true},
	{name: "jwt", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`), severity: model.LevelHigh, redact: true},
	{name: "connection_string", re: regexp.MustCompile(`\b(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|rediss|amqp)://[^\s:/@'"]+:[^\s@'"]+@[^\s'"]+`), severity: model.LevelCritical, redact: true},
	{name: "eth_private_key", re: regexp.MustCompile(`\b0x[a-fA-F0-9]{64}\b`), severity: model.LevelCritical, redact: true},
	{
		name:       "generic_secret",
		re:         regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret[_-]?key|secret|token|password|passwd)\s*[:=]\s*["']([^"'\s]{8,})["']`),
		severity:   model.LevelHigh,
		group:      1,
		minEntropy: 3.5,
		redact:     true,
	},
	{name: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), severity: model.LevelLow, redact: true, allow: isExampleEmail},
	{name: "credit_card", re: regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13})\b`), severity: model.LevelLow, redact: true},
	{name: "ssn", re: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), severity: model.LevelLow, redact: true},
}

// maliciousPatterns are destructive code shapes. Reported, not redacted.
var maliciousPatterns = []secretPattern{
	{name: "rm_root", re: regexp.MustCompile(`rm\s+-rf\s+/(?:\s|$|\*)`), severity: model.LevelHigh},
	{name: "pipe_to_shell", re: regexp.MustCompile(`(?:curl|wget)[^|\n]*\|\s*(?:sudo\s+)?(?:sh|bash|zsh)\b`), severity: model.LevelHigh},
	{name: "drop_table", re: regexp.MustCompile(`(?i)\bdrop\s+(?:table|database)\b`), severity: model.LevelHigh},
	{name: "shell_true", re: regexp.MustCompile(`shell\s*=\s*True`), severity: model.LevelHigh},
	{name: "fork_bomb", re: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`), severity: model.LevelHigh},
	{name: "chmod_world", re: regexp.MustCompile(`chmod\s+-R\s+777\s+/`), severity: model.LevelHigh},
}

// highEntropyToken finds standalone tokens long enough to be secrets.
var highEntropyToken = regexp.MustCompile(`[A-Za-z0-9+/=_\-]{32,}`)

const (
	highEntropyMin = 4.5

	// DefaultMaxRedactionRatio discards output when this share of bytes was redacted.
	DefaultMaxRedactionRatio = 0.2
)

// Finding is one output match.
type Finding struct {
	Name     string
	Severity model.Level
	Redacted bool
}

// OutputResult is the filtered model output.
type OutputResult struct {
	Text     string
	Findings []Finding
	Ratio    float64
	Severity model.Level
	Discard  bool
}

// Redacted reports whether any bytes were rewritten.
func (r OutputResult) Redacted() bool {
	for _, f := range r.Findings {
		if f.Redacted {
			return true
		}
	}
	return false
}

// Names returns the distinct finding names in sorted order.
func (r OutputResult) Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range r.Findings {
		if !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Malicious reports whether a destructive code pattern was found.
func (r OutputResult) Malicious() bool {
	for _, f := range r.Findings {
		if !f.Redacted && f.Severity == model.LevelHigh {
			return true
		}
	}
	return false
}

// OutputConfig tunes the output gate.
type OutputConfig struct {
	MaxRedactionRatio float64
	DiscardSeverity   model.Level
}

// OutputGate redacts secrets from model output and decides whether the
// whole response must be discarded.
type OutputGate struct {
	maxRatio        float64
	discardSeverity model.Level
}

// NewOutputGate creates an output gate. Zero config values take defaults.
func NewOutputGate(cfg OutputConfig) *OutputGate {
	g := &OutputGate{maxRatio: cfg.MaxRedactionRatio, discardSeverity: cfg.DiscardSeverity}
	if g.maxRatio <= 0 {
		g.maxRatio = DefaultMaxRedactionRatio
	}
	if g.discardSeverity == "" {
		g.discardSeverity = model.LevelCritical
	}
	return g
}

// Filter scans text, replaces secrets with [REDACTED:<name>] and computes
// the discard decision.
func (g *OutputGate) Filter(text string) OutputResult {
	res := OutputResult{Text: text, Severity: model.LevelLow}
	if text == "" {
		return res
	}

	redactedBytes := 0
	out := text
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(m string) string {
			if p.allow != nil && p.allow(m) {
				return m
			}
			if p.minEntropy > 0 {
				value := m
				if p.group > 0 {
					if sub := p.re.FindStringSubmatch(m); len(sub) > p.group {
						value = sub[p.group]
					}
				}
				if Entropy(value) < p.minEntropy {
					return m
				}
			}
			redactedBytes += len(m)
			res.add(Finding{Name: p.name, Severity: p.severity, Redacted: true})
			return "[REDACTED:" + p.name + "]"
		})
	}

	out = highEntropyToken.ReplaceAllStringFunc(out, func(m string) string {
		if strings.Contains(m, "REDACTED") || !looksRandom(m) {
			return m
		}
		redactedBytes += len(m)
		res.add(Finding{Name: "high_entropy", Severity: model.LevelMedium, Redacted: true})
		return "[REDACTED:high_entropy]"
	})

	for _, p := range maliciousPatterns {
		if p.re.MatchString(out) {
			res.add(Finding{Name: p.name, Severity: p.severity})
		}
	}

	res.Text = out
	res.Ratio = float64(redactedBytes) / float64(len(text))
	if res.Ratio >= g.maxRatio {
		res.Discard = true
	}
	for _, f := range res.Findings {
		if f.Redacted && f.Severity.AtLeast(g.discardSeverity) {
			res.Discard = true
		}
	}
	return res
}

func (r *OutputResult) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if model.LevelRank[f.Severity] > model.LevelRank[r.Severity] {
		r.Severity = f.Severity
	}
}

// looksRandom requires mixed case, a digit and high entropy so that long
// identifiers and hex digests are left alone.
func looksRandom(tok string) bool {
	var upper, lower, digit bool
	for _, r := range tok {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit && Entropy(tok) >= highEntropyMin
}

func isExampleEmail(m string) bool {
	at := strings.LastIndex(m, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(m[at+1:])
	for _, d := range []string{"example.com", "example.org", "example.net", "localhost.localdomain"} {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
