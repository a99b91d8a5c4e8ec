package gate

import (
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/changegate/internal/model"
)

// Verdict is the input gate decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictFlag  Verdict = "flag"
	VerdictBlock Verdict = "block"
)

// Default thresholds. A score at or above the block threshold is blocked.
const (
	DefaultBlockThreshold = 30
	StrictBlockThreshold  = 20
	invisibleWeight       = 10
	maxScore              = 100
)

// Match is one pattern hit.
type Match struct {
	Category string
	Pattern  string
	Text     string
}

// Detection is the result of inspecting one input.
type Detection struct {
	Sanitized  string
	Score      int
	Severity   model.Level
	Verdict    Verdict
	Event      model.EventType
	Matches    []Match
	Invisible  int
	Categories []string
}

// MatchedText returns the matched fragments, used for event records.
func (d Detection) MatchedText() []string {
	out := make([]string, 0, len(d.Matches)+1)
	for _, m := range d.Matches {
		out = append(out, m.Category+": "+m.Text)
	}
	if d.Invisible > 0 {
		out = append(out, "invisible_characters")
	}
	return out
}

// InputConfig tunes the input gate.
type InputConfig struct {
	BlockThreshold int
	Strict         bool
}

// InputGate normalizes text and scores it against the corpus.
// Safe for concurrent use; SetCorpus swaps patterns atomically.
type InputGate struct {
	mu        sync.RWMutex
	cats      []compiledCategory
	threshold int
}

// NewInputGate compiles corpus (nil = default) into an input gate.
func NewInputGate(corpus *Corpus, cfg InputConfig) (*InputGate, error) {
	g := &InputGate{threshold: cfg.BlockThreshold}
	if g.threshold <= 0 {
		g.threshold = DefaultBlockThreshold
	}
	if cfg.Strict && g.threshold > StrictBlockThreshold {
		g.threshold = StrictBlockThreshold
	}
	if err := g.SetCorpus(corpus); err != nil {
		return nil, err
	}
	return g, nil
}

// SetCorpus replaces the active pattern corpus.
func (g *InputGate) SetCorpus(corpus *Corpus) error {
	if corpus == nil {
		corpus = DefaultCorpus()
	}
	cats, err := corpus.compile()
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.cats = cats
	g.mu.Unlock()
	return nil
}

// Threshold returns the block threshold in effect.
func (g *InputGate) Threshold() int { return g.threshold }

// Inspect scores text against every category except those in skip.
func (g *InputGate) Inspect(text string, skip ...string) Detection {
	clean, removed := Normalize(text)
	lower := strings.ToLower(clean)

	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	d := Detection{
		Sanitized: clean,
		Invisible: removed,
		Event:     model.EventInjectionAttempt,
	}
	score := removed * invisibleWeight
	hitCats := map[string]bool{}

	g.mu.RLock()
	cats := g.cats
	g.mu.RUnlock()

	for _, cat := range cats {
		if skipped[cat.Name] {
			continue
		}
		for _, re := range cat.res {
			loc := re.FindStringIndex(lower)
			if loc == nil {
				continue
			}
			score += cat.Weight
			d.Matches = append(d.Matches, Match{
				Category: cat.Name,
				Pattern:  re.String(),
				Text:     lower[loc[0]:loc[1]],
			})
			if !hitCats[cat.Name] {
				hitCats[cat.Name] = true
				d.Categories = append(d.Categories, cat.Name)
			}
			if cat.Event == model.EventJailbreakPattern {
				d.Event = model.EventJailbreakPattern
			}
		}
	}
	sort.Strings(d.Categories)

	if score > maxScore {
		score = maxScore
	}
	d.Score = score
	d.Severity = SeverityFor(score)

	switch {
	case score >= g.threshold:
		d.Verdict = VerdictBlock
	case score > 0:
		d.Verdict = VerdictFlag
	default:
		d.Verdict = VerdictAllow
	}
	return d
}

// SeverityFor maps a 0-100 risk score to a severity band.
func SeverityFor(score int) model.Level {
	switch {
	case score >= 70:
		return model.LevelCritical
	case score >= 50:
		return model.LevelHigh
	case score >= 30:
		return model.LevelMedium
	default:
		return model.LevelLow
	}
}
