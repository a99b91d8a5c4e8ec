package gate

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/changegate/internal/model"
)

// Category groups injection patterns that share a weight.
type Category struct {
	Name     string          `yaml:"name"`
	Weight   int             `yaml:"weight"`
	Event    model.EventType `yaml:"event"`
	Patterns []string        `yaml:"patterns"`
}

// Corpus is the set of weighted injection and jailbreak patterns.
type Corpus struct {
	Categories []Category `yaml:"categories"`
}

type compiledCategory struct {
	Category
	res []*regexp.Regexp
}

// Category names used by the default corpus.
const (
	CatInstructionOverride = "instruction_override"
	CatSystemManipulation  = "system_manipulation"
	CatJailbreak           = "jailbreak"
	CatInfoExtraction      = "info_extraction"
	CatContextPoison       = "context_poison"
	CatCodeExecution       = "code_execution"
)

// DefaultCorpus returns the built-in pattern corpus. Patterns are matched
// against lower-cased, normalized text.
func DefaultCorpus() *Corpus {
	return &Corpus{Categories: []Category{
		{
			Name:   CatInstructionOverride,
			Weight: 35,
			Event:  model.EventInjectionAttempt,
			Patterns: []string{
				`ignore\s+(all\s+)?(the\s+)?(previous|prior|above|earlier|your)\s+(instructions?|prompts?|rules?|directions?)`,
				`disregard\s+(all\s+)?(the\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|guidelines)`,
				`forget\s+(all\s+)?(the\s+)?(previous|prior|your)\s+(instructions?|rules?|training)`,
				`override\s+(your\s+|the\s+)?(instructions?|rules?|programming|guidelines|safety)`,
				`skip\s+(all\s+)?(the\s+)?(safety|security)\s+(checks?|rules?|filters?)`,
				`new\s+instructions?\s*:`,
			},
		},
		{
			Name:   CatSystemManipulation,
			Weight: 30,
			Event:  model.EventInjectionAttempt,
			Patterns: []string{
				`\byou\s+are\s+now\s+(a|an|my|in|no\s+longer)\b`,
				`\bact\s+as\s+(if\s+you|an?\s+(unrestricted|unfiltered|evil|different|hacker|admin|root)\b)`,
				`\bpretend\s+(to\s+be|you\s+are)\b`,
				`\brole\s*-?\s*play\s+as\b`,
				`\bfrom\s+now\s+on,?\s+(you|your|ignore|always)\b`,
				`\bgoing\s+forward,?\s+(you|ignore)\b`,
				`\bnew\s+system\s+prompt\b`,
			},
		},
		{
			Name:   CatJailbreak,
			Weight: 40,
			Event:  model.EventJailbreakPattern,
			Patterns: []string{
				`\bdan\s+mode\b`,
				`\bdeveloper\s+mode\s+(enabled|on|activated)\b`,
				`\bdo\s+anything\s+now\b`,
				`\bbypass\s+(your\s+|all\s+|the\s+)?(restrictions?|filters?|safety|guardrails?|content\s+polic(y|ies))`,
				`\bdisable\s+(your\s+|all\s+|the\s+)?(safety\s+)?(filters?|guardrails?|restrictions?)`,
				`\bjailbr(eak|oken)(ed|ing)?\b`,
				`\buncensored\s+mode\b`,
			},
		},
		{
			Name:   CatInfoExtraction,
			Weight: 30,
			Event:  model.EventInjectionAttempt,
			Patterns: []string{
				`\b(reveal|show|print|display|output|repeat|leak)\s+(me\s+)?(your\s+|the\s+)?(system\s+prompt|initial\s+instructions|hidden\s+instructions)`,
				`\b(reveal|show|print|display|output|leak|dump|give\s+me|tell\s+me|send\s+me)\s+(me\s+)?(your\s+|the\s+|all\s+|any\s+)?(api[\s_-]?keys?|secret\s+keys?|access\s+tokens?|private\s+keys?|passwords?|credentials)\b`,
				`\b(print|dump|show|list|echo)\s+(all\s+)?(the\s+)?env(ironment)?\s+variables\b`,
				`\b(show|cat|print|read|display|dump)\s+(me\s+)?(the\s+)?\.env\b`,
				`\btell\s+me\s+your\s+password\b`,
			},
		},
		{
			Name:   CatContextPoison,
			Weight: 45,
			Event:  model.EventInjectionAttempt,
			Patterns: []string{
				`\[(system|admin|root)\]`,
				`<\|im_start\|>`,
				`<\|im_end\|>`,
				`<\|(system|endoftext)\|>`,
				`###\s*(system|instructions?)\s*:`,
			},
		},
		{
			Name:   CatCodeExecution,
			Weight: 50,
			Event:  model.EventInjectionAttempt,
			Patterns: []string{
				`\b(execute|run)\s+(this|the\s+following|arbitrary)\s+(code|commands?|script|shell)\b`,
				`\beval\s*\(`,
				`\bexec\s*\(`,
				`__import__\s*\(`,
				`\bsubprocess\.`,
				`\bos\.system\s*\(`,
			},
		},
	}}
}

// LoadCorpus reads a corpus from YAML. Falls back to the default if the
// file doesn't exist.
func LoadCorpus(path string) (*Corpus, error) {
	if path == "" {
		return DefaultCorpus(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCorpus(), nil
		}
		return nil, fmt.Errorf("gate: read corpus: %w", err)
	}

	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("gate: parse corpus: %w", err)
	}
	if len(c.Categories) == 0 {
		return DefaultCorpus(), nil
	}
	if _, err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Corpus) compile() ([]compiledCategory, error) {
	out := make([]compiledCategory, 0, len(c.Categories))
	for _, cat := range c.Categories {
		cc := compiledCategory{Category: cat}
		if cc.Event == "" {
			cc.Event = model.EventInjectionAttempt
		}
		for _, p := range cat.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("gate: category %s: bad pattern %q: %w", cat.Name, p, err)
			}
			cc.res = append(cc.res, re)
		}
		out = append(out, cc)
	}
	return out, nil
}
