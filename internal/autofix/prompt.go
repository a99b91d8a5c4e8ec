package autofix

import (
	"fmt"
	"path"
	"strings"

	"github.com/ppiankov/changegate/internal/grounding"
	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/model"
)

// maxStageOutput caps each failing stage's output in the prompt.
const maxStageOutput = 4 << 10

const systemPrompt = "You repair failing changes to an existing, working codebase. " +
	"Answer with a single JSON object and nothing else."

const responseFormat = `## Response format
Answer with one JSON object:
{
  "unfixable": false,
  "reason": "root cause of the failure",
  "explanation": "what the fix changes and why it resolves the failure",
  "changes": [
    {"file": "path/to/file.py", "action": "modify", "code": "complete corrected file content", "reason": "why this file changes"}
  ]
}
Each "code" value is the complete file, never a fragment or a placeholder.
Set "unfixable" to true only when the failure needs something outside the codebase.`

// failureReport renders the parts of the repair request that came from
// test output or earlier model answers. It is screened by the input gate.
func failureReport(failures []model.TestResult, history []model.FixAttempt) string {
	var b strings.Builder
	b.WriteString("## Failing stages\n")
	for _, f := range failures {
		reason := string(f.Reason)
		if reason == "" {
			reason = "failed"
		}
		fmt.Fprintf(&b, "### %s (%s)\n```\n%s\n```\n", f.Stage, reason, llm.Truncate(strings.TrimSpace(f.Output), maxStageOutput))
	}
	if len(history) > 0 {
		fmt.Fprintf(&b, "\n## Previous attempts, do not repeat (%d)\n", len(history))
		for _, h := range history {
			fmt.Fprintf(&b, "- Attempt %d [%s] outcome %s", h.Number, h.Category, h.Outcome)
			if h.Explanation != "" {
				fmt.Fprintf(&b, ": %s", llm.Truncate(h.Explanation, 500))
			}
			if len(h.Files) > 0 {
				fmt.Fprintf(&b, " (files: %s)", strings.Join(h.Files, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// buildPrompt assembles the full repair request. report must already have
// passed the input gate.
func buildPrompt(p *model.Proposal, d Diagnosis, report string, pkg *grounding.Package) string {
	var b strings.Builder
	if pkg != nil {
		b.WriteString(pkg.Render())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## Proposal\nTitle: %s\n", p.Title)
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	fmt.Fprintf(&b, "Failure category: %s\nRoot cause hint: %s\n\n", d.Category, d.RootCause)
	b.WriteString(report)

	b.WriteString("\n## Current files\n")
	for _, f := range p.Files {
		fmt.Fprintf(&b, "### %s\n```%s\n%s\n```\n", f.Path, lang(f.Path), strings.TrimRight(f.Content, "\n"))
	}
	b.WriteString("\n")
	b.WriteString(responseFormat)
	b.WriteString("\n")
	return b.String()
}

func lang(p string) string {
	switch path.Ext(p) {
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return ""
}

// groundingCategory picks the context category for a repair. A category
// recorded at generation time wins; redis import failures get redis examples.
func groundingCategory(p *model.Proposal, d Diagnosis, report string) string {
	if c := p.Metadata["category"]; c != "" {
		return c
	}
	if d.Category == CategoryImport && strings.Contains(strings.ToLower(report), "redis") {
		return "redis"
	}
	return "general"
}
