package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ppiankov/changegate/internal/model"
)

var outputJSON bool

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

// printProposal writes a short human summary of p.
func printProposal(w io.Writer, p *model.Proposal) {
	fmt.Fprintf(w, "Proposal %s\n", p.ID)
	fmt.Fprintf(w, "  Title:    %s\n", p.Title)
	fmt.Fprintf(w, "  Status:   %s\n", p.Status)
	fmt.Fprintf(w, "  Risk:     %s  Priority: %s  Source: %s\n", p.RiskLevel, p.Priority, p.Source)
	fmt.Fprintf(w, "  Files:    %s\n", strings.Join(p.Paths(), ", "))
	if p.ApprovedBy != "" && p.ApprovedAt != nil {
		fmt.Fprintf(w, "  Approved: %s at %s\n", p.ApprovedBy, p.ApprovedAt.Format(time.RFC3339))
	}
	if p.RejectionReason != "" {
		fmt.Fprintf(w, "  Rejected: %s\n", p.RejectionReason)
	}
	if len(p.Attempts) > 0 {
		last := p.Attempts[len(p.Attempts)-1]
		verdict := "failed"
		if last.Passed {
			verdict = "passed"
		}
		fmt.Fprintf(w, "  Tests:    attempt %d %s\n", last.Attempt, verdict)
	}
	for _, f := range p.FixHistory {
		fmt.Fprintf(w, "  Fix %d:    [%s] %s (%s)\n", f.Number, f.Category, truncate(f.Explanation, 60), f.Outcome)
	}
	if len(p.Metadata) > 0 {
		for _, k := range []string{"deploy_error", "sandbox_error"} {
			if v := p.Metadata[k]; v != "" {
				fmt.Fprintf(w, "  %s: %s\n", k, v)
			}
		}
	}
}

func printResults(w io.Writer, results []model.TestResult) {
	fmt.Fprintf(w, "%-12s %-8s %-8s %s\n", "STAGE", "RESULT", "TIME", "DETAIL")
	for _, r := range results {
		res := "pass"
		switch {
		case r.Skipped:
			res = "skip"
		case !r.Passed:
			res = "FAIL"
		}
		detail := string(r.Reason)
		if !r.Passed && r.Output != "" {
			detail = firstLine(r.Output)
		}
		fmt.Fprintf(w, "%-12s %-8s %-8s %s\n", r.Stage, res, r.Duration.Round(10*time.Millisecond), truncate(detail, 70))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
