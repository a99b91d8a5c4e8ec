package sandbox

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	godiff "github.com/sourcegraph/go-diff/diff"
)

// UnifiedDiff renders a unified diff of one file. An empty before means the
// file is new.
func UnifiedDiff(path, before, after string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	if before == "" {
		ud.A = nil
	}
	if after == "" {
		ud.B = nil
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("sandbox: diff %s: %w", path, err)
	}
	return out, nil
}

// FileStat counts the lines a diff touches in one file.
type FileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// DiffStats parses a multi-file unified diff and reports per-file counts.
func DiffStats(text string) ([]FileStat, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fds, err := godiff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("sandbox: parse diff: %w", err)
	}
	out := make([]FileStat, 0, len(fds))
	for _, fd := range fds {
		st := FileStat{Path: strings.TrimPrefix(fd.NewName, "b/")}
		for _, h := range fd.Hunks {
			for _, line := range strings.SplitAfter(string(h.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					st.Added++
				case strings.HasPrefix(line, "-"):
					st.Removed++
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}
