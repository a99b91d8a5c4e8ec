package validate

import (
	"path"
	"regexp"
	"strings"
)

var (
	syncRedisFrom   = regexp.MustCompile(`(?m)^([ \t]*)from redis import `)
	syncRedisImport = regexp.MustCompile(`(?m)^([ \t]*)import redis[ \t]*$`)
	asyncioImport   = regexp.MustCompile(`(?m)^\s*(import asyncio\b|from asyncio\b)`)
)

// Autocorrect applies the safe rewrites and reports each one.
func Autocorrect(p, content string) (string, []Correction) {
	var out []Correction
	note := func(msg string) { out = append(out, Correction{Path: p, Message: msg}) }

	if strings.Contains(content, "\r\n") {
		content = strings.ReplaceAll(content, "\r\n", "\n")
		note("normalized CRLF line endings")
	}
	if path.Ext(p) != ".py" {
		return content, out
	}

	if syncRedisFrom.MatchString(content) && (strings.Contains(content, "Redis") || strings.Contains(content, "ConnectionPool")) {
		content = syncRedisFrom.ReplaceAllString(content, "${1}from redis.asyncio import ")
		note("from redis import -> from redis.asyncio import")
	}
	if strings.Contains(content, "await ") && syncRedisImport.MatchString(content) {
		content = syncRedisImport.ReplaceAllString(content, "${1}import redis.asyncio as redis")
		note("import redis -> import redis.asyncio as redis")
	}
	if strings.Contains(content, "asyncio.") && !asyncioImport.MatchString(content) {
		content = insertImport(content, "import asyncio")
		note("added missing import asyncio")
	}
	return content, out
}

// insertImport adds stmt after the last top-level import, or after a
// leading module docstring when there are none.
func insertImport(content, stmt string) string {
	lines := strings.Split(content, "\n")
	at := -1
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		if !strings.HasPrefix(l, "import ") && !strings.HasPrefix(l, "from ") {
			continue
		}
		if strings.HasSuffix(strings.TrimSpace(l), "(") {
			for i+1 < len(lines) && !strings.Contains(lines[i], ")") {
				i++
			}
		}
		at = i + 1
	}
	if at < 0 {
		at = docstringEnd(lines)
	}
	lines = append(lines[:at], append([]string{stmt}, lines[at:]...)...)
	return strings.Join(lines, "\n")
}

func docstringEnd(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	first := strings.TrimSpace(lines[0])
	for _, q := range []string{`"""`, `'''`} {
		if !strings.HasPrefix(first, q) {
			continue
		}
		if strings.Count(first, q) >= 2 {
			return 1
		}
		for i := 1; i < len(lines); i++ {
			if strings.Contains(lines[i], q) {
				return i + 1
			}
		}
	}
	return 0
}
