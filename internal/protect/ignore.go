package protect

import (
	"path/filepath"
	"strings"
)

// DefaultIgnore lists base names never copied into a sandbox or shown in
// grounding trees.
var DefaultIgnore = []string{
	"__pycache__",
	"*.pyc",
	".git",
	"venv",
	".venv",
	"node_modules",
	".env",
	".next",
	"build",
	"dist",
	".changegate",
}

// Ignored reports whether the base name of p matches any ignore pattern.
// Malformed patterns never match.
func Ignored(p string, patterns []string) bool {
	base := filepath.Base(filepath.FromSlash(strings.TrimSuffix(p, "/")))
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}
