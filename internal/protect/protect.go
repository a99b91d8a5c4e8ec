package protect

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Sentinel errors wrapped by PathError.
var (
	ErrUnsafePath = errors.New("unsafe path")
	ErrProtected  = errors.New("protected file")
)

// Kind classifies why a path was refused.
type Kind string

const (
	KindInvalid   Kind = "invalid"
	KindAbsolute  Kind = "absolute"
	KindTraversal Kind = "traversal"
	KindOutside   Kind = "outside_root"
	KindExtension Kind = "extension"
	KindProtected Kind = "protected"
)

// PathError is returned for any path the pipeline may not write.
type PathError struct {
	Path   string
	Kind   Kind
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Reason, e.Kind)
}

func (e *PathError) Unwrap() error {
	if e.Kind == KindProtected {
		return ErrProtected
	}
	return ErrUnsafePath
}

// Patterns holds the raw protected-set and extension configuration.
type Patterns struct {
	Files      []string `yaml:"files"`
	Extensions []string `yaml:"extensions"`
}

// Rules checks candidate paths against the project root, the extension
// allowlist and the Protected File Set. Safe for concurrent use.
type Rules struct {
	mu    sync.RWMutex
	root  string
	files []matcher
	exts  map[string]bool
	raw   Patterns
}

type matcher struct {
	pattern string
	re      *regexp.Regexp
	base    bool
}

// New creates Rules rooted at root.
func New(root string, p Patterns) *Rules {
	r := &Rules{root: filepath.Clean(root)}
	r.Replace(p)
	return r
}

// NewDefault creates Rules with DefaultPatterns.
func NewDefault(root string) *Rules {
	return New(root, DefaultPatterns)
}

// Load reads patterns from a YAML file. Falls back to defaults if the file
// doesn't exist. Empty sections in the file keep their defaults.
func Load(root, file string) (*Rules, error) {
	p, err := LoadPatterns(file)
	if err != nil {
		return nil, err
	}
	return New(root, p), nil
}

// LoadPatterns reads the YAML pattern file without compiling it.
func LoadPatterns(file string) (Patterns, error) {
	if file == "" {
		return DefaultPatterns, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPatterns, nil
		}
		return Patterns{}, fmt.Errorf("protect: read %s: %w", file, err)
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Patterns{}, fmt.Errorf("protect: parse %s: %w", file, err)
	}
	if len(p.Files) == 0 {
		p.Files = DefaultPatterns.Files
	}
	if len(p.Extensions) == 0 {
		p.Extensions = DefaultPatterns.Extensions
	}
	return p, nil
}

// Replace swaps the active patterns. Used by hot reload.
func (r *Rules) Replace(p Patterns) {
	files := make([]matcher, 0, len(p.Files))
	for _, f := range p.Files {
		f = strings.TrimPrefix(path.Clean(filepath.ToSlash(f)), "./")
		files = append(files, matcher{
			pattern: f,
			re:      regexp.MustCompile("^" + globToRegex(f) + "$"),
			base:    !strings.Contains(f, "/"),
		})
	}
	exts := make(map[string]bool, len(p.Extensions))
	for _, e := range p.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}

	r.mu.Lock()
	r.files = files
	r.exts = exts
	r.raw = p
	r.mu.Unlock()
}

// Root returns the project root the rules resolve against.
func (r *Rules) Root() string { return r.root }

// Patterns returns a copy of the active raw patterns.
func (r *Rules) Patterns() Patterns {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Patterns{
		Files:      append([]string(nil), r.raw.Files...),
		Extensions: append([]string(nil), r.raw.Extensions...),
	}
}

// Check returns nil if rel may be written by a proposal.
func (r *Rules) Check(rel string) error {
	clean, err := cleanRelative(rel)
	if err != nil {
		return err
	}

	if r.IsProtected(clean) {
		return &PathError{Path: rel, Kind: KindProtected, Reason: "member of the protected file set"}
	}

	r.mu.RLock()
	allowed := r.exts[strings.ToLower(path.Ext(clean))]
	r.mu.RUnlock()
	if !allowed {
		return &PathError{Path: rel, Kind: KindExtension, Reason: "extension not allowed"}
	}

	if _, err := r.Resolve(clean); err != nil {
		return err
	}
	return nil
}

// IsProtected reports whether rel matches the Protected File Set.
// A pattern matches the whole path or any trailing run of its segments,
// compared as written and lowercased.
func (r *Rules) IsProtected(rel string) bool {
	clean := strings.TrimPrefix(path.Clean(filepath.ToSlash(rel)), "/")
	lower := strings.ToLower(clean)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.files {
		if m.base {
			if m.re.MatchString(path.Base(lower)) || m.re.MatchString(path.Base(clean)) {
				return true
			}
			continue
		}
		for _, p := range []string{clean, lower} {
			for _, suffix := range suffixes(p) {
				if m.re.MatchString(suffix) {
					return true
				}
			}
		}
	}
	return false
}

// Resolve returns the absolute path of rel under the root. Symlinks in the
// existing part of the path must not lead outside the root.
func (r *Rules) Resolve(rel string) (string, error) {
	clean, err := cleanRelative(rel)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(r.root, filepath.FromSlash(clean))
	if !within(r.root, abs) {
		return "", &PathError{Path: rel, Kind: KindOutside, Reason: "resolves outside project root"}
	}

	realRoot, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		// Root not created yet: nothing on disk can redirect the path.
		return abs, nil
	}
	existing := abs
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", &PathError{Path: rel, Kind: KindInvalid, Reason: err.Error()}
	}
	if !within(realRoot, resolved) {
		return "", &PathError{Path: rel, Kind: KindOutside, Reason: "symlink leads outside project root"}
	}
	return abs, nil
}

// cleanRelative validates the syntactic shape of a proposal path and
// returns its cleaned slash form.
func cleanRelative(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", &PathError{Path: rel, Kind: KindInvalid, Reason: "empty path"}
	}
	if strings.ContainsAny(rel, "\x00\\") {
		return "", &PathError{Path: rel, Kind: KindInvalid, Reason: "path contains NUL or backslash"}
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", &PathError{Path: rel, Kind: KindAbsolute, Reason: "path must be relative"}
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", &PathError{Path: rel, Kind: KindTraversal, Reason: "path contains traversal"}
		}
	}
	clean := path.Clean(rel)
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", &PathError{Path: rel, Kind: KindTraversal, Reason: "path contains traversal"}
	}
	return clean, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// suffixes returns "a/b/c", "b/c", "c" for "a/b/c".
func suffixes(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[i:], "/"))
	}
	return out
}

// globToRegex converts a glob to a regex body. ** crosses directories,
// * and ? do not.
func globToRegex(glob string) string {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*\*`, "\x00")
	escaped = strings.ReplaceAll(escaped, `\*`, "[^/]*")
	escaped = strings.ReplaceAll(escaped, `\?`, "[^/]")
	return strings.ReplaceAll(escaped, "\x00", ".*")
}
