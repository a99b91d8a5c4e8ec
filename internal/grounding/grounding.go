// Package grounding assembles the project context sent with every
// generation request: a shallow tree, the declared dependencies and a few
// relevant code excerpts, all within a byte budget.
package grounding

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/manifest"
	"github.com/ppiankov/changegate/internal/protect"
)

const (
	DefaultMaxBytes    = 12000
	DefaultMaxDepth    = 3
	DefaultMaxExamples = 3
	maxExampleLines    = 50
)

// Relevance ranks example candidates. Higher is kept longer.
const (
	RelevanceGeneric  = 1
	RelevanceCategory = 2
	RelevanceExact    = 3
)

// DefaultCategories maps a request category to known example files.
var DefaultCategories = map[string][]string{
	"redis":     {"app/core/redis.py", "app/core/distributed_lock.py"},
	"database":  {"app/database/connection.py", "app/db/models.py"},
	"cache":     {"app/core/cache.py", "app/core/redis.py"},
	"api":       {"app/main.py", "app/api/v1/router.py"},
	"security":  {"app/core/security.py"},
	"websocket": {"app/api/v1/websocket.py"},
	"general":   {"main.py", "app/main.py"},
}

// Rules is the fixed guidance appended to every package.
var Rules = []string{
	"Only import packages listed under declared dependencies or project modules.",
	"Use async/await for I/O in async handlers; never block inside async def.",
	"All file paths are relative to the project root.",
	"Use redis.asyncio, not the synchronous redis client.",
	"Do not hardcode credentials or secrets.",
}

var codeExts = map[string]bool{
	".py": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
}

// Request selects what the context should focus on.
type Request struct {
	Category string
	Targets  []string
	Question string
}

// Example is one excerpt from an existing file.
type Example struct {
	Path      string `json:"path"`
	Code      string `json:"code"`
	Relevance int    `json:"relevance"`
}

// Package is the rendered grounding context.
type Package struct {
	Category     string                `json:"category"`
	Tree         []string              `json:"tree"`
	Dependencies []manifest.Dependency `json:"dependencies"`
	Examples     []Example             `json:"examples"`
	Truncated    bool                  `json:"truncated,omitempty"`
}

// Options configures a Builder. Zero values take defaults.
type Options struct {
	Root        string
	MaxBytes    int
	MaxDepth    int
	MaxExamples int
	Categories  map[string][]string
	Ignore      []string
	Logger      *zap.Logger
}

// Builder is read-only over the project tree and safe for concurrent use.
type Builder struct {
	opts Options
	log  *zap.Logger
}

// New creates a Builder.
func New(opts Options) *Builder {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = DefaultMaxExamples
	}
	if opts.Categories == nil {
		opts.Categories = DefaultCategories
	}
	if opts.Ignore == nil {
		opts.Ignore = protect.DefaultIgnore
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{opts: opts, log: log.Named("grounding")}
}

// Build walks the project and assembles a Package within MaxBytes.
func (b *Builder) Build(ctx context.Context, req Request) (*Package, error) {
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		category = "general"
	}

	tree, files, err := b.walk(ctx)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(b.opts.Root)
	if err != nil {
		return nil, fmt.Errorf("grounding: %w", err)
	}

	pkg := &Package{
		Category:     category,
		Tree:         tree,
		Dependencies: m.Deps,
		Examples:     b.examples(category, req.Targets, files),
	}
	pkg.fit(b.opts.MaxBytes)

	b.log.Debug("context built",
		zap.String("category", category),
		zap.Int("tree", len(pkg.Tree)),
		zap.Int("deps", len(pkg.Dependencies)),
		zap.Int("examples", len(pkg.Examples)),
		zap.Bool("truncated", pkg.Truncated))
	return pkg, nil
}

// walk lists directories and files up to MaxDepth. Directories end in "/".
// files holds every code file at any depth for candidate lookup.
func (b *Builder) walk(ctx context.Context) (tree, files []string, err error) {
	root := b.opts.Root
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()
		if protect.Ignored(rel, b.opts.Ignore) || (d.IsDir() && strings.HasPrefix(name, ".")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		depth := strings.Count(rel, "/") + 1
		if d.IsDir() {
			if depth <= b.opts.MaxDepth {
				tree = append(tree, rel+"/")
			}
			return nil
		}
		if depth <= b.opts.MaxDepth {
			tree = append(tree, rel)
		}
		if codeExts[path.Ext(rel)] {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("grounding: walk %s: %w", root, err)
	}
	return tree, files, nil
}

// examples collects ranked candidates and reads up to MaxExamples of them.
func (b *Builder) examples(category string, targets, files []string) []Example {
	rank := map[string]int{}
	add := func(p string, r int) {
		p = path.Clean(filepath.ToSlash(p))
		if rank[p] < r {
			rank[p] = r
		}
	}

	for _, f := range files {
		if strings.Contains(strings.ToLower(path.Base(f)), category) && category != "general" {
			add(f, RelevanceExact)
		}
	}
	for _, f := range b.opts.Categories[category] {
		add(f, RelevanceCategory)
	}
	for _, f := range targets {
		add(f, RelevanceCategory)
	}
	for _, f := range b.opts.Categories["general"] {
		add(f, RelevanceGeneric)
	}

	candidates := make([]string, 0, len(rank))
	for p := range rank {
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if rank[candidates[i]] != rank[candidates[j]] {
			return rank[candidates[i]] > rank[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	var out []Example
	for _, p := range candidates {
		if len(out) >= b.opts.MaxExamples {
			break
		}
		code, ok := b.excerpt(p)
		if !ok {
			continue
		}
		out = append(out, Example{Path: p, Code: code, Relevance: rank[p]})
	}
	return out
}

// excerpt reads a file under the root and returns at most maxExampleLines
// lines, starting at the first definition in Python sources.
func (b *Builder) excerpt(rel string) (string, bool) {
	if strings.HasPrefix(rel, "../") || rel == ".." || path.IsAbs(rel) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(b.opts.Root, filepath.FromSlash(rel)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.log.Debug("example unreadable", zap.String("path", rel), zap.Error(err))
		}
		return "", false
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	start := 0
	if path.Ext(rel) == ".py" {
		for i, l := range lines {
			t := strings.TrimSpace(l)
			if strings.HasPrefix(t, "class ") || strings.HasPrefix(t, "def ") || strings.HasPrefix(t, "async def ") {
				start = i
				break
			}
		}
	}
	end := start + maxExampleLines
	if end > len(lines) {
		end = len(lines)
	}
	code := strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
	if strings.TrimSpace(code) == "" {
		return "", false
	}
	return code, true
}

// fit shrinks the package until its rendering is within max bytes: low
// relevance examples go first, then the deepest tree entries, then
// dependencies. One example always survives.
func (p *Package) fit(max int) {
	for len(p.Render()) > max {
		switch {
		case len(p.Examples) > 1:
			p.dropWeakestExample()
		case len(p.Tree) > 0:
			p.dropDeepestTree()
		case len(p.Dependencies) > 0:
			p.Dependencies = p.Dependencies[:len(p.Dependencies)-1]
		default:
			p.Truncated = true
			return
		}
		p.Truncated = true
	}
}

func (p *Package) dropWeakestExample() {
	weakest := len(p.Examples) - 1
	for i := len(p.Examples) - 1; i >= 0; i-- {
		if p.Examples[i].Relevance < p.Examples[weakest].Relevance {
			weakest = i
		}
	}
	p.Examples = append(p.Examples[:weakest], p.Examples[weakest+1:]...)
}

func (p *Package) dropDeepestTree() {
	deepest := 0
	for _, e := range p.Tree {
		if d := strings.Count(strings.TrimSuffix(e, "/"), "/"); d > deepest {
			deepest = d
		}
	}
	if deepest == 0 {
		p.Tree = p.Tree[:len(p.Tree)-1]
		return
	}
	kept := p.Tree[:0]
	for _, e := range p.Tree {
		if strings.Count(strings.TrimSuffix(e, "/"), "/") < deepest {
			kept = append(kept, e)
		}
	}
	p.Tree = kept
}

// Render formats the package for a prompt.
func (p *Package) Render() string {
	var b strings.Builder
	b.WriteString("## Project structure\n")
	for _, e := range p.Tree {
		b.WriteString(e + "\n")
	}

	b.WriteString("\n## Declared dependencies\n")
	b.WriteString((&manifest.Manifest{Deps: p.Dependencies}).Render(-1))

	if len(p.Examples) > 0 {
		b.WriteString("\n## Existing code\n")
		for _, ex := range p.Examples {
			fmt.Fprintf(&b, "### %s\n```%s\n%s\n```\n", ex.Path, fence(ex.Path), ex.Code)
		}
	}

	b.WriteString("\n## Rules\n")
	for _, r := range Rules {
		b.WriteString("- " + r + "\n")
	}
	return b.String()
}

func fence(p string) string {
	switch path.Ext(p) {
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	}
	return ""
}
