// Package validate statically checks proposed file changes before they
// are persisted: boundary fields, path safety, syntax, imports and async
// hygiene. Safe corrections are applied first and reported.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/manifest"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
)

// ErrInvalid is wrapped by every *Error.
var ErrInvalid = errors.New("validation failed")

// Issue kinds.
const (
	KindField     = "field"
	KindPath      = "path"
	KindEmpty     = "empty"
	KindDuplicate = "duplicate"
	KindSyntax    = "syntax"
	KindImport    = "import"
	KindAsync     = "async"
)

// Issue is one structured finding.
type Issue struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %s", i.Path, i.Line, i.Kind, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Path, i.Kind, i.Message)
}

// Error carries every blocking issue.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 1 {
		return "validate: " + e.Issues[0].String()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return fmt.Sprintf("validate: %d issues: %s", len(e.Issues), strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return ErrInvalid }

// Correction records one automatic rewrite.
type Correction struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the validated, corrected file set.
type Result struct {
	Files       []model.FileChange `json:"files"`
	Corrections []Correction       `json:"corrections,omitempty"`
	Warnings    []Issue            `json:"warnings,omitempty"`
}

// Options configures a Validator.
type Options struct {
	Rules *protect.Rules
	// Manifest overrides loading the manifest from the project root.
	Manifest *manifest.Manifest
	// ProjectPackages are top-level Python packages owned by the project.
	ProjectPackages []string
	Logger          *zap.Logger
}

// Validator is safe for concurrent use.
type Validator struct {
	rules    *protect.Rules
	manifest *manifest.Manifest
	packages []string
	structs  *validator.Validate
	log      *zap.Logger
}

// New creates a Validator. Rules is required.
func New(opts Options) (*Validator, error) {
	if opts.Rules == nil {
		return nil, errors.New("validate: path rules are required")
	}
	pkgs := opts.ProjectPackages
	if len(pkgs) == 0 {
		pkgs = []string{"app"}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		rules:    opts.Rules,
		manifest: opts.Manifest,
		packages: pkgs,
		structs:  validator.New(validator.WithRequiredStructEnabled()),
		log:      log.Named("validate"),
	}, nil
}

// Validate corrects and checks files in order. On any blocking issue it
// returns the partial Result together with a *Error.
func (v *Validator) Validate(ctx context.Context, files []model.FileChange) (*Result, error) {
	res := &Result{}
	var issues []Issue

	if len(files) == 0 {
		return res, &Error{Issues: []Issue{{Kind: KindEmpty, Message: "proposal has no files"}}}
	}

	m := v.manifest
	if m == nil {
		loaded, err := manifest.Load(v.rules.Root())
		if err != nil {
			v.log.Warn("manifest unreadable, import checks use stdlib only", zap.Error(err))
			loaded = &manifest.Manifest{}
		}
		m = loaded
	}
	imp := &importChecker{
		root:     v.rules.Root(),
		manifest: m,
		packages: v.packages,
		proposed: proposedModules(files),
	}

	seen := make(map[string]bool, len(files))
	for _, fc := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		fileIssues := v.checkFields(fc)
		if len(fileIssues) > 0 {
			issues = append(issues, fileIssues...)
			continue
		}

		if err := v.rules.Check(fc.Path); err != nil {
			issues = append(issues, Issue{Path: fc.Path, Kind: KindPath, Message: err.Error()})
			continue
		}
		clean := path.Clean(fc.Path)
		if seen[clean] {
			issues = append(issues, Issue{Path: clean, Kind: KindDuplicate, Message: "path appears more than once"})
			continue
		}
		seen[clean] = true
		fc.Path = clean

		if fc.Action == "" {
			fc.Action = v.inferAction(clean)
			res.Corrections = append(res.Corrections, Correction{Path: clean, Message: "action set to " + string(fc.Action)})
		}

		content, corrections := Autocorrect(clean, fc.Content)
		fc.Content = content
		res.Corrections = append(res.Corrections, corrections...)

		if strings.TrimSpace(fc.Content) == "" {
			issues = append(issues, Issue{Path: clean, Kind: KindEmpty, Message: "content is empty"})
			continue
		}

		syntax := CheckSyntax(ctx, clean, []byte(fc.Content))
		if len(syntax) > 0 {
			issues = append(issues, syntax...)
			continue
		}

		issues = append(issues, imp.check(clean, fc.Content)...)

		if path.Ext(clean) == ".py" {
			errs, warns := checkAsync(ctx, clean, []byte(fc.Content))
			issues = append(issues, errs...)
			res.Warnings = append(res.Warnings, warns...)
		}

		res.Files = append(res.Files, fc)
	}

	if len(issues) > 0 {
		v.log.Info("validation failed", zap.Int("issues", len(issues)), zap.Int("files", len(files)))
		return res, &Error{Issues: issues}
	}
	return res, nil
}

func (v *Validator) checkFields(fc model.FileChange) []Issue {
	err := v.structs.Struct(fc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Path: fc.Path, Kind: KindField, Message: err.Error()}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Path:    fc.Path,
			Kind:    KindField,
			Message: fmt.Sprintf("%s fails %q", strings.ToLower(fe.Field()), fe.Tag()),
		})
	}
	return issues
}

func (v *Validator) inferAction(rel string) model.ChangeAction {
	if _, err := os.Stat(filepath.Join(v.rules.Root(), filepath.FromSlash(rel))); err == nil {
		return model.ChangeModify
	}
	return model.ChangeCreate
}
