package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
	"github.com/ppiankov/changegate/internal/validate"
)

// BuiltinSyntax runs the static syntax check over changed files in-process.
const BuiltinSyntax = "syntax"

// maxStageOutput caps the output kept on a TestResult; full output goes to
// the stage log.
const maxStageOutput = 8 << 10

// Stage is one configured test step. Command arguments may use the
// placeholders {python}, {files}, {tests}, {module} and {work}; {files} and
// {tests} expand to one argument per path.
type Stage struct {
	Name       string        `yaml:"name" json:"name"`
	Command    []string      `yaml:"command,omitempty" json:"command,omitempty"`
	Builtin    string        `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	Extensions []string      `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	PerFile    bool          `yaml:"per_file,omitempty" json:"per_file,omitempty"`
	NeedsTests bool          `yaml:"needs_tests,omitempty" json:"needs_tests,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Fatal      bool          `yaml:"fatal,omitempty" json:"fatal,omitempty"`
}

// DefaultStages is lint, syntax, imports, unit and typecheck.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "lint", Command: []string{"{python}", "-m", "pylint", "--errors-only", "{files}"},
			Extensions: []string{".py"}, Timeout: 60 * time.Second},
		{Name: "syntax", Builtin: BuiltinSyntax, Fatal: true},
		{Name: "imports", Command: []string{"{python}", "-c", "import {module}"},
			Extensions: []string{".py"}, PerFile: true, Timeout: 10 * time.Second},
		{Name: "unit", Command: []string{"{python}", "-m", "pytest", "-x", "--tb=short", "{tests}"},
			NeedsTests: true, Timeout: 120 * time.Second},
		{Name: "typecheck", Command: []string{"npx", "tsc", "--noEmit"},
			Extensions: []string{".ts", ".tsx"}, Timeout: 60 * time.Second},
	}
}

// RunTests runs every configured stage against the sandbox in the
// background. The group is recorded in metadata.json. If the run errors or
// panics the sandbox is removed with its logs archived.
func (m *Manager) RunTests(ctx context.Context, p *model.Proposal, attempt int) (*Task, error) {
	id := p.ID
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	changed := p.Paths()

	return m.start(ctx, id, "test", true, func(ctx context.Context) (Result, error) {
		env, err := m.Get(id)
		if err != nil {
			return Result{}, err
		}
		if env.Status == model.SandboxCreated {
			return Result{}, &Error{Op: "test", ID: id, Err: ErrNotReady}
		}
		m.setStatus(id, model.SandboxRunning)

		group := model.TestGroup{Attempt: attempt, Passed: true, StartedAt: time.Now().UTC()}
		for _, st := range m.opts.Stages {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			res := m.runStage(ctx, *env, st, changed)
			if err := ctx.Err(); err != nil {
				// Cancelled mid-stage: the result says nothing about the code.
				return Result{}, err
			}
			res.Attempt = attempt
			group.Results = append(group.Results, res)
			metrics.StageDuration.WithLabelValues(st.Name, stageLabel(res)).Observe(res.Duration.Seconds())

			if !res.Passed && !res.Skipped {
				group.Passed = false
				if st.Fatal {
					m.log.Info("fatal stage failed", zap.String("proposal", id), zap.String("stage", st.Name))
					break
				}
			}
		}
		group.FinishedAt = time.Now().UTC()

		m.mu.Lock()
		if md, ok := m.live[id]; ok {
			md.Tests = append(md.Tests, group)
			md.Status = model.SandboxReady
		}
		m.mu.Unlock()
		if err := m.writeMetadata(id); err != nil {
			return Result{}, err
		}

		m.log.Info("tests finished",
			zap.String("proposal", id), zap.Int("attempt", attempt), zap.Bool("passed", group.Passed))
		final, _ := m.Get(id)
		return Result{Env: *final, Group: &group}, nil
	}), nil
}

func stageLabel(r model.TestResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Passed:
		return "passed"
	case r.Reason == model.ReasonTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// runStage executes one stage and never returns an error: every outcome is
// a TestResult.
func (m *Manager) runStage(ctx context.Context, env model.SandboxEnvironment, st Stage, changed []string) model.TestResult {
	start := time.Now()
	res := model.TestResult{Stage: st.Name}

	files := filterExt(changed, st.Extensions)
	if len(st.Extensions) > 0 && len(files) == 0 {
		res.Skipped = true
		res.Output = "no matching files changed"
		return finish(&res, start)
	}

	if st.Builtin == BuiltinSyntax {
		return finish(m.syntaxStage(ctx, env, changed, &res), start)
	}
	if st.Builtin != "" {
		res.Reason = model.ReasonError
		res.Output = fmt.Sprintf("unknown builtin stage %q", st.Builtin)
		return finish(&res, start)
	}
	if len(st.Command) == 0 {
		res.Skipped = true
		res.Output = "stage has no command"
		return finish(&res, start)
	}

	var tests []string
	if st.NeedsTests || containsArg(st.Command, "{tests}") {
		tests = m.discoverTests(env.WorkDir)
		if st.NeedsTests && len(tests) == 0 {
			res.Skipped = true
			res.Output = "no test files found"
			return finish(&res, start)
		}
	}

	runs := [][]string{expand(st.Command, m.python(env), env.WorkDir, files, tests, "")}
	if st.PerFile {
		runs = runs[:0]
		for _, f := range files {
			runs = append(runs, expand(st.Command, m.python(env), env.WorkDir, files, tests, moduleName(f)))
		}
	}

	var out strings.Builder
	res.Passed = true
	for _, argv := range runs {
		o, reason, err := m.exec(ctx, env, argv, st.Timeout)
		if len(runs) > 1 {
			fmt.Fprintf(&out, "$ %s\n", strings.Join(argv, " "))
		}
		out.WriteString(o.Output)
		switch {
		case errors.Is(err, exec.ErrNotFound) || missingModule(argv, o.Output):
			res.Passed = false
			res.Skipped = true
			fmt.Fprintf(&out, "\ntool unavailable: %s", argv[0])
		case reason == model.ReasonTimeout:
			res.Passed = false
			res.Reason = model.ReasonTimeout
			fmt.Fprintf(&out, "\ntimed out after %s", st.Timeout)
		case err != nil:
			res.Passed = false
			if res.Reason == model.ReasonNone {
				res.Reason = model.ReasonError
			}
			fmt.Fprintf(&out, "\n%v", err)
		case o.ExitCode != 0:
			res.Passed = false
			if res.Reason == model.ReasonNone {
				res.Reason = model.ReasonFailed
			}
		}
		if res.Skipped {
			break
		}
	}
	if res.Skipped {
		res.Reason = model.ReasonNone
	}

	full := out.String()
	writeLog(env.LogDir, fmt.Sprintf("%s.log", st.Name), full)
	res.Output = tail(full, maxStageOutput)
	return finish(&res, start)
}

func finish(res *model.TestResult, start time.Time) model.TestResult {
	res.Duration = time.Since(start)
	return *res
}

// exec runs argv under the stage timeout. A deadline hit on the stage
// context, not the parent, is reported as a timeout.
func (m *Manager) exec(ctx context.Context, env model.SandboxEnvironment, argv []string, timeout time.Duration) (Outcome, model.TestReason, error) {
	sctx := ctx
	cancel := func() {}
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	o, err := m.runner.Run(sctx, Command{Dir: env.WorkDir, Name: argv[0], Args: argv[1:], Env: m.environ(env)})
	if sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return o, model.ReasonTimeout, err
	}
	return o, model.ReasonNone, err
}

func (m *Manager) syntaxStage(ctx context.Context, env model.SandboxEnvironment, changed []string, res *model.TestResult) *model.TestResult {
	var issues []validate.Issue
	for _, rel := range changed {
		data, err := os.ReadFile(filepath.Join(env.WorkDir, filepath.FromSlash(rel)))
		if err != nil {
			res.Reason = model.ReasonError
			res.Output = fmt.Sprintf("read %s: %v", rel, err)
			return res
		}
		issues = append(issues, validate.CheckSyntax(ctx, rel, data)...)
	}
	if len(issues) == 0 {
		res.Passed = true
		res.Output = fmt.Sprintf("%d files parsed", len(changed))
		return res
	}
	lines := make([]string, len(issues))
	for i, is := range issues {
		lines[i] = is.String()
	}
	res.Reason = model.ReasonFailed
	res.Output = strings.Join(lines, "\n")
	writeLog(env.LogDir, "syntax.log", res.Output)
	return res
}

// python returns the sandbox interpreter, falling back to the host one.
func (m *Manager) python(env model.SandboxEnvironment) string {
	if env.EnvDir != "" {
		p := filepath.Join(env.EnvDir, "bin", "python")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return m.opts.Python
}

func (m *Manager) environ(env model.SandboxEnvironment) []string {
	vars := os.Environ()
	if env.EnvDir == "" {
		return vars
	}
	bin := filepath.Join(env.EnvDir, "bin")
	out := make([]string, 0, len(vars)+1)
	for _, v := range vars {
		if strings.HasPrefix(v, "PATH=") {
			v = "PATH=" + bin + string(os.PathListSeparator) + strings.TrimPrefix(v, "PATH=")
		}
		out = append(out, v)
	}
	return append(out, "VIRTUAL_ENV="+env.EnvDir)
}

// discoverTests lists test_*.py and *_test.py files in the work tree.
func (m *Manager) discoverTests(work string) []string {
	var out []string
	_ = filepath.WalkDir(work, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != work && protect.Ignored(d.Name(), m.opts.Ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".py") && (strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.py")) {
			rel, _ := filepath.Rel(work, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func expand(tmpl []string, python, work string, files, tests []string, module string) []string {
	var out []string
	for _, a := range tmpl {
		switch a {
		case "{files}":
			out = append(out, files...)
			continue
		case "{tests}":
			out = append(out, tests...)
			continue
		}
		a = strings.ReplaceAll(a, "{python}", python)
		a = strings.ReplaceAll(a, "{work}", work)
		a = strings.ReplaceAll(a, "{module}", module)
		out = append(out, a)
	}
	return out
}

func containsArg(argv []string, want string) bool {
	for _, a := range argv {
		if a == want {
			return true
		}
	}
	return false
}

func filterExt(paths, exts []string) []string {
	if len(exts) == 0 {
		return paths
	}
	var out []string
	for _, p := range paths {
		ext := strings.ToLower(path.Ext(p))
		for _, e := range exts {
			if ext == e {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// moduleName maps app/services/cache.py to app.services.cache.
func moduleName(rel string) string {
	m := strings.TrimSuffix(path.Clean(rel), ".py")
	m = strings.TrimSuffix(m, "/__init__")
	return strings.ReplaceAll(m, "/", ".")
}

// missingModule reports whether a "python -m tool" run failed only because
// the tool is not installed.
func missingModule(argv []string, output string) bool {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == "-m" {
			return strings.Contains(output, "No module named "+argv[i+1])
		}
	}
	return false
}

// Test runs the stages and waits for the group.
func (m *Manager) Test(ctx context.Context, p *model.Proposal, attempt int) (*model.TestGroup, error) {
	task, err := m.RunTests(ctx, p, attempt)
	if err != nil {
		return nil, err
	}
	res, err := task.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return res.Group, nil
}
