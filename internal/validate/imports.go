package validate

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ppiankov/changegate/internal/manifest"
	"github.com/ppiankov/changegate/internal/model"
)

var (
	pyImportLine = regexp.MustCompile(`^\s*import\s+(.+)$`)
	pyFromLine   = regexp.MustCompile(`^\s*from\s+(\.*[\w.]*)\s+import\b`)
	jsImport     = regexp.MustCompile(`(?m)^\s*(?:import|export)\s+(?:[\w*{}\s,$]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequire    = regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`)
	jsDynamic    = regexp.MustCompile(`\bimport\(\s*['"]([^'"]+)['"]\s*\)`)
)

type importChecker struct {
	root     string
	manifest *manifest.Manifest
	packages []string
	// proposed holds top-level modules created by the same proposal.
	proposed map[string]bool
}

// PythonImport is one imported top-level module.
type PythonImport struct {
	Module   string
	Line     int
	Relative bool
}

// PythonImports extracts import statements line by line. Lines inside
// triple-quoted strings are skipped.
func PythonImports(content string) []PythonImport {
	var out []PythonImport
	inDoc := ""
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if inDoc != "" {
			if strings.Contains(trimmed, inDoc) {
				inDoc = ""
			}
			continue
		}
		for _, q := range []string{`"""`, `'''`} {
			if strings.HasPrefix(trimmed, q) && strings.Count(trimmed, q) == 1 {
				inDoc = q
			}
		}
		if inDoc != "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := pyFromLine.FindStringSubmatch(line); m != nil {
			mod := m[1]
			if strings.HasPrefix(mod, ".") {
				out = append(out, PythonImport{Module: mod, Line: i + 1, Relative: true})
				continue
			}
			out = append(out, PythonImport{Module: topLevel(mod), Line: i + 1})
			continue
		}
		if m := pyImportLine.FindStringSubmatch(line); m != nil {
			list := m[1]
			if j := strings.Index(list, "#"); j >= 0 {
				list = list[:j]
			}
			for _, part := range strings.Split(list, ",") {
				fields := strings.Fields(part)
				if len(fields) == 0 {
					continue
				}
				out = append(out, PythonImport{Module: topLevel(fields[0]), Line: i + 1})
			}
		}
	}
	return out
}

func topLevel(mod string) string {
	if i := strings.Index(mod, "."); i >= 0 {
		return mod[:i]
	}
	return mod
}

// JSImport is one imported module specifier.
type JSImport struct {
	Spec string
	Line int
}

// JSImports extracts ES module imports, re-exports and require calls.
func JSImports(content string) []JSImport {
	var out []JSImport
	for _, re := range []*regexp.Regexp{jsImport, jsRequire, jsDynamic} {
		for _, loc := range re.FindAllStringSubmatchIndex(content, -1) {
			spec := content[loc[2]:loc[3]]
			out = append(out, JSImport{Spec: spec, Line: strings.Count(content[:loc[2]], "\n") + 1})
		}
	}
	return out
}

func (c *importChecker) check(p, content string) []Issue {
	switch path.Ext(p) {
	case ".py":
		return c.checkPython(p, content)
	case ".js", ".jsx", ".ts", ".tsx":
		return c.checkJS(p, content)
	}
	return nil
}

func (c *importChecker) checkPython(p, content string) []Issue {
	var issues []Issue
	for _, imp := range PythonImports(content) {
		if imp.Relative || imp.Module == "" || c.pythonResolves(imp.Module) {
			continue
		}
		issues = append(issues, Issue{
			Path:    p,
			Line:    imp.Line,
			Kind:    KindImport,
			Message: "module " + imp.Module + " is not in the standard library, the manifest or the project",
		})
	}
	return issues
}

func (c *importChecker) pythonResolves(mod string) bool {
	if pythonStdlib[mod] || c.proposed[mod] || c.manifest.HasPythonModule(mod) {
		return true
	}
	for _, pkg := range c.packages {
		if pkg == mod {
			return true
		}
	}
	if c.root == "" {
		return false
	}
	if fi, err := os.Stat(filepath.Join(c.root, mod)); err == nil && fi.IsDir() {
		return true
	}
	if _, err := os.Stat(filepath.Join(c.root, mod+".py")); err == nil {
		return true
	}
	return false
}

func (c *importChecker) checkJS(p, content string) []Issue {
	var issues []Issue
	for _, imp := range JSImports(content) {
		spec := imp.Spec
		if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") ||
			strings.HasPrefix(spec, "node:") || strings.HasPrefix(spec, "@/") || strings.HasPrefix(spec, "~/") {
			continue
		}
		if nodeBuiltins[topLevel(strings.SplitN(spec, "/", 2)[0])] || c.manifest.HasNPMPackage(spec) {
			continue
		}
		issues = append(issues, Issue{
			Path:    p,
			Line:    imp.Line,
			Kind:    KindImport,
			Message: "package " + spec + " is not declared in package.json",
		})
	}
	return issues
}

// proposedModules returns the top-level Python modules a file set adds.
func proposedModules(files []model.FileChange) map[string]bool {
	out := map[string]bool{}
	for _, f := range files {
		p := path.Clean(filepath.ToSlash(f.Path))
		if path.Ext(p) != ".py" {
			continue
		}
		top := strings.SplitN(p, "/", 2)[0]
		out[strings.TrimSuffix(top, ".py")] = true
	}
	return out
}

var nodeBuiltins = setOf(
	"assert", "async_hooks", "buffer", "child_process", "cluster", "console", "crypto",
	"dgram", "dns", "events", "fs", "http", "http2", "https", "module", "net", "os",
	"path", "perf_hooks", "process", "querystring", "readline", "stream", "string_decoder",
	"timers", "tls", "tty", "url", "util", "v8", "vm", "worker_threads", "zlib",
)

var pythonStdlib = setOf(
	"__future__", "abc", "argparse", "array", "ast", "asyncio", "atexit", "base64",
	"binascii", "bisect", "builtins", "bz2", "calendar", "cmath", "codecs", "collections",
	"colorsys", "concurrent", "configparser", "contextlib", "contextvars", "copy", "copyreg",
	"cProfile", "csv", "ctypes", "dataclasses", "datetime", "decimal", "difflib", "dis",
	"email", "enum", "errno", "faulthandler", "fcntl", "filecmp", "fileinput", "fnmatch",
	"fractions", "ftplib", "functools", "gc", "getopt", "getpass", "gettext", "glob",
	"graphlib", "gzip", "hashlib", "heapq", "hmac", "html", "http", "imaplib", "importlib",
	"inspect", "io", "ipaddress", "itertools", "json", "keyword", "linecache", "locale",
	"logging", "lzma", "mailbox", "math", "mimetypes", "mmap", "multiprocessing", "netrc",
	"numbers", "operator", "os", "pathlib", "pdb", "pickle", "pkgutil", "platform",
	"plistlib", "pprint", "profile", "pstats", "pty", "pwd", "queue", "quopri", "random",
	"re", "reprlib", "resource", "sched", "secrets", "select", "selectors", "shelve",
	"shlex", "shutil", "signal", "site", "smtplib", "socket", "socketserver", "sqlite3",
	"ssl", "stat", "statistics", "string", "stringprep", "struct", "subprocess", "sys",
	"sysconfig", "syslog", "tarfile", "tempfile", "textwrap", "threading", "time",
	"timeit", "tkinter", "token", "tokenize", "tomllib", "trace", "traceback",
	"tracemalloc", "types", "typing", "unicodedata", "unittest", "urllib", "uuid",
	"venv", "warnings", "weakref", "webbrowser", "wsgiref", "xml", "xmlrpc", "zipfile",
	"zipimport", "zlib", "zoneinfo",
)

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
