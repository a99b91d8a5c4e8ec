package validate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/changegate/internal/manifest"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
)

func newTestValidator(t *testing.T) (*Validator, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "app", "services"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "app", "services", "orders.py"), []byte("def list_orders():\n    return []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &manifest.Manifest{Deps: []manifest.Dependency{
		{Name: "fastapi", Ecosystem: manifest.Pip},
		{Name: "redis", Ecosystem: manifest.Pip},
		{Name: "pyyaml", Ecosystem: manifest.Pip},
		{Name: "react", Ecosystem: manifest.NPM},
	}}
	v, err := New(Options{Rules: protect.NewDefault(root), Manifest: m})
	if err != nil {
		t.Fatal(err)
	}
	return v, root
}

func issuesOf(t *testing.T, err error) []Issue {
	t.Helper()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *validate.Error, got %v", err)
	}
	if !errors.Is(err, ErrInvalid) {
		t.Error("expected error to wrap ErrInvalid")
	}
	return verr.Issues
}

func hasKind(issues []Issue, kind string) bool {
	for _, i := range issues {
		if i.Kind == kind {
			return true
		}
	}
	return false
}

func TestValidateAcceptsCleanProposal(t *testing.T) {
	v, _ := newTestValidator(t)
	res, err := v.Validate(context.Background(), []model.FileChange{
		{Path: "app/services/orders.py", Content: "import os\nfrom fastapi import APIRouter\nfrom app.core import db\nfrom . import models\n\ndef list_orders():\n    return []\n"},
		{Path: "app/config/defaults.json", Content: `{"page_size": 50}`, Action: model.ChangeCreate},
		{Path: "docs/NOTES.md", Content: "# notes\n"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(res.Files))
	}
	if res.Files[0].Action != model.ChangeModify {
		t.Errorf("expected existing file inferred as modify, got %s", res.Files[0].Action)
	}
	if res.Files[2].Action != model.ChangeCreate {
		t.Errorf("expected new file inferred as create, got %s", res.Files[2].Action)
	}
}

func TestValidateRejectsEmptyProposal(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), nil)
	if !hasKind(issuesOf(t, err), KindEmpty) {
		t.Error("expected empty issue")
	}
}

func TestValidateRejectsProtectedAndUnsafePaths(t *testing.T) {
	v, _ := newTestValidator(t)
	tests := []string{
		".env",
		"app/core/auth.py",
		"../outside.py",
		"/etc/passwd.py",
		"app/run.sh",
		`app\win.py`,
	}
	for _, p := range tests {
		_, err := v.Validate(context.Background(), []model.FileChange{{Path: p, Content: "x = 1\n"}})
		issues := issuesOf(t, err)
		if !hasKind(issues, KindPath) {
			t.Errorf("%s: expected path issue, got %v", p, issues)
		}
	}
}

func TestValidateFieldRules(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), []model.FileChange{
		{Path: "", Content: "x"},
		{Path: "a.py", Content: "x = 1\n", Action: "delete"},
		{Path: "b.py", Content: strings.Repeat("x", 1<<20+1)},
	})
	issues := issuesOf(t, err)
	if len(issues) != 3 {
		t.Fatalf("expected 3 field issues, got %v", issues)
	}
	for _, i := range issues {
		if i.Kind != KindField {
			t.Errorf("expected field issue, got %+v", i)
		}
	}
}

func TestValidateEmptyContentAndDuplicates(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), []model.FileChange{
		{Path: "app/a.py", Content: "   \n"},
		{Path: "app/b.py", Content: "x = 1\n"},
		{Path: "app/./b.py", Content: "x = 2\n"},
	})
	issues := issuesOf(t, err)
	if !hasKind(issues, KindEmpty) || !hasKind(issues, KindDuplicate) {
		t.Errorf("expected empty and duplicate issues, got %v", issues)
	}
}

func TestValidateSyntaxErrorsCarryLines(t *testing.T) {
	v, _ := newTestValidator(t)
	tests := []struct {
		path    string
		content string
		line    int
	}{
		{"app/broken.py", "def ok():\n    return 1\n\ndef broken(:\n    pass\n", 4},
		{"web/broken.ts", "const x: number = 1;\nfunction f( {\n", 2},
		{"config/broken.json", "{\n  \"a\": 1,\n  \"b\": \n}", 4},
		{"config/broken.yaml", "a: 1\nb: c: d\n", 2},
	}
	for _, tt := range tests {
		_, err := v.Validate(context.Background(), []model.FileChange{{Path: tt.path, Content: tt.content}})
		issues := issuesOf(t, err)
		if !hasKind(issues, KindSyntax) {
			t.Errorf("%s: expected syntax issue, got %v", tt.path, issues)
			continue
		}
		if issues[0].Line == 0 {
			t.Errorf("%s: expected a line number", tt.path)
		}
		if tt.line > 0 && issues[0].Line > tt.line {
			t.Errorf("%s: expected error at or before line %d, got %d", tt.path, tt.line, issues[0].Line)
		}
	}
}

func TestValidateImports(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), []model.FileChange{
		{Path: "app/x.py", Content: "import yaml\nimport flask\n\nx = 1\n"},
	})
	issues := issuesOf(t, err)
	if len(issues) != 1 || issues[0].Kind != KindImport || issues[0].Line != 2 {
		t.Fatalf("expected one import issue on line 2, got %v", issues)
	}

	_, err = v.Validate(context.Background(), []model.FileChange{
		{Path: "web/App.tsx", Content: "import React from 'react'\nimport fs from 'node:fs'\nimport { x } from './x'\nimport lodash from 'lodash'\nexport const a = 1\n"},
	})
	issues = issuesOf(t, err)
	if len(issues) != 1 || !strings.Contains(issues[0].Message, "lodash") {
		t.Fatalf("expected lodash import issue, got %v", issues)
	}
}

func TestValidateImportOfProposedModule(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), []model.FileChange{
		{Path: "workers/queue.py", Content: "def push():\n    pass\n"},
		{Path: "app/y.py", Content: "from workers.queue import push\n"},
	})
	if err != nil {
		t.Fatalf("expected module added by the same proposal to resolve: %v", err)
	}
}

func TestValidateAsyncHeuristics(t *testing.T) {
	v, _ := newTestValidator(t)
	src := "import time\n\nasync def handler():\n    time.sleep(1)\n    return 1\n"
	_, err := v.Validate(context.Background(), []model.FileChange{{Path: "app/h.py", Content: src}})
	issues := issuesOf(t, err)
	if len(issues) != 1 || issues[0].Kind != KindAsync || issues[0].Line != 4 {
		t.Fatalf("expected blocking call on line 4, got %v", issues)
	}

	res, err := v.Validate(context.Background(), []model.FileChange{{Path: "app/h.py", Content: "async def handler():\n    return 1\n"}})
	if err != nil {
		t.Fatalf("missing await should only warn: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != KindAsync {
		t.Errorf("expected one async warning, got %v", res.Warnings)
	}

	res, err = v.Validate(context.Background(), []model.FileChange{{Path: "app/h.py", Content: "import time\n\ndef sync():\n    time.sleep(1)\n"}})
	if err != nil || len(res.Warnings) != 0 {
		t.Errorf("sync code must not be flagged: %v %v", err, res.Warnings)
	}
}

func TestValidateAppliesCorrections(t *testing.T) {
	v, _ := newTestValidator(t)
	src := "from redis import Redis\r\n\r\nasync def get(k):\r\n    await asyncio.sleep(0)\r\n    return await Redis().get(k)\r\n"
	res, err := v.Validate(context.Background(), []model.FileChange{{Path: "app/cache.py", Content: src, Action: model.ChangeCreate}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res.Files[0].Content
	if strings.Contains(got, "\r") {
		t.Error("expected CRLF normalized")
	}
	if !strings.Contains(got, "from redis.asyncio import Redis") {
		t.Error("expected redis import corrected")
	}
	if !strings.Contains(got, "import asyncio\n") {
		t.Error("expected asyncio import added")
	}
	if len(res.Corrections) != 3 {
		t.Errorf("expected 3 corrections, got %v", res.Corrections)
	}
}

func TestNewRequiresRules(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
