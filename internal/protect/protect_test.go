package protect

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckRejectsUnsafePaths(t *testing.T) {
	r := NewDefault(t.TempDir())

	tests := []struct {
		path string
		kind Kind
	}{
		{"../../etc/passwd", KindTraversal},
		{"app/../../secret.py", KindTraversal},
		{"/etc/passwd", KindAbsolute},
		{"", KindInvalid},
		{`app\main.py`, KindInvalid},
		{"app/main.exe", KindExtension},
		{"app/main", KindExtension},
	}

	for _, tt := range tests {
		err := r.Check(tt.path)
		if err == nil {
			t.Errorf("%q: expected error", tt.path)
			continue
		}
		var pe *PathError
		if !errors.As(err, &pe) {
			t.Errorf("%q: expected PathError, got %T", tt.path, err)
			continue
		}
		if pe.Kind != tt.kind {
			t.Errorf("%q: expected kind %s, got %s", tt.path, tt.kind, pe.Kind)
		}
		if !errors.Is(err, ErrUnsafePath) {
			t.Errorf("%q: expected ErrUnsafePath", tt.path)
		}
	}
}

func TestCheckRejectsProtectedFiles(t *testing.T) {
	r := NewDefault(t.TempDir())

	for _, p := range []string{
		"app/core/auth.py",
		"backend/queen-ai/app/core/auth.py",
		"backend/queen-ai/app/config/settings.py",
		"contracts/Vesting.sol.md",
		"config/.env",
		"deploy/.ENV",
		".git/config.yaml",
		".changegate/config.yaml",
	} {
		err := r.Check(p)
		if p == "contracts/Vesting.sol.md" {
			// Different extension: not a contract source.
			if err != nil {
				t.Errorf("%q: expected allowed, got %v", p, err)
			}
			continue
		}
		if !errors.Is(err, ErrProtected) {
			t.Errorf("%q: expected ErrProtected, got %v", p, err)
		}
	}
}

func TestIsProtectedGlob(t *testing.T) {
	r := NewDefault(t.TempDir())

	if !r.IsProtected("contracts/OMKToken.sol") {
		t.Error("expected contracts/*.sol to be protected")
	}
	if !r.IsProtected("chain/contracts/TreasuryVault.sol") {
		t.Error("expected nested contracts/*.sol to be protected")
	}
	if r.IsProtected("contracts/sub/Other.sol") {
		t.Error("expected * not to cross directories")
	}
	if !r.IsProtected(".env.local") {
		t.Error("expected .env.local to be protected")
	}
	if r.IsProtected("app/environment.py") {
		t.Error("expected app/environment.py not to be protected")
	}
	for _, p := range []string{"App/Core/auth.py", "APP/CORE/AUTH.PY", "chain/Contracts/Vault.SOL"} {
		if !r.IsProtected(p) {
			t.Errorf("expected %s to be protected regardless of case", p)
		}
		if err := r.Check(p); err == nil {
			t.Errorf("expected Check to reject %s", p)
		}
	}
}

func TestCheckAllowsOrdinaryFiles(t *testing.T) {
	r := NewDefault(t.TempDir())

	for _, p := range []string{
		"app/services/cache.py",
		"frontend/src/App.tsx",
		"config/app.yaml",
		"README.md",
		"./app/main.py",
	} {
		if err := r.Check(p); err != nil {
			t.Errorf("%q: unexpected error: %v", p, err)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	r := NewDefault(root)
	err := r.Check("link/evil.py")
	var pe *PathError
	if !errors.As(err, &pe) || pe.Kind != KindOutside {
		t.Fatalf("expected outside_root error, got %v", err)
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	r, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(r.Patterns().Files) != len(DefaultPatterns.Files) {
		t.Errorf("expected default files, got %v", r.Patterns().Files)
	}
}

func TestLoadCustomPatterns(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "protect.yaml")
	content := "files:\n  - \"lib/critical.py\"\nextensions:\n  - py\n"
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(dir, file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !errors.Is(r.Check("lib/critical.py"), ErrProtected) {
		t.Error("expected lib/critical.py to be protected")
	}
	if err := r.Check("app/ui.ts"); err == nil {
		t.Error("expected .ts to be disallowed by custom extensions")
	}
	if err := r.Check("app/ok.py"); err != nil {
		t.Errorf("expected app/ok.py allowed, got %v", err)
	}
}

func TestReplaceSwapsPatterns(t *testing.T) {
	r := NewDefault(t.TempDir())
	if r.IsProtected("app/new.py") {
		t.Fatal("unexpected protection before replace")
	}
	p := r.Patterns()
	p.Files = append(p.Files, "app/new.py")
	r.Replace(p)
	if !r.IsProtected("app/new.py") {
		t.Error("expected app/new.py protected after replace")
	}
}
