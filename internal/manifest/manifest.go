// Package manifest reads the project's declared dependencies from
// requirements.txt, package.json and go.mod.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/mod/modfile"
)

// Ecosystem names a package registry.
type Ecosystem string

const (
	Pip Ecosystem = "pip"
	NPM Ecosystem = "npm"
	Go  Ecosystem = "go"
)

// Manifest file names, relative to the project root.
const (
	RequirementsFile = "requirements.txt"
	PackageJSONFile  = "package.json"
	GoModFile        = "go.mod"
)

// Dependency is one declared package.
type Dependency struct {
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	Ecosystem Ecosystem `json:"ecosystem"`
	Dev       bool      `json:"dev,omitempty"`
}

// Manifest is the union of every manifest found at the project root.
type Manifest struct {
	Files []string     `json:"files"`
	Deps  []Dependency `json:"deps"`
}

// importAliases maps Python import names to the distribution names that
// provide them when the two differ.
var importAliases = map[string]string{
	"yaml":      "pyyaml",
	"pil":       "pillow",
	"cv2":       "opencv-python",
	"sklearn":   "scikit-learn",
	"bs4":       "beautifulsoup4",
	"dateutil":  "python-dateutil",
	"jwt":       "pyjwt",
	"dotenv":    "python-dotenv",
	"jose":      "python-jose",
	"magic":     "python-magic",
	"multipart": "python-multipart",
	"socketio":  "python-socketio",
	"psycopg2":  "psycopg2-binary",
}

// Load reads every known manifest under root. Missing files are skipped;
// a root with no manifest yields an empty Manifest.
func Load(root string) (*Manifest, error) {
	m := &Manifest{}

	parsers := []struct {
		file  string
		parse func([]byte) ([]Dependency, error)
	}{
		{RequirementsFile, ParseRequirements},
		{PackageJSONFile, ParsePackageJSON},
		{GoModFile, ParseGoMod},
	}
	for _, p := range parsers {
		data, err := os.ReadFile(filepath.Join(root, p.file))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("manifest: read %s: %w", p.file, err)
		}
		deps, err := p.parse(data)
		if err != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", p.file, err)
		}
		m.Files = append(m.Files, p.file)
		m.Deps = append(m.Deps, deps...)
	}
	return m, nil
}

// ParseRequirements parses a pip requirements file. Options, includes,
// URLs and comments are ignored.
func ParseRequirements(data []byte) ([]Dependency, error) {
	var deps []Dependency
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") || strings.Contains(line, "://") {
			continue
		}
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		name, version := line, ""
		if i := strings.IndexAny(line, "=<>!~ "); i >= 0 {
			name, version = line[:i], strings.TrimSpace(line[i:])
		}
		if i := strings.Index(name, "["); i >= 0 {
			name = name[:i]
		}
		if name == "" {
			continue
		}
		deps = append(deps, Dependency{Name: NormalizePip(name), Version: version, Ecosystem: Pip})
	}
	return deps, nil
}

// ParsePackageJSON reads dependencies and devDependencies.
func ParsePackageJSON(data []byte) ([]Dependency, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	var deps []Dependency
	for _, section := range []string{"dependencies", "devDependencies"} {
		dev := section == "devDependencies"
		gjson.GetBytes(data, section).ForEach(func(k, v gjson.Result) bool {
			deps = append(deps, Dependency{Name: k.String(), Version: v.String(), Ecosystem: NPM, Dev: dev})
			return true
		})
	}
	return deps, nil
}

// ParseGoMod reads the require block of a go.mod file.
func ParseGoMod(data []byte) ([]Dependency, error) {
	f, err := modfile.Parse(GoModFile, data, nil)
	if err != nil {
		return nil, err
	}
	deps := make([]Dependency, 0, len(f.Require))
	for _, r := range f.Require {
		deps = append(deps, Dependency{Name: r.Mod.Path, Version: r.Mod.Version, Ecosystem: Go, Dev: r.Indirect})
	}
	return deps, nil
}

// NormalizePip lowercases a distribution name and folds _ and . into -.
func NormalizePip(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

// Has reports whether the ecosystem declares name.
func (m *Manifest) Has(eco Ecosystem, name string) bool {
	if m == nil {
		return false
	}
	if eco == Pip {
		name = NormalizePip(name)
	}
	for _, d := range m.Deps {
		if d.Ecosystem == eco && d.Name == name {
			return true
		}
	}
	return false
}

// HasPythonModule reports whether a top-level import name is provided by
// a declared pip distribution.
func (m *Manifest) HasPythonModule(module string) bool {
	module = strings.ToLower(module)
	if m.Has(Pip, module) {
		return true
	}
	if alias, ok := importAliases[module]; ok && m.Has(Pip, alias) {
		return true
	}
	return false
}

// HasNPMPackage reports whether a JS import specifier resolves to a
// declared package. Scoped and deep imports are reduced to the package.
func (m *Manifest) HasNPMPackage(spec string) bool {
	parts := strings.Split(spec, "/")
	name := parts[0]
	if strings.HasPrefix(spec, "@") && len(parts) > 1 {
		name = parts[0] + "/" + parts[1]
	}
	return m.Has(NPM, name)
}

// Names returns the sorted dependency names for one ecosystem.
func (m *Manifest) Names(eco Ecosystem) []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, d := range m.Deps {
		if d.Ecosystem == eco {
			out = append(out, d.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Render formats the manifest as one "ecosystem name version" line per
// dependency. limit < 0 means no limit.
func (m *Manifest) Render(limit int) string {
	if m == nil || len(m.Deps) == 0 {
		return ""
	}
	var b strings.Builder
	for i, d := range m.Deps {
		if limit >= 0 && i >= limit {
			fmt.Fprintf(&b, "... %d more\n", len(m.Deps)-limit)
			break
		}
		line := string(d.Ecosystem) + " " + d.Name
		if d.Version != "" {
			line += " " + d.Version
		}
		if d.Dev {
			line += " (dev)"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
