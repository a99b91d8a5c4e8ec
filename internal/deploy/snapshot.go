package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/model"
)

const manifestFile = "manifest.json"

var validSnapshotID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Entry records the pre-apply state of one live path.
type Entry struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	SHA256  string      `json:"sha256,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	// Applied is the hash of the content the apply wrote.
	Applied string `json:"applied_sha256,omitempty"`
}

// Snapshot is the manifest of one apply.
type Snapshot struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    []Entry   `json:"entries"`
	// Dirs lists directories the apply had to create, parents first.
	Dirs []string `json:"dirs,omitempty"`
}

// Snapshot loads a manifest by id.
func (c *Controller) Snapshot(id string) (*Snapshot, error) {
	if !validSnapshotID.MatchString(id) {
		return nil, fmt.Errorf("deploy: invalid snapshot id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(c.snapshots, id, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("deploy: read snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("deploy: parse snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (c *Controller) backupPath(id, rel string) string {
	return filepath.Join(c.snapshots, id, "files", filepath.FromSlash(rel))
}

// snapshot copies every existing target aside and writes the manifest.
func (c *Controller) snapshot(p *model.Proposal, targets []string) (snap *Snapshot, err error) {
	snap = &Snapshot{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		CreatedAt:  time.Now().UTC(),
		Entries:    make([]Entry, len(p.Files)),
	}
	dir := filepath.Join(c.snapshots, snap.ID)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0755); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	seenDirs := make(map[string]bool)
	for i, f := range p.Files {
		rel := path.Clean(f.Path)
		e := Entry{Path: rel}
		info, err := os.Lstat(targets[i])
		switch {
		case errors.Is(err, fs.ErrNotExist):
			for _, d := range c.missingDirs(rel) {
				if !seenDirs[d] {
					seenDirs[d] = true
					snap.Dirs = append(snap.Dirs, d)
				}
			}
		case err != nil:
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		case !info.Mode().IsRegular():
			return nil, fmt.Errorf("snapshot %s: not a regular file", rel)
		default:
			sum, err := copyHashed(targets[i], c.backupPath(snap.ID, rel))
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: %w", rel, err)
			}
			e.Existed = true
			e.SHA256 = sum
			e.Mode = info.Mode().Perm()
		}
		snap.Entries[i] = e
	}
	if err := c.writeManifest(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// missingDirs returns the ancestors of rel that do not exist, outermost first.
func (c *Controller) missingDirs(rel string) []string {
	var out []string
	for d := path.Dir(rel); d != "." && d != "/"; d = path.Dir(d) {
		abs, err := c.rules.Resolve(d)
		if err != nil {
			break
		}
		if _, err := os.Stat(abs); err == nil {
			break
		}
		out = append([]string{d}, out...)
	}
	return out
}

func (c *Controller) writeManifest(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeAtomic(filepath.Join(c.snapshots, snap.ID, manifestFile), data, 0644)
}

// writeEntry writes data over target, keeping the original mode of files
// that existed.
func (c *Controller) writeEntry(target string, e *Entry, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	mode := fs.FileMode(0644)
	if e.Existed {
		mode = e.Mode
	}
	if err := c.write(target, data, mode); err != nil {
		return err
	}
	e.Applied = hashBytes(data)
	return nil
}

// restoreEntry puts one path back to its snapshot state and verifies it.
func (c *Controller) restoreEntry(snap *Snapshot, e Entry) error {
	target, err := c.rules.Resolve(e.Path)
	if err != nil {
		return err
	}
	if e.Applied != "" {
		if live, err := hashFile(target); err == nil && live != e.Applied {
			c.log.Warn("live file changed since apply, restoring anyway",
				zap.String("snapshot", snap.ID), zap.String("path", e.Path))
		}
	}

	if !e.Existed {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	data, err := os.ReadFile(c.backupPath(snap.ID, e.Path))
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if hashBytes(data) != e.SHA256 {
		return fmt.Errorf("backup does not match recorded sha256")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := c.write(target, data, e.Mode); err != nil {
		return err
	}
	got, err := hashFile(target)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if got != e.SHA256 {
		return fmt.Errorf("verify: sha256 mismatch after restore")
	}
	return nil
}

// removeCreatedDirs removes directories the apply created, deepest first.
// Directories that are no longer empty are left alone.
func (c *Controller) removeCreatedDirs(snap *Snapshot) {
	for i := len(snap.Dirs) - 1; i >= 0; i-- {
		abs, err := c.rules.Resolve(snap.Dirs[i])
		if err != nil {
			continue
		}
		os.Remove(abs)
	}
}

func copyHashed(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
