// Package layout owns the on-disk versions/ tree and the three
// symlinks (current, previous, factory) that point into it. It is the
// only component allowed to mutate the symlink set, and it provides
// the sole atomic-switch primitive the rest of the engine relies on.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
)

const (
	versionsDir = "versions"
	current     = "current"
	previous    = "previous"
	factory     = "factory"
)

// Manager is the owner of root/versions/* and root/{current,previous,factory}.
type Manager struct {
	root string
}

// New returns a Manager rooted at root. root must already exist.
func New(root string) *Manager {
	return &Manager{root: root}
}

func (m *Manager) versionsPath() string {
	return filepath.Join(m.root, versionsDir)
}

func (m *Manager) versionPath(ver string) string {
	return filepath.Join(m.versionsPath(), ver)
}

func (m *Manager) symlinkPath(name string) string {
	return filepath.Join(m.root, name)
}

// Materialize creates a unique staging directory, hands it to populate
// to fill in, and on success renames it into versions/<ver>/. If a
// directory already exists at that path, the staging directory is
// discarded and an error returned — materialize never overwrites an
// existing version.
func (m *Manager) Materialize(ver string, populate func(stagingDir string) error) (string, error) {
	if err := os.MkdirAll(m.versionsPath(), 0755); err != nil {
		return "", fmt.Errorf("creating versions dir: %w", err)
	}

	staging := filepath.Join(m.versionsPath(), ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}

	if err := populate(staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	dest := m.versionPath(ver)
	if _, statErr := os.Lstat(dest); statErr == nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("version %s already materialized at %s", ver, dest)
	}

	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("renaming staging dir into place: %w", err)
	}
	return dest, nil
}

// Switch swaps previous := target_of(current), current := versions/target.
// Implemented as a temporary symlink renamed over the real one, which is
// atomic. previous is written first so a crash between the two writes
// never leaves current dangling.
func (m *Manager) Switch(targetVersion string) error {
	target := m.versionPath(targetVersion)
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("version %s is not materialized: %w", targetVersion, err)
	}

	if curTarget, err := os.Readlink(m.symlinkPath(current)); err == nil {
		if err := m.swapSymlink(previous, curTarget); err != nil {
			return fmt.Errorf("updating previous: %w", err)
		}
	}

	if err := m.swapSymlink(current, target); err != nil {
		return fmt.Errorf("updating current: %w", err)
	}
	return nil
}

func (m *Manager) swapSymlink(name, target string) error {
	link := m.symlinkPath(name)
	tmp := link + ".tmp-" + uuid.NewString()
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("creating temp symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp symlink over %s: %w", name, err)
	}
	return nil
}

// List returns installed versions under versions/, ordered by semantic
// version ascending; directories whose name does not parse as a
// semantic version sort last, ties broken by mtime.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.versionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading versions dir: %w", err)
	}

	type item struct {
		name  string
		ver   *version.Version
		mtime time.Time
	}
	var items []item
	for _, e := range entries {
		if !e.IsDir() || filepath.Base(e.Name())[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		v, _ := version.NewVersion(e.Name())
		items = append(items, item{name: e.Name(), ver: v, mtime: info.ModTime()})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ver != nil && b.ver != nil {
			if !a.ver.Equal(b.ver) {
				return a.ver.LessThan(b.ver)
			}
			return a.mtime.Before(b.mtime)
		}
		if a.ver != nil {
			return true
		}
		if b.ver != nil {
			return false
		}
		return a.mtime.Before(b.mtime)
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out, nil
}

// GC removes version directories that are not current, previous, or
// factory, beyond the most recent keepN entries.
func (m *Manager) GC(keepN int) error {
	all, err := m.List()
	if err != nil {
		return err
	}

	protected := map[string]bool{}
	for _, name := range []string{current, previous, factory} {
		if target, err := m.Resolve(name); err == nil {
			protected[filepath.Base(target)] = true
		}
	}

	var candidates []string
	for _, v := range all {
		if !protected[v] {
			candidates = append(candidates, v)
		}
	}

	if keepN < 0 {
		keepN = 0
	}
	if len(candidates) <= keepN {
		return nil
	}

	toRemove := candidates[:len(candidates)-keepN]
	for _, v := range toRemove {
		if err := os.RemoveAll(m.versionPath(v)); err != nil {
			return fmt.Errorf("removing version %s: %w", v, err)
		}
	}
	return nil
}

// MarkReadonly sets all files 0444 and directories 0555 under
// versions/<ver>/.
func (m *Manager) MarkReadonly(ver string) error {
	root := m.versionPath(ver)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0555)
		}
		return os.Chmod(path, 0444)
	})
}

// Resolve returns the directory a well-known symlink (current,
// previous, or factory) points to.
func (m *Manager) Resolve(name string) (string, error) {
	target, err := os.Readlink(m.symlinkPath(name))
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.root, versionsDir, target)
	}
	return target, nil
}

// IsReadonly reports whether the directory a symlink points to, and
// everything under it, is read-only (0444 files, 0555 dirs). Used to
// validate the factory invariant.
func (m *Manager) IsReadonly(name string) (bool, error) {
	root, err := m.Resolve(name)
	if err != nil {
		return false, err
	}
	ok := true
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		perm := info.Mode().Perm()
		if info.IsDir() {
			if perm&0222 != 0 {
				ok = false
			}
		} else if perm&0222 != 0 {
			ok = false
		}
		return nil
	})
	return ok, err
}
