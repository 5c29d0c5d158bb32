package deploy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ecairns22/otad/internal/errcode"
)

// Module is one entry of the manifest's ordered module list. Its
// position also determines service start order for any module whose
// Name names a service.
type Module struct {
	Name string `json:"name"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`
}

// Manifest is the closed record parsed from manifest.json at the
// archive root. No string-keyed map survives past ParseManifest: every
// field is a named, typed value.
type Manifest struct {
	Version string
	Modules []Module
}

type rawManifest struct {
	Version string   `json:"version"`
	Modules []Module `json:"modules"`
}

// rootNames is the set of archive entries ParseManifest inspects to
// validate that every module's Src is actually present.
type rootNames map[string]bool

// ParseManifest validates raw manifest.json bytes against
// expectedVersion and the archive's entry list, returning a Manifest
// with no further validation required by callers.
func ParseManifest(data []byte, expectedVersion string, archiveEntries []string) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errcode.Wrap(errcode.InvalidManifest, fmt.Errorf("parsing manifest.json: %w", err))
	}

	if raw.Version == "" {
		return nil, errcode.New(errcode.InvalidManifest, "manifest is missing version")
	}
	if raw.Version != expectedVersion {
		return nil, errcode.New(errcode.VersionMismatch, "manifest version %s does not match expected %s", raw.Version, expectedVersion)
	}
	if len(raw.Modules) == 0 {
		return nil, errcode.New(errcode.InvalidManifest, "manifest has no modules")
	}

	entries := make(rootNames, len(archiveEntries))
	for _, e := range archiveEntries {
		entries[e] = true
	}

	for i, m := range raw.Modules {
		if m.Name == "" {
			return nil, errcode.New(errcode.InvalidManifest, "module %d is missing name", i)
		}
		if m.Src == "" {
			return nil, errcode.New(errcode.InvalidManifest, "module %s is missing src", m.Name)
		}
		if m.Dst == "" {
			return nil, errcode.New(errcode.InvalidManifest, "module %s is missing dst", m.Name)
		}
		if containsDotDotSegment(m.Dst) {
			return nil, errcode.New(errcode.InvalidManifest, "module %s dst contains ..: %s", m.Name, m.Dst)
		}
		if !filepath.IsAbs(m.Dst) {
			return nil, errcode.New(errcode.InvalidManifest, "module %s dst is not absolute: %s", m.Name, m.Dst)
		}
		if !entries[m.Src] {
			return nil, errcode.New(errcode.MissingSource, "module %s src %s is not present in archive", m.Name, m.Src)
		}
	}

	return &Manifest{Version: raw.Version, Modules: raw.Modules}, nil
}

// ValidateDestination checks that dst either falls inside installRoot
// or matches one of the operator-supplied whitelisted roots. Paths
// matching neither are a path-traversal violation.
func ValidateDestination(dst, installRoot string, whitelist []string) error {
	clean := filepath.Clean(dst)

	if within(clean, filepath.Clean(installRoot)) {
		return nil
	}
	for _, root := range whitelist {
		if within(clean, filepath.Clean(root)) {
			return nil
		}
	}
	return errcode.New(errcode.PathTraversal, "destination %s is outside install root and whitelist", dst)
}

// containsDotDotSegment reports whether any path segment of dst,
// before normalization, is literally "..". Checking the raw path
// (rather than the cleaned one) is what catches an explicit traversal
// attempt instead of silently normalizing it away.
func containsDotDotSegment(dst string) bool {
	for _, seg := range strings.Split(dst, string(filepath.Separator)) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}
