// Package deploy transforms a verified archive on disk into a new
// materialized version directory, and commits it as current via the
// version layout manager.
package deploy

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/layout"
)

const manifestEntry = "manifest.json"

// Deployer installs verified archives into the version layout.
type Deployer struct {
	layout      *layout.Manager
	installRoot string
	whitelist   []string
	log         *logrus.Entry
}

// New creates a Deployer. whitelist is the operator-supplied set of
// destination roots outside installRoot that a manifest's dst entries
// are permitted to target.
func New(lm *layout.Manager, installRoot string, whitelist []string, log *logrus.Entry) *Deployer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Deployer{layout: lm, installRoot: installRoot, whitelist: whitelist, log: log.WithField("component", "deploy")}
}

// Install opens archivePath, validates its manifest against
// expectedVersion, and materializes a new version directory mirroring
// the module layout. Returns the path to the newly installed version.
func (d *Deployer) Install(archivePath, expectedVersion string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", errcode.Wrap(errcode.InvalidManifest, fmt.Errorf("opening archive: %w", err))
	}
	defer zr.Close()

	byName := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
		names = append(names, f.Name)
	}

	manifestFile, ok := byName[manifestEntry]
	if !ok {
		return "", errcode.New(errcode.InvalidManifest, "archive is missing %s", manifestEntry)
	}
	manifestData, err := readZipFile(manifestFile)
	if err != nil {
		return "", errcode.Wrap(errcode.InvalidManifest, err)
	}

	manifest, err := ParseManifest(manifestData, expectedVersion, names)
	if err != nil {
		return "", err
	}

	for _, m := range manifest.Modules {
		if err := ValidateDestination(m.Dst, d.installRoot, d.whitelist); err != nil {
			return "", err
		}
	}

	path, err := d.layout.Materialize(manifest.Version, func(staging string) error {
		for _, m := range manifest.Modules {
			src := byName[m.Src]
			if err := extractModule(staging, src, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ec := errcode.CodeOf(err); ec != "" {
			return "", err
		}
		return "", errcode.Wrap(errcode.DeploymentFailed, err)
	}

	d.log.WithField("version", manifest.Version).Info("installed version")
	return path, nil
}

// Commit switches current to the given installed version.
func (d *Deployer) Commit(version string) error {
	if err := d.layout.Switch(version); err != nil {
		return errcode.Wrap(errcode.DeploymentFailed, err)
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// extractModule copies the module's single Src archive entry into
// stagingDir as a file named by the module's own Name, via
// tempfile-then-rename.
func extractModule(stagingDir string, src *zip.File, m Module) error {
	destDir := filepath.Join(stagingDir, m.Name)
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("creating module parent dir: %w", err)
	}

	rc, err := src.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", m.Src, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return err
	}

	tmp := destDir + ".tmp-" + uuid.NewString()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", m.Name, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", m.Name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, destDir); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", m.Name, err)
	}
	return nil
}
