package deploy

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/layout"
)

type manifestJSON struct {
	Version string   `json:"version"`
	Modules []Module `json:"modules"`
}

func buildArchive(t *testing.T, path string, m manifestJSON, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	data, err := json.Marshal(m)
	require.NoError(t, err)

	mw, err := zw.Create(manifestEntry)
	require.NoError(t, err)
	_, err = mw.Write(data)
	require.NoError(t, err)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
}

func TestInstallHappyPath(t *testing.T) {
	root := t.TempDir()
	lm := layout.New(root)
	d := New(lm, root, nil, nil)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	buildArchive(t, archive, manifestJSON{
		Version: "1.0.0",
		Modules: []Module{
			{Name: "app", Src: "app/bin", Dst: filepath.Join(root, "versions", "1.0.0", "app")},
		},
	}, map[string]string{"app/bin": "binary-payload"})

	path, err := d.Install(archive, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, d.Commit("1.0.0"))

	got, err := os.ReadFile(filepath.Join(path, "app"))
	require.NoError(t, err)
	require.Equal(t, "binary-payload", string(got))

	resolved, err := lm.Resolve("current")
	require.NoError(t, err)
	require.Equal(t, path, resolved)
}

func TestInstallRejectsVersionMismatch(t *testing.T) {
	root := t.TempDir()
	lm := layout.New(root)
	d := New(lm, root, nil, nil)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	buildArchive(t, archive, manifestJSON{
		Version: "2.0.0",
		Modules: []Module{{Name: "app", Src: "app/bin", Dst: "/opt/app"}},
	}, map[string]string{"app/bin": "x"})

	_, err := d.Install(archive, "1.0.0")
	require.Error(t, err)
	require.Equal(t, errcode.VersionMismatch, errcode.CodeOf(err))
}

func TestInstallRejectsMissingSource(t *testing.T) {
	root := t.TempDir()
	lm := layout.New(root)
	d := New(lm, root, nil, nil)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	buildArchive(t, archive, manifestJSON{
		Version: "1.0.0",
		Modules: []Module{{Name: "app", Src: "app/missing", Dst: "/opt/app"}},
	}, map[string]string{"app/bin": "x"})

	_, err := d.Install(archive, "1.0.0")
	require.Error(t, err)
	require.Equal(t, errcode.MissingSource, errcode.CodeOf(err))
}

func TestInstallRejectsPathTraversalDst(t *testing.T) {
	root := t.TempDir()
	lm := layout.New(root)
	d := New(lm, root, nil, nil)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	buildArchive(t, archive, manifestJSON{
		Version: "1.0.0",
		Modules: []Module{{Name: "app", Src: "app/bin", Dst: "/opt/../../etc/app"}},
	}, map[string]string{"app/bin": "x"})

	_, err := d.Install(archive, "1.0.0")
	require.Error(t, err)
	require.Equal(t, errcode.InvalidManifest, errcode.CodeOf(err))
}

func TestInstallRejectsDstOutsideWhitelist(t *testing.T) {
	root := t.TempDir()
	lm := layout.New(root)
	d := New(lm, root, []string{"/opt/allowed"}, nil)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	buildArchive(t, archive, manifestJSON{
		Version: "1.0.0",
		Modules: []Module{{Name: "app", Src: "app/bin", Dst: "/opt/forbidden/app"}},
	}, map[string]string{"app/bin": "x"})

	_, err := d.Install(archive, "1.0.0")
	require.Error(t, err)
	require.Equal(t, errcode.PathTraversal, errcode.CodeOf(err))
}

func TestInstallRejectsMissingManifest(t *testing.T) {
	root := t.TempDir()
	lm := layout.New(root)
	d := New(lm, root, nil, nil)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, _ := zw.Create("readme.txt")
	w.Write([]byte("no manifest here"))
	zw.Close()
	f.Close()

	_, err = d.Install(archive, "1.0.0")
	require.Error(t, err)
	require.Equal(t, errcode.InvalidManifest, errcode.CodeOf(err))
}
