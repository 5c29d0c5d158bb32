package orchestrator

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecairns22/otad/internal/deploy"
	"github.com/ecairns22/otad/internal/download"
	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/history"
	"github.com/ecairns22/otad/internal/layout"
	"github.com/ecairns22/otad/internal/progress"
	"github.com/ecairns22/otad/internal/runner"
	"github.com/ecairns22/otad/internal/service"
	"github.com/ecairns22/otad/internal/state"
)

type testManifestModule struct {
	Name string `json:"name"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`
}

type testManifest struct {
	Version string               `json:"version"`
	Modules []testManifestModule `json:"modules"`
}

// buildPackage writes a zip archive containing manifest.json plus a
// single "app/bin" module entry and returns its bytes and MD5 hex.
func buildPackage(t *testing.T, version, payload string) ([]byte, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pkg.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	data, err := json.Marshal(testManifest{
		Version: version,
		Modules: []testManifestModule{
			{Name: "app", Src: "app/bin", Dst: "/opt/app"},
		},
	})
	require.NoError(t, err)

	mw, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = mw.Write(data)
	require.NoError(t, err)

	fw, err := zw.Create("app/bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte(payload))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := fmt.Sprintf("%x", md5.Sum(raw))
	return raw, sum
}

type harness struct {
	o       *Orchestrator
	bus     *progress.Bus
	ledger  *history.Ledger
	lm      *layout.Manager
	store   *state.Store
	runner  *runner.FakeRunner
	server  *httptest.Server
	root    string
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newHarness(t *testing.T, pkgData []byte) *harness {
	return newHarnessWithTimeouts(t, pkgData, 2*time.Second, time.Second)
}

func newHarnessWithTimeouts(t *testing.T, pkgData []byte, startTimeout, stopTimeout time.Duration) *harness {
	t.Helper()
	root := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(pkgData)
	}))
	t.Cleanup(server.Close)

	lm := layout.New(root)
	dp := deploy.New(lm, root, []string{"/opt/app"}, nil)
	dl := download.New(nil)
	store := state.New(filepath.Join(root, "state.json"), nil)

	fr := runner.NewFakeRunner()
	fr.SetFallback(runner.Response{Stdout: "active"})
	svc := service.New(fr)

	bus := progress.New()
	ledger, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	cfg := Config{
		InstallRoot:  root,
		ServiceOrder: []string{"gatekeeper", "worker"},
		StartTimeout: startTimeout,
		StopTimeout:  stopTimeout,
	}
	o := New(cfg, store, lm, dl, dp, svc, bus, ledger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(stopped)
	}()

	h := &harness{o: o, bus: bus, ledger: ledger, lm: lm, store: store, runner: fr, server: server, root: root, cancel: cancel, stopped: stopped}
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) pkg(version, url, fileName string, size int64, md5hex string) PackageDescriptor {
	return PackageDescriptor{Version: version, URL: url, FileName: fileName, SizeBytes: size, MD5Hex: md5hex}
}

func waitForStage(t *testing.T, h *harness, stage state.Stage, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.bus.Current().Stage == stage {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stage %s, last seen %s", stage, h.bus.Current().Stage)
}

func TestHappyPathReachesSuccess(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)

	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	err = h.o.StartInstall(context.Background(), "1.1.0")
	require.NoError(t, err)

	waitForStage(t, h, state.StageSuccess, 5*time.Second)

	resolved, err := h.lm.Resolve("current")
	require.NoError(t, err)
	require.Contains(t, resolved, "1.1.0")
}

func TestMD5MismatchFailsDownload(t *testing.T) {
	data, _ := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), "deadbeefdeadbeefdeadbeefdeadbeef"))
	require.NoError(t, err)

	waitForStage(t, h, state.StageFailed, 2*time.Second)
}

func TestTrustWindowExpiryBlocksInstall(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)
	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	h.o.submit(func() {
		h.o.current.VerifiedAt = time.Now().UTC().Add(-25 * time.Hour)
	})

	err = h.o.StartInstall(context.Background(), "1.1.0")
	require.Error(t, err)
	require.Equal(t, errcode.PackageExpired, errcode.CodeOf(err))
}

func TestAtMostOneConflictsOnNewTriggerDuringInstall(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)
	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	err = h.o.StartInstall(context.Background(), "1.1.0")
	require.NoError(t, err)

	err = h.o.StartDownload(context.Background(), h.pkg("2.0.0", h.server.URL, "other.zip", int64(len(data)), sum))
	require.Error(t, err)
	require.Equal(t, errcode.Conflict, errcode.CodeOf(err))

	waitForStage(t, h, state.StageSuccess, 5*time.Second)
}

func TestResumeSameURLIsIdempotent(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	url := h.server.URL
	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", url, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)

	// Re-trigger with the same URL before completion: must not CONFLICT.
	err = h.o.StartDownload(context.Background(), h.pkg("1.1.0", url, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)

	waitForStage(t, h, state.StageToInstall, 2*time.Second)
}

func TestCrashMidInstallRecoversAtStartup(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	root := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	lm := layout.New(root)
	store := state.New(filepath.Join(root, "state.json"), nil)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0755))
	stagingFile := filepath.Join(root, "tmp", "pkg.zip")
	require.NoError(t, os.WriteFile(stagingFile, data, 0644))

	require.NoError(t, store.Save(&state.PersistentState{
		URL:       server.URL,
		FileName:  "pkg.zip",
		SizeBytes: int64(len(data)),
		MD5Hex:    sum,
		Stage:     state.StageInstalling,
	}))

	dp := deploy.New(lm, root, nil, nil)
	dl := download.New(nil)
	fr := runner.NewFakeRunner()
	fr.SetFallback(runner.Response{Stdout: "active"})
	svc := service.New(fr)
	bus := progress.New()
	ledger, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	defer ledger.Close()

	cfg := Config{
		InstallRoot:  root,
		ServiceOrder: []string{"gatekeeper"},
		StartTimeout: time.Second,
		StopTimeout:  time.Second,
	}
	o := New(cfg, store, lm, dl, dp, svc, bus, ledger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { o.Run(ctx); close(stopped) }()
	defer func() { cancel(); <-stopped }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bus.Current().Stage == state.StageIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, state.StageIdle, bus.Current().Stage)

	_, err = os.Stat(stagingFile)
	require.True(t, os.IsNotExist(err), "staging file must be cleaned up on crash recovery")

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestInstallFailureRollsBackToPrevious(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarnessWithTimeouts(t, data, 300*time.Millisecond, 100*time.Millisecond)

	// Seed an already-installed "1.0.0" as current.
	oldData, _ := buildPackage(t, "1.0.0", "binary-v1.0.0")
	oldDeployer := deploy.New(h.lm, h.root, []string{"/opt/app"}, nil)
	oldArchive := filepath.Join(t.TempDir(), "old.zip")
	require.NoError(t, os.WriteFile(oldArchive, oldData, 0644))
	_, err := oldDeployer.Install(oldArchive, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, h.lm.Switch("1.0.0"))

	err = h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)
	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	// The new version's service never reports healthy, so committing
	// it must trigger a rollback; installing 1.1.0 made "previous"
	// point at the 1.0.0 that was current before the commit.
	h.runner.SetResponse("systemctl is-active gatekeeper", runner.Response{Stdout: "inactive"})

	err = h.o.StartInstall(context.Background(), "1.1.0")
	require.NoError(t, err)

	waitForStage(t, h, state.StageFailed, 5*time.Second)

	resolved, err := h.lm.Resolve("current")
	require.NoError(t, err)
	require.Contains(t, resolved, "1.0.0")
}

func TestVersionMismatchRejectsInstallSynchronously(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)
	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	err = h.o.StartInstall(context.Background(), "9.9.9")
	require.Error(t, err)
	require.Equal(t, errcode.VersionMismatch, errcode.CodeOf(err))

	// Rejected synchronously: the parked package and its trust window
	// are untouched, still ready for the correct version to install.
	require.Equal(t, state.StageToInstall, h.bus.Current().Stage)

	err = h.o.StartInstall(context.Background(), "1.1.0")
	require.NoError(t, err)
	waitForStage(t, h, state.StageSuccess, 5*time.Second)
}

func TestDuplicateDownloadTriggerWhileInFlightIsNoOp(t *testing.T) {
	var requests int32
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")

	root := t.TempDir()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(200 * time.Millisecond)
		w.Write(data)
	}))
	defer server.Close()

	lm := layout.New(root)
	dp := deploy.New(lm, root, nil, nil)
	dl := download.New(nil)
	store := state.New(filepath.Join(root, "state.json"), nil)
	fr := runner.NewFakeRunner()
	fr.SetFallback(runner.Response{Stdout: "active"})
	svc := service.New(fr)
	bus := progress.New()
	ledger, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	defer ledger.Close()

	cfg := Config{InstallRoot: root, ServiceOrder: []string{"gatekeeper"}, StartTimeout: time.Second, StopTimeout: time.Second}
	o := New(cfg, store, lm, dl, dp, svc, bus, ledger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { o.Run(ctx); close(stopped) }()
	defer func() { cancel(); <-stopped }()

	pkg := PackageDescriptor{Version: "1.1.0", URL: server.URL, FileName: "pkg.zip", SizeBytes: int64(len(data)), MD5Hex: sum}

	require.NoError(t, o.StartDownload(context.Background(), pkg))
	// Re-trigger while the first download is still in flight.
	require.NoError(t, o.StartDownload(context.Background(), pkg))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && bus.Current().Stage != state.StageToInstall {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, state.StageToInstall, bus.Current().Stage)
	require.Equal(t, int32(1), atomic.LoadInt32(&requests), "duplicate trigger must not start a second downloader")
}

func TestToInstallSameURLReTriggerIsNoOp(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarness(t, data)

	err := h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)
	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	var verifiedAt time.Time
	h.o.submit(func() { verifiedAt = h.o.current.VerifiedAt })

	err = h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)

	var stageAfter state.Stage
	var verifiedAtAfter time.Time
	h.o.submit(func() {
		stageAfter = h.o.current.Stage
		verifiedAtAfter = h.o.current.VerifiedAt
	})
	require.Equal(t, state.StageToInstall, stageAfter)
	require.True(t, verifiedAt.Equal(verifiedAtAfter), "re-trigger with the same URL must not reset verified_at")
}

func TestInstallFailureRollsBackToFactoryWhenNoPrevious(t *testing.T) {
	data, sum := buildPackage(t, "1.1.0", "binary-v1.1.0")
	h := newHarnessWithTimeouts(t, data, 300*time.Millisecond, 100*time.Millisecond)

	// A freshly shipped device: only "factory" is materialized and
	// symlinked. Neither "current" nor "previous" exists yet, so the
	// first failed install has no level-1 target to fall back to.
	factoryData, _ := buildPackage(t, "0.9.0", "binary-factory")
	factoryDeployer := deploy.New(h.lm, h.root, []string{"/opt/app"}, nil)
	factoryArchive := filepath.Join(t.TempDir(), "factory.zip")
	require.NoError(t, os.WriteFile(factoryArchive, factoryData, 0644))
	factoryDir, err := factoryDeployer.Install(factoryArchive, "0.9.0")
	require.NoError(t, err)

	factoryLink := filepath.Join(h.root, "factory")
	require.NoError(t, os.Symlink(factoryDir, factoryLink))

	err = h.o.StartDownload(context.Background(), h.pkg("1.1.0", h.server.URL, "pkg.zip", int64(len(data)), sum))
	require.NoError(t, err)
	waitForStage(t, h, state.StageToInstall, 2*time.Second)

	h.runner.SetResponse("systemctl is-active gatekeeper", runner.Response{Stdout: "inactive"})

	err = h.o.StartInstall(context.Background(), "1.1.0")
	require.NoError(t, err)

	waitForStage(t, h, state.StageFailed, 5*time.Second)

	resolved, err := h.lm.Resolve("current")
	require.NoError(t, err)
	require.Contains(t, resolved, "0.9.0")
}
