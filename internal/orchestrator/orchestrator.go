// Package orchestrator is the single-writer state machine that drives
// an update from start_download through start_install to success or
// failure, including the two-level automatic rollback policy.
//
// All state transitions happen inside one goroutine's for-loop reading
// from a channel of closures. Public methods and worker goroutines
// that perform blocking I/O never mutate state directly; they submit
// a closure describing the mutation and wait for it to run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecairns22/otad/internal/deploy"
	"github.com/ecairns22/otad/internal/download"
	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/history"
	"github.com/ecairns22/otad/internal/layout"
	"github.com/ecairns22/otad/internal/progress"
	"github.com/ecairns22/otad/internal/service"
	"github.com/ecairns22/otad/internal/state"
)

const (
	trustWindow      = 24 * time.Hour
	progressPollSlop = 100 * time.Millisecond

	// gcKeepVersions bounds how many non-active version directories a
	// successful install leaves on disk.
	gcKeepVersions = 2
)

// Orchestrator coordinates the State Store, Version Layout Manager,
// Downloader, Deployer, and Service Controller through a single serial
// queue.
type Orchestrator struct {
	installRoot  string
	serviceOrder []string
	startTimeout time.Duration
	stopTimeout  time.Duration

	store      *state.Store
	layout     *layout.Manager
	downloader *download.Downloader
	deployer   *deploy.Deployer
	svc        *service.Controller
	bus        *progress.Bus
	ledger     *history.Ledger
	log        *logrus.Entry

	requests chan func()
	current  *state.PersistentState
	rootCtx  context.Context

	// downloadActive is true exactly while a download goroutine owns
	// the staging file for o.current. It is not persisted: a process
	// restart always starts with it false, which is what lets a
	// re-triggered start_download resume a download that was in
	// progress when the process crashed, while a duplicate trigger
	// against a download that is genuinely still running in this
	// process is a no-op instead of a second writer on the same file.
	downloadActive bool
}

// Config bundles everything Orchestrator needs from the environment.
type Config struct {
	InstallRoot  string
	ServiceOrder []string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// New constructs an Orchestrator from its collaborators. None of them
// are global singletons: every dependency is an explicit, injected
// value.
func New(cfg Config, store *state.Store, lm *layout.Manager, dl *download.Downloader, dp *deploy.Deployer, svc *service.Controller, bus *progress.Bus, ledger *history.Ledger, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		installRoot:  cfg.InstallRoot,
		serviceOrder: cfg.ServiceOrder,
		startTimeout: cfg.StartTimeout,
		stopTimeout:  cfg.StopTimeout,
		store:        store,
		layout:       lm,
		downloader:   dl,
		deployer:     dp,
		svc:          svc,
		bus:          bus,
		ledger:       ledger,
		log:          log.WithField("component", "orchestrator"),
		requests:     make(chan func(), 8),
	}
}

func (o *Orchestrator) stagingPath(fileName string) string {
	return filepath.Join(o.installRoot, "tmp", fileName)
}

// Run loads persisted state, performs startup recovery, and then
// drains the request queue until ctx is canceled. Callers run this in
// its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.rootCtx = ctx

	st, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	o.current = st
	o.recoverAtStartup()
	o.publish()

	for {
		select {
		case req := <-o.requests:
			req()
		case <-ctx.Done():
			return nil
		}
	}
}

// recoverAtStartup implements spec section 4.6's startup recovery
// table.
func (o *Orchestrator) recoverAtStartup() {
	if o.current == nil {
		return
	}
	switch o.current.Stage {
	case state.StageDownloading:
		// Retained as-is: no autonomous network activity, a
		// re-triggered start_download resumes it.
	case state.StageVerifying, state.StageInstalling, state.StageRebooting:
		o.log.WithField("stage", o.current.Stage).Warn("recovering from crash mid-operation")
		os.Remove(o.stagingPath(o.current.FileName))
		o.clearState()
		o.ensureCurrentValid()
	case state.StageToInstall:
		// Retained with its original verified_at.
	case state.StageSuccess, state.StageFailed, state.StageIdle:
		o.clearState()
	}
}

func (o *Orchestrator) ensureCurrentValid() {
	target, err := o.layout.Resolve("current")
	if err == nil {
		if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
			return
		}
		o.log.WithField("target", target).Warn("current points at a missing directory")
	}

	factoryPath, resolveErr := o.layout.Resolve("factory")
	if resolveErr != nil {
		o.log.WithError(resolveErr).Error("no factory image to recover current from")
		return
	}
	if switchErr := o.layout.Switch(filepath.Base(factoryPath)); switchErr != nil {
		o.log.WithError(switchErr).Error("failed to recover current to factory")
	}
}

func (o *Orchestrator) clearState() {
	o.current = nil
	if err := o.store.Clear(); err != nil {
		o.log.WithError(err).Warn("clearing state journal")
	}
}

func (o *Orchestrator) save() {
	if o.current == nil {
		return
	}
	o.current.LastUpdate = time.Now().UTC()
	if err := o.store.Save(o.current); err != nil {
		o.log.WithError(err).Error("saving state")
	}
}

func (o *Orchestrator) publish() {
	if o.current == nil {
		o.bus.Publish(progress.Snapshot{Stage: state.StageIdle})
		return
	}
	pct := 0
	if o.current.SizeBytes > 0 {
		pct = int(o.current.BytesDownloaded * 100 / o.current.SizeBytes)
	}
	var code errcode.Code
	o.bus.Publish(progress.Snapshot{Stage: o.current.Stage, Percent: pct, ErrorCode: code})
}

func (o *Orchestrator) recordHistory(version string, action history.Action, outcome history.Outcome, code errcode.Code, detail map[string]string) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.Append(context.Background(), history.Entry{
		Version:   version,
		Action:    action,
		Outcome:   outcome,
		ErrorCode: string(code),
		Detail:    detail,
		Timestamp: time.Now(),
	}); err != nil {
		o.log.WithError(err).Warn("recording history entry")
	}
}

// submit enqueues fn to run inside the single writer loop and blocks
// until it has run.
func (o *Orchestrator) submit(fn func()) {
	done := make(chan struct{})
	o.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

// StartDownload is the start_download(pkg) trigger.
func (o *Orchestrator) StartDownload(ctx context.Context, pkg PackageDescriptor) error {
	var result error
	o.submit(func() {
		result = o.handleStartDownload(ctx, pkg)
	})
	return result
}

func (o *Orchestrator) handleStartDownload(_ context.Context, pkg PackageDescriptor) error {
	resuming := false

	if o.current != nil {
		switch o.current.Stage {
		case state.StageVerifying, state.StageInstalling, state.StageRebooting:
			return errcode.New(errcode.Conflict, "update already in progress at stage %s", o.current.Stage)
		case state.StageDownloading:
			if o.current.URL != pkg.URL {
				return errcode.New(errcode.Conflict, "a different download is already in progress")
			}
			if o.downloadActive {
				// Identical trigger against a download already running
				// in this process: a no-op, not a second writer.
				return nil
			}
			// Same URL, but no goroutine owns it (we just restarted):
			// resume from the bytes already on disk.
			resuming = true
		case state.StageToInstall:
			if o.current.URL == pkg.URL {
				// Already downloaded and verified: a no-op that keeps
				// the existing verified_at, not a fresh download.
				return nil
			}
			// Different URL: falls through and replaces the package
			// that was waiting to install.
		}
	}

	resumeFrom := int64(0)
	if resuming {
		resumeFrom = o.current.BytesDownloaded
	} else {
		os.Remove(o.stagingPath(pkg.FileName))
		o.current = &state.PersistentState{
			Version:   pkg.Version,
			URL:       pkg.URL,
			FileName:  pkg.FileName,
			SizeBytes: pkg.SizeBytes,
			MD5Hex:    pkg.MD5Hex,
			Stage:     state.StageDownloading,
		}
	}
	o.downloadActive = true
	o.save()
	o.publish()

	os.MkdirAll(filepath.Dir(o.stagingPath(pkg.FileName)), 0755)

	desc := download.Descriptor{URL: pkg.URL, FileName: pkg.FileName, SizeBytes: pkg.SizeBytes, MD5Hex: pkg.MD5Hex}
	stagingPath := o.stagingPath(pkg.FileName)

	go func() {
		written, _, err := o.downloader.Run(o.rootCtx, desc, stagingPath, resumeFrom, func(p download.Progress) {
			o.submit(func() {
				if o.current != nil {
					o.current.BytesDownloaded = p.BytesDownloaded
					o.save()
					o.publish()
				}
			})
		})
		o.submit(func() {
			o.downloadActive = false
			o.onDownloadComplete(pkg, written, err)
		})
	}()

	return nil
}

func (o *Orchestrator) onDownloadComplete(pkg PackageDescriptor, written int64, err error) {
	if o.current == nil || o.current.URL != pkg.URL {
		return // superseded by a newer trigger
	}

	if err != nil {
		code := errcode.CodeOf(err)
		if code == errcode.Canceled {
			o.current.BytesDownloaded = written
			o.save()
			return
		}
		o.log.WithError(err).WithField("code", code).Warn("download failed")
		o.recordHistory(pkg.Version, history.ActionDownload, history.OutcomeFailure, code, nil)
		o.current.Stage = state.StageFailed
		o.current.BytesDownloaded = 0
		o.save()
		o.publish()
		return
	}

	o.current.BytesDownloaded = written
	o.current.Stage = state.StageVerifying
	o.current.MD5Verified = true
	o.current.VerifiedAt = time.Now().UTC()
	o.current.Stage = state.StageToInstall
	o.save()
	o.publish()
	o.recordHistory(pkg.Version, history.ActionDownload, history.OutcomeSuccess, "", nil)
}

// StartInstall is the start_install(version) trigger.
func (o *Orchestrator) StartInstall(ctx context.Context, version string) error {
	var result error
	o.submit(func() {
		result = o.handleStartInstall(ctx, version)
	})
	return result
}

func (o *Orchestrator) handleStartInstall(_ context.Context, version string) error {
	if o.current == nil || o.current.Stage != state.StageToInstall {
		return errcode.New(errcode.Conflict, "no package is ready to install")
	}

	if o.current.Version != version {
		return errcode.New(errcode.VersionMismatch, "requested version %s does not match pending package version %s", version, o.current.Version)
	}

	if time.Since(o.current.VerifiedAt) >= trustWindow {
		o.recordHistory(version, history.ActionInstall, history.OutcomeFailure, errcode.PackageExpired, nil)
		o.current.Stage = state.StageFailed
		o.save()
		o.publish()
		os.Remove(o.stagingPath(o.current.FileName))
		o.clearState()
		return errcode.New(errcode.PackageExpired, "trust window expired")
	}

	o.current.Stage = state.StageInstalling
	o.save()
	o.publish()

	archivePath := o.stagingPath(o.current.FileName)

	go func() {
		installedPath, err := o.deployer.Install(archivePath, version)
		o.submit(func() {
			o.onInstallComplete(version, installedPath, err)
		})
	}()

	return nil
}

func (o *Orchestrator) onInstallComplete(version, installedPath string, err error) {
	if o.current == nil {
		return
	}
	if err != nil {
		o.failAndRollback(version, errcode.CodeOf(err), err)
		return
	}

	if err := o.deployer.Commit(version); err != nil {
		o.failAndRollback(version, errcode.CodeOf(err), err)
		return
	}

	o.current.Stage = state.StageRebooting
	o.save()
	o.publish()

	go func() {
		o.restartServices(o.rootCtx)
		unhealthy, err := o.svc.WaitHealthy(o.rootCtx, o.serviceOrder, o.startTimeout)
		o.submit(func() {
			o.onRebootComplete(version, unhealthy, err)
		})
	}()
}

func (o *Orchestrator) restartServices(ctx context.Context) {
	for _, name := range o.serviceOrder {
		o.svc.Stop(ctx, name, o.stopTimeout)
	}
	for _, name := range o.serviceOrder {
		o.svc.Start(ctx, name)
	}
}

func (o *Orchestrator) onRebootComplete(version string, unhealthy []string, err error) {
	if err != nil || len(unhealthy) > 0 {
		o.logUnhealthyJournals(unhealthy)
		o.failAndRollback(version, errcode.ServiceUnhealthy, fmt.Errorf("unhealthy services: %v", unhealthy))
		return
	}

	o.current.Stage = state.StageSuccess
	o.save()
	o.publish()
	o.recordHistory(version, history.ActionInstall, history.OutcomeSuccess, "", nil)
	os.Remove(o.stagingPath(o.current.FileName))
	o.clearState()

	if err := o.layout.GC(gcKeepVersions); err != nil {
		o.log.WithError(err).Warn("garbage collecting old versions")
	}
}

// logUnhealthyJournals enriches a SERVICE_UNHEALTHY report with each
// failing unit's recent journal output, best-effort.
func (o *Orchestrator) logUnhealthyJournals(unhealthy []string) {
	for _, name := range unhealthy {
		tail, err := o.svc.JournalTail(o.rootCtx, name, 20)
		if err != nil {
			o.log.WithError(err).WithField("service", name).Warn("reading journal for unhealthy service")
			continue
		}
		o.log.WithField("service", name).WithField("journal", tail).Warn("unhealthy service journal tail")
	}
}

// failAndRollback implements the two-level rollback policy.
func (o *Orchestrator) failAndRollback(version string, code errcode.Code, cause error) {
	o.log.WithError(cause).WithField("code", code).Warn("install failed, attempting rollback")

	note := ""
	if prevPath, err := o.layout.Resolve("previous"); err == nil && prevPath != "" {
		if o.attemptRollback(filepath.Base(prevPath)) {
			note = "previous"
		}
	}
	if note == "" {
		factoryPath, err := o.layout.Resolve("factory")
		if err == nil && factoryPath != "" && o.attemptRollback(filepath.Base(factoryPath)) {
			note = "factory"
		} else {
			o.current.Stage = state.StageFailed
			o.save()
			o.publish()
			o.recordHistory(version, history.ActionRollback, history.OutcomeFailure, errcode.RollbackFailed, map[string]string{"cause": cause.Error()})
			return
		}
	}

	o.current.Stage = state.StageFailed
	o.save()
	o.publish()
	o.recordHistory(version, history.ActionInstall, history.OutcomeFailure, code, map[string]string{"rolled_back_to": note})
}

func (o *Orchestrator) attemptRollback(target string) bool {
	if err := o.layout.Switch(target); err != nil {
		return false
	}
	o.restartServices(o.rootCtx)
	unhealthy, err := o.svc.WaitHealthy(o.rootCtx, o.serviceOrder, o.startTimeout)
	return err == nil && len(unhealthy) == 0
}
