package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecairns22/otad/internal/api"
	"github.com/ecairns22/otad/internal/callback"
	"github.com/ecairns22/otad/internal/config"
	"github.com/ecairns22/otad/internal/deploy"
	"github.com/ecairns22/otad/internal/download"
	"github.com/ecairns22/otad/internal/history"
	"github.com/ecairns22/otad/internal/layout"
	"github.com/ecairns22/otad/internal/logging"
	"github.com/ecairns22/otad/internal/orchestrator"
	"github.com/ecairns22/otad/internal/progress"
	"github.com/ecairns22/otad/internal/runner"
	"github.com/ecairns22/otad/internal/service"
	"github.com/ecairns22/otad/internal/state"
)

// Exit codes: 1 is a startup failure (bad config, can't create the
// install root, can't bind the configured port, can't open the history
// ledger); 0
// is a clean shutdown on SIGINT/SIGTERM. The engine never exits on its
// own once it is running: operational failures surface as FAILED
// stages, not process exits.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Path, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	entry := logrus.NewEntry(log)

	if err := os.MkdirAll(cfg.Engine.InstallRoot, 0755); err != nil {
		return fmt.Errorf("creating install root %s: %w", cfg.Engine.InstallRoot, err)
	}

	store := state.New(filepath.Join(cfg.Engine.InstallRoot, "tmp", "state.json"), entry)
	if err := os.MkdirAll(filepath.Join(cfg.Engine.InstallRoot, "tmp"), 0755); err != nil {
		return fmt.Errorf("creating tmp dir: %w", err)
	}

	lm := layout.New(cfg.Engine.InstallRoot)
	dl := download.New(entry)
	dp := deploy.New(lm, cfg.Engine.InstallRoot, cfg.Engine.WhitelistRoots, entry)
	svc := service.New(&runner.OSRunner{})

	bus := progress.New()
	if cfg.Engine.CallbackURL != "" {
		bus.AddSink(callback.New(cfg.Engine.CallbackURL, entry))
	}

	ledger, err := history.Open(cfg.Engine.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("opening history ledger: %w", err)
	}
	defer ledger.Close()

	orcCfg := orchestrator.Config{
		InstallRoot:  cfg.Engine.InstallRoot,
		ServiceOrder: cfg.Service.StartOrder,
		StartTimeout: time.Duration(cfg.Service.StartTimeoutSeconds) * time.Second,
		StopTimeout:  time.Duration(cfg.Service.StopTimeoutSeconds) * time.Second,
	}
	orc := orchestrator.New(orcCfg, store, lm, dl, dp, svc, bus, ledger, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := config.NewWatcher(config.DefaultPath(), func(reloaded *config.Config) {
		entry.WithField("start_order", reloaded.Service.StartOrder).Info("config reloaded; the running engine keeps its startup configuration until restart")
	}, entry)
	if err != nil {
		entry.WithError(err).Warn("config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	orcDone := make(chan error, 1)
	go func() { orcDone <- orc.Run(ctx) }()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: api.New(orc, bus, entry),
	}

	serveErr := make(chan error, 1)
	go func() {
		entry.WithField("port", cfg.HTTP.Port).Info("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("http server: %w", err)
		}
	case <-sigCh:
		entry.Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	cancel()
	<-orcDone
	return nil
}
