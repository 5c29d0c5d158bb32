// Package service controls the lifecycle of named services managed by
// the OS service manager (systemd), through the CommandRunner
// abstraction so the controller is testable without a real systemd.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/runner"
)

const stopPollInterval = 250 * time.Millisecond

// Controller stops, starts, and health-checks services by systemd unit
// name. The caller supplies service start order; Controller treats the
// first name in that order as the health gate.
type Controller struct {
	runner runner.CommandRunner
}

// New creates a Controller backed by r.
func New(r runner.CommandRunner) *Controller {
	return &Controller{runner: r}
}

// StopResult reports how a Stop attempt concluded.
type StopResult string

const (
	StopOK     StopResult = "ok"
	StopKilled StopResult = "killed"
	StopFailed StopResult = "failed"
)

// Stop sends a stop request and waits up to timeout for the unit to
// leave the active state; on timeout it force-kills the unit.
func (c *Controller) Stop(ctx context.Context, name string, timeout time.Duration) (StopResult, error) {
	if _, stderr, err := c.runner.Run(ctx, "systemctl", "stop", name); err != nil {
		return StopFailed, errcode.New(errcode.ProcessKillFailed, "stopping %s: %s: %v", name, strings.TrimSpace(stderr), err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		active, err := c.IsActive(ctx, name)
		if err == nil && !active {
			return StopOK, nil
		}
		time.Sleep(stopPollInterval)
	}

	if _, stderr, err := c.runner.Run(ctx, "systemctl", "kill", "--signal=SIGKILL", name); err != nil {
		return StopFailed, errcode.New(errcode.ProcessKillFailed, "force-killing %s: %s: %v", name, strings.TrimSpace(stderr), err)
	}
	return StopKilled, nil
}

// Start requests a start and returns without waiting for readiness.
func (c *Controller) Start(ctx context.Context, name string) error {
	if _, stderr, err := c.runner.Run(ctx, "systemctl", "start", name); err != nil {
		return errcode.New(errcode.DeploymentFailed, "starting %s: %s: %v", name, strings.TrimSpace(stderr), err)
	}
	return nil
}

// IsActive reports whether the unit is in the systemd "active" state.
func (c *Controller) IsActive(ctx context.Context, name string) (bool, error) {
	stdout, _, err := c.runner.Run(ctx, "systemctl", "is-active", name)
	if strings.TrimSpace(stdout) == "active" {
		return true, nil
	}
	if err != nil {
		return false, nil
	}
	return false, nil
}

// WaitHealthy polls IsActive for each name in order, treating names[0]
// as the gate: it must become healthy before the rest are even
// checked. Returns the subset of names still unhealthy when timeout
// elapses (empty when all became healthy).
func (c *Controller) WaitHealthy(ctx context.Context, names []string, timeout time.Duration) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	gate := names[0]
	gateHealthy := false
	for time.Now().Before(deadline) {
		active, err := c.IsActive(ctx, gate)
		if err == nil && active {
			gateHealthy = true
			break
		}
		select {
		case <-ctx.Done():
			return names, ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}
	if !gateHealthy {
		return names, nil
	}

	var unhealthy []string
	for _, name := range names[1:] {
		healthy := false
		for time.Now().Before(deadline) {
			active, err := c.IsActive(ctx, name)
			if err == nil && active {
				healthy = true
				break
			}
			select {
			case <-ctx.Done():
				return append([]string{name}, unhealthy...), ctx.Err()
			case <-time.After(stopPollInterval):
			}
		}
		if !healthy {
			unhealthy = append(unhealthy, name)
		}
	}
	return unhealthy, nil
}

// JournalTail returns the last n lines of journal output for name,
// used to enrich a SERVICE_UNHEALTHY report.
func (c *Controller) JournalTail(ctx context.Context, name string, lines int) (string, error) {
	stdout, _, err := c.runner.Run(ctx, "journalctl", "-u", name, "-n", fmt.Sprintf("%d", lines), "--no-pager")
	if err != nil {
		return "", fmt.Errorf("reading journal for %s: %w", name, err)
	}
	return stdout, nil
}
