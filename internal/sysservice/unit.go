package sysservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/config"
	"github.com/flynnutils/host-installer/internal/logger"
	"github.com/flynnutils/host-installer/internal/platform"
)

// systemdUnitTemplate supervises the agent on xenial. Delegate hands cgroup
// management to the agent itself so it owns descendant container cgroups, and
// KillMode=process keeps unit stop from killing spawned workloads.
const systemdUnitTemplate = `[Unit]
Description=Flynn host daemon
After=network.target

[Service]
Type=simple
Delegate=yes
KillMode=process
Restart=on-failure
ExecStart=%s daemon

[Install]
WantedBy=multi-user.target
`

// upstartJobTemplate supervises the agent on trusty.
const upstartJobTemplate = `description "Flynn host daemon"

start on runlevel [2345]
stop on runlevel [!2345]

respawn
respawn limit 100 60

exec %s daemon
`

// descriptorMode is applied to service descriptor files.
const descriptorMode os.FileMode = 0o644

// Unit manages the supervised service for one OS variant.
type Unit interface {
	// Register writes the service descriptor (overwriting any existing one)
	// and enables it with the supervisor. Idempotent.
	Register(ctx context.Context) error
	// Start starts the service.
	Start(ctx context.Context) error
	// Stop stops and disables the service; a service that is not running is
	// a successful no-op.
	Stop(ctx context.Context) error
}

// ForVariant returns the Unit implementation for the detected variant.
func ForVariant(variant platform.Variant, exec cmdutil.Executor, paths config.Paths) (Unit, error) {
	switch variant {
	case platform.VariantXenial:
		return &SystemdUnit{exec: exec, paths: paths}, nil
	case platform.VariantTrusty:
		return &UpstartJob{exec: exec, paths: paths}, nil
	case platform.VariantUnsupported:
		return nil, platform.ErrUnsupportedPlatform
	default:
		return nil, platform.ErrUnsupportedPlatform
	}
}

// SystemdUnit registers and controls the agent under systemd.
type SystemdUnit struct {
	exec  cmdutil.Executor
	paths config.Paths
}

// Register writes the unit file and enables it. Enabling an already-enabled
// unit is a no-op for systemd, not an error.
func (u *SystemdUnit) Register(ctx context.Context) error {
	descriptor := fmt.Sprintf(systemdUnitTemplate, u.paths.AgentBinary())
	if err := writeDescriptor(u.paths.SystemdUnitFile, descriptor); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Registered systemd unit", "path", u.paths.SystemdUnitFile)

	if err := u.exec.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return err
	}

	return u.exec.Run(ctx, "systemctl", "enable", config.AgentName)
}

// Start starts the unit.
func (u *SystemdUnit) Start(ctx context.Context) error {
	return u.exec.Run(ctx, "systemctl", "start", config.AgentName)
}

// Stop stops and disables the unit. An inactive or unknown unit is fine.
func (u *SystemdUnit) Stop(ctx context.Context) error {
	if err := u.exec.Run(ctx, "systemctl", "is-active", config.AgentName); err != nil {
		logger.Info(ctx, "Service is not running, nothing to stop")
	} else if err = u.exec.Run(ctx, "systemctl", "stop", config.AgentName); err != nil {
		return err
	}

	// Disabling an already-disabled unit is a no-op.
	if _, err := os.Stat(u.paths.SystemdUnitFile); err == nil {
		return u.exec.Run(ctx, "systemctl", "disable", config.AgentName)
	}

	return nil
}

// UpstartJob registers and controls the agent under upstart.
type UpstartJob struct {
	exec  cmdutil.Executor
	paths config.Paths
}

// Register writes the job file and reloads the supervisor's configuration.
func (u *UpstartJob) Register(ctx context.Context) error {
	descriptor := fmt.Sprintf(upstartJobTemplate, u.paths.AgentBinary())
	if err := writeDescriptor(u.paths.UpstartJobFile, descriptor); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Registered upstart job", "path", u.paths.UpstartJobFile)

	return u.exec.Run(ctx, "initctl", "reload-configuration")
}

// Start starts the job unless it is already running.
func (u *UpstartJob) Start(ctx context.Context) error {
	if u.isRunning(ctx) {
		return nil
	}

	return u.exec.Run(ctx, "start", config.AgentName)
}

// Stop stops the job when it is running; otherwise it is a successful no-op.
// Upstart has no separate disable step; removal deletes the job file.
func (u *UpstartJob) Stop(ctx context.Context) error {
	if !u.isRunning(ctx) {
		logger.Info(ctx, "Service is not running, nothing to stop")
		return nil
	}

	return u.exec.Run(ctx, "stop", config.AgentName)
}

// isRunning asks upstart for the job status.
func (u *UpstartJob) isRunning(ctx context.Context) bool {
	out, err := u.exec.Output(ctx, "status", config.AgentName)

	return err == nil && strings.Contains(out, "start/running")
}

// writeDescriptor persists the descriptor text, creating parent directories
// and overwriting any previous registration.
func writeDescriptor(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create descriptor directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(contents), descriptorMode); err != nil {
		return fmt.Errorf("write service descriptor: %w", err)
	}

	return nil
}
