package uninstaller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/go-ps"

	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/config"
	"github.com/flynnutils/host-installer/internal/logger"
	"github.com/flynnutils/host-installer/internal/sysservice"
)

const (
	// workloadInitName is the fixed process name of workload-container init processes.
	workloadInitName = "flynn-init"

	// managedFSType is the filesystem type of managed volume mounts.
	managedFSType = "zfs"

	// managedBinaryGlob matches the agent plus everything the component
	// downloader places next to it (flynn-cli, flynn-init, ...).
	managedBinaryGlob = "flynn*"

	// maxTerminateRetries bounds the terminate-signal retry loop.
	maxTerminateRetries = 10

	// defaultRetryInterval spaces the terminate-signal retries.
	defaultRetryInterval = 500 * time.Millisecond
)

var errWorkloadsStillRunning = errors.New("workload processes are still running after bounded retries")

// Outcome is the terminal state of a removal run.
type Outcome int

const (
	// OutcomeFailed means a sub-step failed and the remainder was aborted.
	OutcomeFailed Outcome = iota
	// OutcomeDeclined means the operator answered "no"; nothing was removed
	// and the caller should exit cleanly.
	OutcomeDeclined
	// OutcomeRemoved means the full state machine completed.
	OutcomeRemoved
)

// Options are inputs accepted by the uninstaller entry point.
type Options struct {
	// Config is the immutable run configuration.
	Config *config.Config
	// Exec runs external commands.
	Exec cmdutil.Executor
	// Input is the confirmation source; defaults to os.Stdin.
	Input io.Reader
	// Output is the prompt sink; defaults to os.Stdout.
	Output io.Writer
	// Processes lists running processes; defaults to ps.Processes.
	Processes func() ([]ps.Process, error)
	// Terminate sends the terminate signal to a pid; defaults to SIGTERM.
	Terminate func(pid int) error
	// Euid reports the effective user id; defaults to os.Geteuid.
	Euid func() int
	// RetryInterval overrides the terminate retry spacing in tests.
	RetryInterval time.Duration
}

// runner holds the state for a single removal execution.
type runner struct {
	cfg  *config.Config
	exec cmdutil.Executor
	opts *Options
}

// Run executes the removal state machine:
// ConfirmPending -> Stopping -> KillingWorkloads -> DestroyingVolumes ->
// RemovingFiles -> Removed. A failed sub-step aborts the remainder.
func Run(ctx context.Context, opts *Options) (Outcome, error) {
	ctx = logger.WithName(ctx, "uninstaller")

	r := newRunner(opts)

	if opts.Euid() != 0 {
		return OutcomeFailed, config.ErrNotRoot
	}

	if !opts.Config.AssumeYes {
		confirmed, err := confirm(opts.Input, opts.Output)
		if err != nil {
			return OutcomeFailed, err
		}

		if !confirmed {
			logger.Info(ctx, "Removal declined, leaving the host untouched")
			return OutcomeDeclined, nil
		}
	}

	logger.Info(ctx, "Stopping the supervised service")

	if err := r.stopService(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("stop service: %w", err)
	}

	logger.Info(ctx, "Terminating workload containers")

	if err := r.killWorkloads(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("terminate workloads: %w", err)
	}

	logger.Info(ctx, "Destroying managed volumes")

	if err := r.destroyVolumes(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("destroy volumes: %w", err)
	}

	logger.Info(ctx, "Removing installed files")

	if err := r.removeFiles(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("remove files: %w", err)
	}

	logger.Info(ctx, "Removal complete")

	return OutcomeRemoved, nil
}

// newRunner fills in the default collaborators.
func newRunner(opts *Options) *runner {
	if opts.Input == nil {
		opts.Input = os.Stdin
	}

	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	if opts.Processes == nil {
		opts.Processes = ps.Processes
	}

	if opts.Terminate == nil {
		opts.Terminate = defaultTerminate
	}

	if opts.Euid == nil {
		opts.Euid = os.Geteuid
	}

	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	return &runner{
		cfg:  opts.Config,
		exec: opts.Exec,
		opts: opts,
	}
}

// defaultTerminate sends SIGTERM to the process.
func defaultTerminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return process.Signal(syscall.SIGTERM)
}

// stopService stops and disables the supervised service for the variant.
// A service that is not running is a successful no-op.
func (r *runner) stopService(ctx context.Context) error {
	unit, err := sysservice.ForVariant(r.cfg.Variant, r.exec, r.cfg.Paths)
	if err != nil {
		return err
	}

	return unit.Stop(ctx)
}

// killWorkloads sends the terminate signal to still-running workload init
// processes, retrying on a bounded schedule until none remain. The absence of
// matching processes is success.
func (r *runner) killWorkloads(ctx context.Context) error {
	attempt := func() error {
		remaining, err := r.workloadPids()
		if err != nil {
			return backoff.Permanent(err)
		}

		if len(remaining) == 0 {
			return nil
		}

		logger.InfoKV(ctx, "Signaling workload init processes", "pids", remaining)

		for _, pid := range remaining {
			// A process that exited between the scan and the signal is fine.
			_ = r.opts.Terminate(pid)
		}

		return errWorkloadsStillRunning
	}

	schedule := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(r.opts.RetryInterval),
		maxTerminateRetries,
	)

	return backoff.Retry(attempt, backoff.WithContext(schedule, ctx))
}

// workloadPids lists pids of processes matching the workload init name.
func (r *runner) workloadPids() ([]int, error) {
	processes, err := r.opts.Processes()
	if err != nil {
		return nil, err
	}

	var pids []int

	for _, process := range processes {
		if process.Executable() == workloadInitName {
			pids = append(pids, process.Pid())
		}
	}

	return pids, nil
}

// destroyVolumes unmounts every managed filesystem from the live mount table,
// asks the agent binary (when still present) to destroy its volumes including
// data, and finally destroys the named storage pool if it exists. Each
// sub-step is independently skippable when its precondition does not hold.
func (r *runner) destroyVolumes(ctx context.Context) error {
	mounts, err := r.managedMounts()
	if err != nil {
		return err
	}

	// Reverse order so nested mounts come down before their parents.
	for i := len(mounts) - 1; i >= 0; i-- {
		logger.InfoKV(ctx, "Unmounting managed filesystem", "mountpoint", mounts[i])

		if err = r.exec.Run(ctx, "umount", mounts[i]); err != nil {
			return err
		}
	}

	agentBinary := r.cfg.Paths.AgentBinary()
	if _, statErr := os.Stat(agentBinary); statErr == nil {
		logger.Info(ctx, "Asking the agent to destroy its volumes")

		if err = r.exec.Run(ctx, agentBinary, "destroy-volumes", "--include-data"); err != nil {
			return err
		}
	}

	// The pool check is deliberately independent of the agent binary check.
	if listErr := r.exec.Run(ctx, "zpool", "list", config.PoolName); listErr == nil {
		logger.InfoKV(ctx, "Destroying storage pool", "pool", config.PoolName)

		if err = r.exec.Run(ctx, "zpool", "destroy", config.PoolName); err != nil {
			return err
		}
	}

	return nil
}

// managedMounts returns mountpoints of the managed filesystem type from the
// live mount table. A missing mount table means no mounts.
func (r *runner) managedMounts() ([]string, error) {
	contents, err := os.ReadFile(r.cfg.Paths.ProcMounts)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read mount table: %w", err)
	}

	var mounts []string

	scanner := bufio.NewScanner(strings.NewReader(string(contents)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == managedFSType {
			mounts = append(mounts, fields[1])
		}
	}

	return mounts, nil
}

// removeFiles deletes installed binaries, the runtime data directory, the
// configuration directory, and both possible service descriptors regardless
// of variant. Absent files are not errors.
func (r *runner) removeFiles(ctx context.Context) error {
	binaries, err := filepath.Glob(filepath.Join(r.cfg.Paths.BinDir, managedBinaryGlob))
	if err != nil {
		return fmt.Errorf("list installed binaries: %w", err)
	}

	for _, binary := range binaries {
		logger.DebugKV(ctx, "Removing binary", "path", binary)

		if err = os.Remove(binary); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove binary: %w", err)
		}
	}

	for _, dir := range []string{r.cfg.Paths.DataDir, r.cfg.Paths.ConfigDir} {
		if err = os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove directory: %w", err)
		}
	}

	// Removal targets a superset: both descriptor paths, whichever variant.
	for _, descriptor := range []string{r.cfg.Paths.SystemdUnitFile, r.cfg.Paths.UpstartJobFile} {
		if err = os.Remove(descriptor); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove service descriptor: %w", err)
		}
	}

	return nil
}
