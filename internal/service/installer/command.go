package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/flynnutils/host-installer/internal/artifact"
	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/config"
	"github.com/flynnutils/host-installer/internal/logger"
	"github.com/flynnutils/host-installer/internal/platform"
	"github.com/flynnutils/host-installer/internal/service/uninstaller"
	"github.com/flynnutils/host-installer/internal/sysservice"
)

var (
	// ErrAlreadyInstalled indicates an install was requested while the agent
	// binary is already present. The operator should remove or update instead.
	ErrAlreadyInstalled = errors.New("flynn-host is already installed; use --clean to reinstall or --remove to uninstall")

	// ErrMissingCapability indicates the kernel cannot mount union
	// filesystems with multiple lower directories.
	ErrMissingCapability = errors.New("kernel lacks multi-lower-directory union filesystem support")
)

// MissingToolsError aggregates every absent required command-line utility so
// the operator sees the whole list at once.
type MissingToolsError struct {
	// Tools are the unresolved program names.
	Tools []string
}

// Error lists every missing tool.
func (e *MissingToolsError) Error() string {
	return "required tools are missing: " + strings.Join(e.Tools, ", ")
}

// Options are inputs accepted by the installer entry point.
type Options struct {
	// Config is the immutable run configuration.
	Config *config.Config
	// Exec runs external commands.
	Exec cmdutil.Executor
	// HTTPClient fetches the agent artifact; nil means http.DefaultClient.
	HTTPClient *http.Client
	// Input is the confirmation source for --clean removal; defaults to os.Stdin.
	Input io.Reader
	// Output is the prompt sink for --clean removal; defaults to os.Stdout.
	Output io.Writer
	// Euid reports the effective user id; defaults to os.Geteuid.
	Euid func() int
	// Processes and Terminate are forwarded to --clean removal.
	Processes func() ([]ps.Process, error)
	Terminate func(pid int) error
	// RetryInterval is forwarded to --clean removal.
	RetryInterval time.Duration
}

// runner holds the state for a single installation execution.
type runner struct {
	cfg  *config.Config
	exec cmdutil.Executor
	opts *Options
}

// Run executes the installation sequence top to bottom; each step either
// succeeds or aborts the whole run. A declined --clean confirmation aborts
// cleanly without error.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "installer")

	if opts.Euid == nil {
		opts.Euid = os.Geteuid
	}

	r := &runner{
		cfg:  opts.Config,
		exec: opts.Exec,
		opts: opts,
	}

	if opts.Euid() != 0 {
		return config.ErrNotRoot
	}

	if err := r.checkTools(); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Probing platform", "variant", r.cfg.Variant)

	supported, err := platform.CheckUnionFilesystem(ctx, r.exec, r.cfg.Paths.TempDir)
	if err != nil {
		return fmt.Errorf("union filesystem probe: %w", err)
	}

	if !supported {
		return ErrMissingCapability
	}

	proceed, err := r.ensureNotInstalled(ctx)
	if err != nil || !proceed {
		return err
	}

	logger.Info(ctx, "Provisioning OS dependencies")

	provisioner := platform.NewProvisioner(r.exec, r.cfg.Paths.AptSourceFile)
	if _, err = provisioner.Provision(ctx, r.cfg.Variant, r.cfg.InstallNTP); err != nil {
		return fmt.Errorf("provision dependencies: %w", err)
	}

	if err = r.fetchAndInstallAgent(ctx); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Writing update channel", "channel", r.cfg.Channel)

	if err = r.writeChannel(); err != nil {
		return err
	}

	if err = r.maybeCreatePool(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "Downloading remaining platform components")

	if err = r.downloadComponents(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "Registering supervised service")

	unit, err := sysservice.ForVariant(r.cfg.Variant, r.exec, r.cfg.Paths)
	if err != nil {
		return err
	}

	if err = unit.Register(ctx); err != nil {
		return fmt.Errorf("register service: %w", err)
	}

	if err = unit.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	if err = r.writeManifest(); err != nil {
		return err
	}

	logger.Info(ctx, "Installation complete")

	return nil
}

// checkTools verifies every required command-line utility up front and
// reports the absent ones as a single aggregated error.
func (r *runner) checkTools() error {
	required := []string{"apt-get", "modprobe", "mount", "umount"}

	switch r.cfg.Variant {
	case platform.VariantXenial:
		required = append(required, "systemctl")
	case platform.VariantTrusty:
		required = append(required, "apt-key", "initctl", "start", "stop", "status")
	case platform.VariantUnsupported:
		return platform.ErrUnsupportedPlatform
	}

	var missing []string

	for _, tool := range required {
		if err := r.exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}

	if len(missing) > 0 {
		return &MissingToolsError{Tools: missing}
	}

	return nil
}

// ensureNotInstalled enforces the already-installed gate. With --clean it
// runs the full removal first; a declined confirmation aborts the whole run
// cleanly, reported by proceed=false with a nil error.
func (r *runner) ensureNotInstalled(ctx context.Context) (proceed bool, err error) {
	if _, statErr := os.Stat(r.cfg.Paths.AgentBinary()); statErr != nil {
		return true, nil
	}

	if !r.cfg.Clean {
		return false, ErrAlreadyInstalled
	}

	logger.Info(ctx, "Existing installation found, removing it first")

	outcome, err := uninstaller.Run(ctx, &uninstaller.Options{
		Config:        r.cfg,
		Exec:          r.exec,
		Input:         r.opts.Input,
		Output:        r.opts.Output,
		Processes:     r.opts.Processes,
		Terminate:     r.opts.Terminate,
		Euid:          r.opts.Euid,
		RetryInterval: r.opts.RetryInterval,
	})
	if err != nil {
		return false, fmt.Errorf("clean existing installation: %w", err)
	}

	if outcome == uninstaller.OutcomeDeclined {
		logger.Info(ctx, "Reinstall declined, aborting")
		return false, nil
	}

	return true, nil
}

// fetchAndInstallAgent downloads, verifies, and places the agent binary.
func (r *runner) fetchAndInstallAgent(ctx context.Context) error {
	fetcher := artifact.NewFetcher(r.opts.HTTPClient, r.cfg.Paths.TempDir)

	a, cleanup, err := fetcher.Fetch(ctx, r.cfg.RepoURL, r.cfg.Checksum)
	if err != nil {
		return fmt.Errorf("fetch agent binary: %w", err)
	}

	defer cleanup()

	if err = os.MkdirAll(r.cfg.Paths.BinDir, 0o755); err != nil {
		return fmt.Errorf("create binary directory: %w", err)
	}

	if err = artifact.Install(a, r.cfg.Paths.AgentBinary()); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Agent binary installed", "path", r.cfg.Paths.AgentBinary())

	return nil
}

// writeChannel persists the selected update channel token verbatim,
// overwriting any existing value.
func (r *runner) writeChannel() error {
	if err := os.MkdirAll(r.cfg.Paths.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}

	if err := os.WriteFile(r.cfg.Paths.ChannelFile, []byte(r.cfg.Channel), 0o644); err != nil {
		return fmt.Errorf("write channel file: %w", err)
	}

	return nil
}

// maybeCreatePool provisions the storage pool only when a request is present;
// otherwise the step is skipped entirely rather than attempted with defaults.
func (r *runner) maybeCreatePool(ctx context.Context) error {
	pool := r.cfg.Pool
	if pool == nil {
		logger.Debug(ctx, "No storage pool requested, skipping")
		return nil
	}

	logger.InfoKV(ctx, "Creating storage pool", "pool", config.PoolName, "device", pool.Device)

	args := []string{"create"}
	args = append(args, strings.Fields(pool.CreateOptions)...)
	args = append(args, config.PoolName, pool.Device)

	return r.exec.Run(ctx, "zpool", args...)
}

// downloadComponents asks the fetched binary to pull the remaining platform
// components from the configured repository.
func (r *runner) downloadComponents(ctx context.Context) error {
	args := []string{
		"download",
		"--repository", r.cfg.RepoURL + "/tuf",
		"--tuf-db", r.cfg.Paths.TUFDatabase,
		"--config-dir", r.cfg.Paths.ConfigDir,
		"--bin-dir", r.cfg.Paths.BinDir,
	}

	if r.cfg.Version != "" {
		args = append(args, "--version", r.cfg.Version)
	}

	return r.exec.Run(ctx, r.cfg.Paths.AgentBinary(), args...)
}
