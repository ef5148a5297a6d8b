package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/config"
	"github.com/flynnutils/host-installer/internal/logger"
	"github.com/flynnutils/host-installer/internal/service/installer"
	"github.com/flynnutils/host-installer/internal/service/uninstaller"
	"github.com/flynnutils/host-installer/internal/version"
)

var (
	// flags holds the parsed CLI surface handed to configuration assembly.
	flags config.Flags

	// rootCmd installs or removes the flynn-host agent on this machine.
	rootCmd = &cobra.Command{
		Use:          "flynn-host-install",
		Short:        "Install or remove the flynn-host agent",
		Long:         "Install the flynn-host agent on a supported Ubuntu release (16.04 xenial or 14.04 trusty), or remove an existing installation with --remove.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := config.New(flags, "/")
			if err != nil {
				logger.ErrorKV(ctx, "Invalid configuration", "error", err)
				return err
			}

			exec := cmdutil.NewSystem()

			if cfg.Remove {
				return runRemove(ctx, cfg, exec)
			}

			if err = installer.Run(ctx, &installer.Options{Config: cfg, Exec: exec}); err != nil {
				logger.ErrorKV(ctx, "Installation failed", "error", err)
				return err
			}

			return nil
		},
	}
)

// runRemove drives the uninstaller. A declined confirmation is a clean exit,
// not a failure.
func runRemove(ctx context.Context, cfg *config.Config, exec cmdutil.Executor) error {
	outcome, err := uninstaller.Run(ctx, &uninstaller.Options{Config: cfg, Exec: exec})
	if err != nil {
		logger.ErrorKV(ctx, "Removal failed", "error", err)
		return err
	}

	if outcome == uninstaller.OutcomeDeclined {
		logger.Info(ctx, "Removal aborted by operator")
	}

	return nil
}

// exitFunc reports the process exit status; tests substitute it to observe the code.
//
//nolint:gochecknoglobals // Process exit must be interceptable in tests.
var exitFunc = os.Exit

// Execute runs the flynn-host-install CLI and exits with non-zero status on
// error. Help output also exits non-zero: a run that only printed usage did
// not install anything.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.Version = version.Full()

	defaultHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		defaultHelp(cmd, args)
		exitFunc(1)
	})

	if err := rootCmd.Execute(); err != nil {
		exitFunc(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVar(&flags.Channel, "channel", "", "update channel to install (stable or nightly)")
	rootCmd.Flags().StringVar(&flags.RepoURL, "repo", config.DefaultRepoURL, "artifact repository URL")
	rootCmd.Flags().BoolVar(&flags.Clean, "clean", false, "remove any existing installation first")
	rootCmd.Flags().BoolVar(&flags.Remove, "remove", false, "remove an existing installation instead of installing")
	rootCmd.Flags().BoolVarP(&flags.AssumeYes, "yes", "y", false, "assume yes for the removal confirmation")
	rootCmd.Flags().BoolVar(&flags.NoNTP, "no-ntp", false, "skip installing the time-sync daemon")
	rootCmd.Flags().StringVar(&flags.ZpoolDevice, "zpool-create-device", "", "block device to create the storage pool on")
	rootCmd.Flags().StringVar(&flags.ZpoolOptions, "zpool-create-options", "", "options passed to storage pool creation")
}
