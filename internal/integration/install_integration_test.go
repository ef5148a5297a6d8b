package integration

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"

	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/config"
	"github.com/flynnutils/host-installer/internal/service/installer"
	"github.com/flynnutils/host-installer/internal/service/uninstaller"
)

const xenialOSRelease = "ID=ubuntu\nVERSION_ID=\"16.04\"\n"

// asRoot reports root privileges for tests.
func asRoot() int { return 0 }

// agentPayload is the fake agent binary served by the test repository.
var agentPayload = []byte("#!/bin/true\nfake flynn-host binary\n")

// newHostRoot seeds a scratch root with an os-release file.
func newHostRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "etc", "os-release"), []byte(xenialOSRelease), 0o644))

	return root
}

// serveAgent starts a test repository serving the gzipped agent payload and
// returns the server together with the artifact's content digest.
func serveAgent(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(agentPayload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	compressed := buf.Bytes()
	sum := sha512.Sum512(compressed)
	digest := hex.EncodeToString(sum[:])

	mux := http.NewServeMux()
	mux.HandleFunc("/tuf/targets/"+digest+".flynn-host.gz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(compressed)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, digest
}

// newHostExecutor returns a fake executor simulating a capable, idle host:
// overlay mounts expose every lower layer and no service is running.
func newHostExecutor(t *testing.T) *cmdutil.Fake {
	t.Helper()

	fake := cmdutil.NewFake()
	fake.Handle("mount", func(args []string) (string, error) {
		var options string

		for i := 0; i < len(args)-1; i++ {
			if args[i] == "-o" {
				options = args[i+1]
			}
		}

		merged := args[len(args)-1]

		for _, opt := range strings.Split(options, ",") {
			value, found := strings.CutPrefix(opt, "lowerdir=")
			if !found {
				continue
			}

			for _, lower := range strings.Split(value, ":") {
				entries, err := os.ReadDir(lower)
				if err != nil {
					return "", err
				}

				for _, entry := range entries {
					data, err := os.ReadFile(filepath.Join(lower, entry.Name()))
					if err != nil {
						return "", err
					}

					if err = os.WriteFile(filepath.Join(merged, entry.Name()), data, 0o644); err != nil {
						return "", err
					}
				}
			}
		}

		return "", nil
	})
	fake.Handle("systemctl", func(args []string) (string, error) {
		if args[0] == "is-active" {
			return "", io.EOF // inactive
		}

		return "", nil
	})

	return fake
}

// noWorkloads is a process lister for a host with no workload containers.
func noWorkloads() ([]ps.Process, error) {
	return nil, nil
}

// TestInstall_FreshHost installs on a clean machine: dependencies provisioned,
// artifact verified and placed, channel persisted, service registered.
func TestInstall_FreshHost(t *testing.T) {
	server, digest := serveAgent(t)
	t.Setenv(config.EnvChecksum, digest)

	root := newHostRoot(t)
	cfg, err := config.New(config.Flags{
		Channel:   "nightly",
		RepoURL:   server.URL,
		AssumeYes: true,
	}, root)
	require.NoError(t, err)

	fake := newHostExecutor(t)

	err = installer.Run(context.Background(), &installer.Options{
		Config:     cfg,
		Exec:       fake,
		HTTPClient: server.Client(),
		Euid:       asRoot,
	})
	require.NoError(t, err)

	// Artifact verified and placed with the executable bit.
	installed, err := os.ReadFile(cfg.Paths.AgentBinary())
	require.NoError(t, err)
	require.Equal(t, agentPayload, installed)

	info, err := os.Stat(cfg.Paths.AgentBinary())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// Channel token written verbatim.
	channel, err := os.ReadFile(cfg.Paths.ChannelFile)
	require.NoError(t, err)
	require.Equal(t, "nightly", string(channel))

	// Manifest recorded.
	manifest, err := os.ReadFile(cfg.Paths.ManifestFile)
	require.NoError(t, err)
	require.Contains(t, string(manifest), "digest: "+digest)

	// Dependencies provisioned and the service registered and started.
	require.True(t, fake.Ran("apt-get update"))
	require.True(t, fake.Ran("apt-get install -y zfsutils-linux iptables ntp"))
	require.True(t, fake.Ran("modprobe zfs"))
	require.True(t, fake.Ran("systemctl enable flynn-host"))
	require.True(t, fake.Ran("systemctl start flynn-host"))
	require.FileExists(t, cfg.Paths.SystemdUnitFile)

	// The component downloader was invoked with the repository contract.
	require.True(t, fake.Ran(cfg.Paths.AgentBinary()+" download --repository "+server.URL+"/tuf"))

	// No storage pool was requested, so none was created.
	require.False(t, fake.Ran("zpool"))
}

// TestInstall_AlreadyInstalledAborts refuses a second install without --clean
// and mutates nothing.
func TestInstall_AlreadyInstalledAborts(t *testing.T) {
	server, digest := serveAgent(t)
	t.Setenv(config.EnvChecksum, digest)

	root := newHostRoot(t)
	cfg, err := config.New(config.Flags{RepoURL: server.URL}, root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.Paths.BinDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.Paths.AgentBinary(), []byte("existing"), 0o755))

	fake := newHostExecutor(t)

	err = installer.Run(context.Background(), &installer.Options{
		Config:     cfg,
		Exec:       fake,
		HTTPClient: server.Client(),
		Euid:       asRoot,
	})
	require.ErrorIs(t, err, installer.ErrAlreadyInstalled)

	// The existing binary is untouched and no packages were installed.
	existing, err := os.ReadFile(cfg.Paths.AgentBinary())
	require.NoError(t, err)
	require.Equal(t, []byte("existing"), existing)

	require.False(t, fake.Ran("apt-get"))
	require.NoFileExists(t, cfg.Paths.ChannelFile)
}

// TestInstall_CleanReinstall removes the existing installation first, then
// proceeds like a fresh install.
func TestInstall_CleanReinstall(t *testing.T) {
	server, digest := serveAgent(t)
	t.Setenv(config.EnvChecksum, digest)

	root := newHostRoot(t)
	cfg, err := config.New(config.Flags{
		Channel:   "nightly",
		RepoURL:   server.URL,
		Clean:     true,
		AssumeYes: true,
	}, root)
	require.NoError(t, err)

	// Seed a previous installation.
	require.NoError(t, os.MkdirAll(cfg.Paths.BinDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.ConfigDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.DataDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.Paths.AgentBinary(), []byte("old agent"), 0o755))
	require.NoError(t, os.WriteFile(cfg.Paths.ChannelFile, []byte("stable"), 0o644))

	fake := newHostExecutor(t)

	err = installer.Run(context.Background(), &installer.Options{
		Config:        cfg,
		Exec:          fake,
		HTTPClient:    server.Client(),
		Euid:          asRoot,
		Processes:     noWorkloads,
		Terminate:     func(int) error { return nil },
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)

	// Old installation was destroyed on the way.
	require.True(t, fake.Ran("zpool destroy flynn-default"))

	// Final state matches a fresh install.
	installed, err := os.ReadFile(cfg.Paths.AgentBinary())
	require.NoError(t, err)
	require.Equal(t, agentPayload, installed)

	channel, err := os.ReadFile(cfg.Paths.ChannelFile)
	require.NoError(t, err)
	require.Equal(t, "nightly", string(channel))

	require.True(t, fake.Ran("systemctl enable flynn-host"))
	require.True(t, fake.Ran("systemctl start flynn-host"))
}

// TestInstall_DeclinedCleanAbortsWithoutInstalling covers --clean answered "no":
// a clean exit with the old installation intact.
func TestInstall_DeclinedCleanAbortsWithoutInstalling(t *testing.T) {
	server, digest := serveAgent(t)
	t.Setenv(config.EnvChecksum, digest)

	root := newHostRoot(t)
	cfg, err := config.New(config.Flags{RepoURL: server.URL, Clean: true}, root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.Paths.BinDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.Paths.AgentBinary(), []byte("old agent"), 0o755))

	fake := newHostExecutor(t)

	var prompt strings.Builder

	err = installer.Run(context.Background(), &installer.Options{
		Config:     cfg,
		Exec:       fake,
		HTTPClient: server.Client(),
		Euid:       asRoot,
		Input:      strings.NewReader("no\n"),
		Output:     &prompt,
	})
	require.NoError(t, err)

	existing, err := os.ReadFile(cfg.Paths.AgentBinary())
	require.NoError(t, err)
	require.Equal(t, []byte("old agent"), existing)
	require.False(t, fake.Ran("apt-get"))
}

// TestRemove_ThenRemoveAgain checks removal is idempotent end to end.
func TestRemove_ThenRemoveAgain(t *testing.T) {
	root := newHostRoot(t)
	cfg, err := config.New(config.Flags{Remove: true, AssumeYes: true}, root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.Paths.BinDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.ConfigDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.Paths.AgentBinary(), []byte("agent"), 0o755))

	for run := 0; run < 2; run++ {
		fake := newHostExecutor(t)
		if run == 1 {
			fake.Handle("zpool", func([]string) (string, error) {
				return "", io.EOF // pool already gone
			})
		}

		outcome, err := uninstaller.Run(context.Background(), &uninstaller.Options{
			Config:        cfg,
			Exec:          fake,
			Euid:          asRoot,
			Processes:     noWorkloads,
			Terminate:     func(int) error { return nil },
			RetryInterval: time.Millisecond,
		})
		require.NoError(t, err, "run %d", run)
		require.Equal(t, uninstaller.OutcomeRemoved, outcome, "run %d", run)
	}

	require.NoFileExists(t, cfg.Paths.AgentBinary())
	require.NoDirExists(t, cfg.Paths.ConfigDir)
	require.NoDirExists(t, cfg.Paths.DataDir)
}
