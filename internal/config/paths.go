package config

import "path/filepath"

const (
	// AgentName is the agent binary and service name.
	AgentName = "flynn-host"
	// PoolName is the managed storage pool name.
	PoolName = "flynn-default"
)

// Paths is the host filesystem layout touched by the installer. Everything is
// derived from a single root ("/" in production, a temp dir in tests) so the
// whole lifecycle can run against a scratch tree.
type Paths struct {
	// Root anchors every other path.
	Root string
	// BinDir is where the agent and its downloaded components are installed.
	BinDir string
	// ConfigDir holds the channel marker, TUF database, and install manifest.
	ConfigDir string
	// DataDir is the agent's runtime data directory.
	DataDir string
	// OSReleaseFile is read exactly once, during configuration assembly.
	OSReleaseFile string
	// ProcMounts is the live mount table consulted during removal.
	ProcMounts string
	// ChannelFile persists the selected update channel token.
	ChannelFile string
	// ManifestFile records install metadata (advisory only).
	ManifestFile string
	// TUFDatabase is the distribution-protocol client's local metadata store.
	TUFDatabase string
	// AptSourceFile is the trusty third-party package source list.
	AptSourceFile string
	// SystemdUnitFile is the xenial service descriptor location.
	SystemdUnitFile string
	// UpstartJobFile is the trusty job descriptor location.
	UpstartJobFile string
	// TempDir is the parent for ephemeral working directories; empty means
	// the system default.
	TempDir string
}

// DefaultPaths returns the standard layout under the given root.
func DefaultPaths(root string) Paths {
	configDir := filepath.Join(root, "etc", "flynn")

	return Paths{
		Root:            root,
		BinDir:          filepath.Join(root, "usr", "local", "bin"),
		ConfigDir:       configDir,
		DataDir:         filepath.Join(root, "var", "lib", "flynn"),
		OSReleaseFile:   filepath.Join(root, "etc", "os-release"),
		ProcMounts:      filepath.Join(root, "proc", "mounts"),
		ChannelFile:     filepath.Join(configDir, "channel"),
		ManifestFile:    filepath.Join(configDir, "install-manifest.yaml"),
		TUFDatabase:     filepath.Join(configDir, "tuf.db"),
		AptSourceFile:   filepath.Join(root, "etc", "apt", "sources.list.d", "zfs-native.list"),
		SystemdUnitFile: filepath.Join(root, "lib", "systemd", "system", AgentName+".service"),
		UpstartJobFile:  filepath.Join(root, "etc", "init", AgentName+".conf"),
	}
}

// AgentBinary returns the agent's install path. Its presence is the sole
// source of truth for "already installed."
func (p Paths) AgentBinary() string {
	return filepath.Join(p.BinDir, AgentName)
}
