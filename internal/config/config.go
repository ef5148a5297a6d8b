package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/flynnutils/host-installer/internal/platform"
)

const (
	// DefaultRepoURL is the artifact repository queried for signed releases.
	DefaultRepoURL = "https://dl.flynn.io"

	// DefaultChannel is the release track installed when none is requested.
	DefaultChannel = "stable"

	// DefaultChecksum is the pinned hex SHA-512 digest of the current agent
	// release artifact. The digest is both the lookup key and the integrity
	// proof for the download.
	DefaultChecksum = "e3b1c4a8f05d99127d2c6b94a1be73058c0e6d417f2a8b5de9f07c3a6d1428b79f5e0a2c481d6b3f9706c5e2a8d4f1b06c3e9a75d2f481b0c6a3e7d5912f4c8a"

	// EnvChannel overrides the default update channel.
	EnvChannel = "FLYNN_CHANNEL"
	// EnvVersion requests an explicit version to install.
	EnvVersion = "FLYNN_VERSION"
	// EnvChecksum overrides the expected artifact digest.
	EnvChecksum = "FLYNN_HOST_CHECKSUM"

	// checksumHexLength is the length of a hex-encoded SHA-512 digest.
	checksumHexLength = 128
)

var (
	// ErrNotRoot indicates the process lacks the privilege to mutate the host.
	ErrNotRoot = errors.New("this command requires root privileges")

	errUnknownChannel    = errors.New("unknown update channel (expected stable or nightly)")
	errMalformedChecksum = errors.New("artifact checksum must be a hex-encoded SHA-512 digest")
	errPoolOptionsAlone  = errors.New("storage pool options require a target device")
)

// Flags carries the parsed CLI surface into configuration assembly.
type Flags struct {
	// Channel is the requested update channel, if any.
	Channel string
	// RepoURL overrides the artifact repository location.
	RepoURL string
	// Clean removes any existing installation before installing.
	Clean bool
	// Remove runs removal instead of installation.
	Remove bool
	// AssumeYes skips the interactive removal confirmation.
	AssumeYes bool
	// NoNTP skips installing the time-sync daemon.
	NoNTP bool
	// ZpoolDevice is the block device for optional storage pool creation.
	ZpoolDevice string
	// ZpoolOptions is the free-form option string for pool creation.
	ZpoolOptions string
}

// StoragePoolRequest asks for a storage pool on a caller-supplied device.
// Its absence means the pool creation step is skipped entirely.
type StoragePoolRequest struct {
	// Device is the target block device.
	Device string
	// CreateOptions is passed verbatim to pool creation.
	CreateOptions string
}

// Config is the immutable run configuration, constructed once at startup from
// flags, environment overrides, and the OS release file. No component
// re-reads the environment or release files after this point.
type Config struct {
	// Variant is the detected OS release; it drives all branching.
	Variant platform.Variant
	// Channel is the update channel token persisted for the agent.
	Channel string
	// RepoURL is the artifact repository base URL.
	RepoURL string
	// Version is an explicit version request, recorded in the manifest and
	// forwarded to the component downloader when set.
	Version string
	// Checksum is the expected hex SHA-512 digest of the agent artifact.
	Checksum string
	// Clean removes any existing installation before installing.
	Clean bool
	// Remove runs removal instead of installation.
	Remove bool
	// AssumeYes skips the interactive removal confirmation.
	AssumeYes bool
	// InstallNTP provisions the time-sync daemon.
	InstallNTP bool
	// Pool is the optional storage pool request.
	Pool *StoragePoolRequest
	// Paths is the host filesystem layout.
	Paths Paths
}

// New assembles and validates the run configuration. The OS release file
// under the root is read here, exactly once.
func New(flags Flags, root string) (*Config, error) {
	paths := DefaultPaths(root)

	osRelease, err := os.ReadFile(paths.OSReleaseFile)
	if err != nil {
		return nil, fmt.Errorf("read OS release: %w", err)
	}

	variant, err := platform.DetectVariant(string(osRelease))
	if err != nil {
		return nil, err
	}

	channel := flags.Channel
	if channel == "" {
		channel = os.Getenv(EnvChannel)
	}

	if channel == "" {
		channel = DefaultChannel
	}

	repoURL := flags.RepoURL
	if repoURL == "" {
		repoURL = DefaultRepoURL
	}

	checksum := os.Getenv(EnvChecksum)
	if checksum == "" {
		checksum = DefaultChecksum
	}

	cfg := &Config{
		Variant:    variant,
		Channel:    channel,
		RepoURL:    repoURL,
		Version:    os.Getenv(EnvVersion),
		Checksum:   strings.ToLower(checksum),
		Clean:      flags.Clean,
		Remove:     flags.Remove,
		AssumeYes:  flags.AssumeYes,
		InstallNTP: !flags.NoNTP,
		Paths:      paths,
	}

	if flags.ZpoolDevice != "" {
		cfg.Pool = &StoragePoolRequest{
			Device:        flags.ZpoolDevice,
			CreateOptions: flags.ZpoolOptions,
		}
	} else if flags.ZpoolOptions != "" {
		return nil, errPoolOptionsAlone
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks channel, checksum, and repository URL formatting.
func Validate(cfg *Config) error {
	switch cfg.Channel {
	case "stable", "nightly":
	default:
		return fmt.Errorf("%w: %q", errUnknownChannel, cfg.Channel)
	}

	if err := validateChecksum(cfg.Checksum); err != nil {
		return err
	}

	if _, err := url.ParseRequestURI(cfg.RepoURL); err != nil {
		return fmt.Errorf("invalid repository URL: %w", err)
	}

	return nil
}

// validateChecksum enforces a well-formed hex SHA-512 digest. Verification
// fails closed, so a malformed expected digest is rejected up front.
func validateChecksum(checksum string) error {
	if len(checksum) != checksumHexLength {
		return fmt.Errorf("%w: got %d characters", errMalformedChecksum, len(checksum))
	}

	for _, c := range checksum {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHex {
			return fmt.Errorf("%w: invalid character %q", errMalformedChecksum, c)
		}
	}

	return nil
}
