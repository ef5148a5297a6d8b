package installer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest records what a successful installation put on the host. It is
// advisory metadata only; the presence of the agent binary, not this file,
// decides whether the host counts as installed.
type Manifest struct {
	// Channel is the persisted update channel token.
	Channel string `yaml:"channel"`
	// Version is the explicitly requested version, when one was set.
	Version string `yaml:"version,omitempty"`
	// Digest is the verified content digest of the installed agent binary.
	Digest string `yaml:"digest"`
	// Repository is the artifact repository the binary came from.
	Repository string `yaml:"repository"`
	// Variant is the detected OS release codename.
	Variant string `yaml:"variant"`
	// InstalledAt is the completion timestamp in UTC.
	InstalledAt time.Time `yaml:"installed_at"`
}

// writeManifest persists the install manifest into the configuration directory.
func (r *runner) writeManifest() error {
	manifest := Manifest{
		Channel:     r.cfg.Channel,
		Version:     r.cfg.Version,
		Digest:      r.cfg.Checksum,
		Repository:  r.cfg.RepoURL,
		Variant:     r.cfg.Variant.String(),
		InstalledAt: time.Now().UTC(),
	}

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("marshal install manifest: %w", err)
	}

	if err = os.WriteFile(r.cfg.Paths.ManifestFile, data, 0o644); err != nil {
		return fmt.Errorf("write install manifest: %w", err)
	}

	return nil
}
