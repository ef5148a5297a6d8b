package platform

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

// Variant is the closed set of OS releases the installer supports.
// It is detected once at startup and carried through the whole run;
// components branch on it instead of re-reading release files.
type Variant int

const (
	// VariantUnsupported is the zero value for releases outside the supported set.
	VariantUnsupported Variant = iota
	// VariantXenial is Ubuntu 16.04 (systemd, native ZFS packaging).
	VariantXenial
	// VariantTrusty is Ubuntu 14.04 (upstart, third-party ZFS packaging).
	VariantTrusty
)

// ErrUnsupportedPlatform indicates the running OS release matches neither supported variant.
var ErrUnsupportedPlatform = errors.New("unsupported platform: supported releases are Ubuntu 16.04 (xenial) and Ubuntu 14.04 (trusty)")

// String returns the release codename for the variant.
func (v Variant) String() string {
	switch v {
	case VariantXenial:
		return "xenial"
	case VariantTrusty:
		return "trusty"
	case VariantUnsupported:
		return "unsupported"
	default:
		return "unsupported"
	}
}

// DetectVariant parses os-release file contents captured at startup and maps
// them onto a supported Variant. Anything outside the two supported Ubuntu
// releases fails with ErrUnsupportedPlatform.
func DetectVariant(osRelease string) (Variant, error) {
	fields := parseOSRelease(osRelease)

	if fields["ID"] != "ubuntu" {
		return VariantUnsupported, fmt.Errorf("%w: ID=%q", ErrUnsupportedPlatform, fields["ID"])
	}

	versionID := fields["VERSION_ID"]

	switch {
	case strings.HasPrefix(versionID, "16.04"):
		return VariantXenial, nil
	case strings.HasPrefix(versionID, "14.04"):
		return VariantTrusty, nil
	default:
		return VariantUnsupported, fmt.Errorf("%w: VERSION_ID=%q", ErrUnsupportedPlatform, versionID)
	}
}

// parseOSRelease extracts KEY=VALUE pairs, stripping surrounding quotes.
func parseOSRelease(contents string) map[string]string {
	fields := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		fields[key] = strings.Trim(value, `"`)
	}

	return fields
}
