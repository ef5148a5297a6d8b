package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/logger"
)

const (
	// PackageIptables is installed on every variant.
	PackageIptables = "iptables"
	// PackageNTP is the time-sync daemon, installed on request.
	PackageNTP = "ntp"

	// packageZFSXenial is the native copy-on-write filesystem tooling on 16.04.
	packageZFSXenial = "zfsutils-linux"
	// packageZFSTrusty is the PPA-built copy-on-write filesystem tooling on 14.04.
	packageZFSTrusty = "ubuntu-zfs"

	// zfsKernelModule is loaded after package installation.
	zfsKernelModule = "zfs"

	// Third-party signed package source for ZFS on trusty.
	trustyZFSKeyServer = "keyserver.ubuntu.com"
	trustyZFSKeyID     = "E871F18B51E0147C77796AC81196BA81F6B0FC61"
	trustyZFSSource    = "deb http://ppa.launchpad.net/zfs-native/stable/ubuntu trusty main\n"
)

// DependencySet is an ordered, duplicate-free collection of package names
// built incrementally during a single run.
type DependencySet struct {
	packages []string
	seen     map[string]struct{}
}

// NewDependencySet returns an empty set.
func NewDependencySet() *DependencySet {
	return &DependencySet{
		seen: make(map[string]struct{}),
	}
}

// Add appends packages, silently dropping ones already present.
func (s *DependencySet) Add(packages ...string) {
	for _, name := range packages {
		if _, found := s.seen[name]; found {
			continue
		}

		s.seen[name] = struct{}{}
		s.packages = append(s.packages, name)
	}
}

// Contains reports whether the package is in the set.
func (s *DependencySet) Contains(name string) bool {
	_, found := s.seen[name]

	return found
}

// Packages returns the packages in insertion order.
func (s *DependencySet) Packages() []string {
	out := make([]string, len(s.packages))
	copy(out, s.packages)

	return out
}

// ComputeDependencies builds the package set required for the variant.
// The firewall tool is always included; the time-sync daemon only on request.
func ComputeDependencies(variant Variant, installNTP bool) (*DependencySet, error) {
	deps := NewDependencySet()

	switch variant {
	case VariantXenial:
		deps.Add(packageZFSXenial)
	case VariantTrusty:
		deps.Add(packageZFSTrusty)
	case VariantUnsupported:
		return nil, ErrUnsupportedPlatform
	default:
		return nil, ErrUnsupportedPlatform
	}

	deps.Add(PackageIptables)

	if installNTP {
		deps.Add(PackageNTP)
	}

	return deps, nil
}

// Provisioner installs the OS package set for a variant and loads the
// copy-on-write filesystem kernel module afterwards. Failures abort without
// rollback; partially installed packages are left in place so the root cause
// stays visible.
type Provisioner struct {
	exec cmdutil.Executor
	// aptSourcePath is where the trusty PPA source list is written.
	aptSourcePath string
}

// NewProvisioner returns a Provisioner using the given executor and apt
// source list path.
func NewProvisioner(exec cmdutil.Executor, aptSourcePath string) *Provisioner {
	return &Provisioner{
		exec:          exec,
		aptSourcePath: aptSourcePath,
	}
}

// Provision computes the DependencySet for the variant, prepares the package
// sources, installs every package, and loads the kernel module. The returned
// set reflects what was requested from the package manager.
func (p *Provisioner) Provision(ctx context.Context, variant Variant, installNTP bool) (*DependencySet, error) {
	deps, err := ComputeDependencies(variant, installNTP)
	if err != nil {
		return nil, err
	}

	switch variant {
	case VariantXenial:
		logger.Info(ctx, "Refreshing package index")

		if err = p.exec.Run(ctx, "apt-get", "update"); err != nil {
			return nil, err
		}
	case VariantTrusty:
		if err = p.prepareTrustySources(ctx); err != nil {
			return nil, err
		}
	case VariantUnsupported:
		return nil, ErrUnsupportedPlatform
	}

	logger.InfoKV(ctx, "Installing packages", "packages", strings.Join(deps.Packages(), " "))

	installArgs := append([]string{"install", "-y"}, deps.Packages()...)
	if err = p.exec.Run(ctx, "apt-get", installArgs...); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Loading kernel module", "module", zfsKernelModule)

	if err = p.exec.Run(ctx, "modprobe", zfsKernelModule); err != nil {
		return nil, err
	}

	return deps, nil
}

// prepareTrustySources adds the third-party signed ZFS package source,
// refreshes the index, and installs the matching kernel headers first.
func (p *Provisioner) prepareTrustySources(ctx context.Context) error {
	logger.Info(ctx, "Adding third-party ZFS package source")

	err := p.exec.Run(ctx, "apt-key", "adv",
		"--keyserver", trustyZFSKeyServer,
		"--recv-keys", trustyZFSKeyID)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(p.aptSourcePath), 0o755); err != nil {
		return fmt.Errorf("create apt source directory: %w", err)
	}

	if err = os.WriteFile(p.aptSourcePath, []byte(trustyZFSSource), 0o644); err != nil {
		return fmt.Errorf("write apt source list: %w", err)
	}

	logger.Info(ctx, "Refreshing package index")

	if err = p.exec.Run(ctx, "apt-get", "update"); err != nil {
		return err
	}

	// The PPA ZFS build compiles against the running kernel, so matching
	// headers must be present before the package itself.
	kernelRelease, err := p.exec.Output(ctx, "uname", "-r")
	if err != nil {
		return err
	}

	headers := "linux-headers-" + strings.TrimSpace(kernelRelease)

	logger.InfoKV(ctx, "Installing kernel headers", "package", headers)

	return p.exec.Run(ctx, "apt-get", "install", "-y", headers)
}
