package platform

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flynnutils/host-installer/internal/cmdutil"
)

var errAptBroken = errors.New("apt database is locked")

// TestComputeDependencies_FirewallAlwaysPresentOnce holds for every variant and NTP setting.
func TestComputeDependencies_FirewallAlwaysPresentOnce(t *testing.T) {
	t.Parallel()

	for _, variant := range []Variant{VariantXenial, VariantTrusty} {
		for _, installNTP := range []bool{true, false} {
			deps, err := ComputeDependencies(variant, installNTP)
			require.NoError(t, err)

			count := 0

			for _, name := range deps.Packages() {
				if name == PackageIptables {
					count++
				}
			}

			require.Equal(t, 1, count, "variant %s ntp %v", variant, installNTP)
			require.Equal(t, installNTP, deps.Contains(PackageNTP), "variant %s ntp %v", variant, installNTP)
		}
	}
}

// TestComputeDependencies_VariantPackages checks the per-variant ZFS tooling choice.
func TestComputeDependencies_VariantPackages(t *testing.T) {
	t.Parallel()

	deps, err := ComputeDependencies(VariantXenial, false)
	require.NoError(t, err)
	require.Equal(t, []string{"zfsutils-linux", "iptables"}, deps.Packages())

	deps, err = ComputeDependencies(VariantTrusty, true)
	require.NoError(t, err)
	require.Equal(t, []string{"ubuntu-zfs", "iptables", "ntp"}, deps.Packages())

	_, err = ComputeDependencies(VariantUnsupported, false)
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
}

// TestDependencySet_AppendOnlyNoDuplicates checks insertion order and dedup behavior.
func TestDependencySet_AppendOnlyNoDuplicates(t *testing.T) {
	t.Parallel()

	deps := NewDependencySet()
	deps.Add("a", "b")
	deps.Add("a", "c", "b")

	require.Equal(t, []string{"a", "b", "c"}, deps.Packages())
	require.True(t, deps.Contains("c"))
	require.False(t, deps.Contains("d"))
}

// TestProvision_XenialOrdering verifies index refresh, single install, then module load.
func TestProvision_XenialOrdering(t *testing.T) {
	t.Parallel()

	fake := cmdutil.NewFake()
	p := NewProvisioner(fake, filepath.Join(t.TempDir(), "zfs.list"))

	deps, err := p.Provision(context.Background(), VariantXenial, true)
	require.NoError(t, err)
	require.True(t, deps.Contains(PackageNTP))

	require.Equal(t, []string{
		"apt-get update",
		"apt-get install -y zfsutils-linux iptables ntp",
		"modprobe zfs",
	}, fake.Commands)
}

// TestProvision_TrustyAddsSourceAndHeaders verifies the third-party source and
// kernel header ordering on 14.04.
func TestProvision_TrustyAddsSourceAndHeaders(t *testing.T) {
	t.Parallel()

	sourcePath := filepath.Join(t.TempDir(), "sources.list.d", "zfs-native.list")
	fake := cmdutil.NewFake()
	fake.Handle("uname", func([]string) (string, error) {
		return "3.13.0-170-generic\n", nil
	})

	p := NewProvisioner(fake, sourcePath)

	_, err := p.Provision(context.Background(), VariantTrusty, false)
	require.NoError(t, err)

	require.Equal(t, []string{
		"apt-key adv --keyserver keyserver.ubuntu.com --recv-keys E871F18B51E0147C77796AC81196BA81F6B0FC61",
		"apt-get update",
		"uname -r",
		"apt-get install -y linux-headers-3.13.0-170-generic",
		"apt-get install -y ubuntu-zfs iptables",
		"modprobe zfs",
	}, fake.Commands)

	require.FileExists(t, sourcePath)
}

// TestProvision_PackageManagerFailureAborts stops the run before the module load.
func TestProvision_PackageManagerFailureAborts(t *testing.T) {
	t.Parallel()

	fake := cmdutil.NewFake()
	fake.Handle("apt-get", func([]string) (string, error) {
		return "", errAptBroken
	})

	p := NewProvisioner(fake, filepath.Join(t.TempDir(), "zfs.list"))

	_, err := p.Provision(context.Background(), VariantXenial, false)
	require.ErrorIs(t, err, errAptBroken)
	require.False(t, fake.Ran("modprobe"))
}
