package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flynnutils/host-installer/internal/cmdutil"
	"github.com/flynnutils/host-installer/internal/logger"
)

// overlayModule is the union filesystem kernel module loaded before probing.
const overlayModule = "overlay"

// CheckUnionFilesystem reports whether the kernel supports union mounts with
// multiple lower directories. It loads the overlay module, then performs a
// live functional test: a union view over two independent lower layers must
// expose both layers' marker files. Kernels that only support a single lower
// directory fail either the mount or the visibility check.
//
// All temporary state, including the test mount, is released on every exit
// path. A false result without error means the capability is absent.
func CheckUnionFilesystem(ctx context.Context, exec cmdutil.Executor, tmpParent string) (bool, error) {
	if err := exec.Run(ctx, "modprobe", overlayModule); err != nil {
		logger.DebugKV(ctx, "Union filesystem module failed to load", "error", err)
		return false, nil
	}

	dir, err := os.MkdirTemp(tmpParent, "overlaytest-")
	if err != nil {
		return false, fmt.Errorf("create overlay test directory: %w", err)
	}

	mounted := false
	merged := filepath.Join(dir, "merged")

	// Cleanup must run even when ctx was canceled mid-probe, so the
	// unmount uses a detached context.
	defer func() {
		if mounted {
			_ = exec.Run(context.WithoutCancel(ctx), "umount", merged)
		}

		_ = os.RemoveAll(dir)
	}()

	lowerA := filepath.Join(dir, "lower-a")
	lowerB := filepath.Join(dir, "lower-b")
	upper := filepath.Join(dir, "upper")
	work := filepath.Join(dir, "work")

	for _, sub := range []string{lowerA, lowerB, upper, work, merged} {
		if err = os.Mkdir(sub, 0o755); err != nil {
			return false, fmt.Errorf("create overlay test layer: %w", err)
		}
	}

	// One distinct marker per lower layer; both must survive the union.
	if err = os.WriteFile(filepath.Join(lowerA, "marker-a"), []byte("a\n"), 0o644); err != nil {
		return false, fmt.Errorf("write overlay test marker: %w", err)
	}

	if err = os.WriteFile(filepath.Join(lowerB, "marker-b"), []byte("b\n"), 0o644); err != nil {
		return false, fmt.Errorf("write overlay test marker: %w", err)
	}

	mountOpts := fmt.Sprintf("lowerdir=%s:%s,upperdir=%s,workdir=%s", lowerA, lowerB, upper, work)
	if err = exec.Run(ctx, "mount", "-t", overlayModule, overlayModule, "-o", mountOpts, merged); err != nil {
		logger.DebugKV(ctx, "Union filesystem test mount failed", "error", err)
		return false, nil
	}

	mounted = true

	return markerVisible(filepath.Join(merged, "marker-a")) &&
		markerVisible(filepath.Join(merged, "marker-b")), nil
}

// markerVisible reports whether the marker file exists and is non-empty
// through the mounted union view.
func markerVisible(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Size() > 0
}
