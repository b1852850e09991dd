// Package preflight validates a job's endpoints before any file is touched.
// An unreadable source or unwritable target fails the job outright; low free
// space on the target only warns, since differential runs often need far
// less than the source estimate.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// Check verifies source readability and target writability. sourceEstimate
// is the expected transfer volume in bytes; 0 skips the free-space probe.
func Check(source, target string, sourceEstimate int64) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source %s is not accessible: %w", source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", source)
	}
	if _, err := os.ReadDir(source); err != nil {
		return fmt.Errorf("source %s is not readable: %w", source, err)
	}

	if err := os.MkdirAll(target, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("target %s cannot be created: %w", target, err)
	}
	probe, err := os.CreateTemp(target, ".backhaul-probe-*")
	if err != nil {
		return fmt.Errorf("target %s is not writable: %w", target, err)
	}
	probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		plog.Warn("Failed to remove write probe", "path", probe.Name(), "error", err)
	}

	if sourceEstimate > 0 {
		free, err := freeSpace(filepath.Clean(target))
		if err != nil {
			plog.Warn("Failed to determine free space on target", "path", target, "error", err)
		} else if free < uint64(sourceEstimate) {
			plog.Warn("Target may run out of space",
				"path", target, "freeBytes", free, "estimatedBytes", sourceEstimate)
		}
	}
	return nil
}
