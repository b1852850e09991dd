package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// copyFile streams src into dst through a temp file in the destination
// directory. The worker's control token is consulted between chunks, so
// pause blocks mid-file and stop aborts it; an aborted or failed copy
// removes the temp file and leaves any previous dst untouched. On success
// the temp file carries the source's permissions (user-write forced) and
// mtime before being renamed into place.
func (w *Worker) copyFile(ctx context.Context, src, dst string, task Task) (time.Duration, error) {
	start := time.Now()

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source file: %w", err)
	}

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, util.UserWritableDirPerms); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	tmp, err := os.CreateTemp(dstDir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		if err := os.Remove(tmpName); err != nil && !errors.Is(err, os.ErrNotExist) {
			plog.Warn("Failed to remove temp file", "path", tmpName, "error", err)
		}
	}

	bufPtr := w.p.Buffers.Get()
	defer w.p.Buffers.Put(bufPtr)
	buf := *bufPtr

	for {
		if err := w.checkpoint(ctx); err != nil {
			cleanup()
			return 0, err
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				cleanup()
				return 0, fmt.Errorf("failed to write to temp file: %w", writeErr)
			}
			if w.p.BytesCopied != nil {
				w.p.BytesCopied.Add(int64(n))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			cleanup()
			return 0, fmt.Errorf("failed to read source file: %w", readErr)
		}
	}

	if err := tmp.Chmod(util.WithUserWritePermission(info.Mode().Perm())); err != nil {
		cleanup()
		return 0, fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chtimes(tmpName, time.Now(), task.ModTime); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to set modification time: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}
	return time.Since(start), nil
}
