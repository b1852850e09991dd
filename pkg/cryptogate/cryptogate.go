// Package cryptogate runs the external encryption binary behind a
// machine-wide lock, so at most one encryption runs at a time no matter how
// many jobs or engine processes are active. The binary's internals are not
// this package's business; it is invoked as `encryptor <src> <dst> <key>`
// and judged by its exit code.
package cryptogate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
)

// DefaultHeartbeat is the lock refresh interval. A lock not refreshed for
// three of these is treated as abandoned.
const DefaultHeartbeat = 2 * time.Second

const lockName = "backhaul-encrypt.lock"

// Gateway serializes encryptor invocations. Calls within this process queue
// on a mutex; the lock file only arbitrates against other processes, so
// concurrent workers never trip over their own lock.
type Gateway struct {
	binPath string
	key     string

	mu   sync.Mutex
	lock *lockFile
}

// Option adjusts a Gateway.
type Option func(*Gateway)

// WithLockDir places the lock file in dir instead of os.TempDir().
func WithLockDir(dir string) Option {
	return func(g *Gateway) {
		g.lock = newLockFile(filepath.Join(dir, lockName), g.lock.heartbeat)
	}
}

// WithHeartbeat overrides the lock refresh interval. Tests use short beats.
func WithHeartbeat(d time.Duration) Option {
	return func(g *Gateway) {
		g.lock = newLockFile(g.lock.path, d)
	}
}

// New returns a gateway around the encryptor at binPath.
func New(binPath, key string, opts ...Option) *Gateway {
	g := &Gateway{
		binPath: binPath,
		key:     key,
		lock:    newLockFile(filepath.Join(os.TempDir(), lockName), DefaultHeartbeat),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Encrypt runs the encryptor on src, writing dst. It blocks other Encrypt
// calls in this process and, through the lock file, in every other process
// on the machine. Returns the encryptor's wall time for the event log. A
// lock held by another live process yields ErrEncryptionConflict without
// waiting.
func (g *Gateway) Encrypt(ctx context.Context, src, dst string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.lock.acquire(); err != nil {
		return 0, err
	}
	defer g.lock.release()

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.binPath, src, dst, g.key)
	configureSysProcAttr(cmd)
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		// A partial output file is worse than none.
		if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			plog.Warn("Failed to remove partial encryption output", "path", dst, "error", rmErr)
		}
		if ctx.Err() != nil {
			return elapsed, fmt.Errorf("encryption of %s aborted: %w", src, ctx.Err())
		}
		return elapsed, fmt.Errorf("encryptor failed on %s: %w (output: %s)", src, err, strings.TrimSpace(string(out)))
	}
	return elapsed, nil
}
