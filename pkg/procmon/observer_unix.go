//go:build !windows

package procmon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// procObserver reads process names from the proc filesystem.
type procObserver struct {
	root string
}

// NewObserver returns the platform process observer.
func NewObserver() ProcessObserver {
	return &procObserver{root: "/proc"}
}

// Snapshot lists the comm value of every numeric /proc entry. Processes that
// exit mid-scan are silently skipped.
func (o *procObserver) Snapshot() ([]string, error) {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", o.root, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !isNumeric(e.Name()) {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(o.root, e.Name(), "comm"))
		if err != nil {
			continue
		}
		if name := strings.TrimSpace(string(comm)); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
