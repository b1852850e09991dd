// Package config loads and validates the engine settings file. The file is
// JSON, written with a commented-out companion by Generate, and merged with
// command line flags by the caller: flags win over file values, file values
// win over defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// Settings is the full engine configuration.
type Settings struct {
	// JobFile is the path of the YAML document listing the backup jobs.
	JobFile string `json:"jobFile"`

	// PriorityExtensions are file extensions copied ahead of everything
	// else, engine-wide. Matching is case-insensitive, with or without a
	// leading dot in the configured value.
	PriorityExtensions []string `json:"priorityExtensions"`

	// EncryptionExtensions are file extensions routed through the external
	// encryptor after landing in the target.
	EncryptionExtensions []string `json:"encryptionExtensions"`

	// EncryptorPath is the external encryption binary. Required when
	// EncryptionExtensions is non-empty.
	EncryptorPath string `json:"encryptorPath"`

	// EncryptionKey is passed verbatim as the encryptor's third argument.
	EncryptionKey string `json:"encryptionKey"`

	// LockDir holds the encryption lock file. Empty means os.TempDir().
	LockDir string `json:"lockDir"`

	// BusinessProcesses are process names whose presence suspends all
	// active jobs until they exit.
	BusinessProcesses []string `json:"businessProcesses"`

	// ProcessPollSeconds is the business-software scan interval.
	ProcessPollSeconds int `json:"processPollSeconds"`

	// LargeFileThresholdKB classifies files as "large" for the single-slot
	// transfer throttle. 0 disables the classification entirely.
	LargeFileThresholdKB int64 `json:"largeFileThresholdKB"`

	// CopyChunkKB is the buffer size for chunked copies; pause and stop
	// take effect at chunk boundaries.
	CopyChunkKB int `json:"copyChunkKB"`

	// MaxConcurrentJobs caps the number of simultaneously active jobs.
	MaxConcurrentJobs int `json:"maxConcurrentJobs"`

	// ListenAddress is the remote control TCP endpoint. Empty disables the
	// server.
	ListenAddress string `json:"listenAddress"`

	// NetworkThresholdKBs enables the network load monitor when positive:
	// sustained engine throughput above this rate shrinks the job budget
	// to MinJobBudget until the rate drops again.
	NetworkThresholdKBs int64 `json:"networkThresholdKBs"`
	MinJobBudget        int   `json:"minJobBudget"`
	NetworkPollSeconds  int   `json:"networkPollSeconds"`

	// StateDBPath is the sqlite file tracking completed transfers for
	// differential runs.
	StateDBPath string `json:"stateDBPath"`

	// EventLogPath receives the JSON job event stream. Empty means stdout.
	EventLogPath string `json:"eventLogPath"`

	// LogLevel is one of debug, info, notice, warn, error.
	LogLevel string `json:"logLevel"`
}

// NewDefault returns the built-in settings.
func NewDefault() *Settings {
	return &Settings{
		JobFile:              "jobs.yaml",
		PriorityExtensions:   []string{},
		EncryptionExtensions: []string{},
		BusinessProcesses:    []string{},
		ProcessPollSeconds:   5,
		LargeFileThresholdKB: 512 * 1024, // 512 MB
		CopyChunkKB:          1024,
		MaxConcurrentJobs:    2,
		ListenAddress:        "127.0.0.1:7676",
		NetworkThresholdKBs:  0,
		MinJobBudget:         1,
		NetworkPollSeconds:   10,
		StateDBPath:          "backhaul-state.db",
		LogLevel:             "info",
	}
}

// Load reads settings from path on top of the defaults. A missing file is an
// error; use Generate to create one.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	s := NewDefault()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return s, nil
}

// Generate writes the default settings to path, refusing to overwrite an
// existing file.
func Generate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("settings file %s already exists", path)
	}

	data, err := json.MarshalIndent(NewDefault(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode default settings: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and cross-field requirements.
func (s *Settings) Validate() error {
	if s.JobFile == "" {
		return fmt.Errorf("jobFile must not be empty")
	}
	if s.ProcessPollSeconds < 1 {
		return fmt.Errorf("processPollSeconds must be at least 1, got %d", s.ProcessPollSeconds)
	}
	if s.LargeFileThresholdKB < 0 {
		return fmt.Errorf("largeFileThresholdKB must not be negative, got %d", s.LargeFileThresholdKB)
	}
	if s.CopyChunkKB < 4 {
		return fmt.Errorf("copyChunkKB must be at least 4, got %d", s.CopyChunkKB)
	}
	if s.MaxConcurrentJobs < 1 {
		return fmt.Errorf("maxConcurrentJobs must be at least 1, got %d", s.MaxConcurrentJobs)
	}
	if len(s.EncryptionExtensions) > 0 && s.EncryptorPath == "" {
		return fmt.Errorf("encryptorPath is required when encryptionExtensions is set")
	}
	if s.NetworkThresholdKBs < 0 {
		return fmt.Errorf("networkThresholdKBs must not be negative, got %d", s.NetworkThresholdKBs)
	}
	if s.NetworkThresholdKBs > 0 {
		if s.MinJobBudget < 1 {
			return fmt.Errorf("minJobBudget must be at least 1, got %d", s.MinJobBudget)
		}
		if s.MinJobBudget > s.MaxConcurrentJobs {
			return fmt.Errorf("minJobBudget (%d) must not exceed maxConcurrentJobs (%d)", s.MinJobBudget, s.MaxConcurrentJobs)
		}
		if s.NetworkPollSeconds < 1 {
			return fmt.Errorf("networkPollSeconds must be at least 1, got %d", s.NetworkPollSeconds)
		}
	}
	return nil
}

// ProcessPollInterval returns the scan interval as a duration.
func (s *Settings) ProcessPollInterval() time.Duration {
	return time.Duration(s.ProcessPollSeconds) * time.Second
}

// NetworkPollInterval returns the throughput sampling interval as a duration.
func (s *Settings) NetworkPollInterval() time.Duration {
	return time.Duration(s.NetworkPollSeconds) * time.Second
}

// LargeFileThresholdBytes returns the large-file cutoff in bytes, 0 when the
// throttle classification is disabled.
func (s *Settings) LargeFileThresholdBytes() int64 {
	return s.LargeFileThresholdKB * 1024
}

// CopyChunkBytes returns the copy buffer size in bytes.
func (s *Settings) CopyChunkBytes() int {
	return s.CopyChunkKB * 1024
}

// PrioritySet returns the priority extensions as a normalized lookup set.
func (s *Settings) PrioritySet() map[string]struct{} {
	return util.ExtSet(s.PriorityExtensions)
}

// EncryptionSet returns the encryption extensions as a normalized lookup set.
func (s *Settings) EncryptionSet() map[string]struct{} {
	return util.ExtSet(s.EncryptionExtensions)
}
