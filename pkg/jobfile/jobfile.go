// Package jobfile loads the YAML document describing the configured backup
// jobs. The engine treats the result as immutable input; creating, editing
// and deleting jobs is the orchestrating application's business.
package jobfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// Type selects what a run copies.
type Type string

const (
	// TypeFull copies every file from source to target on each run.
	TypeFull Type = "full"
	// TypeDifferential copies only files changed since the last completed run.
	TypeDifferential Type = "differential"
)

// ArchivePolicy enables post-run compression of the job's target directory.
type ArchivePolicy struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "tar.gz" or "tar.zst"
}

// Job is one backup definition. Name is the unique, immutable key used by
// the registry and the remote control protocol.
type Job struct {
	Name    string        `yaml:"name"`
	Source  string        `yaml:"source"`
	Target  string        `yaml:"target"`
	Type    Type          `yaml:"type"`
	Archive ArchivePolicy `yaml:"archive"`
}

// document is the top-level YAML shape.
type document struct {
	Jobs []Job `yaml:"jobs"`
}

// Load reads and validates the job list from path.
func Load(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}

	if err := Validate(doc.Jobs); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, err)
	}

	// Normalize paths after validation so error messages show the user's input.
	for i := range doc.Jobs {
		if src, err := util.ExpandPath(doc.Jobs[i].Source); err == nil {
			doc.Jobs[i].Source = filepath.Clean(src)
		}
		if trg, err := util.ExpandPath(doc.Jobs[i].Target); err == nil {
			doc.Jobs[i].Target = filepath.Clean(trg)
		}
	}
	return doc.Jobs, nil
}

// Validate checks the job list for structural problems: empty or duplicate
// names, missing paths, a source equal to its target, unknown types and
// unknown archive formats. An empty type defaults to full.
func Validate(jobs []Job) error {
	if len(jobs) == 0 {
		return fmt.Errorf("no jobs defined")
	}

	seen := make(map[string]struct{}, len(jobs))
	for i, j := range jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("job #%d has no name", i+1)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate job name %q", name)
		}
		seen[name] = struct{}{}

		if strings.TrimSpace(j.Source) == "" {
			return fmt.Errorf("job %q has no source path", name)
		}
		if strings.TrimSpace(j.Target) == "" {
			return fmt.Errorf("job %q has no target path", name)
		}
		if filepath.Clean(j.Source) == filepath.Clean(j.Target) {
			return fmt.Errorf("job %q has identical source and target", name)
		}

		switch j.Type {
		case TypeFull, TypeDifferential:
		case "":
			// Defaulted by Normalize below; acceptable.
		default:
			return fmt.Errorf("job %q has unknown type %q (want %q or %q)", name, j.Type, TypeFull, TypeDifferential)
		}

		if j.Archive.Enabled {
			switch j.Archive.Format {
			case "tar.gz", "tar.zst", "":
			default:
				return fmt.Errorf("job %q has unknown archive format %q", name, j.Archive.Format)
			}
		}
	}
	return nil
}

// Normalized returns a copy of the job with defaults applied.
func (j Job) Normalized() Job {
	if j.Type == "" {
		j.Type = TypeFull
	}
	if j.Archive.Enabled && j.Archive.Format == "" {
		j.Archive.Format = "tar.gz"
	}
	return j
}
