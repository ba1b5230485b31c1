// Package manifest loads the list of test jobs to run from a YAML or TOML
// file.
package manifest

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-tester/job"
)

// Manifest is the suite description.
type Manifest struct {
	Interpreter job.Interpreter   `yaml:"interpreter" toml:"interpreter"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" toml:"timeout"`
	Env         map[string]string `yaml:"env,omitempty" toml:"env"`
	Jobs        []Job             `yaml:"jobs" toml:"jobs"`

	// Dir is the directory holding the manifest. Relative job files are
	// resolved against it.
	Dir string `yaml:"-" toml:"-"`
}

// Job is one test file entry.
type Job struct {
	// ID is optional. Jobs without one get a generated run identifier.
	ID      string            `yaml:"id,omitempty" toml:"id"`
	File    string            `yaml:"file" toml:"file"`
	Args    []string          `yaml:"args,omitempty" toml:"args"`
	Named   map[string]string `yaml:"named,omitempty" toml:"named"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env"`
	Timeout time.Duration     `yaml:"timeout,omitempty" toml:"timeout"`
}

// Arguments renders positional arguments in order followed by named ones
// sorted by name.
func (j Job) Arguments() job.Args {
	args := make(job.Args, 0, len(j.Args)+len(j.Named))
	for _, v := range j.Args {
		args = append(args, job.Positional(v))
	}
	for _, name := range slices.Sorted(maps.Keys(j.Named)) {
		args = append(args, job.Named(name, j.Named[name]))
	}
	return args
}

// Environment merges the manifest environment with the job's, the job's
// values winning.
func (m *Manifest) Environment(j Job) map[string]string {
	env := make(map[string]string, len(m.Env)+len(j.Env))
	maps.Copy(env, m.Env)
	maps.Copy(env, j.Env)
	return env
}

// Load reads, resolves and validates a manifest. The format is chosen by
// extension: .yaml/.yml or .toml.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse manifest %s: unknown keys %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	m.Dir = filepath.Dir(abs)
	if err := m.resolve(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) resolve() error {
	if m.Interpreter.Path == "" {
		return fmt.Errorf("interpreter.path is required")
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if len(m.Jobs) == 0 {
		return fmt.Errorf("no jobs defined")
	}

	ids := make(map[string]int)
	for i := range m.Jobs {
		j := &m.Jobs[i]
		if j.File == "" {
			return fmt.Errorf("job %d: file is required", i)
		}
		if !filepath.IsAbs(j.File) {
			j.File = filepath.Join(m.Dir, j.File)
		}
		if _, err := os.Stat(j.File); err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		if j.Timeout < 0 {
			return fmt.Errorf("job %d: timeout cannot be negative", i)
		}
		if j.ID == "" {
			continue
		}
		if prev, dup := ids[j.ID]; dup {
			return fmt.Errorf("jobs %d and %d share id %q", prev, i, j.ID)
		}
		ids[j.ID] = i
	}
	return nil
}
