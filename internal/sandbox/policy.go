// Package sandbox runs untrusted model code inside locked-down containers.
// The executor validates code synchronously and trains asynchronously; a
// reaper sweeps containers that outlived their welcome.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the resource limits and lifecycle settings applied to every
// sandbox container. The zero value is unusable; start from DefaultPolicy.
type Policy struct {
	// Image is the container image the sandbox runs.
	Image string

	// NamePrefix tags every sandbox container so the reaper can find them.
	NamePrefix string

	// WorkDir is the host directory under which per-invocation workspaces
	// are created and bind-mounted into the container.
	WorkDir string

	MemoryBytes int64
	// CPUQuota and CPUPeriod express the CPU cap in microseconds per period.
	CPUQuota    int64
	CPUPeriod   int64
	PidsLimit   int64
	BlkioWeight uint16

	TrainTimeout    time.Duration
	ValidateTimeout time.Duration

	// ReaperInterval is how often the reaper sweeps; ReaperMaxAge is how old
	// a sandbox container may get before it is force-removed.
	ReaperInterval time.Duration
	ReaperMaxAge   time.Duration
}

// DefaultPolicy returns the stock limits: 2 GiB of memory, 2 CPU cores, 50
// processes, low I/O priority, a 30 minute training budget and a 24 hour
// container lifetime.
func DefaultPolicy() Policy {
	return Policy{
		Image:           "learnlab/sandbox:latest",
		NamePrefix:      "sandbox-",
		WorkDir:         filepath.Join(os.TempDir(), "learnlab-sandbox"),
		MemoryBytes:     2 << 30,
		CPUQuota:        200000,
		CPUPeriod:       100000,
		PidsLimit:       50,
		BlkioWeight:     100,
		TrainTimeout:    30 * time.Minute,
		ValidateTimeout: 60 * time.Second,
		ReaperInterval:  time.Hour,
		ReaperMaxAge:    24 * time.Hour,
	}
}

// policyFile is the YAML shape of a policy overlay. Durations are strings in
// Go duration syntax ("10m", "24h"); absent keys keep their defaults.
type policyFile struct {
	Image       *string `yaml:"image"`
	NamePrefix  *string `yaml:"name_prefix"`
	WorkDir     *string `yaml:"work_dir"`
	MemoryBytes *int64  `yaml:"memory_bytes"`
	CPUQuota    *int64  `yaml:"cpu_quota"`
	CPUPeriod   *int64  `yaml:"cpu_period"`
	PidsLimit   *int64  `yaml:"pids_limit"`
	BlkioWeight *uint16 `yaml:"blkio_weight"`

	TrainTimeout    *string `yaml:"train_timeout"`
	ValidateTimeout *string `yaml:"validate_timeout"`
	ReaperInterval  *string `yaml:"reaper_interval"`
	ReaperMaxAge    *string `yaml:"reaper_max_age"`
}

// LoadPolicy reads a YAML policy file layered over the defaults, so a file
// only needs to name the settings it changes. An empty path returns the
// defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read sandbox policy: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Policy{}, fmt.Errorf("parse sandbox policy: %w", err)
	}

	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&p.Image, f.Image)
	setStr(&p.NamePrefix, f.NamePrefix)
	setStr(&p.WorkDir, f.WorkDir)
	if f.MemoryBytes != nil {
		p.MemoryBytes = *f.MemoryBytes
	}
	if f.CPUQuota != nil {
		p.CPUQuota = *f.CPUQuota
	}
	if f.CPUPeriod != nil {
		p.CPUPeriod = *f.CPUPeriod
	}
	if f.PidsLimit != nil {
		p.PidsLimit = *f.PidsLimit
	}
	if f.BlkioWeight != nil {
		p.BlkioWeight = *f.BlkioWeight
	}

	setDur := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	for _, s := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&p.TrainTimeout, f.TrainTimeout, "train_timeout"},
		{&p.ValidateTimeout, f.ValidateTimeout, "validate_timeout"},
		{&p.ReaperInterval, f.ReaperInterval, "reaper_interval"},
		{&p.ReaperMaxAge, f.ReaperMaxAge, "reaper_max_age"},
	} {
		if err := setDur(s.dst, s.src, s.key); err != nil {
			return Policy{}, fmt.Errorf("sandbox policy %s: %w", path, err)
		}
	}

	if err := p.validate(); err != nil {
		return Policy{}, fmt.Errorf("sandbox policy %s: %w", path, err)
	}
	return p, nil
}

func (p Policy) validate() error {
	if p.Image == "" {
		return fmt.Errorf("image must not be empty")
	}
	if p.NamePrefix == "" {
		return fmt.Errorf("name_prefix must not be empty")
	}
	if p.MemoryBytes <= 0 {
		return fmt.Errorf("memory_bytes must be positive")
	}
	if p.CPUQuota <= 0 || p.CPUPeriod <= 0 {
		return fmt.Errorf("cpu_quota and cpu_period must be positive")
	}
	if p.PidsLimit <= 0 {
		return fmt.Errorf("pids_limit must be positive")
	}
	if p.TrainTimeout <= 0 || p.ValidateTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if p.ReaperInterval <= 0 || p.ReaperMaxAge <= 0 {
		return fmt.Errorf("reaper settings must be positive")
	}
	return nil
}
