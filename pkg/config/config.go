// Package config loads and validates the agent configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML scalar parsing ("10ms", "1s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SamplerOverrides are the per-sampler settings; nil fields inherit from
// Defaults.
type SamplerOverrides struct {
	Enabled              *bool     `yaml:"enabled"`
	BPF                  *bool     `yaml:"bpf"`
	Interval             *Duration `yaml:"interval"`
	DistributionInterval *Duration `yaml:"distribution_interval"`
}

// Defaults apply to every sampler without an explicit override.
type Defaults struct {
	Enabled              bool     `yaml:"enabled"`
	BPF                  bool     `yaml:"bpf"`
	Interval             Duration `yaml:"interval"`
	DistributionInterval Duration `yaml:"distribution_interval"`
}

// Config is the full agent configuration surface.
type Config struct {
	Listen                 string                      `yaml:"listen"`
	Compression            bool                        `yaml:"compression"`
	SnapshotInterval       Duration                    `yaml:"snapshot_interval"`
	HistogramGroupingPower uint                        `yaml:"histogram_grouping_power"`
	Histograms             bool                        `yaml:"histograms"`
	ShmDir                 string                      `yaml:"shm_dir"`
	MaxConsecutiveErrors   int                         `yaml:"max_consecutive_errors"`
	Defaults               Defaults                    `yaml:"defaults"`
	Samplers               map[string]SamplerOverrides `yaml:"samplers"`
}

// Resolved is the effective configuration for one sampler after merging
// Defaults with its overrides.
type Resolved struct {
	Enabled              bool
	BPF                  bool
	Interval             time.Duration
	DistributionInterval time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:                 "0.0.0.0:4242",
		Compression:            false,
		SnapshotInterval:       Duration(time.Second),
		HistogramGroupingPower: 4,
		Histograms:             false,
		ShmDir:                 "/dev/shm/pulse",
		MaxConsecutiveErrors:   16,
		Defaults: Defaults{
			Enabled:              true,
			BPF:                  true,
			Interval:             Duration(10 * time.Millisecond),
			DistributionInterval: Duration(50 * time.Millisecond),
		},
	}
}

// Load reads path and merges it over the built-in defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the agent relies on.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen must not be empty")
	}
	if c.SnapshotInterval.Std() <= 0 {
		return fmt.Errorf("config: snapshot_interval must be > 0")
	}
	if c.HistogramGroupingPower < 2 || c.HistogramGroupingPower > 7 {
		return fmt.Errorf("config: histogram_grouping_power must be in [2,7], got %d", c.HistogramGroupingPower)
	}
	if c.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("config: max_consecutive_errors must be > 0")
	}
	if c.Defaults.Interval.Std() <= 0 || c.Defaults.DistributionInterval.Std() <= 0 {
		return fmt.Errorf("config: default intervals must be > 0")
	}
	for name, o := range c.Samplers {
		if o.Interval != nil && o.Interval.Std() <= 0 {
			return fmt.Errorf("config: samplers.%s.interval must be > 0", name)
		}
		if o.DistributionInterval != nil && o.DistributionInterval.Std() <= 0 {
			return fmt.Errorf("config: samplers.%s.distribution_interval must be > 0", name)
		}
	}
	return nil
}

// Resolve merges Defaults with the named sampler's overrides.
func (c *Config) Resolve(name string) Resolved {
	r := Resolved{
		Enabled:              c.Defaults.Enabled,
		BPF:                  c.Defaults.BPF,
		Interval:             c.Defaults.Interval.Std(),
		DistributionInterval: c.Defaults.DistributionInterval.Std(),
	}
	o, ok := c.Samplers[name]
	if !ok {
		return r
	}
	if o.Enabled != nil {
		r.Enabled = *o.Enabled
	}
	if o.BPF != nil {
		r.BPF = *o.BPF
	}
	if o.Interval != nil {
		r.Interval = o.Interval.Std()
	}
	if o.DistributionInterval != nil {
		r.DistributionInterval = o.DistributionInterval.Std()
	}
	return r
}
