// Package config holds the run configuration for a replay. Values come from
// defaults, then an optional YAML file, then command-line flags, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anonmetrics/tornet-simulator/internal/userstats"
)

var (
	ErrMissingArchive   = errors.New("archive directory not set")
	ErrInvalidTimeRange = errors.New("replay end must be after replay start")
	ErrInvalidScale     = errors.New("load scale must be positive")
	ErrInvalidFallback  = errors.New("fallback epoch duration must be positive")
	ErrInvalidWorkers   = errors.New("worker count must not be negative")
	ErrNoTargetPorts    = errors.New("no target ports configured")
	ErrNoClients        = errors.New("resolved client population is zero")
)

// Duration wraps time.Duration so YAML files can say "3h" instead of a
// nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// AdversaryConfig sizes the injected relay population.
type AdversaryConfig struct {
	Guards         int    `yaml:"guards"`
	Exits          int    `yaml:"exits"`
	GuardBandwidth uint64 `yaml:"guard_bandwidth"`
	ExitBandwidth  uint64 `yaml:"exit_bandwidth"`
}

// Config is the full run configuration.
type Config struct {
	ArchiveDir string    `yaml:"archive_dir"`
	From       time.Time `yaml:"from"`
	To         time.Time `yaml:"to"`

	// Clients pins the population; 0 falls back to the measurement-derived
	// network estimate. LoadScale scales both population and total circuit
	// volume.
	Clients   uint64  `yaml:"clients"`
	LoadScale float64 `yaml:"load_scale"`

	Workers int   `yaml:"workers"` // 0 picks the CPU count at run time
	Seed    int64 `yaml:"seed"`

	TargetPorts   []uint16 `yaml:"target_ports"`
	FallbackEpoch Duration `yaml:"fallback_epoch"`

	TracePath       string `yaml:"trace_path"`
	StreamModelPath string `yaml:"stream_model"`
	PacketModelPath string `yaml:"packet_model"`

	MetricsAddr string `yaml:"metrics_addr"`

	Adversary AdversaryConfig `yaml:"adversary"`
}

// Default returns the configuration before any file or flag input.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills the zero-valued tunables.
func (c *Config) ApplyDefaults() {
	if c.LoadScale == 0 {
		c.LoadScale = 1
	}
	if c.FallbackEpoch == 0 {
		c.FallbackEpoch = Duration(3 * time.Hour)
	}
	if len(c.TargetPorts) == 0 {
		c.TargetPorts = []uint16{443, 80, 22}
	}
}

// LoadFile overlays the YAML file at path onto the defaults.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("LoadFile: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("LoadFile: decode %s: %w", path, err)
	}
	c.ApplyDefaults()
	return c, nil
}

// Validate rejects configurations that cannot produce a meaningful run. It
// runs before any document is touched, so a bad population or time range
// fails fast.
func (c Config) Validate() error {
	if c.ArchiveDir == "" {
		return ErrMissingArchive
	}
	if !c.To.After(c.From) {
		return fmt.Errorf("%w: from %s, to %s", ErrInvalidTimeRange,
			c.From.UTC().Format(time.RFC3339), c.To.UTC().Format(time.RFC3339))
	}
	if c.LoadScale <= 0 || math.IsNaN(c.LoadScale) || math.IsInf(c.LoadScale, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidScale, c.LoadScale)
	}
	if c.FallbackEpoch <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFallback, c.FallbackEpoch.Duration())
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Workers)
	}
	if len(c.TargetPorts) == 0 {
		return ErrNoTargetPorts
	}
	for _, p := range c.TargetPorts {
		if p == 0 {
			return fmt.Errorf("%w: port 0", ErrNoTargetPorts)
		}
	}
	if c.ResolvedClients() == 0 {
		return ErrNoClients
	}
	return nil
}

// ResolvedClients returns the simulated population: the configured count or
// the network estimate, scaled.
func (c Config) ResolvedClients() uint64 {
	base := c.Clients
	if base == 0 {
		base = userstats.PrivcountUsers()
	}
	return uint64(float64(base) * c.LoadScale)
}

// TotalCircuits10m returns the network-wide circuit volume the population
// must produce every ten minutes. It scales with load, not with the client
// count, so pinning a small population concentrates the same traffic on
// fewer clients.
func (c Config) TotalCircuits10m() float64 {
	return userstats.PrivcountCircuits10m() * c.LoadScale
}

// CircuitRatePerClient returns each client's circuits-per-ten-minutes rate.
func (c Config) CircuitRatePerClient() float64 {
	clients := c.ResolvedClients()
	if clients == 0 {
		return 0
	}
	return c.TotalCircuits10m() / float64(clients)
}

// ParseTimeFlag accepts RFC 3339 or the two directory-archive layouts used
// in consensus file names.
func ParseTimeFlag(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC 3339 or YYYY-MM-DD)", s)
}
