package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Flags carries the command-line values before they are folded into a
// Config. Only flags the user actually set override the file values.
type Flags struct {
	fs *flag.FlagSet

	configPath  string
	archiveDir  string
	from        string
	to          string
	clients     uint64
	loadScale   float64
	workers     int
	seed        int64
	ports       string
	fallback    time.Duration
	trace       string
	streamModel string
	packetModel string
	metricsAddr string
	advGuards   int
	advExits    int
	advGuardBW  uint64
	advExitBW   uint64
}

// RegisterFlags attaches the full flag surface to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.configPath, "config", "", "optional YAML configuration file")
	fs.StringVar(&f.archiveDir, "archive", "", "directory holding consensus and descriptor archives")
	fs.StringVar(&f.from, "from", "", "replay start (RFC 3339 or YYYY-MM-DD)")
	fs.StringVar(&f.to, "to", "", "replay end (RFC 3339 or YYYY-MM-DD)")
	fs.Uint64Var(&f.clients, "clients", 0, "client population (0 uses the network estimate)")
	fs.Float64Var(&f.loadScale, "load-scale", 1, "scale factor for population and circuit volume")
	fs.IntVar(&f.workers, "workers", 0, "worker goroutines (0 uses the CPU count)")
	fs.Int64Var(&f.seed, "seed", 0, "base seed for client randomness")
	fs.StringVar(&f.ports, "target-ports", "", "comma-separated exit ports (default 443,80,22)")
	fs.DurationVar(&f.fallback, "epoch-fallback", 3*time.Hour, "epoch length when the next consensus is missing")
	fs.StringVar(&f.trace, "trace", "", "trace output file (.gz compresses; empty discards)")
	fs.StringVar(&f.streamModel, "stream-model", "", "JSON stream model file (empty uses built-in defaults)")
	fs.StringVar(&f.packetModel, "packet-model", "", "JSON packet model file (empty uses built-in defaults)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
	fs.IntVar(&f.advGuards, "adversary-guards", 0, "adversarial guard relays to inject per consensus")
	fs.IntVar(&f.advExits, "adversary-exits", 0, "adversarial exit relays to inject per consensus")
	fs.Uint64Var(&f.advGuardBW, "adversary-guard-bw", 0, "bandwidth weight for injected guards (0 uses the default)")
	fs.Uint64Var(&f.advExitBW, "adversary-exit-bw", 0, "bandwidth weight for injected exits (0 uses the default)")
	return f
}

// Load builds the effective Config: defaults, then the YAML file named by
// -config if any, then every flag the user set.
func (f *Flags) Load() (Config, error) {
	cfg := Default()
	if f.configPath != "" {
		var err error
		if cfg, err = LoadFile(f.configPath); err != nil {
			return Config{}, err
		}
	}
	var applyErr error
	f.fs.Visit(func(fl *flag.Flag) {
		if err := f.apply(&cfg, fl.Name); err != nil && applyErr == nil {
			applyErr = err
		}
	})
	if applyErr != nil {
		return Config{}, applyErr
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (f *Flags) apply(cfg *Config, name string) error {
	switch name {
	case "archive":
		cfg.ArchiveDir = f.archiveDir
	case "from":
		t, err := ParseTimeFlag(f.from)
		if err != nil {
			return fmt.Errorf("-from: %w", err)
		}
		cfg.From = t
	case "to":
		t, err := ParseTimeFlag(f.to)
		if err != nil {
			return fmt.Errorf("-to: %w", err)
		}
		cfg.To = t
	case "clients":
		cfg.Clients = f.clients
	case "load-scale":
		cfg.LoadScale = f.loadScale
	case "workers":
		cfg.Workers = f.workers
	case "seed":
		cfg.Seed = f.seed
	case "target-ports":
		ports, err := parsePortsFlag(f.ports)
		if err != nil {
			return fmt.Errorf("-target-ports: %w", err)
		}
		cfg.TargetPorts = ports
	case "epoch-fallback":
		cfg.FallbackEpoch = Duration(f.fallback)
	case "trace":
		cfg.TracePath = f.trace
	case "stream-model":
		cfg.StreamModelPath = f.streamModel
	case "packet-model":
		cfg.PacketModelPath = f.packetModel
	case "metrics-addr":
		cfg.MetricsAddr = f.metricsAddr
	case "adversary-guards":
		cfg.Adversary.Guards = f.advGuards
	case "adversary-exits":
		cfg.Adversary.Exits = f.advExits
	case "adversary-guard-bw":
		cfg.Adversary.GuardBandwidth = f.advGuardBW
	case "adversary-exit-bw":
		cfg.Adversary.ExitBandwidth = f.advExitBW
	}
	return nil
}

func parsePortsFlag(s string) ([]uint16, error) {
	var ports []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("bad port %q", part)
		}
		ports = append(ports, uint16(n))
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("empty port list")
	}
	return ports, nil
}
