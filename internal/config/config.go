// Package config loads the nvme-sim configuration file
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-nvme/internal/constants"
)

// Size is a byte count written as 512, 64K, 64M or 1G
type Size int64

// ParseSize parses a size string like "64M", "1G", "512K"
func ParseSize(orig string) (Size, error) {
	s := strings.ToUpper(strings.TrimSpace(orig))
	s = strings.TrimSuffix(s, "B")

	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "T"):
		mult = 1 << 40
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", orig)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return Size(n * mult), nil
}

// String formats a byte count as a human-readable string
func (s Size) String() string {
	const unit = 1024
	if s < unit {
		return fmt.Sprintf("%d", int64(s))
	}
	for _, u := range []struct {
		shift  uint
		suffix string
	}{{40, "T"}, {30, "G"}, {20, "M"}, {10, "K"}} {
		if int64(s)%(1<<u.shift) == 0 {
			return fmt.Sprintf("%d%s", int64(s)>>u.shift, u.suffix)
		}
	}
	return fmt.Sprintf("%d", int64(s))
}

// Set implements pflag.Value
func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// Type implements pflag.Value
func (s *Size) Type() string { return "size" }

// UnmarshalYAML accepts plain integers and suffixed strings
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	n, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = n
	return nil
}

// MarshalYAML writes the suffixed form
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Config is the whole nvme-sim configuration
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Device   DeviceConfig   `yaml:"device"`
	Sim      SimConfig      `yaml:"sim"`
	Workload WorkloadConfig `yaml:"workload"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BackendConfig selects the storage behind the namespace
type BackendConfig struct {
	Type         string `yaml:"type"` // memory, file or uring
	Path         string `yaml:"path"`
	Size         Size   `yaml:"size"` // 0 with a file: use the file's size
	UringEntries uint32 `yaml:"uring_entries"`
}

// DeviceConfig holds the host-side driver parameters
type DeviceConfig struct {
	IRQQueues       int           `yaml:"irq_queues"`
	PolledQueues    int           `yaml:"polled_queues"`
	QueueDepth      int           `yaml:"queue_depth"`
	PoolPages       int           `yaml:"pool_pages"`
	ShadowDoorbells bool          `yaml:"shadow_doorbells"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

// SimConfig describes the simulated controller
type SimConfig struct {
	MaxQueueEntries uint16 `yaml:"max_queue_entries"`
	MaxIOQueues     uint16 `yaml:"max_io_queues"`
	MDTS            uint8  `yaml:"mdts"`
	LBAShift        uint8  `yaml:"lba_shift"`
	DoorbellStride  uint8  `yaml:"doorbell_stride"`
	ShadowDoorbells bool   `yaml:"shadow_doorbells"`
	NoInterrupts    bool   `yaml:"no_interrupts"`
	EventFD         bool   `yaml:"eventfd"`
	Mmap            bool   `yaml:"mmap"`
}

// WorkloadConfig drives the built-in load generator
type WorkloadConfig struct {
	Workers     int           `yaml:"workers"`
	Duration    time.Duration `yaml:"duration"` // 0 runs until interrupted
	BlockSize   Size          `yaml:"block_size"`
	Span        Size          `yaml:"span"` // 0 covers the whole namespace
	ReadPercent int           `yaml:"read_percent"`
	Verify      bool          `yaml:"verify"`
	Timeout     time.Duration `yaml:"timeout"` // per request
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
	Path   string `yaml:"path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:         "memory",
			Size:         64 << 20,
			UringEntries: 64,
		},
		Device: DeviceConfig{
			IRQQueues:       constants.DefaultIRQQueues,
			PolledQueues:    constants.DefaultPolledQueues,
			QueueDepth:      constants.DefaultQueueDepth,
			PoolPages:       constants.DefaultPoolPages,
			ShadowDoorbells: true,
		},
		Sim: SimConfig{
			MaxQueueEntries: constants.MaxQueueDepth,
			MaxIOQueues:     64,
			LBAShift:        constants.SectorShift,
			ShadowDoorbells: true,
		},
		Workload: WorkloadConfig{
			Workers:     4,
			BlockSize:   4 << 10,
			ReadPercent: 50,
			Verify:      true,
			Timeout:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads the file at path over the defaults. Unknown keys are errors.
// An empty file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Backend.Type {
	case "memory":
		if c.Backend.Size <= 0 {
			bad("backend.size must be positive for a memory backend")
		}
	case "file", "uring":
		if c.Backend.Path == "" {
			bad("backend.path is required for a %s backend", c.Backend.Type)
		}
	default:
		bad("backend.type %q is not memory, file or uring", c.Backend.Type)
	}

	d := c.Device
	if d.IRQQueues < 0 || d.PolledQueues < 0 || d.IRQQueues+d.PolledQueues == 0 {
		bad("device needs at least one queue, got irq_queues=%d polled_queues=%d", d.IRQQueues, d.PolledQueues)
	}
	if d.QueueDepth < 2 || d.QueueDepth > constants.MaxQueueDepth {
		bad("device.queue_depth %d outside [2, %d]", d.QueueDepth, constants.MaxQueueDepth)
	}
	if d.PoolPages < 1 {
		bad("device.pool_pages must be positive")
	}

	s := c.Sim
	if s.MaxQueueEntries < 2 {
		bad("sim.max_queue_entries %d below 2", s.MaxQueueEntries)
	}
	if s.LBAShift < constants.SectorShift || s.LBAShift > constants.CtrlPageShift {
		bad("sim.lba_shift %d outside [%d, %d]", s.LBAShift, constants.SectorShift, constants.CtrlPageShift)
	}
	if s.MaxIOQueues == 0 {
		bad("sim.max_io_queues must be positive")
	}

	w := c.Workload
	if w.Workers < 0 {
		bad("workload.workers must not be negative")
	}
	if w.BlockSize <= 0 || int64(w.BlockSize)%(1<<s.LBAShift) != 0 {
		bad("workload.block_size %s is not a multiple of the %d-byte block", w.BlockSize, 1<<s.LBAShift)
	}
	if w.ReadPercent < 0 || w.ReadPercent > 100 {
		bad("workload.read_percent %d outside [0, 100]", w.ReadPercent)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format %q is not text or json", c.Log.Format)
	}
	if c.Metrics.Listen != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		bad("metrics.path %q must start with /", c.Metrics.Path)
	}
	return errors.Join(errs...)
}
