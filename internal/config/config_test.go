package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
		err  bool
	}{
		{"512", 512, false},
		{"64K", 64 << 10, false},
		{"64m", 64 << 20, false},
		{"1G", 1 << 30, false},
		{"2TB", 2 << 40, false},
		{" 16M ", 16 << 20, false},
		{"", 0, true},
		{"M", 0, true},
		{"12X", 0, true},
		{"-1K", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "512", Size(512).String())
	assert.Equal(t, "4K", Size(4096).String())
	assert.Equal(t, "64M", Size(64<<20).String())
	assert.Equal(t, "1536K", Size(1536<<10).String())
	assert.Equal(t, "1G", Size(1<<30).String())
	assert.Equal(t, "1025", Size(1025).String())

	var s Size
	require.NoError(t, s.Set("8M"))
	assert.Equal(t, Size(8<<20), s)
	assert.Error(t, s.Set("lots"))
	assert.Equal(t, "size", s.Type())
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseEmpty(t *testing.T) {
	for _, data := range []string{"", "  \n", "# nothing configured\n"} {
		cfg, err := Parse([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
backend:
  type: file
  path: /tmp/disk.img
  size: 1G
device:
  irq_queues: 2
  polled_queues: 1
  shadow_doorbells: false
  ready_timeout: 250ms
sim:
  mdts: 5
  no_interrupts: true
workload:
  block_size: 16K
  duration: 30s
log:
  format: json
metrics:
  listen: ":9100"
`))
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Backend.Type)
	assert.Equal(t, Size(1<<30), cfg.Backend.Size)
	assert.Equal(t, 2, cfg.Device.IRQQueues)
	assert.Equal(t, 1, cfg.Device.PolledQueues)
	assert.False(t, cfg.Device.ShadowDoorbells)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.ReadyTimeout)
	assert.Equal(t, uint8(5), cfg.Sim.MDTS)
	assert.True(t, cfg.Sim.NoInterrupts)
	assert.Equal(t, Size(16<<10), cfg.Workload.BlockSize)
	assert.Equal(t, 30*time.Second, cfg.Workload.Duration)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)

	// untouched keys keep their defaults
	assert.Equal(t, Default().Device.QueueDepth, cfg.Device.QueueDepth)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 50, cfg.Workload.ReadPercent)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "device:\n  queues: 4\n"},
		{"bad size", "backend:\n  size: huge\n"},
		{"size not scalar", "backend:\n  size: [1, 2]\n"},
		{"bad backend", "backend:\n  type: tape\n"},
		{"file without path", "backend:\n  type: file\n"},
		{"no queues", "device:\n  irq_queues: 0\n  polled_queues: 0\n"},
		{"depth", "device:\n  queue_depth: 1\n"},
		{"lba shift", "sim:\n  lba_shift: 13\n"},
		{"unaligned block", "workload:\n  block_size: 1000\n"},
		{"read percent", "workload:\n  read_percent: 101\n"},
		{"log format", "log:\n  format: xml\n"},
		{"metrics path", "metrics:\n  listen: ':9100'\n  path: metrics\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Device.QueueDepth = 0
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue_depth")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvme-sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  size: 8M\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Size(8<<20), cfg.Backend.Size)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(out), "size: 64M")

	cfg, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
