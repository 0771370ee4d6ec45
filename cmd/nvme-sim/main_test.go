package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvme"
	"github.com/ehrlich-b/go-nvme/backend"
	"github.com/ehrlich-b/go-nvme/internal/config"
	"github.com/ehrlich-b/go-nvme/internal/logging"
)

func openSim(t *testing.T, be nvme.Backend) *nvme.Device {
	t.Helper()
	p, err := nvme.NewSimulatedPlatform(be, nvme.SimOptions{Logger: logging.Nop()})
	require.NoError(t, err)
	params := nvme.DefaultParams()
	params.IRQQueues = 1
	params.PolledQueues = 1
	dev, err := nvme.Open(context.Background(), p, params, &nvme.Options{Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		dev.Close()
		p.Close()
	})
	return dev
}

func TestWorkloadVerifies(t *testing.T) {
	dev := openSim(t, nvme.NewMockBackend(1<<20))
	cfg := config.Default().Workload
	cfg.Workers = 3
	cfg.BlockSize = 8 << 10
	cfg.Span = 256 << 10

	w, err := newWorkload(dev, cfg, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(32), w.blocks)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, w.run(ctx))

	assert.NotZero(t, w.writes.Load())
	assert.NotZero(t, w.reads.Load())
	snap := dev.Metrics().Snapshot()
	assert.GreaterOrEqual(t, snap.WriteOps, w.writes.Load())
	assert.Zero(t, snap.ReadErrors+snap.WriteErrors)
}

// corruptBackend flips a byte of every read
type corruptBackend struct {
	*backend.Memory
}

func (c corruptBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.Memory.ReadAt(p, off)
	if len(p) > 20 {
		p[20] ^= 0xff
	}
	return n, err
}

func TestWorkloadDetectsCorruption(t *testing.T) {
	dev := openSim(t, corruptBackend{backend.NewMemory(64 << 10)})
	cfg := config.Default().Workload
	cfg.Workers = 1
	cfg.BlockSize = 4 << 10

	w, err := newWorkload(dev, cfg, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = w.run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data mismatch at byte 20")
	assert.Zero(t, w.verified.Load())
}

func TestFillAndCompare(t *testing.T) {
	a := make([]byte, 512)
	b := make([]byte, 512)
	fill(a, 7, 3)
	fill(b, 7, 3)
	assert.Equal(t, a, b)
	assert.Equal(t, -1, firstDiff(a, b))

	fill(b, 7, 4)
	assert.Equal(t, 8, firstDiff(a, b), "generation is stored after the block number")
}

func TestNewWorkloadRejectsOversizedBlocks(t *testing.T) {
	dev := openSim(t, nvme.NewMockBackend(64<<10))
	cfg := config.Default().Workload

	cfg.BlockSize = 128 << 10
	_, err := newWorkload(dev, cfg, logging.Nop())
	assert.Error(t, err)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvme-sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  size: 8M\ndevice:\n  queue_depth: 64\n"), 0o644))

	f := newFlags()
	require.NoError(t, f.fs.Parse([]string{"-c", path, "--size", "16M", "--no-shadow", "-v"}))
	cfg, err := loadConfig(f)
	require.NoError(t, err)

	assert.Equal(t, config.Size(16<<20), cfg.Backend.Size)
	assert.Equal(t, 64, cfg.Device.QueueDepth, "file value kept when the flag is unset")
	assert.False(t, cfg.Device.ShadowDoorbells)
	assert.Equal(t, "debug", cfg.Log.Level)

	f = newFlags()
	require.NoError(t, f.fs.Parse([]string{"--irq-queues", "0", "--polled-queues", "0"}))
	_, err = loadConfig(f)
	assert.Error(t, err)
}

func TestOpenBackend(t *testing.T) {
	be, err := openBackend(config.BackendConfig{Type: "memory", Size: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), be.Size())
	require.NoError(t, be.Close())

	path := filepath.Join(t.TempDir(), "disk.img")
	be, err = openBackend(config.BackendConfig{Type: "file", Path: path, Size: 1 << 20})
	require.NoError(t, err)
	assert.IsType(t, &backend.File{}, be)
	require.NoError(t, be.Close())

	_, err = openBackend(config.BackendConfig{Type: "tape"})
	assert.Error(t, err)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	assert.Error(t, run([]string{"format"}))
	assert.Error(t, run([]string{"regs"}))
}
