package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-nvme"
	"github.com/ehrlich-b/go-nvme/internal/config"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/logging"
)

// flushEvery is how many writes a worker issues between flushes
const flushEvery = 64

// workload issues random reads and writes against a device. Each worker
// owns a disjoint slice of the span so it can verify what it wrote.
type workload struct {
	dev    *nvme.Device
	cfg    config.WorkloadConfig
	logger *logging.Logger

	blockSize int64
	blocks    int64

	reads    atomic.Uint64
	writes   atomic.Uint64
	verified atomic.Uint64
}

func newWorkload(dev *nvme.Device, cfg config.WorkloadConfig, logger *logging.Logger) (*workload, error) {
	size := dev.Info().Size
	span := int64(cfg.Span)
	if span == 0 || span > size {
		span = size
	}
	bs := int64(cfg.BlockSize)
	if bs > span {
		return nil, fmt.Errorf("block size %s exceeds the %s span", cfg.BlockSize, config.Size(span))
	}
	if limit := int64(dev.Info().MaxHWSectors) << 9; bs > limit {
		return nil, fmt.Errorf("block size %s exceeds the %s transfer limit", cfg.BlockSize, config.Size(limit))
	}
	return &workload{
		dev:       dev,
		cfg:       cfg,
		logger:    logger,
		blockSize: bs,
		blocks:    span / bs,
	}, nil
}

// run drives the workers until ctx is done or one of them fails
func (w *workload) run(ctx context.Context) error {
	workers := int64(w.cfg.Workers)
	if workers > w.blocks {
		workers = w.blocks
	}
	if workers == 0 {
		return nil
	}
	per := w.blocks / workers

	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		first := i * per
		g.Go(func() error {
			return w.worker(ctx, int(i), first, per)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (w *workload) worker(ctx context.Context, id int, first, count int64) error {
	rng := rand.New(rand.NewPCG(uint64(id)+1, uint64(time.Now().UnixNano())))
	gens := make(map[int64]uint32)
	buf := alignedBuf(int(w.blockSize))
	want := make([]byte, w.blockSize)

	var sinceFlush int
	for ctx.Err() == nil {
		block := first + rng.Int64N(count)
		off := block * w.blockSize

		if rng.IntN(100) < w.cfg.ReadPercent {
			if err := w.do(ctx, func(ctx context.Context) error { return w.dev.ReadAt(ctx, buf, off) }); err != nil {
				return fmt.Errorf("worker %d: read at %d: %w", id, off, err)
			}
			w.reads.Add(1)
			gen, ok := gens[block]
			if !w.cfg.Verify || !ok {
				continue
			}
			fill(want, block, gen)
			if !bytes.Equal(buf, want) {
				return fmt.Errorf("worker %d: block %d: data mismatch at byte %d (generation %d)",
					id, block, firstDiff(buf, want), gen)
			}
			w.verified.Add(1)
			continue
		}

		gen := gens[block] + 1
		fill(buf, block, gen)
		if err := w.do(ctx, func(ctx context.Context) error { return w.dev.WriteAt(ctx, buf, off) }); err != nil {
			return fmt.Errorf("worker %d: write at %d: %w", id, off, err)
		}
		gens[block] = gen
		w.writes.Add(1)

		if sinceFlush++; sinceFlush == flushEvery {
			sinceFlush = 0
			if err := w.do(ctx, w.dev.Flush); err != nil {
				return fmt.Errorf("worker %d: flush: %w", id, err)
			}
			w.logger.Debug("flushed", "worker", id, "block", block)
		}
	}
	return nil
}

// do runs one request under the per-request timeout. Cancellation of the
// run itself is reported as context.Canceled.
func (w *workload) do(ctx context.Context, fn func(context.Context) error) error {
	rctx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	err := fn(rctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// fill writes the expected contents of block at generation gen
func fill(b []byte, block int64, gen uint32) {
	for i := range b {
		b[i] = byte(block*31) + byte(gen*7) + byte(i)
	}
	if len(b) >= 12 {
		binary.LittleEndian.PutUint64(b, uint64(block))
		binary.LittleEndian.PutUint32(b[8:], gen)
	}
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

func alignedBuf(n int) []byte {
	buf := make([]byte, n+nvme.PageSize)
	if off := dma.PageOffset(buf); off != 0 {
		buf = buf[nvme.PageSize-off:]
	}
	return buf[:n:n]
}
