package nvme

import (
	"errors"
	"sync"

	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/irq"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/sim"
)

// SimOptions describes a simulated controller
type SimOptions struct {
	MaxQueueEntries uint16 // default 1024
	MaxIOQueues     uint16 // most I/O queue pairs granted, default 64
	MDTS            uint8  // maximum transfer as a power of two of pages, 0 = none
	LBAShift        uint8  // default 9
	DoorbellStride  uint8  // CAP.DSTRD
	ShadowDoorbells bool   // offer Doorbell Buffer Config

	// NoInterrupts leaves the platform without vectors, so every queue is
	// polled
	NoInterrupts bool

	// EventFD delivers vectors through eventfds instead of channels
	// (linux only)
	EventFD bool

	// Mmap backs coherent DMA memory with anonymous mappings
	Mmap bool

	Serial string
	Model  string

	Logger *Logger
}

// SimulatedPlatform is an in-process controller over a Backend, with a
// private IOVA space for its DMA
type SimulatedPlatform struct {
	space   *dma.Space
	vectors *irq.Table
	ctrl    *sim.Controller
}

// NewSimulatedPlatform creates a platform whose controller serves backend
// as namespace 1. The backend stays owned by the caller.
func NewSimulatedPlatform(backend Backend, opts SimOptions) (*SimulatedPlatform, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Model == "" {
		opts.Model = "go-nvme simulated controller"
	}
	if opts.Serial == "" {
		opts.Serial = "SIM0001"
	}

	p := &SimulatedPlatform{space: dma.NewSpace(dma.SpaceConfig{Mmap: opts.Mmap})}
	var interrupt func(uint16)
	if !opts.NoInterrupts {
		var newLine func() (irq.Line, error)
		if opts.EventFD {
			newLine = func() (irq.Line, error) {
				e, err := irq.NewEventFD()
				if err != nil {
					return nil, err
				}
				return e, nil
			}
		}
		p.vectors = irq.NewTable(newLine)
		interrupt = p.vectors.Fire
	}

	c, err := sim.New(sim.Config{
		Memory:          p.space,
		Backend:         backend,
		Interrupt:       interrupt,
		MaxQueueEntries: opts.MaxQueueEntries,
		DoorbellStride:  opts.DoorbellStride,
		Timeout:         2,
		MDTS:            opts.MDTS,
		LBAShift:        opts.LBAShift,
		MaxIOQueues:     opts.MaxIOQueues,
		ShadowDoorbells: opts.ShadowDoorbells,
		Serial:          opts.Serial,
		Model:           opts.Model,
		Firmware:        "1.0",
		Logger:          opts.Logger.WithController("sim"),
	})
	if err != nil {
		p.space.Close()
		return nil, WrapError("new_platform", err)
	}
	p.ctrl = c
	return p, nil
}

// Registers implements Platform
func (p *SimulatedPlatform) Registers() mmio.Registers { return p.ctrl }

// Memory implements Platform
func (p *SimulatedPlatform) Memory() Memory { return p.space }

// Vectors implements Platform
func (p *SimulatedPlatform) Vectors() *irq.Table { return p.vectors }

// Controller exposes the simulated controller for fault injection and
// statistics
func (p *SimulatedPlatform) Controller() *sim.Controller { return p.ctrl }

// MappedBuffers returns how many streaming mappings are live
func (p *SimulatedPlatform) MappedBuffers() int { return p.space.Mapped() }

// Close stops the controller and releases the platform's memory and
// vectors. Close the Device first.
func (p *SimulatedPlatform) Close() error {
	var errs []error
	if err := p.ctrl.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.vectors != nil {
		if err := p.vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.space.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ Platform = (*SimulatedPlatform)(nil)

// MockBackend is an in-memory Backend that counts calls and can be told to
// fail, for testing code that runs against a simulated controller
type MockBackend struct {
	mu    sync.RWMutex
	data  []byte
	size  int64
	stats map[string]any

	closed  bool
	flushed bool

	failReads  error
	failWrites error
	failFlush  error

	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockBackend creates a new mock backend with the specified size
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]any),
	}
}

var errMockClosed = errors.New("mock backend closed")

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	switch {
	case m.closed:
		return 0, errMockClosed
	case m.failReads != nil:
		return 0, m.failReads
	case off < 0 || off+int64(len(p)) > m.size:
		return 0, ErrInvalidParams
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	switch {
	case m.closed:
		return 0, errMockClosed
	case m.failWrites != nil:
		return 0, m.failWrites
	case off < 0 || off+int64(len(p)) > m.size:
		return 0, ErrInvalidParams
	}
	return copy(m.data[off:], p), nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	if m.failFlush != nil {
		return m.failFlush
	}
	m.flushed = true
	return nil
}

// Stats implements the StatBackend interface
func (m *MockBackend) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]any, len(m.stats)+3)
	for k, v := range m.stats {
		stats[k] = v
	}
	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls
	return stats
}

// FailReads makes every ReadAt return err; nil restores normal reads
func (m *MockBackend) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = err
}

// FailWrites makes every WriteAt return err; nil restores normal writes
func (m *MockBackend) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// FailFlush makes Flush return err; nil restores normal flushes
func (m *MockBackend) FailFlush(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFlush = err
}

// Bytes returns a copy of length bytes at off
func (m *MockBackend) Bytes(off, length int64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data[off:off+length]...)
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if a Flush has succeeded
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset resets all call counters, failures and state flags
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls, m.writeCalls, m.flushCalls = 0, 0, 0
	m.flushed = false
	m.failReads, m.failWrites, m.failFlush = nil, nil, nil
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockBackend) SetCustomStats(stats map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]any, len(stats))
	for k, v := range stats {
		m.stats[k] = v
	}
}

var (
	_ Backend     = (*MockBackend)(nil)
	_ StatBackend = (*MockBackend)(nil)
)
