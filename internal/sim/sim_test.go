package sim

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvme/backend"
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

const (
	testAdminDepth = 16
	testIODepth    = 8
	waitFor        = 2 * time.Second
)

type completion struct {
	result uint32
	status uint16
}

// host drives the controller the way a driver does, using polled queues
type host struct {
	t     *testing.T
	space *dma.Space
	mem   *backend.Memory
	ctrl  *Controller
	admin *queue.Queue

	mu     sync.Mutex
	nextID uint16
	done   map[uint16]completion
}

func newHost(t *testing.T, cfg Config) *host {
	h := &host{
		t:     t,
		space: dma.NewSpace(dma.SpaceConfig{}),
		mem:   backend.NewMemory(1 << 20),
		done:  make(map[uint16]completion),
	}
	cfg.Memory = h.space
	cfg.Backend = h.mem
	cfg.Logger = logging.Nop()
	c, err := New(cfg)
	require.NoError(t, err)
	h.ctrl = c
	t.Cleanup(func() {
		c.Close()
		h.space.Close()
	})
	return h
}

func (h *host) Complete(id uint16, result uint32, status uint16) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done[id] = completion{result: result, status: status}
	return true
}

func (h *host) enable() {
	q, err := queue.New(queue.Config{
		ID:        0,
		Depth:     testAdminDepth,
		Polled:    true,
		Stride:    h.ctrl.Stride(),
		Regs:      h.ctrl,
		Alloc:     h.space,
		Completer: h,
		Logger:    logging.Nop(),
	})
	require.NoError(h.t, err)
	h.admin = q

	h.ctrl.Write32(mmio.RegAQA, mmio.AQAValue(testAdminDepth))
	h.ctrl.Write64(mmio.RegASQ, q.SQAddr())
	h.ctrl.Write64(mmio.RegACQ, q.CQAddr())
	h.ctrl.Write32(mmio.RegCC, mmio.EnableValue(constants.CtrlPageShift))
	require.Eventually(h.t, func() bool {
		return h.ctrl.Read32(mmio.RegCSTS)&mmio.CSTSReady != 0
	}, waitFor, time.Millisecond)
}

func (h *host) submit(q *queue.Queue, cmd wire.Command) uint16 {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	cmd.CommandID = id
	q.Submit(&cmd, true)
	return id
}

func (h *host) completed(id uint16) (completion, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.done[id]
	return c, ok
}

func (h *host) wait(q *queue.Queue, id uint16) completion {
	require.Eventually(h.t, func() bool {
		q.ProcessCompletions()
		_, ok := h.completed(id)
		return ok
	}, waitFor, 100*time.Microsecond)
	c, _ := h.completed(id)
	return c
}

func (h *host) exec(q *queue.Queue, cmd wire.Command) completion {
	return h.wait(q, h.submit(q, cmd))
}

func (h *host) buffer(pages int) dma.Buffer {
	b, err := h.space.AllocCoherent(pages * constants.CtrlPageSize)
	require.NoError(h.t, err)
	return b
}

func (h *host) ioQueue(qid uint16, shadow *queue.Shadow, flags uint16) *queue.Queue {
	q, err := queue.New(queue.Config{
		ID:        qid,
		Depth:     testIODepth,
		Polled:    flags&wire.CQIRQEnabled == 0,
		Vector:    qid,
		Stride:    h.ctrl.Stride(),
		Regs:      h.ctrl,
		Alloc:     h.space,
		Shadow:    shadow,
		Completer: h,
		Logger:    logging.Nop(),
	})
	require.NoError(h.t, err)

	c := h.exec(h.admin, wire.NewCreateCQ(qid, testIODepth, q.CQAddr(), qid, wire.QueuePhysContig|flags))
	require.Equal(h.t, wire.StatusSuccess, c.status)
	c = h.exec(h.admin, wire.NewCreateSQ(qid, testIODepth, q.SQAddr(), qid, wire.QueuePhysContig))
	require.Equal(h.t, wire.StatusSuccess, c.status)
	return q
}

// rw builds a read or write of pages controller pages through a PRP list
func (h *host) rw(opcode uint8, slba uint64, data dma.Buffer) wire.Command {
	pages := len(data.CPU) / constants.CtrlPageSize
	cmd := wire.NewRW(opcode, 0, 1, slba, uint16(len(data.CPU)>>constants.SectorShift-1))
	cmd.PRP1 = data.DMA
	switch {
	case pages == 2:
		cmd.PRP2 = data.DMA + constants.CtrlPageSize
	case pages > 2:
		list := h.buffer(1)
		for i := 1; i < pages; i++ {
			list.PutUint64((i-1)*8, data.DMA+uint64(i*constants.CtrlPageSize))
		}
		cmd.PRP2 = list.DMA
	}
	return cmd
}

func TestNewValidates(t *testing.T) {
	space := dma.NewSpace(dma.SpaceConfig{})
	_, err := New(Config{Memory: space})
	assert.Error(t, err, "backend required")

	_, err = New(Config{Memory: space, Backend: backend.NewMemory(256)})
	assert.Error(t, err, "smaller than one block")

	_, err = New(Config{Memory: space, Backend: backend.NewMemory(4096), LBAShift: 12})
	assert.NoError(t, err)

	_, err = New(Config{Memory: space, Backend: backend.NewMemory(1 << 20), LBAShift: 13})
	assert.Error(t, err, "block larger than a controller page")
}

func TestRegisters(t *testing.T) {
	h := newHost(t, Config{MaxQueueEntries: 256, DoorbellStride: 1, Timeout: 4})

	capReg := mmio.Cap(h.ctrl.Read64(mmio.RegCAP))
	assert.Equal(t, uint16(255), capReg.MQES())
	assert.Equal(t, uint32(8), capReg.DoorbellStride())
	assert.Equal(t, 2*time.Second, capReg.Timeout())
	assert.Equal(t, Version, h.ctrl.Read32(mmio.RegVS))
	assert.Zero(t, h.ctrl.Read32(mmio.RegCSTS)&mmio.CSTSReady)

	h.enable()
	assert.Equal(t, mmio.AQAValue(testAdminDepth), h.ctrl.Read32(mmio.RegAQA))
	assert.Equal(t, h.admin.SQAddr(), h.ctrl.Read64(mmio.RegASQ))

	h.ctrl.Write32(mmio.RegCC, h.ctrl.Read32(mmio.RegCC)|mmio.CCShnNorm)
	assert.NotZero(t, h.ctrl.Read32(mmio.RegCSTS)&mmio.CSTSShstCmplt)

	h.ctrl.Write32(mmio.RegCC, 0)
	assert.Zero(t, h.ctrl.Read32(mmio.RegCSTS)&mmio.CSTSReady)
}

func TestEnableRejectsBadPageSize(t *testing.T) {
	h := newHost(t, Config{})
	q, err := queue.New(queue.Config{Depth: testAdminDepth, Polled: true, Regs: h.ctrl, Alloc: h.space, Completer: h})
	require.NoError(t, err)

	h.ctrl.Write32(mmio.RegAQA, mmio.AQAValue(testAdminDepth))
	h.ctrl.Write64(mmio.RegASQ, q.SQAddr())
	h.ctrl.Write64(mmio.RegACQ, q.CQAddr())
	h.ctrl.Write32(mmio.RegCC, mmio.EnableValue(13))

	csts := h.ctrl.Read32(mmio.RegCSTS)
	assert.NotZero(t, csts&mmio.CSTSFatal)
	assert.Zero(t, csts&mmio.CSTSReady)
}

func TestReadyDelay(t *testing.T) {
	h := newHost(t, Config{ReadyDelay: 20 * time.Millisecond})
	start := time.Now()
	h.enable()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestIdentify(t *testing.T) {
	h := newHost(t, Config{MDTS: 5, LBAShift: 12, ShadowDoorbells: true, Serial: "S123"})
	h.enable()
	page := h.buffer(1)

	c := h.exec(h.admin, wire.NewIdentify(0, wire.CNSController, page.DMA))
	require.Equal(t, wire.StatusSuccess, c.status)
	id, err := wire.ParseIdentifyController(page.CPU)
	require.NoError(t, err)
	assert.Equal(t, "S123", id.SN)
	assert.Equal(t, uint8(5), id.MDTS)
	assert.Equal(t, uint32(1), id.NN)
	assert.NotZero(t, id.OACS&wire.OACSDBBufConfig)

	c = h.exec(h.admin, wire.NewIdentify(1, wire.CNSNamespace, page.DMA))
	require.Equal(t, wire.StatusSuccess, c.status)
	ns, err := wire.ParseIdentifyNamespace(page.CPU)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), ns.NSZE)
	assert.Equal(t, uint8(12), ns.LBAShift())

	c = h.exec(h.admin, wire.NewIdentify(2, wire.CNSNamespace, page.DMA))
	assert.Equal(t, wire.StatusInvalidNamespace, c.status)

	c = h.exec(h.admin, wire.NewIdentify(0, 0x10, page.DMA))
	assert.Equal(t, wire.StatusInvalidField, c.status)

	assert.Equal(t, uint64(4), h.ctrl.Stats().AdminCommands)
}

func TestSetFeaturesGrantsQueues(t *testing.T) {
	h := newHost(t, Config{MaxIOQueues: 4})
	h.enable()

	c := h.exec(h.admin, wire.NewSetFeatures(wire.FeatNumQueues, wire.QueueCountValue(8)))
	require.Equal(t, wire.StatusSuccess, c.status)
	assert.Equal(t, uint16(4), wire.GrantedQueues(c.result))

	c = h.exec(h.admin, wire.NewSetFeatures(wire.FeatNumQueues, 0xffff))
	assert.Equal(t, wire.StatusInvalidField, c.status)

	c = h.exec(h.admin, wire.Command{Opcode: wire.AdminGetFeatures, CDW10: wire.FeatNumQueues})
	require.Equal(t, wire.StatusSuccess, c.status)
	assert.Equal(t, uint16(4), wire.GrantedQueues(c.result))

	q, err := queue.New(queue.Config{ID: 5, Depth: testIODepth, Polled: true, Regs: h.ctrl, Alloc: h.space, Completer: h})
	require.NoError(t, err)
	c = h.exec(h.admin, wire.NewCreateCQ(5, testIODepth, q.CQAddr(), 0, wire.QueuePhysContig))
	assert.Equal(t, wire.StatusInvalidQID, c.status, "qid beyond the granted count")
}

func TestWriteThenRead(t *testing.T) {
	h := newHost(t, Config{})
	h.enable()
	q := h.ioQueue(1, nil, 0)

	for _, pages := range []int{1, 2, 4} {
		src := h.buffer(pages)
		for i := range src.CPU {
			src.CPU[i] = byte(i*7 + pages)
		}
		c := h.exec(q, h.rw(wire.OpWrite, 16, src))
		require.Equal(t, wire.StatusSuccess, c.status, "write %d pages", pages)

		stored := make([]byte, len(src.CPU))
		_, err := h.mem.ReadAt(stored, 16<<constants.SectorShift)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(src.CPU, stored), "backend holds %d written pages", pages)

		dst := h.buffer(pages)
		c = h.exec(q, h.rw(wire.OpRead, 16, dst))
		require.Equal(t, wire.StatusSuccess, c.status, "read %d pages", pages)
		assert.True(t, bytes.Equal(src.CPU, dst.CPU), "read back %d pages", pages)
	}

	c := h.exec(q, wire.NewFlush(0, 1))
	assert.Equal(t, wire.StatusSuccess, c.status)

	st := h.ctrl.Stats()
	assert.Equal(t, uint64(7), st.IOCommands)
	assert.Equal(t, uint64(7*constants.CtrlPageSize), st.BytesWritten)
	assert.Equal(t, uint64(7*constants.CtrlPageSize), st.BytesRead)
	assert.Zero(t, st.ErrorsReported)
}

func TestChainedDescriptorList(t *testing.T) {
	h := newHost(t, Config{})
	h.enable()
	q := h.ioQueue(1, nil, 0)

	// 200 pages: the first list page is full, its last slot chains to a
	// second page holding the remaining entries
	const pages = 200
	data := h.buffer(pages)
	for i := range data.CPU {
		data.CPU[i] = byte(i >> 12)
	}
	first, second := h.buffer(1), h.buffer(1)
	entries := make([]uint64, 0, pages-1)
	for i := 1; i < pages; i++ {
		entries = append(entries, data.DMA+uint64(i*constants.CtrlPageSize))
	}
	// place the list so that only 3 slots remain in the first page
	off := constants.CtrlPageSize - 3*8
	for i := 0; i < 2; i++ {
		first.PutUint64(off+i*8, entries[i])
	}
	first.PutUint64(off+16, second.DMA)
	for i, e := range entries[2:] {
		second.PutUint64(i*8, e)
	}

	cmd := wire.NewRW(wire.OpWrite, 0, 1, 0, uint16(pages*constants.CtrlPageSize>>constants.SectorShift-1))
	cmd.PRP1 = data.DMA
	cmd.PRP2 = first.DMA + uint64(off)
	c := h.exec(q, cmd)
	require.Equal(t, wire.StatusSuccess, c.status)

	stored := make([]byte, len(data.CPU))
	_, err := h.mem.ReadAt(stored, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data.CPU, stored))
}

func TestIOErrors(t *testing.T) {
	h := newHost(t, Config{MDTS: 1})
	h.enable()
	q := h.ioQueue(1, nil, 0)
	page := h.buffer(1)

	tests := []struct {
		name string
		cmd  func() wire.Command
		want uint16
	}{
		{
			name: "lba out of range",
			cmd:  func() wire.Command { return h.rw(wire.OpRead, 2047, h.buffer(1)) },
			want: wire.StatusLBARange,
		},
		{
			name: "wrong namespace",
			cmd: func() wire.Command {
				c := h.rw(wire.OpRead, 0, page)
				c.NSID = 2
				return c
			},
			want: wire.StatusInvalidNamespace,
		},
		{
			name: "beyond transfer limit",
			cmd:  func() wire.Command { return h.rw(wire.OpRead, 0, h.buffer(3)) },
			want: wire.StatusInvalidField,
		},
		{
			name: "misaligned second entry",
			cmd: func() wire.Command {
				c := h.rw(wire.OpRead, 0, h.buffer(2))
				c.PRP2 += 512
				return c
			},
			want: wire.StatusInvalidPRPOffset,
		},
		{
			name: "unmapped data pointer",
			cmd: func() wire.Command {
				c := h.rw(wire.OpRead, 0, page)
				c.PRP1 = 0xdead0000
				return c
			},
			want: wire.StatusDataXferError,
		},
		{
			name: "unknown opcode",
			cmd:  func() wire.Command { return wire.Command{Opcode: 0x7f, NSID: 1} },
			want: wire.StatusInvalidOpcode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := h.exec(q, tt.cmd())
			assert.Equal(t, tt.want, c.status)
		})
	}
	assert.Equal(t, uint64(len(tests)), h.ctrl.Stats().ErrorsReported)
}

func TestQueueLifecycle(t *testing.T) {
	h := newHost(t, Config{})
	h.enable()
	q := h.ioQueue(1, nil, 0)

	c := h.exec(h.admin, wire.NewCreateCQ(1, testIODepth, q.CQAddr(), 1, wire.QueuePhysContig))
	assert.Equal(t, wire.StatusInvalidQID, c.status, "duplicate cq")

	c = h.exec(h.admin, wire.NewCreateSQ(2, testIODepth, q.SQAddr(), 2, wire.QueuePhysContig))
	assert.Equal(t, wire.StatusCQInvalid, c.status, "sq bound to a missing cq")

	c = h.exec(h.admin, wire.NewCreateCQ(2, testIODepth, q.CQAddr(), 2, 0))
	assert.Equal(t, wire.StatusInvalidField, c.status, "non-contiguous queue")

	c = h.exec(h.admin, wire.NewCreateCQ(2, constants.MaxQueueDepth+1, q.CQAddr(), 2, wire.QueuePhysContig))
	assert.Equal(t, wire.StatusInvalidQSize, c.status)

	c = h.exec(h.admin, wire.NewDeleteQueue(wire.AdminDeleteCQ, 1))
	assert.Equal(t, wire.StatusInvalidQDeletion, c.status, "cq still has an sq")

	c = h.exec(h.admin, wire.NewDeleteQueue(wire.AdminDeleteSQ, 1))
	assert.Equal(t, wire.StatusSuccess, c.status)
	c = h.exec(h.admin, wire.NewDeleteQueue(wire.AdminDeleteCQ, 1))
	assert.Equal(t, wire.StatusSuccess, c.status)
	c = h.exec(h.admin, wire.NewDeleteQueue(wire.AdminDeleteSQ, 1))
	assert.Equal(t, wire.StatusInvalidQID, c.status)

	c = h.exec(h.admin, wire.Command{Opcode: 0xc0})
	assert.Equal(t, wire.StatusInvalidOpcode, c.status)
	c = h.exec(h.admin, wire.NewDBBufConfig(0x1000, 0x2000))
	assert.Equal(t, wire.StatusInvalidOpcode, c.status, "shadow doorbells not advertised")
}

func TestInterruptOnCompletion(t *testing.T) {
	vectors := make(chan uint16, 16)
	h := newHost(t, Config{Interrupt: func(v uint16) { vectors <- v }})
	h.enable()

	q := h.ioQueue(3, nil, wire.CQIRQEnabled)
	c := h.exec(q, wire.NewFlush(0, 1))
	require.Equal(t, wire.StatusSuccess, c.status)

	// admin completions interrupt on vector 0
	deadline := time.After(waitFor)
	for got := false; !got; {
		select {
		case v := <-vectors:
			got = v == 3
			if !got {
				assert.Zero(t, v)
			}
		case <-deadline:
			t.Fatal("no interrupt on vector 3")
		}
	}
	assert.Equal(t, uint64(3), h.ctrl.Stats().Interrupts)
}

func TestInjectStatus(t *testing.T) {
	h := newHost(t, Config{})
	h.enable()
	q := h.ioQueue(1, nil, 0)
	page := h.buffer(1)

	h.ctrl.InjectStatus(false, wire.OpRead, wire.StatusInternal, 1)
	c := h.exec(q, h.rw(wire.OpRead, 0, page))
	assert.Equal(t, wire.StatusInternal, c.status)
	c = h.exec(q, h.rw(wire.OpRead, 0, page))
	assert.Equal(t, wire.StatusSuccess, c.status, "fault used up")

	h.ctrl.InjectStatus(true, wire.AdminIdentify, wire.StatusInvalidField, 0)
	for i := 0; i < 3; i++ {
		c = h.exec(h.admin, wire.NewIdentify(0, wire.CNSController, page.DMA))
		assert.Equal(t, wire.StatusInvalidField, c.status)
	}
	h.ctrl.ClearFaults()
	c = h.exec(h.admin, wire.NewIdentify(0, wire.CNSController, page.DMA))
	assert.Equal(t, wire.StatusSuccess, c.status)
}

func TestPauseHoldsIO(t *testing.T) {
	h := newHost(t, Config{})
	h.enable()
	q := h.ioQueue(1, nil, 0)

	h.ctrl.Pause()
	id := h.submit(q, wire.NewFlush(0, 1))
	time.Sleep(20 * time.Millisecond)
	q.ProcessCompletions()
	_, ok := h.completed(id)
	assert.False(t, ok, "completed while paused")

	c := h.exec(h.admin, wire.NewIdentify(0, wire.CNSController, h.buffer(1).DMA))
	assert.Equal(t, wire.StatusSuccess, c.status, "admin queue keeps running")

	h.ctrl.Resume()
	assert.Equal(t, wire.StatusSuccess, h.wait(q, id).status)
}

func TestShadowDoorbells(t *testing.T) {
	h := newHost(t, Config{ShadowDoorbells: true})
	h.enable()

	shadow, err := queue.NewShadow(h.space)
	require.NoError(t, err)
	c := h.exec(h.admin, wire.NewDBBufConfig(shadow.DBS.DMA, shadow.EIS.DMA))
	require.Equal(t, wire.StatusSuccess, c.status)
	q := h.ioQueue(1, shadow, 0)

	// hold the worker on the first command so the next two see a stale
	// event index and skip the MMIO write
	h.ctrl.Pause()
	before := h.ctrl.Stats().SQDoorbells
	ids := []uint16{
		h.submit(q, wire.NewFlush(0, 1)),
		h.submit(q, wire.NewFlush(0, 1)),
		h.submit(q, wire.NewFlush(0, 1)),
	}
	h.ctrl.Resume()
	for _, id := range ids {
		assert.Equal(t, wire.StatusSuccess, h.wait(q, id).status)
	}
	assert.Equal(t, before+1, h.ctrl.Stats().SQDoorbells)

	sqSlot := int(2 * h.ctrl.Stride())
	assert.Equal(t, uint32(3), shadow.DBS.LoadUint32(sqSlot))
	require.Eventually(t, func() bool {
		return shadow.EIS.LoadUint32(sqSlot) == 3
	}, waitFor, time.Millisecond, "event index follows the consumed head")
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(shadow.DBS.CPU[sqSlot+int(h.ctrl.Stride()):]), "cq head published to the shadow")
}

func TestDisableStopsWorkers(t *testing.T) {
	h := newHost(t, Config{})
	h.enable()
	h.ioQueue(1, nil, 0)

	h.ctrl.Write32(mmio.RegCC, 0)
	assert.Zero(t, h.ctrl.Read32(mmio.RegCSTS)&mmio.CSTSReady)

	// a fresh enable starts from an empty queue set
	h.mu.Lock()
	clear(h.done)
	h.mu.Unlock()
	h.enable()
	q, err := queue.New(queue.Config{ID: 1, Depth: testIODepth, Polled: true, Regs: h.ctrl, Alloc: h.space, Completer: h})
	require.NoError(t, err)
	c := h.exec(h.admin, wire.NewCreateCQ(1, testIODepth, q.CQAddr(), 1, wire.QueuePhysContig))
	assert.Equal(t, wire.StatusSuccess, c.status)
}
