package prp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

const page = constants.CtrlPageSize

type harness struct {
	space *dma.Space
	pool  *dma.PagePool
	b     *Builder
}

func newHarness(limit int) *harness {
	space := dma.NewSpace(dma.SpaceConfig{})
	pool := dma.NewPagePool(space, limit)
	return &harness{space: space, pool: pool, b: &Builder{Pool: pool}}
}

func (h *harness) build(t *testing.T, segs []dma.SGEntry, length uint32) (*wire.Command, *MappingData, int, error) {
	t.Helper()
	md := &MappingData{}
	copy(md.SG[:], segs)
	cmd := &wire.Command{}
	n, err := h.b.Build(cmd, md, len(segs), length)
	return cmd, md, n, err
}

func seg(addr uint64, n uint32) dma.SGEntry {
	return dma.SGEntry{Addr: addr, Len: n}
}

func TestBuildInline(t *testing.T) {
	tests := []struct {
		name   string
		segs   []dma.SGEntry
		length uint32
		prp1   uint64
		prp2   uint64
	}{
		{
			name:   "within first page",
			segs:   []dma.SGEntry{seg(0x10200, 512)},
			length: 512,
			prp1:   0x10200,
		},
		{
			name:   "exactly one aligned page",
			segs:   []dma.SGEntry{seg(0x10000, page)},
			length: page,
			prp1:   0x10000,
		},
		{
			name:   "two pages in one segment",
			segs:   []dma.SGEntry{seg(0x10000, 2*page)},
			length: 2 * page,
			prp1:   0x10000,
			prp2:   0x11000,
		},
		{
			name:   "unaligned spill into second page",
			segs:   []dma.SGEntry{seg(0x10800, page)},
			length: page,
			prp1:   0x10800,
			prp2:   0x11000,
		},
		{
			name:   "second page from next segment",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, 1024)},
			length: page + 1024,
			prp1:   0x10000,
			prp2:   0x40000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(0)
			cmd, _, n, err := h.build(t, tt.segs, tt.length)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			assert.Equal(t, tt.prp1, cmd.PRP1)
			assert.Equal(t, tt.prp2, cmd.PRP2)
			assert.Equal(t, 0, h.pool.InUse())
		})
	}
}

func TestBuildList(t *testing.T) {
	h := newHarness(0)
	segs := []dma.SGEntry{
		seg(0x10200, page-0x200),
		seg(0x40000, 2*page),
		seg(0x80000, 100),
	}
	length := uint32(page - 0x200 + 2*page + 100)

	cmd, md, n, err := h.build(t, segs, length)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(0x10200), cmd.PRP1)
	assert.Equal(t, uint64(0), cmd.PRP2&(page-1))

	list := md.Pages[0]
	assert.Equal(t, uint64(0x40000), binary.LittleEndian.Uint64(list[0:]))
	assert.Equal(t, uint64(0x41000), binary.LittleEndian.Uint64(list[8:]))
	assert.Equal(t, uint64(0x80000), binary.LittleEndian.Uint64(list[16:]))

	ext, err := Walk(h.space, cmd.PRP1, cmd.PRP2, length)
	require.NoError(t, err)
	assert.Equal(t, []Extent{
		{Addr: 0x10200, Len: page - 0x200},
		{Addr: 0x40000, Len: page},
		{Addr: 0x41000, Len: page},
		{Addr: 0x80000, Len: 100},
	}, ext)

	h.b.Free(n, &md.Pages, cmd.PRP2)
	assert.Equal(t, 0, h.pool.InUse())
	assert.Equal(t, 0, h.pool.BadFrees())
	assert.Nil(t, md.Pages[0])
}

func TestBuildChain(t *testing.T) {
	h := newHarness(0)
	// 600 pages: PRP1 plus 599 list entries across two descriptor pages
	const pages = 600
	length := uint32(pages * page)
	cmd, md, n, err := h.build(t, []dma.SGEntry{seg(0x100000, length)}, length)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first := md.Pages[0]
	second := md.Pages[1]
	chain := binary.LittleEndian.Uint64(first[(constants.PRPEntriesPerPage-1)*8:])
	assert.Equal(t, uint64(0), chain&(page-1))

	// the entry displaced by the chain pointer heads the second page
	want := uint64(0x100000) + uint64(constants.PRPEntriesPerPage)*page
	assert.Equal(t, want, binary.LittleEndian.Uint64(second[0:]))

	ext, err := Walk(h.space, cmd.PRP1, cmd.PRP2, length)
	require.NoError(t, err)
	require.Len(t, ext, pages)
	for i, e := range ext {
		assert.Equal(t, uint64(0x100000)+uint64(i)*page, e.Addr, "extent %d", i)
	}

	h.b.Free(n, &md.Pages, cmd.PRP2)
	assert.Equal(t, 0, h.pool.InUse())
	assert.Equal(t, 0, h.pool.BadFrees())
}

func TestBuildFullPageEndsWithoutChain(t *testing.T) {
	h := newHarness(0)
	// PRP1 plus exactly one page of list entries
	length := uint32((1 + constants.PRPEntriesPerPage) * page)
	cmd, _, n, err := h.build(t, []dma.SGEntry{seg(0x100000, length)}, length)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ext, err := Walk(h.space, cmd.PRP1, cmd.PRP2, length)
	require.NoError(t, err)
	assert.Len(t, ext, 1+constants.PRPEntriesPerPage)
}

func TestBuildMaxTransfer(t *testing.T) {
	h := newHarness(0)
	length := uint32(constants.MaxTransferKB * 1024)
	// worst case: start at the last byte of a page
	cmd, md, n, err := h.build(t, []dma.SGEntry{seg(0x100fff, length)}, length)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, constants.MaxPRPPages)

	ext, err := Walk(h.space, cmd.PRP1, cmd.PRP2, length)
	require.NoError(t, err)
	var total uint32
	for _, e := range ext {
		total += e.Len
	}
	assert.Equal(t, length, total)

	h.b.Free(n, &md.Pages, cmd.PRP2)
	assert.Equal(t, 0, h.pool.InUse())
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		segs   []dma.SGEntry
		length uint32
		code   ioerr.Code
	}{
		{
			name:   "middle segment ends mid-page",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, 2048), seg(0x80000, page)},
			length: 2*page + 2048,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "first segment ends before its page",
			segs:   []dma.SGEntry{seg(0x10000, 1024), seg(0x40000, page)},
			length: 1024 + page,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "second segment starts mid-page",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40200, page)},
			length: 2 * page,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "scatter list too short",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, page)},
			length: 4 * page,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "middle segment ends mid-page under the inline pointer",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, 512), seg(0x80000, 512)},
			length: page + 1024,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "middle segment ends mid-page under the last list entry",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, page), seg(0x80000, 512), seg(0xc0000, 512)},
			length: 2*page + 1024,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "last segment shorter than the inline pointer claims",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, 512)},
			length: page + 1024,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "last segment shorter than the last list entry claims",
			segs:   []dma.SGEntry{seg(0x10000, page), seg(0x40000, page), seg(0x80000, 512)},
			length: 2*page + 1024,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "single segment shorter than the transfer",
			segs:   []dma.SGEntry{seg(0x10000, 512)},
			length: 1024,
			code:   ioerr.CodeInvalidPRP,
		},
		{
			name:   "scatter list too short for inline pair",
			segs:   []dma.SGEntry{seg(0x10000, page)},
			length: page + 512,
			code:   ioerr.CodeInvalidPRP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(0)
			_, md, n, err := h.build(t, tt.segs, tt.length)
			require.Error(t, err)
			assert.True(t, ioerr.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, 0, n)
			assert.Equal(t, 0, h.pool.InUse())
			assert.Nil(t, md.Pages[0])
		})
	}
}

func TestBuildEmptyScatterList(t *testing.T) {
	h := newHarness(0)
	_, err := h.b.Build(&wire.Command{}, &MappingData{}, 0, page)
	assert.ErrorIs(t, err, ioerr.ErrInvalidPRP)
}

func TestBuildPoolExhausted(t *testing.T) {
	h := newHarness(1)
	length := uint32(600 * page)
	_, md, n, err := h.build(t, []dma.SGEntry{seg(0x100000, length)}, length)
	require.Error(t, err)
	assert.ErrorIs(t, err, ioerr.ErrNoMemory)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.pool.InUse())
	assert.Nil(t, md.Pages[0])
}

func TestWalkRejectsMisalignedEntries(t *testing.T) {
	h := newHarness(0)
	_, err := Walk(h.space, 0x10000, 0x40010, page+512)
	assert.ErrorIs(t, err, ioerr.ErrInvalidPRP)

	_, err = Walk(h.space, 0x10000, 0x40000, 4*page)
	assert.Error(t, err, "list pointer into unmapped memory")
}

// segments obey the layout rules: first may start mid-page and ends on a
// boundary, middle ones are whole pages, the last may end anywhere
func genLayout(t *rapid.T) ([]dma.SGEntry, uint32, []Extent) {
	n := rapid.IntRange(1, 8).Draw(t, "segments")
	var (
		segs   []dma.SGEntry
		want   []Extent
		length uint32
	)
	for i := 0; i < n; i++ {
		base := uint64(i+1) << 24
		var off, size uint32
		switch {
		case i == 0 && n == 1:
			off = uint32(rapid.IntRange(0, page-1).Draw(t, "off"))
			size = uint32(rapid.IntRange(1, 40*page).Draw(t, "size"))
		case i == 0:
			off = uint32(rapid.IntRange(0, page-1).Draw(t, "off"))
			size = uint32(rapid.IntRange(1, 20).Draw(t, "pages"))*page - off
		case i == n-1:
			size = uint32(rapid.IntRange(1, 20*page).Draw(t, "size"))
		default:
			size = uint32(rapid.IntRange(1, 20).Draw(t, "pages")) * page
		}
		addr := base + uint64(off)
		segs = append(segs, seg(addr, size))
		length += size

		for p, left := addr, size; left > 0; {
			chunk := min(left, uint32(page-int(p&(page-1))))
			want = append(want, Extent{Addr: p, Len: chunk})
			p += uint64(chunk)
			left -= chunk
		}
	}
	return segs, length, want
}

func TestBuildWalkProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		segs, length, want := genLayout(t)
		h := newHarness(0)

		md := &MappingData{}
		copy(md.SG[:], segs)
		cmd := &wire.Command{}
		n, err := h.b.Build(cmd, md, len(segs), length)
		require.NoError(t, err)
		require.Equal(t, n, h.pool.InUse())

		got, err := Walk(h.space, cmd.PRP1, cmd.PRP2, length)
		require.NoError(t, err)
		require.Equal(t, want, got)

		h.b.Free(n, &md.Pages, cmd.PRP2)
		require.Equal(t, 0, h.pool.InUse())
		require.Equal(t, 0, h.pool.BadFrees())
	})
}
