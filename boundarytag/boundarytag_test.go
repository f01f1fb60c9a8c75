package boundarytag_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memalloc"
	"github.com/orizon-lang/memalloc/boundarytag"
	"github.com/orizon-lang/memalloc/memmap"
)

func newHeap(t *testing.T, arenaSize uint64) (*boundarytag.Descriptor, []byte) {
	t.Helper()
	arena := make([]byte, arenaSize)
	m := memmap.New(4)
	require.NoError(t, m.Insert(0, arenaSize, memmap.Available))

	d := boundarytag.New(arena)
	require.NoError(t, d.Init(m))
	return d, arena
}

func TestInitLeavesWholeRegionAvailable(t *testing.T) {
	d, _ := newHeap(t, 4096)
	assert.Equal(t, uint64(4096)-boundarytag.MinBlockSize, d.Available())
}

func TestReserveSplitsFromTail(t *testing.T) {
	d, arena := newHeap(t, 4096)
	before := d.Available()

	loc := d.Reserve(64)
	require.NotEqual(t, memalloc.NoMem, loc)
	assert.Less(t, loc, uint64(len(arena)))
	assert.Less(t, d.Available(), before)
}

func TestReserveDisjointBlocks(t *testing.T) {
	d, arena := newHeap(t, 4096)

	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		loc := d.Reserve(32)
		require.NotEqual(t, memalloc.NoMem, loc)
		require.Less(t, loc, uint64(len(arena)))
		assert.False(t, seen[loc], "block at %d reserved twice", loc)
		seen[loc] = true
	}
}

func TestFreeCoalescesWithBothNeighbors(t *testing.T) {
	d, _ := newHeap(t, 4096)
	initial := d.Available()

	a := d.Reserve(64)
	b := d.Reserve(64)
	c := d.Reserve(64)
	require.NotEqual(t, memalloc.NoMem, a)
	require.NotEqual(t, memalloc.NoMem, b)
	require.NotEqual(t, memalloc.NoMem, c)

	d.Free(a)
	d.Free(c)
	d.Free(b)

	assert.Equal(t, initial, d.Available())
}

func TestReserveTakesWholeBlockWhenRemainderTooSmall(t *testing.T) {
	arenaSize := uint64(2 * boundarytag.MinBlockSize)
	d, arena := newHeap(t, arenaSize)

	payload := arenaSize - 4*32
	loc := d.Reserve(payload)
	require.NotEqual(t, memalloc.NoMem, loc)
	assert.Less(t, loc, uint64(len(arena)))
	assert.Equal(t, uint64(0), d.Available())
}

func TestReserveExhaustion(t *testing.T) {
	d, _ := newHeap(t, 512)

	var last uint64
	for {
		loc := d.Reserve(32)
		if loc == memalloc.NoMem {
			break
		}
		last = loc
	}
	_ = last
	assert.Equal(t, memalloc.NoMem, d.Reserve(32))
}
