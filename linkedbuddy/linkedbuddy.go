// Package linkedbuddy implements a buddy allocator whose free blocks
// are tracked with explicit doubly-linked lists (avail[k] holds every
// free block of size 2^k), rather than a bitmap tree.
package linkedbuddy

import (
	"github.com/orizon-lang/memalloc"
	"github.com/orizon-lang/memalloc/internal/allocerr"
	"github.com/orizon-lang/memalloc/internal/bitutil"
	"github.com/orizon-lang/memalloc/memmap"
)

const (
	tagReserved = 0
	tagFree     = 1
)

// recordSize stands in for C's sizeof(buddy_block_t): two links plus a
// size class and a tag, each a machine word.
const recordSize = 32

// node is one entry of the descriptor's combined node table: indices
// [0, maxKval] are the avail[] sentinels, and indices above that are
// the block records, one per minimum-size slot.
type node struct {
	linkf, linkb int
	kval         uint64
	tag          uint64
}

// Descriptor is a linked buddy heap over a range of block-sized slots.
type Descriptor struct {
	nodes          []node
	maxKval        uint64
	blockSize      uint64
	offset         uint64
	freeBlockCount uint64
	prealloc       bool
	commit         memalloc.CommitHook
}

// Option configures a Descriptor before Init runs.
type Option func(*Descriptor)

// WithOffset sets the base address added to every location this
// descriptor hands out or accepts.
func WithOffset(offset uint64) Option {
	return func(d *Descriptor) { d.offset = offset }
}

// WithCommitHook installs the hook invoked once over the block table's
// own backing range when it must be carved from the memory map.
func WithCommitHook(hook memalloc.CommitHook) Option {
	return func(d *Descriptor) { d.commit = hook }
}

// WithPrealloc marks the block table as already backed by memory
// outside the map, skipping Init's carve-from-map step.
func WithPrealloc() Option {
	return func(d *Descriptor) { d.prealloc = true }
}

// New returns a Descriptor for the given block size. It must be
// followed by Init before use.
func New(blockSize uint64, opts ...Option) *Descriptor {
	d := &Descriptor{blockSize: blockSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func computeMemorySize(m *memmap.Map) (uint64, error) {
	regions := m.Regions()
	for i := len(regions) - 1; i >= 0; i-- {
		if regions[i].Type == memmap.Available {
			return regions[i].Location + regions[i].Size, nil
		}
	}
	return 0, allocerr.InvalidConfig("map", nil, "no available region present")
}

// SizeNeeded returns the number of bytes of block-table storage a heap
// over m's available regions would require for the given block size.
func SizeNeeded(m *memmap.Map, blockSize uint64) (uint64, error) {
	if blockSize == 0 {
		return 0, allocerr.InvalidConfig("blockSize", blockSize, "must be nonzero")
	}
	memSize, err := computeMemorySize(m)
	if err != nil {
		return 0, err
	}
	return bitutil.NextPow2(recordSize * memSize / blockSize), nil
}

func (d *Descriptor) blockIndexOf(nodeIdx int) uint64 {
	return uint64(nodeIdx) - (d.maxKval + 1)
}

func (d *Descriptor) blockNodeIndex(block uint64) int {
	return int(d.maxKval+1) + int(block)
}

func (d *Descriptor) blockNode(block uint64) *node {
	return &d.nodes[d.blockNodeIndex(block)]
}

func findCarveRegion(m *memmap.Map, size uint64) (memmap.Region, error) {
	for _, r := range m.Regions() {
		if r.Type == memmap.Available && r.Size >= size {
			return r, nil
		}
	}
	return memmap.Region{}, allocerr.InsufficientBacking(size, 0)
}

// insertBlock is the merge-upward primitive: it marks the block at
// index free, merging repeatedly with its buddy for as long as the
// buddy is free and the same size, then splices the surviving block
// into avail[k].
func (d *Descriptor) insertBlock(index, k uint64) {
	d.freeBlockCount += uint64(1) << k
	for k < d.maxKval {
		buddyIndex := index ^ (uint64(1) << k)
		buddy := d.blockNode(buddyIndex)
		if buddy.tag != tagFree || buddy.kval != k {
			break
		}
		d.nodes[buddy.linkb].linkf = buddy.linkf
		d.nodes[buddy.linkf].linkb = buddy.linkb
		buddy.tag = tagReserved
		k++
		if buddyIndex < index {
			index = buddyIndex
		}
	}

	nodeIdx := d.blockNodeIndex(index)
	blk := &d.nodes[nodeIdx]
	blk.tag = tagFree
	head := &d.nodes[k]
	p := head.linkf
	blk.linkf = p
	blk.linkb = int(k)
	d.nodes[p].linkb = nodeIdx
	head.linkf = nodeIdx
	blk.kval = k
}

// Init finalizes the descriptor's layout against m's regions. If the
// descriptor was not constructed with WithPrealloc, Init carves its
// block table's own storage out of an Available region of m, marks
// that range Unavailable, and runs the commit hook (if any) over it
// before ingesting every Available region's slots into the free lists.
func (d *Descriptor) Init(m *memmap.Map) error {
	blockMapSize, err := SizeNeeded(m, d.blockSize)
	if err != nil {
		return err
	}

	blockCount := blockMapSize / recordSize
	d.maxKval = uint64(bitutil.Log2Ceil(blockCount))
	d.freeBlockCount = 0
	d.nodes = make([]node, int(d.maxKval+1)+int(blockCount))

	for k := uint64(0); k <= d.maxKval; k++ {
		d.nodes[k].linkf = int(k)
		d.nodes[k].linkb = int(k)
	}

	if !d.prealloc {
		region, err := findCarveRegion(m, blockMapSize)
		if err != nil {
			return err
		}
		location := d.offset + region.Location
		if err := m.Insert(region.Location, blockMapSize, memmap.Unavailable); err != nil {
			return err
		}
		if d.commit != nil {
			if err := d.commit(location, blockMapSize); err != nil {
				return allocerr.CommitFailed(location, blockMapSize, err)
			}
		}
	}

	for i := uint64(0); i < blockCount; i++ {
		nd := d.blockNode(i)
		nd.tag = tagReserved
		nd.kval = 0
		nd.linkf = -1
		nd.linkb = -1
	}

	for _, r := range m.Regions() {
		if r.Type != memmap.Available {
			continue
		}
		location := r.Location + d.blockSize - 1
		location -= location % d.blockSize
		regionEnd := r.Location + r.Size

		for location+d.blockSize <= regionEnd {
			index := location / d.blockSize
			d.insertBlock(index, 0)
			location += d.blockSize
			d.freeBlockCount++
		}
	}

	return nil
}

// Reserve returns the location of a free block able to hold size
// bytes, or memalloc.NoMem if none exists.
func (d *Descriptor) Reserve(size uint64) uint64 {
	k := uint64(bitutil.Log2Ceil((size-1)/d.blockSize + 1))

	for j := k; j <= d.maxKval; j++ {
		head := &d.nodes[j]
		if head.linkf == int(j) {
			continue
		}

		blockNodeIdx := head.linkb
		block := &d.nodes[blockNodeIdx]
		head.linkb = block.linkb
		d.nodes[block.linkb].linkf = int(j)
		block.tag = tagReserved

		for j > k {
			j--
			buddyNodeIdx := blockNodeIdx + int(uint64(1)<<j)
			buddy := &d.nodes[buddyNodeIdx]
			buddy.tag = tagFree
			buddy.kval = j
			block.kval = j
			buddy.linkb = int(j)
			buddy.linkf = int(j)
			d.nodes[j].linkb = buddyNodeIdx
			d.nodes[j].linkf = buddyNodeIdx
		}

		index := d.blockIndexOf(blockNodeIdx)
		d.freeBlockCount -= uint64(1) << k
		return d.offset + index*d.blockSize
	}

	return memalloc.NoMem
}

// Free releases the block at location, inferring its size from the
// block table's recorded size class.
func (d *Descriptor) Free(location uint64) {
	index := (location - d.offset) / d.blockSize
	kval := d.blockNode(index).kval
	k := uint64(bitutil.Log2Ceil((d.blockSize * (uint64(1) << kval)) / d.blockSize))
	d.insertBlock(index, k)
}

// FreeSize releases the block at location, sized size, back to the heap.
func (d *Descriptor) FreeSize(location, size uint64) {
	index := (location - d.offset) / d.blockSize
	k := uint64(bitutil.Log2Ceil(size / d.blockSize))
	d.insertBlock(index, k)
}

// FreeBlockCount returns the allocator's internal free-block counter.
func (d *Descriptor) FreeBlockCount() uint64 { return d.freeBlockCount }

// MaxKval returns the largest size class index the heap supports.
func (d *Descriptor) MaxKval() uint64 { return d.maxKval }
