// Package bitmapbuddy implements a buddy allocator whose free/used
// state lives entirely in a bitmap addressed as an implicit binary
// tree: node i's children are 2i and 2i+1, and i's buddy is i^1.
package bitmapbuddy

import (
	"math/bits"

	"github.com/orizon-lang/memalloc"
	"github.com/orizon-lang/memalloc/internal/allocerr"
	"github.com/orizon-lang/memalloc/internal/bitutil"
	"github.com/orizon-lang/memalloc/memmap"
)

const wordBits = 64

// per-word top-level bitmasks, one per height within the first word,
// indexed by height-from-root plus log2(blockBits).
var topBitmasks = [6]uint64{
	0x0000000000000002,
	0x000000000000000C,
	0x00000000000000F0,
	0x000000000000FF00,
	0x00000000FFFF0000,
	0xFFFFFFFF00000000,
}

const (
	bitAvail = 0
	bitUsed  = 1
)

// Descriptor is a bitmap buddy heap over a range of block-sized slots.
type Descriptor struct {
	bitmap          []uint64
	cache           []uint64
	bitmapLocation  uint64
	bitmapSizeBytes uint64
	blockSize       uint64
	blockBits       uint64
	blocksInWord    uint64
	height          int
	freeBlockCount  uint64
	mask            uint64
	offset          uint64
	commit          memalloc.CommitHook
}

// Option configures a Descriptor before Init runs.
type Option func(*Descriptor)

// WithBitmap preallocates the bitmap storage, skipping the carve-from-map
// step Init would otherwise perform.
func WithBitmap(buf []uint64) Option {
	return func(d *Descriptor) { d.bitmap = buf }
}

// WithCache supplies the optional per-level free-index cache. A nil
// cache (the default) disables caching entirely.
func WithCache(buf []uint64) Option {
	return func(d *Descriptor) { d.cache = buf }
}

// WithOffset sets the base address added to every location this
// descriptor hands out or accepts.
func WithOffset(offset uint64) Option {
	return func(d *Descriptor) { d.offset = offset }
}

// WithCommitHook installs the hook invoked once over the bitmap's own
// backing range when it must be carved from the memory map.
func WithCommitHook(hook memalloc.CommitHook) Option {
	return func(d *Descriptor) { d.commit = hook }
}

// New returns a Descriptor for the given block size and block width
// (bits of state per block slot — 1 for plain avail/used, 2 to also
// track a reserved-but-not-split/etc. companion bit, and so on up to
// 64). It must be followed by Init before use.
func New(blockSize, blockBits uint64, opts ...Option) *Descriptor {
	d := &Descriptor{blockSize: blockSize, blockBits: blockBits}
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

func generateMask(blockBits uint64) uint64 {
	blocksInWord := wordBits / blockBits
	var mask uint64
	for i := uint64(1); i <= blocksInWord; i++ {
		mask |= 1 << (i*blockBits - 1)
	}
	return mask
}

// SizeNeeded returns the number of bytes of bitmap storage a heap over
// m's available regions would require for the given block size/width.
func SizeNeeded(m *memmap.Map, blockSize, blockBits uint64) (uint64, error) {
	memSize, err := computeMemorySize(m)
	if err != nil {
		return 0, err
	}
	return bitutil.NextPow2(blockBits * (memSize / blockSize) / 4), nil
}

func (d *Descriptor) deriveLayout(m *memmap.Map) error {
	if d.blockBits == 0 || d.blockBits > wordBits {
		return allocerr.InvalidConfig("blockBits", d.blockBits, "must be in [1, 64]")
	}
	if d.blockSize == 0 {
		return allocerr.InvalidConfig("blockSize", d.blockSize, "must be nonzero")
	}
	if !bitutil.IsPow2(d.blockBits) {
		return allocerr.InvalidConfig("blockBits", d.blockBits, "must be a power of two")
	}

	memSize, err := computeMemorySize(m)
	if err != nil {
		return err
	}

	d.blocksInWord = wordBits / d.blockBits
	bitmapSize := bitutil.NextPow2(d.blockBits * (memSize / d.blockSize) / 4)
	d.height = bitutil.Log2Ceil(memSize / d.blockSize)
	d.freeBlockCount = 0
	d.mask = generateMask(d.blockBits)

	if bitmapSize <= 8 {
		return allocerr.InsufficientBacking(bitmapSize, 8)
	}
	if bitmapSize >= memSize && d.bitmap == nil {
		return allocerr.InsufficientBacking(bitmapSize, memSize)
	}

	d.bitmapSizeBytes = bitmapSize
	return nil
}

func (d *Descriptor) clearCache() {
	for i := range d.cache {
		d.cache[i] = 0
	}
}

func (d *Descriptor) setBit(index uint64, bit int) {
	if bit >= int(d.blockBits) {
		return
	}
	wordIdx := index / d.blocksInWord
	offset := index % d.blocksInWord
	mask := uint64(1) << (d.blockBits*(offset+1) - 1 - uint64(bit))
	d.bitmap[wordIdx] |= mask
}

func (d *Descriptor) clearBit(index uint64, bit int) {
	if bit >= int(d.blockBits) {
		return
	}
	wordIdx := index / d.blocksInWord
	offset := index % d.blocksInWord
	mask := uint64(1) << (d.blockBits*(offset+1) - 1 - uint64(bit))
	d.bitmap[wordIdx] &^= mask
}

func (d *Descriptor) testBit(index uint64, bit int) bool {
	if bit > int(d.blockBits)-1 {
		return true
	}
	offset := index % d.blocksInWord
	mask := uint64(1) << (d.blockBits*(offset+1) - 1 - uint64(bit))
	return d.bitmap[index/d.blocksInWord]&mask != 0
}

func (d *Descriptor) setPair(index uint64, bit int) {
	if bit >= int(d.blockBits) {
		return
	}
	wordIdx := index / d.blocksInWord
	offset := index % d.blocksInWord
	maskA := uint64(1) << (d.blockBits*(offset+1) - 1 - uint64(bit))
	maskB := uint64(1) << (d.blockBits*((offset^1)+1) - 1 - uint64(bit))
	d.bitmap[wordIdx] |= maskA | maskB
}

func (d *Descriptor) clearPair(index uint64, bit int) {
	if bit >= int(d.blockBits) {
		return
	}
	wordIdx := index / d.blocksInWord
	offset := index % d.blocksInWord
	maskA := uint64(1) << (d.blockBits*(offset+1) - 1 - uint64(bit))
	maskB := uint64(1) << (d.blockBits*((offset^1)+1) - 1 - uint64(bit))
	d.bitmap[wordIdx] &^= maskA | maskB
}

func (d *Descriptor) cacheLocationFromIndex(index uint64) int {
	return bitutil.Log2Ceil(index+1) - bitutil.Log2Ceil(d.blocksInWord) - 1
}

func (d *Descriptor) cacheLocationFromHeight(height int) int {
	return d.height - height - bitutil.Log2Ceil(d.blocksInWord)
}

func (d *Descriptor) checkCache(height int) uint64 {
	if d.cache == nil {
		return 0
	}
	loc := d.cacheLocationFromHeight(height)
	n := d.cache[loc]
	d.cache[loc] = 0
	return n
}

func (d *Descriptor) storeCache(index uint64) {
	if d.cache == nil {
		return
	}
	level := d.cacheLocationFromIndex(index)
	if level >= 0 && d.cache[level] == 0 {
		d.cache[level] = index
	}
}

func (d *Descriptor) uncache(index uint64) {
	if d.cache == nil {
		return
	}
	level := d.cacheLocationFromIndex(index)
	if level >= 0 && d.cache[level] == index {
		d.cache[level] = 0
	}
}

// splitBlock marks index unavailable, marks both children available,
// caches the right child, and returns the left child for the caller
// to split or reserve further.
func (d *Descriptor) splitBlock(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	d.clearBit(index, bitAvail)
	index *= 2
	d.setPair(index, bitAvail)
	d.storeCache(index + 1)
	return index
}

// mergeBlock walks upward from index, merging with its buddy while the
// buddy is available, and returns the index of the surviving ancestor.
func (d *Descriptor) mergeBlock(index uint64) uint64 {
	for index > 1 && d.testBit(index^1, bitAvail) {
		d.uncache(index ^ 1)
		d.clearPair(index, bitAvail)
		index /= 2
		d.setBit(index, bitAvail)
	}
	return index
}

func (d *Descriptor) findFreeRegion(height int) uint64 {
	if height > d.height || height < 0 {
		return 0
	}

	if height <= d.height-bitutil.Log2Ceil(d.blocksInWord) {
		if cached := d.checkCache(height); cached != 0 {
			return cached
		}
		start := (uint64(1) << uint(d.height-height)) / d.blocksInWord
		end := (uint64(1) << uint(d.height-height+1)) / d.blocksInWord
		for index := start; index < end; index++ {
			availMask := d.bitmap[index] & d.mask
			if availMask != 0 {
				return d.blocksInWord*index + uint64(bits.TrailingZeros64(availMask))/d.blockBits
			}
		}
	} else {
		bitmaskIndex := d.height - height + bitutil.Log2Ceil(d.blockBits)
		masked := d.bitmap[0] & topBitmasks[bitmaskIndex] & d.mask
		if masked != 0 {
			return uint64(bits.TrailingZeros64(masked)) / d.blockBits
		}
	}

	return d.splitBlock(d.findFreeRegion(height + 1))
}

func (d *Descriptor) initializeBitmap(m *memmap.Map) {
	for i := range d.bitmap {
		d.bitmap[i] = 0
	}

	for _, r := range m.Regions() {
		if r.Type != memmap.Available {
			continue
		}

		location := r.Location + d.blockSize - 1
		location -= location % d.blockSize
		regionEnd := r.Location + r.Size

		for location+d.blockSize <= regionEnd {
			bitOffset := (location / d.blockSize) % d.blocksInWord
			bitmapIndex := (uint64(1)<<uint(d.height))/d.blocksInWord + (location/d.blockSize)/d.blocksInWord
			chunkSize := (d.blocksInWord - bitOffset) * d.blockSize

			switch {
			case bitOffset == 0 && regionEnd-location >= chunkSize:
				d.bitmap[bitmapIndex] = d.mask
				d.freeBlockCount += d.blocksInWord
			case bitOffset == 0:
				count := (regionEnd - location) / d.blockSize
				d.bitmap[bitmapIndex] |= d.mask & ((uint64(1) << (d.blockBits * count)) - 1)
				d.freeBlockCount += count
			case regionEnd-location >= chunkSize:
				d.bitmap[bitmapIndex] |= d.mask &^ ((uint64(1) << (d.blockBits * bitOffset)) - 1)
				d.freeBlockCount += d.blocksInWord - bitOffset
			default:
				count := (regionEnd - location) / d.blockSize
				d.bitmap[bitmapIndex] |= d.mask & ((uint64(1) << (d.blockBits * (bitOffset + count))) - 1) &^ ((uint64(1) << (d.blockBits * bitOffset)) - 1)
				d.freeBlockCount += count
			}

			mergeMask := ((uint64(1) << (2 * d.blockBits)) - 1) & d.mask
			for j := uint64(0); j < d.blocksInWord/2; j++ {
				if d.bitmap[bitmapIndex]&mergeMask == mergeMask {
					d.mergeBlock(bitmapIndex*d.blocksInWord + j*2)
				}
				mergeMask <<= 2 * d.blockBits
			}

			location += chunkSize
		}
	}
}

func findCarveRegion(m *memmap.Map, size uint64) (memmap.Region, error) {
	for _, r := range m.Regions() {
		if r.Size >= size {
			return r, nil
		}
	}
	return memmap.Region{}, allocerr.InsufficientBacking(size, 0)
}

// Init finalizes the descriptor's layout against m's regions. If the
// descriptor was not constructed with WithBitmap, Init carves its
// bitmap's own storage out of m, marks that range Unavailable, and
// runs the commit hook (if any) over it before populating the bitmap
// from m's Available regions.
func (d *Descriptor) Init(m *memmap.Map) error {
	if err := d.deriveLayout(m); err != nil {
		return err
	}

	if d.bitmap == nil {
		region, err := findCarveRegion(m, d.bitmapSizeBytes)
		if err != nil {
			return err
		}
		d.bitmapLocation = d.offset + region.Location
		if err := m.Insert(region.Location, d.bitmapSizeBytes, memmap.Unavailable); err != nil {
			return err
		}
		if d.commit != nil {
			if err := d.commit(d.bitmapLocation, d.bitmapSizeBytes); err != nil {
				return allocerr.CommitFailed(d.bitmapLocation, d.bitmapSizeBytes, err)
			}
		}
		d.bitmap = make([]uint64, d.bitmapSizeBytes/8)
	}

	d.initializeBitmap(m)
	d.clearCache()
	return nil
}

// Reserve returns the location of a free block able to hold size
// bytes, or memalloc.NoMem if none exists.
func (d *Descriptor) Reserve(size uint64) uint64 {
	height := bitutil.Log2Ceil((size-1)/d.blockSize + 1)
	index := d.findFreeRegion(height)
	if index == 0 {
		return memalloc.NoMem
	}

	d.clearBit(index, bitAvail)
	d.setBit(index, bitUsed)
	d.freeBlockCount -= uint64(1) << uint(height)
	return d.offset + (d.blockSize<<uint(height))*(index-(uint64(1)<<uint(d.height-height)))
}

// Free releases the block at location, sized size, back to the heap.
// If size is 0, Free walks upward from the leaf slot covering location
// until it finds the ancestor actually marked used. A zero-size free is
// rejected outright when blockBits == 1, since such a heap has nowhere
// to keep a used bit distinct from the leaf's avail bit to walk toward.
func (d *Descriptor) Free(location, size uint64) {
	if size == 0 && d.blockBits == 1 {
		return
	}

	location -= d.offset
	height := bitutil.Log2Ceil(size / d.blockSize)
	index := location/(d.blockSize*(uint64(1)<<uint(height))) + (uint64(1) << uint(d.height-height))

	for !d.testBit(index, bitUsed) {
		height++
		index /= 2
	}

	d.setBit(index, bitAvail)
	d.clearBit(index, bitUsed)
	index = d.mergeBlock(index)
	d.storeCache(index)
	d.freeBlockCount += uint64(1) << uint(height)
}

// blockIndexAt returns the node index of the reserved block that
// location was allocated from, found by walking upward from location's
// leaf slot until reaching the ancestor actually marked used — the same
// technique Free uses for a size-less free.
func (d *Descriptor) blockIndexAt(location uint64) uint64 {
	location -= d.offset
	index := location/d.blockSize + (uint64(1) << uint(d.height))
	for !d.testBit(index, bitUsed) {
		index /= 2
	}
	return index
}

// ReadBit reads a caller-reserved metadata bit from the block at
// location. location must have been returned by Reserve and not since
// freed. Returns true if bit is not less than blockBits, matching the
// boundary behavior of the block's avail/used bits themselves.
func (d *Descriptor) ReadBit(location uint64, bit int) bool {
	return d.testBit(d.blockIndexAt(location), bit)
}

// WriteBit writes a caller-reserved metadata bit on the block at
// location. location must have been returned by Reserve and not since
// freed. bit must be less than blockBits; out-of-range bits are ignored.
func (d *Descriptor) WriteBit(location uint64, bit int, value bool) {
	index := d.blockIndexAt(location)
	if value {
		d.setBit(index, bit)
	} else {
		d.clearBit(index, bit)
	}
}

// FreeBlockCount returns the number of minimum-size blocks currently free.
func (d *Descriptor) FreeBlockCount() uint64 { return d.freeBlockCount }

// Height returns the heap's tree height (log2 of the number of
// minimum-size blocks it spans).
func (d *Descriptor) Height() int { return d.height }
