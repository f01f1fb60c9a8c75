// Package boundarytag implements a first-fit allocator whose block
// headers and footers are stored inline, inside the arena they
// describe, rather than in a side table. Every block carries a header
// at its first word and a mirrored footer at its last word, so a
// neighbor's size can always be read without consulting anything
// outside the arena itself.
package boundarytag

import (
	"unsafe"

	"github.com/orizon-lang/memalloc"
	"github.com/orizon-lang/memalloc/internal/allocerr"
	"github.com/orizon-lang/memalloc/memmap"
)

// tag is the header/footer record embedded at both ends of every
// block. free is 1 for a free block, 0 for a reserved one.
type tag struct {
	free uint64
	size uint64
	prev uint64
	next uint64
}

const tagSize = uint64(unsafe.Sizeof(tag{}))

// MinBlockSize is the smallest region Init will carve a free block
// from, and the smallest remainder Reserve will leave behind when
// splitting a block from its tail.
const MinBlockSize = 4 * tagSize

const wordSize = 8

// headRef is a sentinel reference value meaning "the descriptor's own
// head node", which is not addressable inside the arena.
const headRef = ^uint64(0)

// Descriptor is a boundary-tag heap over a caller-owned byte arena.
// Every location it hands out or accepts is an offset into that
// arena.
type Descriptor struct {
	arena   []byte
	head    tag
	current uint64
}

// New returns a Descriptor managing arena. It must be followed by
// Init before use. arena is retained, not copied.
func New(arena []byte) *Descriptor {
	return &Descriptor{arena: arena}
}

func (d *Descriptor) tagAt(ref uint64) *tag {
	if ref == headRef {
		return &d.head
	}
	return (*tag)(unsafe.Pointer(&d.arena[ref]))
}

func (d *Descriptor) footerRef(ref uint64) uint64 {
	return ref + d.tagAt(ref).size - tagSize
}

func (d *Descriptor) headerFromFooter(footerRef uint64) uint64 {
	return footerRef - d.tagAt(footerRef).size + tagSize
}

func (d *Descriptor) setSize(ref, size uint64) {
	d.tagAt(ref).size = size
	d.tagAt(ref + size - tagSize).size = size
}

func (d *Descriptor) setFree(ref, free uint64) {
	t := d.tagAt(ref)
	t.free = free
	d.tagAt(ref + t.size - tagSize).free = free
}

func (d *Descriptor) setNext(ref, next uint64) {
	t := d.tagAt(ref)
	t.next = next
	d.tagAt(ref + t.size - tagSize).next = next
}

func (d *Descriptor) setPrev(ref, prev uint64) {
	t := d.tagAt(ref)
	t.prev = prev
	d.tagAt(ref + t.size - tagSize).prev = prev
}

func (d *Descriptor) setBlock(ref, free, size, next, prev uint64) {
	d.setSize(ref, size)
	d.setFree(ref, free)
	d.setNext(ref, next)
	d.setPrev(ref, prev)
}

// Init places one free block in every Available region of m at least
// MinBlockSize bytes long, bordered on each side by an absent sentinel
// tag (free == 0) so neighbor scans never walk past a region's edge.
func (d *Descriptor) Init(m *memmap.Map) error {
	d.head.free = 0
	d.head.size = tagSize
	d.head.prev = headRef
	d.head.next = headRef
	d.current = headRef

	for _, r := range m.Regions() {
		if r.Type != memmap.Available || r.Size < MinBlockSize {
			continue
		}
		if r.Location+r.Size > uint64(len(d.arena)) {
			return allocerr.InsufficientBacking(r.Location+r.Size, uint64(len(d.arena)))
		}

		newBlock := r.Location + tagSize
		oldTail := d.head.prev
		d.setBlock(newBlock, 1, r.Size-2*tagSize, headRef, oldTail)
		d.setNext(oldTail, newBlock)
		d.setPrev(headRef, newBlock)
		d.tagAt(newBlock - tagSize).free = 0
		d.tagAt(d.footerRef(newBlock) + tagSize).free = 0
	}
	return nil
}

// Reserve returns the arena offset of a block able to hold size bytes
// of payload, or memalloc.NoMem if no block is large enough. Reserve
// scans forward from the block most recently touched by a Reserve or
// Free call, taking the first block that fits.
func (d *Descriptor) Reserve(size uint64) uint64 {
	size += wordSize - 1
	size -= size % wordSize

	p := d.current
	for {
		t := d.tagAt(p)
		switch {
		case t.size >= size+2*tagSize+MinBlockSize:
			newSize := t.size - size - 2*tagSize
			newBlock := p + newSize
			d.setBlock(newBlock, 0, size+2*tagSize, 0, 0)
			d.setBlock(p, 1, newSize, t.next, t.prev)
			d.current = p
			return newBlock + tagSize

		case t.size >= size+2*tagSize:
			oldPrev, oldNext := t.prev, t.next
			d.setNext(oldPrev, oldNext)
			d.setPrev(oldNext, oldPrev)
			d.current = oldNext
			d.setBlock(p, 0, t.size, 0, 0)
			return p + tagSize
		}

		p = t.next
		if p == d.current {
			break
		}
	}
	return memalloc.NoMem
}

// Available returns the total payload bytes free across every block
// currently on the free list.
func (d *Descriptor) Available() uint64 {
	var total uint64
	for ref := d.head.next; ref != headRef; {
		t := d.tagAt(ref)
		total += t.size - 2*tagSize
		ref = t.next
	}
	return total
}

// Free releases the block at location back to the heap, coalescing it
// with either neighbor that is itself free.
func (d *Descriptor) Free(location uint64) {
	block := location - tagSize

	lhsFooter := block - tagSize
	lhsHeader := d.headerFromFooter(lhsFooter)
	if d.tagAt(lhsHeader).free == 1 {
		lhs := d.tagAt(lhsHeader)
		d.setNext(lhs.prev, lhs.next)
		d.setPrev(lhs.next, lhs.prev)
		newSize := d.tagAt(block).size + lhs.size
		block = block - lhs.size
		d.tagAt(block).size = newSize
	}

	rhsHeader := d.footerRef(block) + tagSize
	rhs := d.tagAt(rhsHeader)
	if rhs.free == 1 {
		d.setNext(rhs.prev, rhs.next)
		d.setPrev(rhs.next, rhs.prev)
		d.tagAt(block).size += rhs.size
	}

	oldTail := d.head.prev
	d.setBlock(block, 1, d.tagAt(block).size, headRef, oldTail)
	d.setNext(oldTail, block)
	d.setPrev(headRef, block)
	d.current = block
}
