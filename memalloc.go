// Package memalloc holds the small set of types the bitmap and linked
// buddy engines share: the out-of-memory sentinel and the abstract
// page-commit hook both take as a constructor argument.
package memalloc

// NoMem is returned by a reserve operation in place of a location when
// no block of the requested size is available. It is all bits set,
// matching the sentinel every engine in this module uses.
const NoMem uint64 = ^uint64(0)

// CommitHook is invoked at most once, during a buddy engine's Init,
// over the range that engine carves out of the memory map for its own
// metadata. It is not invoked for the blocks the engine later hands
// out, nor when the metadata storage was supplied up front. It models the
// virtual-address-space mmap/VirtualAlloc step a caller would place
// between this library and the operating system; this module treats
// that step as wholly abstract and never implements it concretely.
type CommitHook func(location, size uint64) error
