//go:build linux

package linkedbuddy_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/memalloc"
	"github.com/orizon-lang/memalloc/linkedbuddy"
	"github.com/orizon-lang/memalloc/memmap"
)

// TestCommitHookAgainstRealMapping exercises linkedbuddy's page-commit
// hook against an actual anonymous mapping, the same way bitmapbuddy's
// equivalent test does, to prove the contract holds across both buddy
// engines rather than just one.
func TestCommitHookAgainstRealMapping(t *testing.T) {
	const mappingSize = 1 << 20
	region, err := unix.Mmap(-1, 0, mappingSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(region)

	base := uint64(uintptr(unsafe.Pointer(&region[0])))

	var committed []struct{ location, size uint64 }
	hook := memalloc.CommitHook(func(location, size uint64) error {
		off := location - base
		if err := unix.Mprotect(region[off:off+size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return err
		}
		committed = append(committed, struct{ location, size uint64 }{location, size})
		return nil
	})

	m := memmap.New(4)
	require.NoError(t, m.Insert(0, mappingSize, memmap.Available))

	d := linkedbuddy.New(64,
		linkedbuddy.WithOffset(base),
		linkedbuddy.WithCommitHook(hook),
	)
	require.NoError(t, d.Init(m))
	require.NotEmpty(t, committed)

	loc := d.Reserve(64)
	require.NotEqual(t, memalloc.NoMem, loc)
}
