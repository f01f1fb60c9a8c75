package memmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memalloc/memmap"
)

func TestInsertSingleRegion(t *testing.T) {
	m := memmap.New(8)
	require.NoError(t, m.Insert(0, 4096, memmap.Available))

	require.Equal(t, 1, m.Len())
	assert.Equal(t, memmap.Region{Type: memmap.Available, Location: 0, Size: 4096}, m.Regions()[0])
}

func TestInsertMergesAdjacentSameType(t *testing.T) {
	m := memmap.New(8)
	require.NoError(t, m.Insert(0, 1024, memmap.Available))
	require.NoError(t, m.Insert(1024, 1024, memmap.Available))

	require.Equal(t, 1, m.Len())
	assert.Equal(t, memmap.Region{Type: memmap.Available, Location: 0, Size: 2048}, m.Regions()[0])
}

func TestInsertMergesOverlappingSameType(t *testing.T) {
	m := memmap.New(8)
	require.NoError(t, m.Insert(0, 1024, memmap.Available))
	require.NoError(t, m.Insert(512, 1024, memmap.Available))

	require.Equal(t, 1, m.Len())
	assert.Equal(t, memmap.Region{Type: memmap.Available, Location: 0, Size: 1536}, m.Regions()[0])
}

func TestInsertHigherPriorityClipsLowerPriorityOverlap(t *testing.T) {
	m := memmap.New(8)
	require.NoError(t, m.Insert(0, 1024, memmap.Available))
	require.NoError(t, m.Insert(256, 256, memmap.Defective))

	require.Equal(t, 3, m.Len())
	assert.Equal(t, []memmap.Region{
		{Type: memmap.Available, Location: 0, Size: 256},
		{Type: memmap.Defective, Location: 256, Size: 256},
		{Type: memmap.Available, Location: 512, Size: 512},
	}, m.Regions())
}

func TestInsertHigherPriorityFullyContainedReplacesLowerPriority(t *testing.T) {
	m := memmap.New(8)
	require.NoError(t, m.Insert(0, 1024, memmap.Available))
	require.NoError(t, m.Insert(0, 1024, memmap.Unavailable))

	require.Equal(t, 1, m.Len())
	assert.Equal(t, memmap.Unavailable, m.Regions()[0].Type)
}

func TestInsertRejectsWhenMapIsFull(t *testing.T) {
	m := memmap.New(2)
	require.NoError(t, m.Insert(0, 16, memmap.Available))

	err := m.Insert(4096, 16, memmap.Available)
	assert.Error(t, err)
}

func TestInsertKeepsRegionsSorted(t *testing.T) {
	m := memmap.New(8)
	require.NoError(t, m.Insert(4096, 16, memmap.Unavailable))
	require.NoError(t, m.Insert(0, 16, memmap.Unavailable))
	require.NoError(t, m.Insert(2048, 16, memmap.Unavailable))

	regions := m.Regions()
	for i := 1; i < len(regions); i++ {
		assert.LessOrEqual(t, regions[i-1].Location, regions[i].Location)
	}
}
