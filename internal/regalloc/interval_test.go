package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prism-gpu/prism/internal/ir"
)

func testValue(name, start, size uint, flags ir.Flags) *ir.Value {
	return &ir.Value{
		Name:          name,
		Flags:         flags,
		Size:          size,
		IntervalStart: start,
		IntervalEnd:   start + size,
	}
}

func installed(f *File, physreg uint, v *ir.Value) *Interval {
	iv := newInterval(v)
	iv.PhysregStart = physreg
	iv.PhysregEnd = physreg + v.Size
	f.Insert(iv)
	return iv
}

func TestIntervalNesting(t *testing.T) {
	f := newFile(FullSize)

	vec := installed(f, 8, testValue(0, 0, 8, 0))
	lo := installed(f, 8, testValue(1, 0, 2, 0))
	hi := installed(f, 12, testValue(2, 4, 4, 0))

	require.Same(t, vec, lo.Parent)
	require.Same(t, vec, hi.Parent)
	require.Equal(t, uint(8), lo.physreg())
	require.Equal(t, uint(12), hi.physreg())
	require.Equal(t, 2, vec.Children.Len())

	// Only the top-level interval occupies file space.
	require.False(t, f.Available.Test(8))
	require.False(t, f.Available.Test(15))
	require.True(t, f.Available.Test(16))
}

func TestIntervalRemoveLiftsChildren(t *testing.T) {
	f := newFile(FullSize)

	vec := installed(f, 8, testValue(0, 0, 8, 0))
	lo := installed(f, 8, testValue(1, 0, 2, 0))
	hi := installed(f, 14, testValue(2, 6, 2, 0))

	f.Remove(vec)

	require.Nil(t, lo.Parent)
	require.Nil(t, hi.Parent)
	require.True(t, lo.Inserted)
	require.True(t, hi.Inserted)
	// Lifted children derive their physreg from the vanished parent.
	require.Equal(t, uint(8), lo.PhysregStart)
	require.Equal(t, uint(14), hi.PhysregStart)
	// The gap between the children is free again.
	require.True(t, f.Available.Test(10))
	require.False(t, f.Available.Test(8))
	require.False(t, f.Available.Test(14))
}

func TestIntervalInsertSwallowsSiblings(t *testing.T) {
	f := newFile(FullSize)

	lo := installed(f, 8, testValue(1, 0, 2, 0))
	hi := installed(f, 12, testValue(2, 4, 2, 0))
	vec := installed(f, 8, testValue(0, 0, 8, 0))

	require.Same(t, vec, lo.Parent)
	require.Same(t, vec, hi.Parent)
	require.Nil(t, vec.Parent)
	require.Equal(t, 1, f.physregIntervals.Len())
}

func TestIntervalRemoveAll(t *testing.T) {
	f := newFile(FullSize)

	vec := installed(f, 8, testValue(0, 0, 8, 0))
	lo := installed(f, 8, testValue(1, 0, 2, 0))

	f.RemoveAll(vec)

	require.False(t, vec.Inserted)
	// The subtree stays linked for wholesale reinsertion.
	require.Same(t, vec, lo.Parent)
	require.True(t, f.Available.Test(8))

	vec.PhysregStart = 16
	vec.PhysregEnd = 24
	f.Insert(vec)
	require.Equal(t, uint(16), lo.physreg())
}

func TestIntervalDoubleInsertPanics(t *testing.T) {
	f := newFile(FullSize)
	iv := installed(f, 0, testValue(0, 0, 2, 0))
	require.Panics(t, func() { f.Insert(iv) })
}

func TestIntervalHalfFullMixPanics(t *testing.T) {
	f := newFile(FullSize)
	installed(f, 8, testValue(0, 0, 8, 0))
	require.Panics(t, func() {
		installed(f, 8, testValue(1, 0, 2, ir.FlagHalf))
	})
}

func TestIntervalPartialOverlapPanics(t *testing.T) {
	f := newFile(FullSize)
	installed(f, 0, testValue(0, 0, 4, 0))
	require.Panics(t, func() {
		installed(f, 2, testValue(1, 2, 4, 0))
	})
}
