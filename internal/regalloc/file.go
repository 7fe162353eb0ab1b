package regalloc

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/btree"

	"github.com/prism-gpu/prism/internal/ir"
)

// Register file sizes, in half-units.
const (
	// FullSize is the full-precision file size.
	FullSize = 256
	// HalfSize is the half-precision file size; in merged-regs mode it
	// also caps where half values may land inside the full file.
	HalfSize = 128
	// SharedSize is the shared file size.
	SharedSize = 32
	// MaxFileSize bounds bitset allocation.
	MaxFileSize = 256
)

// File tracks occupancy of one register file within the current block.
// The availability bitsets and the physreg-ordered interval tree are
// maintained through the interval-tree callbacks, so they stay
// consistent with the top-level intervals by construction:
//
//   - Available[i] is set iff no non-killed top-level interval covers
//     half-unit i.
//   - AvailableToEvict[i] is set iff no top-level interval covers i.
type File struct {
	intervalTree

	Size uint

	// Start is the rotating round-robin cursor. Advancing it past each
	// chosen gap spreads allocations across the file, reducing false
	// dependencies between back-to-back instructions.
	Start uint

	Available        *bitset.BitSet
	AvailableToEvict *bitset.BitSet

	physregIntervals *btree.BTreeG[*Interval]
}

func newFile(size uint) *File {
	f := &File{Size: size}
	f.intervalTree.init(f)
	f.Available = bitset.New(MaxFileSize)
	f.AvailableToEvict = bitset.New(MaxFileSize)
	setRange(f.Available, 0, size)
	setRange(f.AvailableToEvict, 0, size)
	f.physregIntervals = btree.NewG(8, physregLess)
	return f
}

// sizeFor is the portion of the file a value may occupy: half values in
// a merged file are restricted to the low HalfSize half-units.
func (f *File) sizeFor(reg *ir.Value) uint {
	if reg.Flags&ir.FlagHalf != 0 && f.Size > HalfSize {
		return HalfSize
	}
	return f.Size
}

func (f *File) intervalAdd(iv *Interval) {
	if !iv.isKilled {
		clearRange(f.Available, iv.PhysregStart, iv.PhysregEnd)
	}
	clearRange(f.AvailableToEvict, iv.PhysregStart, iv.PhysregEnd)
	f.physregIntervals.ReplaceOrInsert(iv)
}

func (f *File) intervalDelete(iv *Interval) {
	setRange(f.Available, iv.PhysregStart, iv.PhysregEnd)
	setRange(f.AvailableToEvict, iv.PhysregStart, iv.PhysregEnd)
	f.physregIntervals.Delete(iv)
}

func (f *File) intervalReadd(parent, child *Interval) {
	child.PhysregStart = parent.PhysregStart + (child.Reg.IntervalStart - parent.Reg.IntervalStart)
	child.PhysregEnd = child.PhysregStart + child.Reg.Size
	f.intervalAdd(child)
}

// markKilled frees the interval's half-units for destinations of the
// current instruction while keeping them occupied for sources.
func (f *File) markKilled(iv *Interval) {
	if iv.Parent != nil {
		panic(fmt.Sprintf("regalloc: mark_killed on nested interval %s", iv))
	}
	setRange(f.Available, iv.PhysregStart, iv.PhysregEnd)
	iv.isKilled = true
}

func (f *File) unmarkKilled(iv *Interval) {
	if iv.Parent != nil {
		panic(fmt.Sprintf("regalloc: unmark_killed on nested interval %s", iv))
	}
	clearRange(f.Available, iv.PhysregStart, iv.PhysregEnd)
	iv.isKilled = false
}

// findBestGap round-robin scans the file for a size-run of free
// half-units at the given alignment, starting at the rotating cursor and
// wrapping once. On success the cursor advances just past the choice.
func (f *File) findBestGap(fileSize, size, align uint, isSource bool) (uint, bool) {
	// Oversized merge sets fall through to per-member allocation.
	if size > fileSize {
		return 0, false
	}
	avail := f.Available
	if isSource {
		avail = f.AvailableToEvict
	}
	start := alignUp(f.Start, align) % (fileSize - size + align)
	candidate := start
	for {
		if rangeSet(avail, candidate, candidate+size) {
			f.Start = (candidate + size) % fileSize
			return candidate, true
		}
		candidate += align
		if candidate+size > fileSize {
			candidate = 0
		}
		if candidate == start {
			return 0, false
		}
	}
}

// getRegSpecified reports whether reg fits at exactly physreg.
func (f *File) getRegSpecified(reg *ir.Value, physreg uint, isSource bool) bool {
	if physreg%reg.ElemSize() != 0 {
		return false
	}
	if physreg+reg.Size > f.sizeFor(reg) {
		return false
	}
	avail := f.Available
	if isSource {
		avail = f.AvailableToEvict
	}
	return rangeSet(avail, physreg, physreg+reg.Size)
}

// intervalsInRange returns the top-level intervals overlapping
// [start, end), in ascending physreg order.
func (f *File) intervalsInRange(start, end uint) []*Interval {
	var out []*Interval
	probe := &Interval{PhysregStart: start}
	var leftmost *Interval
	f.physregIntervals.DescendLessOrEqual(probe, func(n *Interval) bool {
		leftmost = n
		return false
	})
	if leftmost != nil && leftmost.PhysregEnd > start {
		out = append(out, leftmost)
	}
	f.physregIntervals.AscendGreaterOrEqual(probe, func(n *Interval) bool {
		if n.PhysregStart >= end {
			return false
		}
		if n.PhysregStart > start {
			out = append(out, n)
		} else if n != leftmost && n.PhysregEnd > start {
			out = append(out, n)
		}
		return true
	})
	return out
}

// intervalsDescending returns all top-level intervals from highest
// physreg to lowest.
func (f *File) intervalsDescending() []*Interval {
	out := make([]*Interval, 0, f.physregIntervals.Len())
	f.physregIntervals.Descend(func(n *Interval) bool {
		out = append(out, n)
		return true
	})
	return out
}

func alignUp(x, align uint) uint {
	return (x + align - 1) / align * align
}

func setRange(b *bitset.BitSet, start, end uint) {
	for i := start; i < end; i++ {
		b.Set(i)
	}
}

func clearRange(b *bitset.BitSet, start, end uint) {
	for i := start; i < end; i++ {
		b.Clear(i)
	}
}

func rangeSet(b *bitset.BitSet, start, end uint) bool {
	for i := start; i < end; i++ {
		if !b.Test(i) {
			return false
		}
	}
	return true
}

// nextFreeRun finds the next run of set bits in b at or after from,
// bounded by limit. Mirrors BITSET_FOREACH_RANGE-style iteration.
func nextFreeRun(b *bitset.BitSet, from, limit uint) (start, end uint, ok bool) {
	start, ok = b.NextSet(from)
	if !ok || start >= limit {
		return 0, 0, false
	}
	end = start
	for end < limit && b.Test(end) {
		end++
	}
	return start, end, true
}
