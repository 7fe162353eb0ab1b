package regalloc

import (
	"sort"

	"github.com/prism-gpu/prism/internal/ir"
)

type removedInterval struct {
	iv       *Interval
	isKilled bool
}

// compressRegsLeft is the last resort when neither a gap nor an eviction
// can seat reg: pop the top-level intervals above a cut and re-pack them
// left-to-right so the freed space coalesces into one run. Returns the
// physreg carved out for reg. Failure here means the pressure accounting
// that admitted this shader was wrong, so it panics.
func (a *Allocator) compressRegsLeft(f *File, reg *ir.Value) uint {
	size := reg.Size
	align := reg.ElemSize()
	fileSize := f.sizeFor(reg)

	var popped []removedInterval
	removedSize := uint(0)
	removedHalfSize := uint(0)
	startReg := uint(0)

	// The descending walk is load-bearing: the cut is found from the top
	// of the file, keeping everything below it untouched once enough
	// reclaimable space has accumulated above.
	for _, iv := range f.intervalsDescending() {
		if iv.PhysregEnd+size+removedSize <= f.Size &&
			(align != 1 || iv.PhysregEnd+size+removedHalfSize <= fileSize) {
			startReg = iv.PhysregEnd
			break
		}
		removedSize += iv.Reg.Size
		if iv.Reg.ElemSize() == 1 {
			removedHalfSize += iv.Reg.Size
		}
		popped = append(popped, removedInterval{iv: iv, isKilled: iv.isKilled})
		a.popInterval(f, iv)
	}

	// Re-pack order: halves before fulls so the low half of a merged
	// file stays reachable for half values; within halves live-through
	// first and killed last, within fulls killed first, so the
	// destination's slot forms right at the half/full seam.
	sort.SliceStable(popped, func(i, j int) bool {
		ai := popped[i].iv.Reg.ElemSize()
		aj := popped[j].iv.Reg.ElemSize()
		if ai != aj {
			return ai < aj
		}
		if popped[i].isKilled != popped[j].isKilled {
			if ai == 1 {
				return !popped[i].isKilled
			}
			return popped[i].isKilled
		}
		return false
	})

	physreg := startReg
	retReg := ir.InvalidReg
	for _, r := range popped {
		iv := r.iv
		if retReg == ir.InvalidReg &&
			((r.isKilled && iv.Reg.ElemSize() == 1) || iv.Reg.ElemSize() == 2) {
			retReg = alignUp(physreg, align)
		}
		if retReg != ir.InvalidReg && physreg < retReg+size {
			physreg = retReg + size
		}
		if iv.Reg.ElemSize() == 2 {
			physreg = alignUp(physreg, 2)
		}
		if physreg+iv.Reg.Size > f.sizeFor(iv.Reg) {
			panic("regalloc: ran out of room while compressing; pressure accounting was wrong")
		}
		a.pushInterval(f, iv, physreg)
		physreg += iv.Reg.Size
	}
	if retReg == ir.InvalidReg {
		retReg = alignUp(physreg, align)
	}
	if retReg+size > fileSize {
		panic("regalloc: no room for destination after compression; pressure accounting was wrong")
	}
	a.log.Debugf("%s: compressed %d interval(s), destination at r%d", reg, len(popped), retReg)
	return retReg
}
