package regalloc

import (
	"github.com/prism-gpu/prism/internal/ir"
)

// getReg chooses a physreg for a destination, in escalating order:
// merge-set preference, a gap for the whole merge set, reuse of a killed
// ALU/SFU source, plain round-robin, cheapest eviction, and finally
// compression.
func (a *Allocator) getReg(f *File, reg *ir.Value) uint {
	fileSize := f.sizeFor(reg)
	size := reg.Size
	align := reg.ElemSize()

	if reg.MergeSet != nil && reg.MergeSet.PreferredReg != ir.InvalidReg {
		preferred := reg.MergeSet.PreferredReg + reg.MergeSetOffset
		if preferred%align == 0 && f.getRegSpecified(reg, preferred, false) {
			a.log.Debugf("%s: merge-set preferred r%d", reg, preferred)
			return preferred
		}
	}

	// A strict sub-range of an unplaced merge set: grab room for the
	// whole set now so later members land for free.
	if reg.MergeSet != nil && reg.MergeSet.PreferredReg == ir.InvalidReg &&
		size < reg.MergeSet.Size {
		if gap, ok := f.findBestGap(fileSize, reg.MergeSet.Size, reg.MergeSet.Alignment, false); ok {
			reg.MergeSet.PreferredReg = gap
			a.log.Debugf("%s: placed merge set at r%d", reg, gap)
			return gap + reg.MergeSetOffset
		}
	}

	// Reusing a killed source slot avoids write-after-read hazards on
	// the ALU and SFU pipes.
	if reg.Instr != nil && (reg.Instr.Opc.IsALU() || reg.Instr.Opc.IsSFU()) {
		for _, src := range reg.Instr.Srcs {
			if src.Def == nil || a.fileFor(src) != f || src.Def.Size < size {
				continue
			}
			iv := a.intervals[src.Def.Name]
			if !iv.Inserted {
				continue
			}
			physreg := iv.physreg()
			if physreg%align == 0 && f.getRegSpecified(reg, physreg, false) {
				a.log.Debugf("%s: reusing source slot r%d", reg, physreg)
				return physreg
			}
		}
	}

	if gap, ok := f.findBestGap(fileSize, size, align, false); ok {
		return gap
	}

	// Nothing fits. Speculatively cost an eviction at every candidate
	// position and commit the cheapest.
	bestCount := ^uint(0)
	bestReg := uint(0)
	for i := uint(0); i+size <= fileSize; i += align {
		if count, ok := a.tryEvictRegs(f, reg, i, false, true); ok && count < bestCount {
			bestCount = count
			bestReg = i
		}
	}
	if bestCount != ^uint(0) {
		if _, ok := a.tryEvictRegs(f, reg, bestReg, false, false); !ok {
			panic("regalloc: eviction commit failed after successful speculation")
		}
		a.log.Debugf("%s: evicted %d half-units for r%d", reg, bestCount, bestReg)
		return bestReg
	}

	return a.compressRegsLeft(f, reg)
}

// tryEvictRegs relocates every interval overlapping [physreg,
// physreg+size) into free space elsewhere. Killed intervals may stay put
// when the requester is a destination; frozen intervals abort. When
// speculative, no file or pending-copy state is mutated and only the
// half-units of movement are counted; a non-speculative call with the
// same arguments must then succeed with the same count.
func (a *Allocator) tryEvictRegs(f *File, reg *ir.Value, physreg uint, isSource, speculative bool) (uint, bool) {
	availableToEvict := f.AvailableToEvict.Clone()
	clearRange(availableToEvict, physreg, physreg+reg.Size)

	evictionCount := uint(0)
	// Direction does not matter here: every conflicting interval must be
	// relocated regardless of visit order.
	for _, conflict := range f.intervalsInRange(physreg, physreg+reg.Size) {
		if !isSource && conflict.isKilled {
			continue
		}
		if conflict.frozen {
			return 0, false
		}
		conflictSize := conflict.Reg.Size
		conflictFileSize := f.sizeFor(conflict.Reg)
		placed := false
		for start, end, ok := nextFreeRun(availableToEvict, 0, conflictFileSize); ok; start, end, ok = nextFreeRun(availableToEvict, end, conflictFileSize) {
			pos := start
			if conflict.Reg.ElemSize() == 2 {
				pos = alignUp(pos, 2)
			}
			if pos+conflictSize > end {
				continue
			}
			clearRange(availableToEvict, pos, pos+conflictSize)
			evictionCount += conflictSize
			if !speculative {
				a.moveInterval(f, conflict, pos)
			}
			placed = true
			break
		}
		if !placed {
			return 0, false
		}
	}
	return evictionCount, true
}
