package regalloc

import (
	"fmt"

	"github.com/prism-gpu/prism/internal/ir"
)

func (a *Allocator) handleInstr(instr *ir.Instr) {
	switch instr.Opc {
	case ir.OpMetaSplit:
		a.handleSplit(instr)
	case ir.OpMetaCollect:
		a.handleCollect(instr)
	case ir.OpMetaParallelCopy:
		a.handlePcopy(instr)
	case ir.OpChmask:
		a.handleChmask(instr)
	default:
		a.handleNormal(instr)
	}
}

// markSrcKilled tentatively frees a first-killed source's slot for this
// instruction's destinations. Intervals with a parent or children keep
// their space: it overlaps other still-live sub-ranges.
func (a *Allocator) markSrcKilled(src *ir.Value) {
	if src.Flags&ir.FlagFirstKill == 0 {
		return
	}
	iv := a.intervals[src.Def.Name]
	if iv.isKilled || iv.Parent != nil || iv.Children.Len() > 0 {
		return
	}
	a.fileFor(src).markKilled(iv)
}

// assignSrc writes the source's register number and retires its interval
// on the first kill.
func (a *Allocator) assignSrc(src *ir.Value) {
	iv := a.intervals[src.Def.Name]
	a.assignReg(src, physregToNum(iv.physreg(), src.ElemSize()))
	if src.Flags&ir.FlagFirstKill != 0 && iv.Inserted {
		a.fileFor(src).Remove(iv)
	}
}

// assignSrcs numbers sources in reverse so a definition appearing in
// several source slots keeps its interval until its last slot is
// numbered; a forward walk would retire it on the first-kill slot before
// the duplicates read it.
func (a *Allocator) assignSrcs(instr *ir.Instr) {
	for i := len(instr.Srcs) - 1; i >= 0; i-- {
		if instr.Srcs[i].Def == nil {
			continue
		}
		a.assignSrc(instr.Srcs[i])
	}
}

func (a *Allocator) allocateDst(dst *ir.Value) {
	a.allocateDstFixed(dst, a.getReg(a.fileFor(dst), dst))
}

func (a *Allocator) allocateDstFixed(dst *ir.Value, physreg uint) {
	a.intervals[dst.Name].reinit(dst, physreg)
}

// insertDst installs the destination's interval and writes its register
// number. The interval may nest under a live vector covering the same
// merge-set span.
func (a *Allocator) insertDst(dst *ir.Value) {
	iv := a.intervals[dst.Name]
	a.fileFor(dst).Insert(iv)
	a.assignReg(dst, physregToNum(iv.physreg(), dst.ElemSize()))
}

func (a *Allocator) removeUnusedDsts(instr *ir.Instr) {
	for _, dst := range instr.Dsts {
		if dst.Flags&ir.FlagUnused == 0 {
			continue
		}
		iv := a.intervals[dst.Name]
		if iv.Inserted {
			a.fileFor(dst).Remove(iv)
		}
	}
}

func (a *Allocator) handleNormal(instr *ir.Instr) {
	for _, src := range instr.Srcs {
		if src.Def != nil {
			a.markSrcKilled(src)
		}
	}
	for _, dst := range instr.Dsts {
		a.allocateDst(dst)
	}
	a.assignSrcs(instr)
	for _, dst := range instr.Dsts {
		a.insertDst(dst)
	}
}

// handleSplit extracts a sub-range. When source and destination share a
// merge set the destination is the source's storage at the merge-set
// delta and no movement happens; otherwise it degrades to the normal
// path.
func (a *Allocator) handleSplit(instr *ir.Instr) {
	dst := instr.Dsts[0]
	src := instr.Srcs[0]
	if dst.MergeSet == nil || src.Def == nil || src.Def.MergeSet != dst.MergeSet {
		a.handleNormal(instr)
		return
	}
	srcIv := a.intervals[src.Def.Name]
	physreg := srcIv.physreg() + dst.MergeSetOffset - src.Def.MergeSetOffset
	a.allocateDstFixed(dst, physreg)
	a.assignSrcs(instr)
	a.insertDst(dst)
}

// handleCollect builds a vector. If a source's top-level interval already
// spans the whole destination within the same merge set, the vector is
// just a view of it. Otherwise same-merge-set sources are temporarily
// marked killed so the destination may be placed on top of them, and the
// staged copies are emitted before the destination is inserted so
// displaced sub-ranges get copy destinations matching their post-move
// positions.
func (a *Allocator) handleCollect(instr *ir.Instr) {
	dst := instr.Dsts[0]
	dstSet := dst.MergeSet
	if dstSet == nil {
		a.handleNormal(instr)
		return
	}
	f := a.fileFor(dst)

	dstFixed := ir.InvalidReg
	for _, src := range instr.Srcs {
		if src.Def == nil {
			continue
		}
		a.markSrcKilled(src)
		iv := a.intervals[src.Def.Name]
		if src.Def.MergeSet != dstSet || iv.isKilled {
			continue
		}
		root := iv.root()
		if root.Reg.Size >= dst.Size {
			dstFixed = root.PhysregStart + dst.MergeSetOffset - root.Reg.MergeSetOffset
		} else if !root.isKilled {
			root.tempKilled = true
			f.markKilled(root)
		}
	}

	if dstFixed != ir.InvalidReg {
		a.allocateDstFixed(dst, dstFixed)
	} else {
		a.allocateDst(dst)
	}

	// Restore the marks that were only there to let the destination land
	// on top of still-live sources.
	for _, src := range instr.Srcs {
		if src.Def == nil {
			continue
		}
		iv := a.intervals[src.Def.Name]
		root := iv.root()
		if !root.tempKilled {
			continue
		}
		root.tempKilled = false
		if root != iv || src.Flags&ir.FlagFirstKill == 0 {
			f.unmarkKilled(root)
		}
	}

	a.assignSrcs(instr)
	a.flushParallelCopies(instr)
	a.insertDst(dst)
}

// handlePcopy assigns only the source side of a phi-feeding parallel
// copy; destinations are assigned when the successor block's phis are
// finalized.
func (a *Allocator) handlePcopy(instr *ir.Instr) {
	a.assignSrcs(instr)
}

// handleChmask forces sources into their fixed registers. Sources are
// not marked killed first, so getRegSpecified keeps refusing their slots
// while earlier sources are moved into place.
func (a *Allocator) handleChmask(instr *ir.Instr) {
	for _, src := range instr.Srcs {
		if src.Def == nil {
			continue
		}
		iv := a.intervals[src.Def.Name]
		f := a.fileFor(src)
		want := numToPhysreg(src.Num, src.ElemSize())
		if iv.physreg() == want {
			continue
		}
		if _, ok := a.tryEvictRegs(f, src.Def, want, true, false); !ok {
			panic(fmt.Sprintf("regalloc: cannot free r%d for precolored source %s", want, src))
		}
		root := iv.root()
		offset := iv.physreg() - root.PhysregStart
		a.moveInterval(f, root, want-offset)
	}
	for _, src := range instr.Srcs {
		if src.Def == nil {
			continue
		}
		iv := a.intervals[src.Def.Name]
		if src.Flags&ir.FlagFirstKill != 0 && iv.Inserted {
			a.fileFor(src).Remove(iv)
		}
	}
}
