package regalloc

import (
	"github.com/prism-gpu/prism/internal/ir"
)

// parallelCopy stages one relocation discovered during placement. src is
// the physreg the value occupied when it was first popped; the interval
// itself tracks where it ends up.
type parallelCopy struct {
	iv  *Interval
	src uint
}

// popInterval detaches iv from its file and stages a copy entry for it.
// Re-popping an already staged interval keeps the original source, so a
// value shuffled twice within one instruction still gets a single copy.
func (a *Allocator) popInterval(f *File, iv *Interval) {
	staged := false
	for _, pc := range a.pendingCopies {
		if pc.iv == iv {
			staged = true
			break
		}
	}
	if !staged {
		a.pendingCopies = append(a.pendingCopies, parallelCopy{iv: iv, src: iv.PhysregStart})
	}
	f.RemoveAll(iv)
}

// pushInterval re-attaches a popped interval at a new physreg. The
// staged source is untouched.
func (a *Allocator) pushInterval(f *File, iv *Interval, physreg uint) {
	iv.PhysregStart = physreg
	iv.PhysregEnd = physreg + iv.Reg.Size
	f.Insert(iv)
}

// moveInterval relocates iv within its file, staging the copy.
func (a *Allocator) moveInterval(f *File, iv *Interval, physreg uint) {
	a.popInterval(f, iv)
	a.pushInterval(f, iv, physreg)
}

// flushParallelCopies materializes the staged copies as one parallel-copy
// meta-instruction immediately before instr, then clears the stage. All
// operands are physical; the copy-lowering pass turns them into moves and
// swaps.
func (a *Allocator) flushParallelCopies(instr *ir.Instr) {
	if len(a.pendingCopies) == 0 {
		return
	}
	// Compression can pop an interval and re-push it in place; such
	// entries need no copy.
	moved := a.pendingCopies[:0]
	for _, pc := range a.pendingCopies {
		if pc.iv.PhysregStart != pc.src {
			moved = append(moved, pc)
		}
	}
	a.pendingCopies = moved
	if len(a.pendingCopies) == 0 {
		return
	}
	pcopy := &ir.Instr{Opc: ir.OpMetaParallelCopy, Block: instr.Block}
	for _, pc := range a.pendingCopies {
		reg := pc.iv.Reg
		pcopy.Dsts = append(pcopy.Dsts, &ir.Value{
			Flags: reg.Flags &^ ir.FlagSSA,
			Size:  reg.Size,
			Num:   physregToNum(pc.iv.PhysregStart, reg.ElemSize()),
			Instr: pcopy,
		})
	}
	for _, pc := range a.pendingCopies {
		reg := pc.iv.Reg
		pcopy.Srcs = append(pcopy.Srcs, &ir.Value{
			Flags: reg.Flags &^ ir.FlagSSA,
			Size:  reg.Size,
			Num:   physregToNum(pc.src, reg.ElemSize()),
			Instr: pcopy,
		})
	}
	instr.Block.InsertBefore(instr, pcopy)
	a.log.Debugf("pcopy of %d value(s) before %s", len(pcopy.Dsts), instr)
	a.pendingCopies = a.pendingCopies[:0]
}

// insertLiveOutCopy appends a dst←src pair to block's trailing
// parallel-copy meta-instruction, creating one if necessary. Merging
// into a single pcopy keeps swap semantics when two values trade places
// across an edge.
func (a *Allocator) insertLiveOutCopy(block *ir.Block, dstPhysreg, srcPhysreg uint, def *ir.Value) {
	pcopy := block.Terminator()
	if pcopy == nil || pcopy.Opc != ir.OpMetaParallelCopy {
		fresh := &ir.Instr{Opc: ir.OpMetaParallelCopy, Block: block}
		if last := block.Terminator(); last != nil && last.Opc == ir.OpEnd {
			block.InsertBefore(last, fresh)
		} else {
			block.Instrs = append(block.Instrs, fresh)
		}
		pcopy = fresh
	}
	pcopy.Dsts = append(pcopy.Dsts, &ir.Value{
		Flags: def.Flags &^ ir.FlagSSA,
		Size:  def.Size,
		Num:   physregToNum(dstPhysreg, def.ElemSize()),
		Instr: pcopy,
	})
	pcopy.Srcs = append(pcopy.Srcs, &ir.Value{
		Flags: def.Flags &^ ir.FlagSSA,
		Size:  def.Size,
		Num:   physregToNum(srcPhysreg, def.ElemSize()),
		Instr: pcopy,
	})
	a.log.Debugf("liveout copy %s: r%d <- r%d in block %d", def, dstPhysreg, srcPhysreg, block.Index)
}

func physregToNum(physreg, elem uint) uint {
	return physreg / elem
}

func numToPhysreg(num, elem uint) uint {
	return num * elem
}
