package regalloc

import (
	"sort"

	"github.com/prism-gpu/prism/internal/ir"
)

// blockState is what a block leaves behind for blocks processed later.
type blockState struct {
	visited bool

	// renames maps an SSA name to its final physreg in this block, when
	// that differs from the register the value was defined into.
	renames map[uint]uint

	// entryRegs records every interval's physreg at block entry; only
	// populated when some predecessor was unvisited at the time (a loop
	// back-edge), so that predecessor can reconcile its live-outs later.
	entryRegs map[uint]uint
}

// handleBlock allocates one block and recurses into its dominator
// children. Files are rebuilt from scratch per block; values live across
// the boundary are re-installed from predecessor state.
func (a *Allocator) handleBlock(b *ir.Block) {
	a.full = newFile(FullSize)
	if a.shader.MergedRegs {
		a.half = a.full
	} else {
		a.half = newFile(HalfSize)
	}
	a.shared = newFile(SharedSize)
	a.pendingCopies = a.pendingCopies[:0]

	a.log.Debugf("block %d", b.Index)

	liveIn := a.live.LiveIn[b.Index]
	for name, ok := liveIn.NextSet(0); ok; name, ok = liveIn.NextSet(name + 1) {
		a.handleLiveIn(b, a.live.Definitions[name])
	}

	// Phi and input destinations are placed as if simultaneously live at
	// block entry. Precolored inputs go first, frozen, so everything
	// else routes around them.
	preamble := blockPreamble(b)
	for _, instr := range preamble {
		if instr.Opc == ir.OpMetaInput && instr.Dsts[0].Num != ir.InvalidReg {
			a.handlePrecoloredInput(instr)
		}
	}
	for _, instr := range preamble {
		switch instr.Opc {
		case ir.OpMetaPhi:
			a.handlePhi(instr)
		case ir.OpMetaInput:
			if instr.Dsts[0].Num == ir.InvalidReg {
				a.handleInput(instr)
			}
		}
	}

	// Shuffles among the entry set are not materialized as in-block
	// copies: live-ins are reconciled on the predecessor edges below,
	// and phi/input values first come into existence at their final
	// position.
	a.pendingCopies = a.pendingCopies[:0]

	a.insertLiveInMoves(b)
	a.assignPhis(b)
	a.assignInputs(b)

	if a.anyPredUnvisited(b) {
		a.recordEntryRegs(b)
	}

	// The body walk inserts parallel-copy instructions, so iterate over
	// a snapshot.
	body := make([]*ir.Instr, len(b.Instrs))
	copy(body, b.Instrs)
	for _, instr := range body {
		if instr.Opc == ir.OpMetaPhi || instr.Opc == ir.OpMetaInput {
			continue
		}
		a.handleInstr(instr)
		a.flushParallelCopies(instr)
		a.removeUnusedDsts(instr)
	}

	a.handleLiveOut(b)
	a.insertEntryRegMoves(b)
	a.blocks[b.Index].visited = true

	for _, child := range b.DomChildren {
		a.handleBlock(child)
	}
}

func blockPreamble(b *ir.Block) []*ir.Instr {
	var out []*ir.Instr
	for _, instr := range b.Instrs {
		if instr.Opc != ir.OpMetaPhi && instr.Opc != ir.OpMetaInput {
			break
		}
		out = append(out, instr)
	}
	return out
}

func (a *Allocator) anyPredUnvisited(b *ir.Block) bool {
	for _, p := range b.Preds {
		if !a.blocks[p.Index].visited {
			return true
		}
	}
	return false
}

// readRegister is where a value ended up in pred: its rename there if it
// moved, otherwise the register it was defined into.
func (a *Allocator) readRegister(pred *ir.Block, def *ir.Value) uint {
	if physreg, ok := a.blocks[pred.Index].renames[def.Name]; ok {
		return physreg
	}
	return numToPhysreg(def.Num, def.ElemSize())
}

// handleLiveIn installs a live-in value at the physreg any
// already-visited predecessor left it in. In dominator pre-order at
// least one predecessor of every reachable non-entry block has been
// visited.
func (a *Allocator) handleLiveIn(b *ir.Block, def *ir.Value) {
	for _, p := range b.Preds {
		if !a.blocks[p.Index].visited {
			continue
		}
		physreg := a.readRegister(p, def)
		iv := a.intervals[def.Name]
		iv.reinit(def, physreg)
		a.fileFor(def).Insert(iv)
		return
	}
}

// insertLiveInMoves reconciles predecessors: wherever a live-in's chosen
// physreg differs from where a visited predecessor left it, a move is
// merged into that predecessor's trailing parallel copy.
func (a *Allocator) insertLiveInMoves(b *ir.Block) {
	liveIn := a.live.LiveIn[b.Index]
	for name, ok := liveIn.NextSet(0); ok; name, ok = liveIn.NextSet(name + 1) {
		iv := a.intervals[name]
		if !iv.Inserted {
			continue
		}
		def := a.live.Definitions[name]
		for _, p := range b.Preds {
			if !a.blocks[p.Index].visited {
				continue
			}
			pphys := a.readRegister(p, def)
			if pphys != iv.PhysregStart {
				a.insertLiveOutCopy(p, iv.PhysregStart, pphys, def)
			}
		}
	}
}

func (a *Allocator) handlePrecoloredInput(instr *ir.Instr) {
	dst := instr.Dsts[0]
	f := a.fileFor(dst)
	physreg := numToPhysreg(dst.Num, dst.ElemSize())
	if !f.getRegSpecified(dst, physreg, false) {
		if _, ok := a.tryEvictRegs(f, dst, physreg, false, false); !ok {
			panic("regalloc: cannot evict for precolored input")
		}
	}
	a.allocateDstFixed(dst, physreg)
	a.insertDst(dst)
	a.intervals[dst.Name].frozen = true
}

func (a *Allocator) handleInput(instr *ir.Instr) {
	dst := instr.Dsts[0]
	a.allocateDst(dst)
	a.insertDst(dst)
}

// assignInputs finalizes input destinations once the entry set has
// settled and releases the precolored pins for the body walk.
func (a *Allocator) assignInputs(b *ir.Block) {
	for _, instr := range blockPreamble(b) {
		if instr.Opc != ir.OpMetaInput {
			continue
		}
		dst := instr.Dsts[0]
		iv := a.intervals[dst.Name]
		iv.frozen = false
		a.assignReg(dst, physregToNum(iv.physreg(), dst.ElemSize()))
		if dst.Flags&ir.FlagUnused != 0 && iv.Inserted {
			a.fileFor(dst).Remove(iv)
		}
	}
}

// handlePhi places a phi destination. A phi inherits its merge set's
// preferred register when one exists; merge-set construction guarantees
// the slot is coherent with the phi's sources.
func (a *Allocator) handlePhi(instr *ir.Instr) {
	dst := instr.Dsts[0]
	f := a.fileFor(dst)
	var physreg uint
	if dst.MergeSet != nil && dst.MergeSet.PreferredReg != ir.InvalidReg {
		physreg = dst.MergeSet.PreferredReg + dst.MergeSetOffset
	} else {
		physreg = a.getReg(f, dst)
	}
	a.allocateDstFixed(dst, physreg)
	a.insertDst(dst)
}

// assignPhis finalizes the block's phis once the whole entry set is
// placed: each phi's sources and the parallel-copy destinations feeding
// them from the predecessors all get the phi's entry physreg.
func (a *Allocator) assignPhis(b *ir.Block) {
	for _, instr := range blockPreamble(b) {
		if instr.Opc != ir.OpMetaPhi {
			continue
		}
		dst := instr.Dsts[0]
		iv := a.intervals[dst.Name]
		num := physregToNum(iv.physreg(), dst.ElemSize())
		a.assignReg(dst, num)
		for _, src := range instr.Srcs {
			src.Num = num
			if src.Def != nil {
				src.Def.Num = num
			}
		}
		if dst.Flags&ir.FlagUnused != 0 && iv.Inserted {
			a.fileFor(dst).Remove(iv)
		}
	}
}

// recordEntryRegs snapshots every interval's entry physreg for the sake
// of a not-yet-visited predecessor (the back-edge of a loop).
func (a *Allocator) recordEntryRegs(b *ir.Block) {
	state := a.blocks[b.Index]
	state.entryRegs = make(map[uint]uint)
	for _, f := range a.files() {
		f.physregIntervals.Ascend(func(iv *Interval) bool {
			state.entryRegs[iv.Reg.Name] = iv.PhysregStart
			return true
		})
	}
}

// insertEntryRegMoves reconciles this block's live-outs with any
// already-visited successor that recorded entry registers: values that
// ended up elsewhere get a move merged into this block's trailing
// parallel copy.
func (a *Allocator) insertEntryRegMoves(b *ir.Block) {
	for _, succ := range b.Succs {
		state := a.blocks[succ.Index]
		if state.entryRegs == nil {
			continue
		}
		names := make([]uint, 0, len(state.entryRegs))
		for name := range state.entryRegs {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		for _, name := range names {
			iv := a.intervals[name]
			if !iv.Inserted {
				continue
			}
			want := state.entryRegs[name]
			if cur := iv.physreg(); cur != want {
				a.insertLiveOutCopy(b, want, cur, a.live.Definitions[name])
			}
		}
	}
}

// handleLiveOut records renames for successors: any live-out whose final
// physreg differs from its defining register.
func (a *Allocator) handleLiveOut(b *ir.Block) {
	liveOut := a.live.LiveOut[b.Index]
	for name, ok := liveOut.NextSet(0); ok; name, ok = liveOut.NextSet(name + 1) {
		iv := a.intervals[name]
		if !iv.Inserted {
			continue
		}
		def := a.live.Definitions[name]
		physreg := iv.physreg()
		if physreg != numToPhysreg(def.Num, def.ElemSize()) {
			a.blocks[b.Index].renames[name] = physreg
		}
	}
}

func (a *Allocator) files() []*File {
	if a.shader.MergedRegs {
		return []*File{a.full, a.shared}
	}
	return []*File{a.full, a.half, a.shared}
}
