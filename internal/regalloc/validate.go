package regalloc

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/prism-gpu/prism/internal/ir"
	"github.com/prism-gpu/prism/internal/liveness"
)

// Validate re-checks an allocated shader: within every block, no two
// simultaneously-live definitions may share a half-unit of the same
// file. Values are tracked at the registers they were defined into plus
// this block's recorded renames, so cross-block movement is accounted
// for at block granularity.
func (a *Allocator) Validate() error {
	for _, b := range a.shader.Blocks {
		if err := a.validateBlock(b); err != nil {
			return err
		}
	}
	return nil
}

type occupancy struct {
	full   *bitset.BitSet
	half   *bitset.BitSet
	shared *bitset.BitSet
	merged bool
}

func newOccupancy(merged bool) *occupancy {
	return &occupancy{
		full:   bitset.New(MaxFileSize),
		half:   bitset.New(MaxFileSize),
		shared: bitset.New(MaxFileSize),
		merged: merged,
	}
}

func (o *occupancy) fileOf(v *ir.Value) *bitset.BitSet {
	switch {
	case v.Flags&ir.FlagShared != 0:
		return o.shared
	case v.Flags&ir.FlagHalf != 0 && !o.merged:
		return o.half
	default:
		return o.full
	}
}

func (o *occupancy) claim(v *ir.Value, physreg uint) error {
	f := o.fileOf(v)
	for i := physreg; i < physreg+v.Size; i++ {
		if f.Test(i) {
			return fmt.Errorf("regalloc: half-unit %d claimed twice (value %s)", i, v)
		}
		f.Set(i)
	}
	return nil
}

func (o *occupancy) release(v *ir.Value, physreg uint) {
	f := o.fileOf(v)
	for i := physreg; i < physreg+v.Size; i++ {
		f.Clear(i)
	}
}

func (a *Allocator) blockPhysreg(b *ir.Block, def *ir.Value) uint {
	if physreg, ok := a.blocks[b.Index].renames[def.Name]; ok {
		return physreg
	}
	return numToPhysreg(def.Num, def.ElemSize())
}

// validateBlock replays the block's kill/define sequence against an
// occupancy bitmap. Nested sub-ranges of one merge set legitimately
// overlap, so only merge-set-disjoint claims are checked.
func (a *Allocator) validateBlock(b *ir.Block) error {
	occ := newOccupancy(a.shader.MergedRegs)
	claimed := make(map[uint]bool)

	claim := func(def *ir.Value) error {
		if claimed[def.Name] {
			return nil
		}
		if covered(a.live, b, def, claimed) {
			claimed[def.Name] = true
			return nil
		}
		claimed[def.Name] = true
		return occ.claim(def, a.blockPhysreg(b, def))
	}

	liveIn := a.live.LiveIn[b.Index]
	for name, ok := liveIn.NextSet(0); ok; name, ok = liveIn.NextSet(name + 1) {
		if err := claim(a.live.Definitions[name]); err != nil {
			return fmt.Errorf("block %d live-in: %w", b.Index, err)
		}
	}

	for _, instr := range b.Instrs {
		if instr.Opc == ir.OpMetaParallelCopy {
			continue
		}
		for _, src := range instr.Srcs {
			if src.Def == nil || src.Flags&ir.FlagFirstKill == 0 {
				continue
			}
			if claimed[src.Def.Name] && !covered(a.live, b, src.Def, claimed) {
				occ.release(src.Def, a.blockPhysreg(b, src.Def))
			}
			claimed[src.Def.Name] = false
		}
		for _, dst := range instr.Dsts {
			if err := claim(dst); err != nil {
				return fmt.Errorf("block %d at %q: %w", b.Index, instr.String(), err)
			}
			if dst.Flags&ir.FlagUnused != 0 {
				occ.release(dst, a.blockPhysreg(b, dst))
				claimed[dst.Name] = false
			}
		}
	}
	return nil
}

// covered reports whether def shares a merge set with an already-claimed
// value whose span contains def's, in which case its storage is a
// sub-range rather than a conflict.
func covered(live *liveness.Result, b *ir.Block, def *ir.Value, claimed map[uint]bool) bool {
	if def.MergeSet == nil {
		return false
	}
	for name, ok := range claimed {
		if !ok || name == def.Name {
			continue
		}
		other := live.Definitions[name]
		if other == nil || other.MergeSet != def.MergeSet {
			continue
		}
		if other.IntervalStart <= def.IntervalStart && def.IntervalEnd <= other.IntervalEnd {
			return true
		}
	}
	return false
}
