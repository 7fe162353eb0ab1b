// Package liveness computes per-block live-in/live-out sets over SSA
// names, the definitions table, and peak register pressure. The register
// allocator consumes the result read-only.
package liveness

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/prism-gpu/prism/internal/ir"
)

// Result is the liveness analysis output for one shader.
type Result struct {
	// LiveIn and LiveOut are indexed by block index; bits are SSA names.
	LiveIn  []*bitset.BitSet
	LiveOut []*bitset.BitSet

	// Definitions maps an SSA name to its defining value.
	Definitions []*ir.Value

	BlockCount uint
	DefCount   uint
}

// Compute runs the backward fixed point. Phi sources are live out of the
// matching predecessor only; phi destinations are treated as defined at
// block entry.
func Compute(s *ir.Shader) *Result {
	nblocks := uint(len(s.Blocks))
	ndefs := s.ValueCount()

	res := &Result{
		LiveIn:      make([]*bitset.BitSet, nblocks),
		LiveOut:     make([]*bitset.BitSet, nblocks),
		Definitions: make([]*ir.Value, ndefs),
		BlockCount:  nblocks,
		DefCount:    ndefs,
	}

	gen := make([]*bitset.BitSet, nblocks)
	kill := make([]*bitset.BitSet, nblocks)
	// phiUses[b] holds names a successor's phis read from block b.
	phiUses := make([]*bitset.BitSet, nblocks)

	for i := range s.Blocks {
		gen[i] = bitset.New(ndefs)
		kill[i] = bitset.New(ndefs)
		phiUses[i] = bitset.New(ndefs)
		res.LiveIn[i] = bitset.New(ndefs)
		res.LiveOut[i] = bitset.New(ndefs)
	}

	for _, b := range s.Blocks {
		for _, instr := range b.Instrs {
			if instr.Opc == ir.OpMetaPhi {
				// The i-th source travels along the i-th predecessor edge.
				for i, src := range instr.Srcs {
					if i < len(b.Preds) && src.Def != nil {
						phiUses[b.Preds[i].Index].Set(src.Def.Name)
					}
				}
			} else {
				for _, src := range instr.Srcs {
					if src.Def == nil {
						continue
					}
					if !kill[b.Index].Test(src.Def.Name) {
						gen[b.Index].Set(src.Def.Name)
					}
				}
			}
			for _, d := range instr.Dsts {
				kill[b.Index].Set(d.Name)
				res.Definitions[d.Name] = d
			}
		}
	}

	tmp := bitset.New(ndefs)
	for changed := true; changed; {
		changed = false
		for i := len(s.Blocks) - 1; i >= 0; i-- {
			b := s.Blocks[i]
			out := res.LiveOut[b.Index]
			for _, succ := range b.Succs {
				out.InPlaceUnion(res.LiveIn[succ.Index])
			}
			out.InPlaceUnion(phiUses[b.Index])

			res.LiveOut[b.Index].CopyFull(tmp)
			tmp.InPlaceDifference(kill[b.Index])
			tmp.InPlaceUnion(gen[b.Index])
			if !tmp.Equal(res.LiveIn[b.Index]) {
				tmp.CopyFull(res.LiveIn[b.Index])
				changed = true
			}
		}
	}

	return res
}

// Pressure is peak simultaneous demand per register file, in half-units.
type Pressure struct {
	Full   uint
	Half   uint
	Shared uint
}

type pressureState struct {
	live *bitset.BitSet
	defs []*ir.Value
	cur  Pressure
	max  *Pressure
}

func (ps *pressureState) add(name uint) {
	if ps.live.Test(name) {
		return
	}
	ps.live.Set(name)
	v := ps.defs[name]
	switch {
	case v.Flags&ir.FlagShared != 0:
		ps.cur.Shared += v.Size
	case v.Flags&ir.FlagHalf != 0:
		ps.cur.Half += v.Size
	default:
		ps.cur.Full += v.Size
	}
}

func (ps *pressureState) remove(name uint) {
	if !ps.live.Test(name) {
		return
	}
	ps.live.Clear(name)
	v := ps.defs[name]
	switch {
	case v.Flags&ir.FlagShared != 0:
		ps.cur.Shared -= v.Size
	case v.Flags&ir.FlagHalf != 0:
		ps.cur.Half -= v.Size
	default:
		ps.cur.Full -= v.Size
	}
}

func (ps *pressureState) measure() {
	if ps.cur.Full > ps.max.Full {
		ps.max.Full = ps.cur.Full
	}
	if ps.cur.Half > ps.max.Half {
		ps.max.Half = ps.cur.Half
	}
	if ps.cur.Shared > ps.max.Shared {
		ps.max.Shared = ps.cur.Shared
	}
}

// CalcPressure scans every block backwards from its live-out set and
// returns the peak per-file pressure. In merged-regs mode callers should
// compare Full+Half against the merged file size.
func (res *Result) CalcPressure(s *ir.Shader) Pressure {
	var max Pressure
	for _, b := range s.Blocks {
		ps := &pressureState{
			live: bitset.New(res.DefCount),
			defs: res.Definitions,
			max:  &max,
		}
		for name, ok := res.LiveOut[b.Index].NextSet(0); ok; name, ok = res.LiveOut[b.Index].NextSet(name + 1) {
			ps.add(name)
		}
		ps.measure()

		for i := len(b.Instrs) - 1; i >= 0; i-- {
			instr := b.Instrs[i]
			for _, d := range instr.Dsts {
				ps.add(d.Name)
			}
			ps.measure()
			for _, d := range instr.Dsts {
				ps.remove(d.Name)
			}
			if instr.Opc != ir.OpMetaPhi {
				for _, src := range instr.Srcs {
					if src.Def != nil {
						ps.add(src.Def.Name)
					}
				}
			}
			ps.measure()
		}
	}
	return max
}
