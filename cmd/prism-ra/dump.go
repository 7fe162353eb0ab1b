package main

import (
	"encoding/json"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/prism-gpu/prism/internal/ir"
)

// supportedFormat gates the dump format. Dumps are produced by the
// compiler's -dump-ra pass; the major version moves whenever the schema
// breaks.
var supportedFormat = mustConstraint("^1.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

type dumpFile struct {
	Format     string         `json:"format"`
	MergedRegs bool           `json:"merged_regs"`
	MergeSets  []dumpMergeSet `json:"merge_sets"`
	Blocks     []dumpBlock    `json:"blocks"`
}

type dumpMergeSet struct {
	Size  uint `json:"size"`
	Align uint `json:"align"`
}

type dumpBlock struct {
	Succs  []uint      `json:"succs"`
	Instrs []dumpInstr `json:"instrs"`
}

type dumpInstr struct {
	Op   string      `json:"op"`
	Dsts []dumpValue `json:"dsts,omitempty"`
	Srcs []dumpValue `json:"srcs,omitempty"`
}

type dumpValue struct {
	// Name identifies a definition; sources set Def instead.
	Name *uint `json:"name,omitempty"`
	Def  *uint `json:"def,omitempty"`

	Half      bool `json:"half,omitempty"`
	Shared    bool `json:"shared,omitempty"`
	Kill      bool `json:"kill,omitempty"`
	FirstKill bool `json:"first_kill,omitempty"`
	Unused    bool `json:"unused,omitempty"`

	Size uint `json:"size,omitempty"`
	// Num precolors the operand (inputs, chmask sources).
	Num *uint `json:"num,omitempty"`

	MergeSet       *uint `json:"merge_set,omitempty"`
	MergeSetOffset uint  `json:"merge_set_offset,omitempty"`
}

// loadDump reads and wires a shader from a JSON dump.
func loadDump(path string, mergedOverride bool) (*ir.Shader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading dump")
	}
	var dump dumpFile
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	version, err := semver.NewVersion(dump.Format)
	if err != nil {
		return nil, errors.Wrapf(err, "bad format version %q", dump.Format)
	}
	if !supportedFormat.Check(version) {
		return nil, errors.Errorf("dump format %s outside supported range %s", version, supportedFormat)
	}

	shader := ir.NewShader(dump.MergedRegs || mergedOverride)
	sets := make([]*ir.MergeSet, len(dump.MergeSets))
	for i, ms := range dump.MergeSets {
		sets[i] = ir.NewMergeSet(ms.Size, ms.Align)
	}

	blocks := make([]*ir.Block, len(dump.Blocks))
	for i := range dump.Blocks {
		blocks[i] = shader.NewBlock()
	}
	for i, db := range dump.Blocks {
		for _, succ := range db.Succs {
			if succ >= uint(len(blocks)) {
				return nil, errors.Errorf("block %d: successor %d out of range", i, succ)
			}
			ir.AddEdge(blocks[i], blocks[succ])
		}
	}

	defs := map[uint]*ir.Value{}
	for i, db := range dump.Blocks {
		for _, di := range db.Instrs {
			opc, ok := ir.ParseOpcode(di.Op)
			if !ok {
				return nil, errors.Errorf("block %d: unknown opcode %q", i, di.Op)
			}
			instr := blocks[i].NewInstr(opc)
			for _, dv := range di.Dsts {
				flags := valueFlags(dv)
				size := dv.Size
				if size == 0 {
					size = elemSize(flags)
				}
				dst := instr.AddDst(shader, flags, size)
				if dv.Name != nil {
					defs[*dv.Name] = dst
				}
				if dv.Num != nil {
					dst.Num = *dv.Num
				}
				if dv.MergeSet != nil {
					if *dv.MergeSet >= uint(len(sets)) {
						return nil, errors.Errorf("block %d: merge set %d out of range", i, *dv.MergeSet)
					}
					dst.MergeSet = sets[*dv.MergeSet]
					dst.MergeSetOffset = dv.MergeSetOffset
				}
			}
		}
	}
	// Sources in a second pass: phis may reference later definitions.
	for i, db := range dump.Blocks {
		instrIdx := 0
		for _, di := range db.Instrs {
			instr := blocks[i].Instrs[instrIdx]
			instrIdx++
			for _, sv := range di.Srcs {
				if sv.Def == nil {
					return nil, errors.Errorf("block %d: source without def", i)
				}
				def, ok := defs[*sv.Def]
				if !ok {
					return nil, errors.Errorf("block %d: source references unknown def %d", i, *sv.Def)
				}
				src := instr.AddSrc(def, valueFlags(sv))
				if sv.Num != nil {
					src.Num = *sv.Num
				}
			}
		}
	}
	return shader, nil
}

func valueFlags(v dumpValue) ir.Flags {
	var flags ir.Flags
	if v.Half {
		flags |= ir.FlagHalf
	}
	if v.Shared {
		flags |= ir.FlagShared
	}
	if v.Kill {
		flags |= ir.FlagKill
	}
	if v.FirstKill {
		flags |= ir.FlagFirstKill | ir.FlagKill
	}
	if v.Unused {
		flags |= ir.FlagUnused
	}
	return flags
}

func elemSize(flags ir.Flags) uint {
	if flags&ir.FlagHalf != 0 {
		return 1
	}
	return 2
}
