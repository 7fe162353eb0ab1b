// Package ir defines the low-level shader IR consumed by the register
// allocator. Values are in strict SSA form; merge sets describe groups of
// values that earlier coalescing decided should share storage.
package ir

import (
	"fmt"
	"strings"
)

// Flags describe properties of a Value operand or definition.
type Flags uint16

const (
	// FlagSSA marks a value still in SSA form; stripped after allocation.
	FlagSSA Flags = 1 << iota
	// FlagHalf marks a half-precision value occupying half-units directly.
	FlagHalf
	// FlagShared places the value in the shared register file.
	FlagShared
	// FlagArray marks a value backed by a register array.
	FlagArray
	// FlagFirstKill marks the first source of an instruction that ends
	// its definition's live range.
	FlagFirstKill
	// FlagKill marks any source that ends its definition's live range.
	FlagKill
	// FlagUnused marks a definition with no uses.
	FlagUnused
	// FlagRelativ marks a relative (indirectly addressed) array access.
	FlagRelativ
)

// InvalidReg is the sentinel for "no register chosen yet".
const InvalidReg = ^uint(0)

// MergeSet is a coalesced group of values sharing one logical storage
// location. The allocator treats it as an affinity hint: when a strict
// sub-range claims a gap for the whole set, PreferredReg records that
// position and later members take it whenever it is free. Members placed
// any other way leave PreferredReg unchanged.
type MergeSet struct {
	PreferredReg uint // InvalidReg until the allocator picks one
	Size         uint // total span in half-units
	Alignment    uint // 1 for half sets, 2 for full sets
}

// NewMergeSet returns a merge set with no preferred register.
func NewMergeSet(size, alignment uint) *MergeSet {
	return &MergeSet{PreferredReg: InvalidReg, Size: size, Alignment: alignment}
}

// Array identifies the storage of an array-backed value.
type Array struct {
	Base   uint
	Offset uint
}

// Value is a register operand. Definitions carry a unique Name and the
// interval-space numbering; sources point back at their definition via
// Def. After allocation Num holds the physical register number.
type Value struct {
	Name  uint
	Flags Flags
	Size  uint // half-units
	Num   uint

	Def   *Value // nil on definitions
	Instr *Instr

	MergeSet       *MergeSet
	MergeSetOffset uint

	// Interval-space numbering used by the allocator's interval trees.
	// Members of one merge set share a span so sub-ranges nest.
	IntervalStart uint
	IntervalEnd   uint

	Array *Array
}

// Definition resolves a source to its defining value; definitions return
// themselves.
func (v *Value) Definition() *Value {
	if v.Def != nil {
		return v.Def
	}
	return v
}

// ElemSize is the allocation granularity in half-units: 1 for half
// values, 2 for full values.
func (v *Value) ElemSize() uint {
	if v.Flags&FlagHalf != 0 {
		return 1
	}
	return 2
}

func (v *Value) String() string {
	prefix := "v"
	if v.Flags&FlagHalf != 0 {
		prefix = "hv"
	}
	if v.Flags&FlagShared != 0 {
		prefix = "s" + prefix
	}
	if v.Def != nil {
		return fmt.Sprintf("%s%d", prefix, v.Def.Name)
	}
	return fmt.Sprintf("%s%d", prefix, v.Name)
}

// Opcode enumerates the instruction set the allocator distinguishes.
type Opcode int

const (
	OpNop Opcode = iota

	// ALU
	OpMov
	OpAdd
	OpSub
	OpMul
	OpMad
	OpCmp

	// SFU
	OpRcp
	OpRsq
	OpSqrt
	OpSin
	OpCos
	OpExp2
	OpLog2

	// Memory
	OpLoad
	OpStore
	OpSample

	// Geometry stream mask; sources are precolored.
	OpChmask

	// End of shader.
	OpEnd

	// Meta instructions. These survive allocation and keep their SSA
	// bookkeeping until copy lowering.
	OpMetaSplit
	OpMetaCollect
	OpMetaParallelCopy
	OpMetaPhi
	OpMetaInput
)

var opcodeNames = map[Opcode]string{
	OpNop:              "nop",
	OpMov:              "mov",
	OpAdd:              "add",
	OpSub:              "sub",
	OpMul:              "mul",
	OpMad:              "mad",
	OpCmp:              "cmp",
	OpRcp:              "rcp",
	OpRsq:              "rsq",
	OpSqrt:             "sqrt",
	OpSin:              "sin",
	OpCos:              "cos",
	OpExp2:             "exp2",
	OpLog2:             "log2",
	OpLoad:             "ldg",
	OpStore:            "stg",
	OpSample:           "sam",
	OpChmask:           "chmask",
	OpEnd:              "end",
	OpMetaSplit:        "meta.split",
	OpMetaCollect:      "meta.collect",
	OpMetaParallelCopy: "meta.pcopy",
	OpMetaPhi:          "meta.phi",
	OpMetaInput:        "meta.input",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOpcode resolves a mnemonic as printed by Opcode.String.
func ParseOpcode(s string) (Opcode, bool) {
	for op, name := range opcodeNames {
		if name == s {
			return op, true
		}
	}
	return OpNop, false
}

// IsALU reports whether the opcode is a plain arithmetic instruction.
func (o Opcode) IsALU() bool {
	switch o {
	case OpMov, OpAdd, OpSub, OpMul, OpMad, OpCmp:
		return true
	}
	return false
}

// IsSFU reports whether the opcode runs on the special-function unit.
func (o Opcode) IsSFU() bool {
	switch o {
	case OpRcp, OpRsq, OpSqrt, OpSin, OpCos, OpExp2, OpLog2:
		return true
	}
	return false
}

// IsMeta reports whether the opcode is a meta instruction.
func (o Opcode) IsMeta() bool {
	switch o {
	case OpMetaSplit, OpMetaCollect, OpMetaParallelCopy, OpMetaPhi, OpMetaInput:
		return true
	}
	return false
}

// Instr is one instruction with parallel destination and source lists.
type Instr struct {
	Opc   Opcode
	Dsts  []*Value
	Srcs  []*Value
	Block *Block
	IP    uint
}

func (i *Instr) String() string {
	var b strings.Builder
	for n, d := range i.Dsts {
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.String())
	}
	if len(i.Dsts) > 0 {
		b.WriteString(" = ")
	}
	b.WriteString(i.Opc.String())
	for n, s := range i.Srcs {
		if n > 0 {
			b.WriteString(",")
		}
		b.WriteString(" ")
		b.WriteString(s.String())
	}
	return b.String()
}

// Block is a basic block: a linear instruction list plus CFG and
// dominator-tree links.
type Block struct {
	Index       uint
	Instrs      []*Instr
	Preds       []*Block
	Succs       []*Block
	Dominator   *Block
	DomChildren []*Block
}

// Shader is one compilation unit after coalescing and parallel-copy
// insertion, ready for register allocation.
type Shader struct {
	Blocks     []*Block
	MergedRegs bool

	nextName uint
}

// NewShader returns an empty shader.
func NewShader(mergedRegs bool) *Shader {
	return &Shader{MergedRegs: mergedRegs}
}

// NewBlock appends a fresh block to the shader.
func (s *Shader) NewBlock() *Block {
	b := &Block{Index: uint(len(s.Blocks))}
	s.Blocks = append(s.Blocks, b)
	return b
}

// AddEdge links pred to succ in the CFG.
func AddEdge(pred, succ *Block) {
	pred.Succs = append(pred.Succs, succ)
	succ.Preds = append(succ.Preds, pred)
}

// NewInstr appends an instruction to the block.
func (b *Block) NewInstr(opc Opcode) *Instr {
	instr := &Instr{Opc: opc, Block: b}
	b.Instrs = append(b.Instrs, instr)
	return instr
}

// InsertBefore places instr immediately before pos in the block.
func (b *Block) InsertBefore(pos, instr *Instr) {
	instr.Block = b
	for i, cur := range b.Instrs {
		if cur == pos {
			b.Instrs = append(b.Instrs, nil)
			copy(b.Instrs[i+1:], b.Instrs[i:])
			b.Instrs[i] = instr
			return
		}
	}
	b.Instrs = append(b.Instrs, instr)
}

// Terminator returns the block's trailing instruction, or nil.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// AddDst appends a new definition to the instruction. The value gets a
// fresh SSA name.
func (i *Instr) AddDst(s *Shader, flags Flags, size uint) *Value {
	v := &Value{
		Name:  s.nextName,
		Flags: flags | FlagSSA,
		Size:  size,
		Num:   InvalidReg,
		Instr: i,
	}
	s.nextName++
	i.Dsts = append(i.Dsts, v)
	return v
}

// AddSrc appends a source referring to def.
func (i *Instr) AddSrc(def *Value, flags Flags) *Value {
	v := &Value{
		Flags: def.Flags&(FlagHalf|FlagShared|FlagArray) | flags | FlagSSA,
		Size:  def.Size,
		Num:   InvalidReg,
		Def:   def,
		Instr: i,
	}
	i.Srcs = append(i.Srcs, v)
	return v
}

// ValueCount returns the number of SSA names issued so far.
func (s *Shader) ValueCount() uint {
	return s.nextName
}

// IndexIntervals assigns interval-space numbers to every definition and
// linear positions to every instruction. Defs are numbered in program
// order by size; all members of one merge set share a single span so
// that split/collect sub-ranges nest strictly inside their vector.
func (s *Shader) IndexIntervals() {
	setStart := make(map[*MergeSet]uint)
	var index, ip uint
	for _, b := range s.Blocks {
		for _, instr := range b.Instrs {
			instr.IP = ip
			ip++
			for _, d := range instr.Dsts {
				if d.MergeSet != nil {
					start, ok := setStart[d.MergeSet]
					if !ok {
						start = index
						setStart[d.MergeSet] = start
						index += d.MergeSet.Size
					}
					d.IntervalStart = start + d.MergeSetOffset
				} else {
					d.IntervalStart = index
					index += d.Size
				}
				d.IntervalEnd = d.IntervalStart + d.Size
			}
		}
	}
}

// StripSSA clears SSA and array bookkeeping from all non-meta
// instructions once allocation has filled in register numbers.
func (s *Shader) StripSSA() {
	for _, b := range s.Blocks {
		for _, instr := range b.Instrs {
			if instr.Opc.IsMeta() {
				continue
			}
			for _, d := range instr.Dsts {
				d.Flags &^= FlagSSA | FlagArray
			}
			for _, src := range instr.Srcs {
				src.Flags &^= FlagSSA | FlagArray
			}
		}
	}
}
