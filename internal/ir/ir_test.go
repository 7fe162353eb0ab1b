package ir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// Interval-space numbering: independent defs get disjoint spans, merge
// set members share one span so sub-ranges nest.
func TestIndexIntervals(t *testing.T) {
	shader := NewShader(false)
	b := shader.NewBlock()

	ldA := b.NewInstr(OpLoad)
	a := ldA.AddDst(shader, 0, 2)

	set := NewMergeSet(8, 2)
	ldV := b.NewInstr(OpLoad)
	vec := ldV.AddDst(shader, 0, 8)
	vec.MergeSet = set

	split := b.NewInstr(OpMetaSplit)
	lo := split.AddDst(shader, 0, 2)
	lo.MergeSet = set
	lo.MergeSetOffset = 2
	split.AddSrc(vec, 0)

	ldB := b.NewInstr(OpLoad)
	c := ldB.AddDst(shader, 0, 4)

	shader.IndexIntervals()

	type span struct{ Start, End uint }
	got := map[string]span{
		"a":   {a.IntervalStart, a.IntervalEnd},
		"vec": {vec.IntervalStart, vec.IntervalEnd},
		"lo":  {lo.IntervalStart, lo.IntervalEnd},
		"c":   {c.IntervalStart, c.IntervalEnd},
	}
	want := map[string]span{
		"a":   {0, 2},
		"vec": {2, 10},
		"lo":  {4, 6}, // nested inside vec's span at its merge-set offset
		"c":   {10, 14},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("interval spans mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertBefore(t *testing.T) {
	shader := NewShader(false)
	b := shader.NewBlock()
	first := b.NewInstr(OpLoad)
	second := b.NewInstr(OpStore)

	mid := &Instr{Opc: OpMetaParallelCopy}
	b.InsertBefore(second, mid)

	require.Equal(t, []*Instr{first, mid, second}, b.Instrs)
	require.Same(t, b, mid.Block)
}

func TestBuildDomTree(t *testing.T) {
	shader := NewShader(false)
	b0 := shader.NewBlock()
	b1 := shader.NewBlock()
	b2 := shader.NewBlock()
	b3 := shader.NewBlock()
	AddEdge(b0, b1)
	AddEdge(b0, b2)
	AddEdge(b1, b3)
	AddEdge(b2, b3)

	shader.BuildDomTree()

	require.Nil(t, b0.Dominator)
	require.Same(t, b0, b1.Dominator)
	require.Same(t, b0, b2.Dominator)
	require.Same(t, b0, b3.Dominator, "join is dominated by the branch, not an arm")
	require.Equal(t, []*Block{b1, b2, b3}, b0.DomChildren)
}

func TestBuildDomTreeLoop(t *testing.T) {
	shader := NewShader(false)
	b0 := shader.NewBlock()
	b1 := shader.NewBlock()
	b2 := shader.NewBlock()
	b3 := shader.NewBlock()
	AddEdge(b0, b1)
	AddEdge(b1, b2)
	AddEdge(b2, b1)
	AddEdge(b1, b3)

	shader.BuildDomTree()

	require.Same(t, b0, b1.Dominator)
	require.Same(t, b1, b2.Dominator)
	require.Same(t, b1, b3.Dominator)
	require.Equal(t, []*Block{b2, b3}, b1.DomChildren)
}

func TestStripSSA(t *testing.T) {
	shader := NewShader(false)
	b := shader.NewBlock()

	ld := b.NewInstr(OpLoad)
	v := ld.AddDst(shader, 0, 2)

	phi := b.NewInstr(OpMetaPhi)
	p := phi.AddDst(shader, 0, 2)
	phi.AddSrc(v, 0)

	shader.StripSSA()

	require.Zero(t, v.Flags&FlagSSA)
	require.NotZero(t, p.Flags&FlagSSA, "meta instructions keep SSA bookkeeping")
}

func TestOpcodeClasses(t *testing.T) {
	require.True(t, OpAdd.IsALU())
	require.True(t, OpRsq.IsSFU())
	require.False(t, OpLoad.IsALU())
	require.True(t, OpMetaCollect.IsMeta())
	require.False(t, OpChmask.IsMeta())

	op, ok := ParseOpcode("meta.collect")
	require.True(t, ok)
	require.Equal(t, OpMetaCollect, op)
	_, ok = ParseOpcode("bogus")
	require.False(t, ok)
}
