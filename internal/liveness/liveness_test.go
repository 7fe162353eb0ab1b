package liveness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prism-gpu/prism/internal/ir"
)

// Diamond: a value defined in the entry and used in the join is live
// through both arms.
func TestComputeDiamond(t *testing.T) {
	shader := ir.NewShader(false)
	b0 := shader.NewBlock()
	b1 := shader.NewBlock()
	b2 := shader.NewBlock()
	b3 := shader.NewBlock()
	ir.AddEdge(b0, b1)
	ir.AddEdge(b0, b2)
	ir.AddEdge(b1, b3)
	ir.AddEdge(b2, b3)

	ld := b0.NewInstr(ir.OpLoad)
	v := ld.AddDst(shader, 0, 2)

	ldL := b1.NewInstr(ir.OpLoad)
	l := ldL.AddDst(shader, 0, 2)
	useL := b1.NewInstr(ir.OpStore)
	useL.AddSrc(l, ir.FlagFirstKill)

	use := b3.NewInstr(ir.OpStore)
	use.AddSrc(v, ir.FlagFirstKill)

	res := Compute(shader)

	require.True(t, res.LiveOut[b0.Index].Test(v.Name))
	require.True(t, res.LiveIn[b1.Index].Test(v.Name))
	require.True(t, res.LiveIn[b2.Index].Test(v.Name))
	require.True(t, res.LiveIn[b3.Index].Test(v.Name))
	require.False(t, res.LiveOut[b3.Index].Test(v.Name))

	// The arm-local value stays arm-local.
	require.False(t, res.LiveIn[b1.Index].Test(l.Name))
	require.False(t, res.LiveOut[b1.Index].Test(l.Name))
	require.Same(t, v, res.Definitions[v.Name])
}

// Phi sources are live out of the matching predecessor only; the phi
// destination is not live-in through the phi itself.
func TestComputePhi(t *testing.T) {
	shader := ir.NewShader(false)
	b0 := shader.NewBlock()
	b1 := shader.NewBlock()
	b2 := shader.NewBlock()
	b3 := shader.NewBlock()
	ir.AddEdge(b0, b1)
	ir.AddEdge(b0, b2)
	ir.AddEdge(b1, b3)
	ir.AddEdge(b2, b3)

	ldA := b1.NewInstr(ir.OpLoad)
	a := ldA.AddDst(shader, 0, 2)
	ldB := b2.NewInstr(ir.OpLoad)
	b := ldB.AddDst(shader, 0, 2)

	phi := b3.NewInstr(ir.OpMetaPhi)
	p := phi.AddDst(shader, 0, 2)
	phi.AddSrc(a, ir.FlagFirstKill)
	phi.AddSrc(b, ir.FlagFirstKill)

	use := b3.NewInstr(ir.OpStore)
	use.AddSrc(p, ir.FlagFirstKill)

	res := Compute(shader)

	require.True(t, res.LiveOut[b1.Index].Test(a.Name))
	require.False(t, res.LiveOut[b1.Index].Test(b.Name))
	require.True(t, res.LiveOut[b2.Index].Test(b.Name))
	require.False(t, res.LiveIn[b3.Index].Test(p.Name))
	require.False(t, res.LiveIn[b3.Index].Test(a.Name))
}

// A value used around a loop is live through every loop block.
func TestComputeLoop(t *testing.T) {
	shader := ir.NewShader(false)
	b0 := shader.NewBlock()
	b1 := shader.NewBlock()
	b2 := shader.NewBlock()
	b3 := shader.NewBlock()
	ir.AddEdge(b0, b1)
	ir.AddEdge(b1, b2)
	ir.AddEdge(b2, b1)
	ir.AddEdge(b1, b3)

	ld := b0.NewInstr(ir.OpLoad)
	v := ld.AddDst(shader, 0, 2)

	use := b2.NewInstr(ir.OpStore)
	use.AddSrc(v, 0)

	fini := b3.NewInstr(ir.OpStore)
	fini.AddSrc(v, ir.FlagFirstKill)

	res := Compute(shader)

	for _, b := range []*ir.Block{b1, b2} {
		require.True(t, res.LiveIn[b.Index].Test(v.Name), "block %d", b.Index)
		require.True(t, res.LiveOut[b.Index].Test(v.Name), "block %d", b.Index)
	}
	require.False(t, res.LiveOut[b3.Index].Test(v.Name))
}

func TestCalcPressure(t *testing.T) {
	shader := ir.NewShader(false)
	b := shader.NewBlock()

	ldA := b.NewInstr(ir.OpLoad)
	a := ldA.AddDst(shader, 0, 4)
	ldB := b.NewInstr(ir.OpLoad)
	hb := ldB.AddDst(shader, ir.FlagHalf, 2)
	ldC := b.NewInstr(ir.OpLoad)
	c := ldC.AddDst(shader, ir.FlagShared, 2)

	add := b.NewInstr(ir.OpAdd)
	d := add.AddDst(shader, 0, 2)
	add.AddSrc(a, ir.FlagFirstKill)

	fini := b.NewInstr(ir.OpStore)
	fini.AddSrc(hb, ir.FlagFirstKill)
	fini.AddSrc(c, ir.FlagFirstKill)
	fini.AddSrc(d, ir.FlagFirstKill)

	res := Compute(shader)
	p := res.CalcPressure(shader)

	// a's killed slot is reusable for d, so the peak is a alone.
	require.Equal(t, uint(4), p.Full)
	require.Equal(t, uint(2), p.Half)
	require.Equal(t, uint(2), p.Shared)
}
