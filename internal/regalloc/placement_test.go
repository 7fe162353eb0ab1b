package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/prism-gpu/prism/internal/ir"
	"github.com/prism-gpu/prism/internal/liveness"
)

// testAllocator builds an allocator with enough interval slots for
// direct file manipulation, without running a shader through it.
func testAllocator(ndefs uint) *Allocator {
	shader := ir.NewShader(false)
	live := &liveness.Result{
		Definitions: make([]*ir.Value, ndefs),
		BlockCount:  1,
		DefCount:    ndefs,
	}
	return New(shader, live, nil)
}

func TestEvictRefusesFrozen(t *testing.T) {
	a := testAllocator(4)
	f := newFile(16)
	iv := installed(f, 0, testValue(0, 0, 16, 0))
	iv.frozen = true

	_, ok := a.tryEvictRegs(f, testValue(1, 16, 2, 0), 0, false, true)
	require.False(t, ok)
}

func TestEvictSkipsKilledForDestinations(t *testing.T) {
	a := testAllocator(4)
	f := newFile(8)
	killed := installed(f, 0, testValue(0, 0, 8, 0))
	f.markKilled(killed)

	// A destination may be placed over a killed interval without moving
	// it; a precolored source may not.
	count, ok := a.tryEvictRegs(f, testValue(1, 8, 2, 0), 0, false, true)
	require.True(t, ok)
	require.Zero(t, count)

	_, ok = a.tryEvictRegs(f, testValue(2, 10, 2, 0), 0, true, true)
	require.False(t, ok, "no free space to move the killed interval into")
}

// Speculation idempotence: a speculative eviction must not mutate any
// file state, and the committing call must succeed with exactly the same
// movement count.
func TestEvictSpeculationIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const fileSize = 32
		a := testAllocator(64)
		f := newFile(fileSize)

		name := uint(0)
		start := uint(0)
		for name < 12 && rapid.Bool().Draw(t, "more") {
			elems := uint(rapid.IntRange(1, 3).Draw(t, "elems"))
			size := elems * 2
			v := testValue(name, start, size, 0)
			pos, ok := f.findBestGap(fileSize, size, 2, false)
			if !ok {
				break
			}
			iv := a.intervals[name]
			iv.reinit(v, pos)
			f.Insert(iv)
			if rapid.Bool().Draw(t, "killed") {
				f.markKilled(iv)
			}
			name++
			start += size
		}

		reqSize := uint(rapid.IntRange(1, 4).Draw(t, "reqElems")) * 2
		physreg := uint(rapid.IntRange(0, (fileSize-int(reqSize))/2).Draw(t, "physreg")) * 2
		reg := testValue(63, 1000, reqSize, 0)

		availBefore := f.Available.Clone()
		evictBefore := f.AvailableToEvict.Clone()
		startBefore := f.Start
		copiesBefore := len(a.pendingCopies)

		count, ok := a.tryEvictRegs(f, reg, physreg, false, true)

		if !f.Available.Equal(availBefore) || !f.AvailableToEvict.Equal(evictBefore) {
			t.Fatalf("speculative eviction mutated availability bitsets")
		}
		if f.Start != startBefore {
			t.Fatalf("speculative eviction moved the round-robin cursor")
		}
		if len(a.pendingCopies) != copiesBefore {
			t.Fatalf("speculative eviction staged copies")
		}
		if !ok {
			return
		}

		commitCount, commitOK := a.tryEvictRegs(f, reg, physreg, false, false)
		if !commitOK {
			t.Fatalf("commit failed after successful speculation")
		}
		if commitCount != count {
			t.Fatalf("commit moved %d half-units, speculation predicted %d", commitCount, count)
		}
		if !rangeSet(f.Available, physreg, physreg+reqSize) {
			// Killed intervals may legitimately remain under the range.
			for _, iv := range f.intervalsInRange(physreg, physreg+reqSize) {
				if !iv.isKilled {
					t.Fatalf("live interval %v still overlaps the evicted range", iv)
				}
			}
		}
	})
}

func TestGetRegWholeMergeSetGap(t *testing.T) {
	shader := ir.NewShader(false)
	b := shader.NewBlock()

	set := ir.NewMergeSet(8, 2)
	ld := b.NewInstr(ir.OpLoad)
	v := ld.AddDst(shader, 0, 2)
	v.MergeSet = set
	v.MergeSetOffset = 4

	fini := b.NewInstr(ir.OpStore)
	fini.AddSrc(v, ir.FlagFirstKill)

	runAllocator(t, shader)

	// The first member claims space for the whole set and records the
	// choice.
	require.Equal(t, uint(0), set.PreferredReg)
	require.Equal(t, uint(2), v.Num)
}
