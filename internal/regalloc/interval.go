// Package regalloc assigns physical registers to a shader in SSA form.
//
// The allocator runs block-by-block in dominator-tree pre-order. Within
// a block it tracks occupancy of three register files (full, half,
// shared), each holding a tree of live intervals. Vector split/collect
// instructions give rise to nested sub-ranges, so intervals form proper
// containment trees: exactly the top-level intervals occupy physical
// registers, children derive theirs from the interval-space offset into
// the parent.
package regalloc

import (
	"fmt"

	"github.com/google/btree"

	"github.com/prism-gpu/prism/internal/ir"
)

// Interval is one live interval attached to an SSA definition. The
// logical containment fields (Reg, Parent, Children, Inserted) are keyed
// by interval-space numbering; the physical placement fields are only
// meaningful while the interval is at the top level of a file.
type Interval struct {
	Reg      *ir.Value
	Parent   *Interval
	Children *btree.BTreeG[*Interval]
	Inserted bool

	PhysregStart uint
	PhysregEnd   uint

	// isKilled marks a first-killed source whose slot may be reused by
	// the current instruction's destinations.
	isKilled bool
	// tempKilled notes that isKilled was set only to let a collect
	// destination cover this interval; cleared before source numbering.
	tempKilled bool
	// frozen pins a precolored input while the remaining inputs are
	// routed around it.
	frozen bool
}

func intervalLess(a, b *Interval) bool {
	return a.Reg.IntervalStart < b.Reg.IntervalStart
}

func physregLess(a, b *Interval) bool {
	return a.PhysregStart < b.PhysregStart
}

func newIntervalTree() *btree.BTreeG[*Interval] {
	return btree.NewG(8, intervalLess)
}

func newInterval(reg *ir.Value) *Interval {
	return &Interval{Reg: reg, Children: newIntervalTree()}
}

// reinit prepares an interval slot for a fresh definition. Interval
// slots are reused across blocks, so state from the previous block must
// not leak.
func (iv *Interval) reinit(reg *ir.Value, physreg uint) {
	iv.Reg = reg
	iv.Parent = nil
	iv.Children.Clear(false)
	iv.Inserted = false
	iv.PhysregStart = physreg
	iv.PhysregEnd = physreg + reg.Size
	iv.isKilled = false
	iv.tempKilled = false
	iv.frozen = false
}

// physreg returns the interval's physical register, deriving it from the
// top-level ancestor for nested sub-ranges.
func (iv *Interval) physreg() uint {
	offset := uint(0)
	for iv.Parent != nil {
		offset += iv.Reg.IntervalStart - iv.Parent.Reg.IntervalStart
		iv = iv.Parent
	}
	return iv.PhysregStart + offset
}

// root returns the top-level ancestor.
func (iv *Interval) root() *Interval {
	for iv.Parent != nil {
		iv = iv.Parent
	}
	return iv
}

func (iv *Interval) String() string {
	return fmt.Sprintf("%s [%d,%d) @r%d", iv.Reg, iv.Reg.IntervalStart, iv.Reg.IntervalEnd, iv.PhysregStart)
}

// intervalCallbacks observe top-level transitions in an interval tree.
// add fires when a top-level interval comes into existence, delete when
// one ceases, and readd when a child is lifted to the top level (its
// physreg must be recomputed from the vanishing parent before add).
type intervalCallbacks interface {
	intervalAdd(iv *Interval)
	intervalDelete(iv *Interval)
	intervalReadd(parent, child *Interval)
}

// intervalTree holds the top-level intervals of one register file.
type intervalTree struct {
	intervals *btree.BTreeG[*Interval]
	cb        intervalCallbacks
}

func (t *intervalTree) init(cb intervalCallbacks) {
	t.intervals = newIntervalTree()
	t.cb = cb
}

// findOverlap locates an existing interval in tree overlapping
// [iv.IntervalStart, iv.IntervalEnd), or nil.
func findOverlap(tree *btree.BTreeG[*Interval], iv *Interval) *Interval {
	probe := &Interval{Reg: &ir.Value{IntervalStart: iv.Reg.IntervalStart}}
	var found *Interval
	tree.DescendLessOrEqual(probe, func(n *Interval) bool {
		found = n
		return false
	})
	if found != nil && found.Reg.IntervalEnd > iv.Reg.IntervalStart {
		return found
	}
	found = nil
	tree.AscendGreaterOrEqual(probe, func(n *Interval) bool {
		found = n
		return false
	})
	if found != nil && found.Reg.IntervalStart < iv.Reg.IntervalEnd {
		return found
	}
	return nil
}

// Insert places iv into the tree, recursing into or swallowing existing
// intervals as containment dictates. Partial overlap is a caller bug.
func (t *intervalTree) Insert(iv *Interval) {
	if iv.Inserted {
		panic(fmt.Sprintf("regalloc: interval %s inserted twice", iv))
	}
	t.insertInto(t.intervals, iv, nil)
}

func (t *intervalTree) insertInto(tree *btree.BTreeG[*Interval], iv *Interval, parent *Interval) {
	right := findOverlap(tree, iv)
	if right != nil {
		// Mixed half/full containment trees are disallowed: a child's
		// physreg is derived by half-unit offset, which only works when
		// the whole tree shares one granularity.
		if (iv.Reg.Flags^right.Reg.Flags)&ir.FlagHalf != 0 {
			panic(fmt.Sprintf("regalloc: half/full mix between %s and %s", iv, right))
		}
		if right.Reg.IntervalStart >= iv.Reg.IntervalStart &&
			right.Reg.IntervalEnd <= iv.Reg.IntervalEnd {
			// iv contains right and possibly some of its following
			// siblings; reparent them all under iv.
			var swallowed []*Interval
			tree.AscendGreaterOrEqual(right, func(n *Interval) bool {
				if n.Reg.IntervalStart >= iv.Reg.IntervalEnd {
					return false
				}
				if n.Reg.IntervalEnd > iv.Reg.IntervalEnd {
					panic(fmt.Sprintf("regalloc: partial overlap between %s and %s", iv, n))
				}
				swallowed = append(swallowed, n)
				return true
			})
			for _, n := range swallowed {
				tree.Delete(n)
				// A swallowed top-level interval stops occupying file
				// space of its own; the new parent covers it.
				if parent == nil {
					t.cb.intervalDelete(n)
				}
				n.Parent = iv
				iv.Children.ReplaceOrInsert(n)
			}
		} else if right.Reg.IntervalStart <= iv.Reg.IntervalStart &&
			right.Reg.IntervalEnd >= iv.Reg.IntervalEnd {
			// right contains iv.
			t.insertInto(right.Children, iv, right)
			return
		} else {
			panic(fmt.Sprintf("regalloc: partial overlap between %s and %s", iv, right))
		}
	}
	iv.Parent = parent
	tree.ReplaceOrInsert(iv)
	iv.Inserted = true
	if parent == nil {
		t.cb.intervalAdd(iv)
	}
}

// Remove detaches iv. Children are lifted one level; at the top level
// each lifted child becomes a top-level interval with a physreg derived
// from the vanishing parent.
func (t *intervalTree) Remove(iv *Interval) {
	if !iv.Inserted {
		panic(fmt.Sprintf("regalloc: removing uninserted interval %s", iv))
	}
	children := collect(iv.Children)
	if iv.Parent != nil {
		iv.Parent.Children.Delete(iv)
		for _, child := range children {
			iv.Children.Delete(child)
			child.Parent = iv.Parent
			iv.Parent.Children.ReplaceOrInsert(child)
		}
	} else {
		t.cb.intervalDelete(iv)
		t.intervals.Delete(iv)
		for _, child := range children {
			iv.Children.Delete(child)
			child.Parent = nil
			t.cb.intervalReadd(iv, child)
			t.intervals.ReplaceOrInsert(child)
		}
	}
	iv.Inserted = false
}

// RemoveAll detaches a top-level interval together with its children in
// one shot, firing a single delete instead of per-child lifts. The
// subtree stays linked so a later Insert restores it wholesale.
func (t *intervalTree) RemoveAll(iv *Interval) {
	if iv.Parent != nil {
		panic(fmt.Sprintf("regalloc: RemoveAll on nested interval %s", iv))
	}
	if !iv.Inserted {
		panic(fmt.Sprintf("regalloc: removing uninserted interval %s", iv))
	}
	t.cb.intervalDelete(iv)
	t.intervals.Delete(iv)
	iv.Inserted = false
}

func collect(tree *btree.BTreeG[*Interval]) []*Interval {
	out := make([]*Interval, 0, tree.Len())
	tree.Ascend(func(n *Interval) bool {
		out = append(out, n)
		return true
	})
	return out
}
