package regalloc

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/prism-gpu/prism/internal/ir"
	"github.com/prism-gpu/prism/internal/liveness"
)

// ErrPressureExceeded reports that the shader's measured peak pressure
// does not fit the register files. No spilling is attempted; the caller
// retries under different compilation options.
var ErrPressureExceeded = errors.New("regalloc: register pressure exceeds file size")

// Allocator threads all allocation state. It is single-use: construct,
// Run once, then only the recorded block states remain interesting.
type Allocator struct {
	shader *ir.Shader
	live   *liveness.Result

	full   *File
	half   *File
	shared *File

	// intervals holds one reusable interval slot per SSA name.
	intervals []*Interval
	blocks    []*blockState

	pendingCopies []parallelCopy

	log logrus.FieldLogger
}

// New builds an allocator over a shader and its liveness result. The
// shader must already have interval-space numbering and a dominator
// tree. A nil log disables tracing.
func New(shader *ir.Shader, live *liveness.Result, log logrus.FieldLogger) *Allocator {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	a := &Allocator{
		shader: shader,
		live:   live,
		log:    log,
	}
	a.intervals = make([]*Interval, live.DefCount)
	for i := range a.intervals {
		a.intervals[i] = newInterval(nil)
	}
	a.blocks = make([]*blockState, live.BlockCount)
	for i := range a.blocks {
		a.blocks[i] = &blockState{renames: make(map[uint]uint)}
	}
	return a
}

// Run assigns a physical register to every value and inserts the
// parallel copies needed to realize live-range splits and cross-block
// reconciliation. Returns ErrPressureExceeded when the shader cannot
// fit; internal contradictions panic (they indicate a bug in pressure
// accounting or merge-set construction, not a recoverable condition).
func (a *Allocator) Run() error {
	pressure := a.live.CalcPressure(a.shader)
	a.log.Debugf("pressure: full=%d half=%d shared=%d", pressure.Full, pressure.Half, pressure.Shared)
	if a.shader.MergedRegs {
		if pressure.Full+pressure.Half > FullSize || pressure.Half > HalfSize {
			return ErrPressureExceeded
		}
	} else {
		if pressure.Full > FullSize || pressure.Half > HalfSize {
			return ErrPressureExceeded
		}
	}
	if pressure.Shared > SharedSize {
		return ErrPressureExceeded
	}

	if len(a.shader.Blocks) == 0 {
		return nil
	}
	a.handleBlock(a.shader.Blocks[0])
	a.shader.StripSSA()
	return nil
}

// Allocate is the convenience entry point: numbering, dominator tree,
// liveness, then allocation.
func Allocate(shader *ir.Shader, log logrus.FieldLogger) error {
	shader.IndexIntervals()
	shader.BuildDomTree()
	live := liveness.Compute(shader)
	return New(shader, live, log).Run()
}

func (a *Allocator) fileFor(v *ir.Value) *File {
	d := v.Definition()
	if d.Flags&ir.FlagShared != 0 {
		return a.shared
	}
	if a.shader.MergedRegs || d.Flags&ir.FlagHalf == 0 {
		return a.full
	}
	return a.half
}

// assignReg writes the final register number. Array-backed values record
// it as the array base instead; their element offset was fixed by the
// front end.
func (a *Allocator) assignReg(v *ir.Value, num uint) {
	v.Num = num
	if v.Flags&ir.FlagArray != 0 && v.Array != nil {
		v.Array.Base = num
	}
}
