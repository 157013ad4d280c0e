// Package frame implements the operand stack, call frame stack, and
// per-task exception-handler stack shared by both interpreters.
// Grounded on the teacher's internal/vm.EnhancedVM (stack []Value +
// stackTop, frames []EnhancedCallFrame + frameCount, tryStack []TryFrame)
// and internal/vmregister's CallFrame, generalized into a standalone
// reusable type since Raya's Tasks (internal/task) each own one of these
// rather than a single VM owning one globally.
package frame

import (
	"raya/internal/module"
	"raya/internal/rerrors"
	"raya/internal/value"
)

const (
	defaultStackSize = 4096
	defaultMaxFrames = 1024
)

// CallFrame is one activation record: the function being executed, its
// instruction pointer, its locals' base offset into the shared locals
// array, and (for closures) its captured-value slice.
type CallFrame struct {
	FuncID     uint32
	IP         int
	LocalBase  int
	LocalCount int
	Captured   []value.Value
	StackBase  int // operand stack depth at call time, for unwinding on return

	// ReturnSlot is the absolute Locals index internal/regvm writes a
	// callee's RETURN value into on the *caller's* side; it has no meaning
	// to the stack interpreter (internal/interp), which returns values via
	// Operands instead. Registers are just named locals, so regvm reuses
	// this same Stack/CallFrame pair rather than inventing a parallel one.
	ReturnSlot int
}

// TryHandler is one active try block: where to resume on catch/finally and
// what stack/frame depth to restore to, mirroring the teacher's TryFrame
// (catchIP/stackDepth/frameDepth).
type TryHandler struct {
	CatchIP    int
	FinallyIP  int // 0 if no finally
	HasFinally bool
	StackDepth int
	FrameDepth int
}

// Stack is one Task's full execution state: operand stack, call frames,
// locals storage, and the try-handler stack. It satisfies gc.RootSource
// so a suspended task's entire live value set is still reachable to the
// collector.
type Stack struct {
	Operands  []value.Value
	Locals    []value.Value
	Frames    []CallFrame
	TryStack  []TryHandler
	MaxFrames int
}

func NewStack() *Stack {
	return &Stack{
		Operands:  make([]value.Value, 0, defaultStackSize),
		Locals:    make([]value.Value, 0, defaultStackSize),
		Frames:    make([]CallFrame, 0, 64),
		MaxFrames: defaultMaxFrames,
	}
}

// Roots implements gc.RootSource: every value currently reachable from
// this stack's operand stack and locals storage (frame-local slices are
// views into Locals, so walking Locals once covers every frame).
func (s *Stack) Roots() []value.Value {
	roots := make([]value.Value, 0, len(s.Operands)+len(s.Locals))
	roots = append(roots, s.Operands...)
	roots = append(roots, s.Locals...)
	for _, f := range s.Frames {
		roots = append(roots, f.Captured...)
	}
	return roots
}

func (s *Stack) Push(v value.Value) { s.Operands = append(s.Operands, v) }

func (s *Stack) Pop() (value.Value, error) {
	if len(s.Operands) == 0 {
		return value.Null(), rerrors.New(rerrors.StackUnderflow, "operand stack empty")
	}
	last := len(s.Operands) - 1
	v := s.Operands[last]
	s.Operands = s.Operands[:last]
	return v, nil
}

func (s *Stack) Peek(depth int) (value.Value, error) {
	idx := len(s.Operands) - 1 - depth
	if idx < 0 {
		return value.Null(), rerrors.New(rerrors.StackUnderflow, "operand stack peek depth %d exceeds depth %d", depth, len(s.Operands))
	}
	return s.Operands[idx], nil
}

func (s *Stack) Dup() error {
	v, err := s.Peek(0)
	if err != nil {
		return err
	}
	s.Push(v)
	return nil
}

func (s *Stack) Swap() error {
	n := len(s.Operands)
	if n < 2 {
		return rerrors.New(rerrors.StackUnderflow, "swap requires 2 operands, have %d", n)
	}
	s.Operands[n-1], s.Operands[n-2] = s.Operands[n-2], s.Operands[n-1]
	return nil
}

func (s *Stack) Depth() int { return len(s.Operands) }

// TruncateTo discards operands above depth, used when unwinding to a
// try-handler's recorded stack depth.
func (s *Stack) TruncateTo(depth int) {
	if depth < len(s.Operands) {
		s.Operands = s.Operands[:depth]
	}
}

// PushFrame allocates LocalCount contiguous slots in Locals and pushes a
// new CallFrame referencing them.
func (s *Stack) PushFrame(funcID uint32, localCount int, captured []value.Value) (*CallFrame, error) {
	if len(s.Frames) >= s.MaxFrames {
		return nil, rerrors.New(rerrors.StackOverflow, "call frame depth exceeds limit %d", s.MaxFrames)
	}
	base := len(s.Locals)
	for i := 0; i < localCount; i++ {
		s.Locals = append(s.Locals, value.Null())
	}
	f := CallFrame{
		FuncID: funcID, LocalBase: base, LocalCount: localCount,
		Captured: captured, StackBase: len(s.Operands),
	}
	s.Frames = append(s.Frames, f)
	return &s.Frames[len(s.Frames)-1], nil
}

// PopFrame removes the top call frame and its locals.
func (s *Stack) PopFrame() error {
	if len(s.Frames) == 0 {
		return rerrors.New(rerrors.RuntimeError, "no active call frame to pop")
	}
	top := s.Frames[len(s.Frames)-1]
	s.Locals = s.Locals[:top.LocalBase]
	s.Frames = s.Frames[:len(s.Frames)-1]
	return nil
}

func (s *Stack) CurrentFrame() (*CallFrame, error) {
	if len(s.Frames) == 0 {
		return nil, rerrors.New(rerrors.RuntimeError, "no active call frame")
	}
	return &s.Frames[len(s.Frames)-1], nil
}

func (s *Stack) Local(frame *CallFrame, idx int) (value.Value, error) {
	if idx < 0 || idx >= frame.LocalCount {
		return value.Null(), rerrors.New(rerrors.InvalidLocalRef, "local slot %d out of range (%d locals)", idx, frame.LocalCount)
	}
	return s.Locals[frame.LocalBase+idx], nil
}

func (s *Stack) SetLocal(frame *CallFrame, idx int, v value.Value) error {
	if idx < 0 || idx >= frame.LocalCount {
		return rerrors.New(rerrors.InvalidLocalRef, "local slot %d out of range (%d locals)", idx, frame.LocalCount)
	}
	s.Locals[frame.LocalBase+idx] = v
	return nil
}

// PushTry registers a new exception handler scoped to the current
// operand-stack depth and frame depth, so Throw can unwind precisely to
// it.
func (s *Stack) PushTry(catchIP, finallyIP int, hasFinally bool) {
	s.TryStack = append(s.TryStack, TryHandler{
		CatchIP: catchIP, FinallyIP: finallyIP, HasFinally: hasFinally,
		StackDepth: len(s.Operands), FrameDepth: len(s.Frames),
	})
}

func (s *Stack) PopTry() (TryHandler, error) {
	if len(s.TryStack) == 0 {
		return TryHandler{}, rerrors.New(rerrors.RuntimeError, "no active try handler to pop")
	}
	last := len(s.TryStack) - 1
	h := s.TryStack[last]
	s.TryStack = s.TryStack[:last]
	return h, nil
}

// FindHandler returns the innermost active try handler without popping it,
// used by Throw to locate where to resume before unwinding frames.
func (s *Stack) FindHandler() (*TryHandler, bool) {
	if len(s.TryStack) == 0 {
		return nil, false
	}
	return &s.TryStack[len(s.TryStack)-1], true
}

// UnwindTo truncates frames and operand stack down to the depths recorded
// in h, discarding every frame pushed since the try block was entered.
func (s *Stack) UnwindTo(h TryHandler) {
	if h.FrameDepth < len(s.Frames) {
		base := s.Frames[h.FrameDepth].LocalBase
		s.Frames = s.Frames[:h.FrameDepth]
		s.Locals = s.Locals[:base]
	}
	s.TruncateTo(h.StackDepth)
}

// Code returns the currently executing function's bytecode slice, given
// the owning module.
func Code(m *module.Module, f *CallFrame) ([]byte, error) {
	if int(f.FuncID) >= len(m.Functions) {
		return nil, rerrors.New(rerrors.RuntimeError, "frame references undefined function %d", f.FuncID)
	}
	return m.Functions[f.FuncID].Code, nil
}
