// Package interp implements Raya's stack-based bytecode interpreter:
// opcode dispatch over a per-Task operand stack and call frame chain.
// Grounded on the teacher's internal/vm.EnhancedVM.Run dispatch loop
// (frame-local ip, instruction-count guard, hot-path arithmetic switch,
// try/catch unwind on error), generalized to Raya's NaN-boxed Value, the
// class vtable/field-offset model, Task-based concurrency opcodes, and
// the safepoint-polled preemption the spec's scheduler requires.
package interp

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"
	"unsafe"

	"raya/internal/frame"
	"raya/internal/heap"
	"raya/internal/module"
	"raya/internal/rerrors"
	"raya/internal/scheduler"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/value"
	"raya/internal/vmcontext"
)

// maxInstructionsPerQuantum guards against runaway bytecode within one
// scheduling quantum, mirroring the teacher's instrCount > 100000000
// runaway check, but scoped per-quantum so a long-running task still
// yields at safepoints instead of running forever inside one Run call.
const maxInstructionsPerQuantum = 10_000_000

// Interp runs Tasks against one Context using the process-wide scheduler
// for concurrency opcodes.
type Interp struct {
	Ctx *vmcontext.Context
	Sch *scheduler.Scheduler
}

func New(ctx *vmcontext.Context, sch *scheduler.Scheduler) *Interp {
	return &Interp{Ctx: ctx, Sch: sch}
}

// objPtr converts a freshly-allocated heap object into the unsafe.Pointer
// payload a NaN-boxed value.Value carries; every heap.Alloc* constructor
// returns a *heap.X the GC already tracks via its intrusive Header, so the
// conversion never escapes that tracked allocation.
func objPtr[T any](p *T) unsafe.Pointer { return unsafe.Pointer(p) }

// asRayaError coerces a generic error into a *rerrors.RayaError. Nearly
// every package in this call graph already constructs its errors via
// rerrors.New/AtOffset and only ever returns the plain error interface,
// so this assertion never falls through in practice; the fallback wrap
// only matters for embedder-supplied native function errors.
func asRayaError(err error) *rerrors.RayaError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*rerrors.RayaError); ok {
		return re
	}
	return rerrors.New(rerrors.RuntimeError, "%v", err)
}

// Run is a scheduler.Runner: executes t until it completes, fails, or
// must suspend, returning done=true only in the first two cases.
func (in *Interp) Run(ctx context.Context, t *task.Task) bool {
	if t.Stack.Depth() == 0 && len(t.Stack.Frames) == 0 {
		entry := in.Ctx.Module.EntryPoint()
		if entry < 0 {
			t.Finish(task.Failed, value.Null(), rerrors.New(rerrors.RuntimeError, "module has no entry point"))
			return true
		}
		if _, err := t.Stack.PushFrame(uint32(entry), in.Ctx.Module.Functions[entry].LocalCount, nil); err != nil {
			t.Finish(task.Failed, value.Null(), asRayaError(err))
			return true
		}
	}

	instrCount := 0
	for {
		f, err := t.Stack.CurrentFrame()
		if err != nil {
			t.Finish(task.Failed, value.Null(), asRayaError(err))
			return true
		}
		code, cerr := frame.Code(in.Ctx.Module, f)
		if cerr != nil {
			t.Finish(task.Failed, value.Null(), asRayaError(cerr))
			return true
		}

		if f.IP >= len(code) {
			t.Finish(task.Failed, value.Null(), rerrors.New(rerrors.RuntimeError, "program counter out of bounds"))
			return true
		}

		instrCount++
		if instrCount > maxInstructionsPerQuantum {
			t.Suspend(task.NotSuspended) // voluntary preemption, resumed next quantum
			return false
		}
		if t.PreemptRequested() && in.checkCancellation(t) {
			return true
		}
		if in.Ctx.Safepoint.Poll() && isSafepointOpcode(module.OpCode(code[f.IP])) {
			t.Suspend(task.NotSuspended)
			return false
		}

		op := module.OpCode(code[f.IP])
		f.IP++

		suspend, done, rerr := in.step(t, f, code, op)
		if rerr != nil {
			if handled := in.unwind(t, rerr); handled {
				continue
			}
			t.Finish(task.Failed, value.Null(), asRayaError(rerr))
			return true
		}
		if done {
			return true
		}
		if suspend != task.NotSuspended || op == module.OpYield {
			return false
		}
	}
}

// checkCancellation finishes t as Cancelled if its preempt flag is a
// cancellation request rather than a GC/scheduler yield, returning true
// if the task was finished.
func (in *Interp) checkCancellation(t *task.Task) bool {
	if t.State() == task.Cancelled {
		t.Finish(task.Cancelled, value.Null(), rerrors.New(rerrors.TaskCancelled, "task cancelled"))
		return true
	}
	return false
}

func isSafepointOpcode(op module.OpCode) bool {
	switch op {
	case module.OpJmp, module.OpCall, module.OpCallMethod, module.OpCallConstructor,
		module.OpCallStatic, module.OpCallClosure, module.OpNewObject, module.OpNewArray:
		return true
	default:
		return false
	}
}

// unwind searches the active try-handler stack for a catch target,
// truncating frames/stack and pushing the thrown value for the handler.
// Returns true if a handler absorbed the error.
func (in *Interp) unwind(t *task.Task, err error) bool {
	rerr := asRayaError(err)
	if !rerr.Catchable() {
		return false
	}
	h, ok := t.Stack.FindHandler()
	if !ok {
		return false
	}
	handler := *h
	if _, err := t.Stack.PopTry(); err != nil {
		return false
	}
	t.Stack.UnwindTo(handler)
	f, ferr := t.Stack.CurrentFrame()
	if ferr != nil {
		return false
	}
	f.IP = handler.CatchIP
	thrown := value.Null()
	if rerr.Thrown != nil {
		if v, ok := rerr.Thrown.(value.Value); ok {
			thrown = v
		}
	}
	t.SetException(thrown)
	t.Stack.Push(thrown)
	return true
}

// step executes exactly one instruction, returning a SuspendReason if the
// task must yield to the scheduler, done=true if the task's outermost
// frame just returned, or an error to unwind/fail on.
func (in *Interp) step(t *task.Task, f *frame.CallFrame, code []byte, op module.OpCode) (task.SuspendReason, bool, error) {
	st := t.Stack

	readU16 := func() uint16 {
		v := uint16(code[f.IP]) | uint16(code[f.IP+1])<<8
		f.IP += 2
		return v
	}
	readU32 := func() uint32 {
		v := uint32(code[f.IP]) | uint32(code[f.IP+1])<<8 | uint32(code[f.IP+2])<<16 | uint32(code[f.IP+3])<<24
		f.IP += 4
		return v
	}
	readI32 := func() int32 { return int32(readU32()) }
	readF64 := func() float64 {
		bits := uint64(0)
		for i := 0; i < 8; i++ {
			bits |= uint64(code[f.IP+i]) << (8 * i)
		}
		f.IP += 8
		return math.Float64frombits(bits)
	}

	switch op {
	case module.OpNop:
	case module.OpPop:
		if _, err := st.Pop(); err != nil {
			return 0, false, err
		}
	case module.OpDup:
		if err := st.Dup(); err != nil {
			return 0, false, err
		}
	case module.OpSwap:
		if err := st.Swap(); err != nil {
			return 0, false, err
		}

	case module.OpConstNull:
		st.Push(value.Null())
	case module.OpConstTrue:
		st.Push(value.Bool(true))
	case module.OpConstFalse:
		st.Push(value.Bool(false))
	case module.OpConstI32:
		st.Push(value.I32(readI32()))
	case module.OpConstF64:
		st.Push(value.F64(readF64()))
	case module.OpConstStr, module.OpLoadConst:
		idx := readU32()
		s, err := in.Ctx.Module.Consts.String(idx)
		if err != nil {
			return 0, false, rerrors.New(rerrors.InvalidConstantRef, "%v", err)
		}
		obj, err := in.Ctx.Heap.AllocString(s)
		if err != nil {
			return 0, false, err
		}
		st.Push(value.Ptr(objPtr(obj)))

	case module.OpLoadLocal:
		idx := readU16()
		v, err := st.Local(f, int(idx))
		if err != nil {
			return 0, false, err
		}
		st.Push(v)
	case module.OpStoreLocal:
		idx := readU16()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		if err := st.SetLocal(f, int(idx), v); err != nil {
			return 0, false, err
		}
	case module.OpLoadLocal0:
		v, err := st.Local(f, 0)
		if err != nil {
			return 0, false, err
		}
		st.Push(v)
	case module.OpLoadLocal1:
		v, err := st.Local(f, 1)
		if err != nil {
			return 0, false, err
		}
		st.Push(v)
	case module.OpStoreLocal0:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		if err := st.SetLocal(f, 0, v); err != nil {
			return 0, false, err
		}
	case module.OpStoreLocal1:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		if err := st.SetLocal(f, 1, v); err != nil {
			return 0, false, err
		}

	case module.OpLoadGlobal:
		idx := readU32()
		v, err := in.Ctx.Global(idx)
		if err != nil {
			return 0, false, err
		}
		st.Push(v)
	case module.OpStoreGlobal:
		idx := readU32()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		if err := in.Ctx.SetGlobal(idx, v); err != nil {
			return 0, false, err
		}

	case module.OpLoadCaptured:
		idx := readU16()
		if int(idx) >= len(f.Captured) {
			return 0, false, rerrors.New(rerrors.InvalidLocalRef, "captured slot %d out of range", idx)
		}
		st.Push(f.Captured[idx])
	case module.OpStoreCaptured:
		idx := readU16()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		if int(idx) >= len(f.Captured) {
			return 0, false, rerrors.New(rerrors.InvalidLocalRef, "captured slot %d out of range", idx)
		}
		f.Captured[idx] = v

	case module.OpMakeClosure:
		fnID := readU32()
		nCaps := readU16()
		fn := &in.Ctx.Module.Functions[fnID]
		captured := make([]value.Value, nCaps)
		for i := 0; i < int(nCaps); i++ {
			spec := fn.CaptureSpec[i]
			if spec.FromParentCaptured {
				captured[i] = f.Captured[spec.Index]
			} else {
				v, err := st.Local(f, int(spec.Index))
				if err != nil {
					return 0, false, err
				}
				captured[i] = v
			}
		}
		obj, err := in.Ctx.Heap.AllocClosure(fnID, captured)
		if err != nil {
			return 0, false, err
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpCloseVar:
		// Closures copy captured values at MakeClosure time (module.CaptureSpec
		// resolves each capture into the closure's own Captured slice up
		// front), so no live upvalue ever aliases this local: closing it over
		// a local going out of scope has nothing left to do.
		readU16()

	// --- arithmetic ---
	case module.OpIadd, module.OpIsub, module.OpImul, module.OpIdiv, module.OpImod:
		if err := binI32(st, op); err != nil {
			return 0, false, err
		}
	case module.OpIneg:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		i, ok := v.AsI32()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "Ineg requires i32 operand")
		}
		st.Push(value.I32(-i))
	case module.OpFadd, module.OpFsub, module.OpFmul, module.OpFdiv, module.OpFmod:
		if err := binF64(st, op); err != nil {
			return 0, false, err
		}
	case module.OpFneg:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		x, ok := v.AsF64()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "Fneg requires f64 operand")
		}
		st.Push(value.F64(-x))
	case module.OpNadd, module.OpNsub, module.OpNmul, module.OpNdiv, module.OpNmod, module.OpNpow:
		if err := binNumeric(st, op); err != nil {
			return 0, false, err
		}
	case module.OpShl, module.OpShr, module.OpBitAnd, module.OpBitOr, module.OpBitXor:
		if err := binBitwise(st, op); err != nil {
			return 0, false, err
		}
	case module.OpBitNot:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		i, ok := v.AsI32()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "BitNot requires i32 operand")
		}
		st.Push(value.I32(^i))

	case module.OpEq:
		b, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		a, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		st.Push(value.Bool(value.Eq(a, b)))
	case module.OpNeq:
		b, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		a, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		st.Push(value.Bool(!value.Eq(a, b)))
	case module.OpLt, module.OpLe, module.OpGt, module.OpGe:
		if err := compare(st, op); err != nil {
			return 0, false, err
		}
	case module.OpNot:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		b, ok := v.AsBool()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "Not requires bool operand")
		}
		st.Push(value.Bool(!b))
	case module.OpAnd, module.OpOr:
		b, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		a, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		ab, ok1 := a.AsBool()
		bb, ok2 := b.AsBool()
		if !ok1 || !ok2 {
			return 0, false, rerrors.New(rerrors.TypeError, "%s requires bool operands", op)
		}
		if op == module.OpAnd {
			st.Push(value.Bool(ab && bb))
		} else {
			st.Push(value.Bool(ab || bb))
		}

	// --- strings ---
	case module.OpSconcat:
		b, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		a, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		as, aerr := stringOf(a)
		bs, berr := stringOf(b)
		if aerr != nil || berr != nil {
			return 0, false, rerrors.New(rerrors.TypeError, "Sconcat requires string operands")
		}
		obj, herr := in.Ctx.Heap.AllocString(as + bs)
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpSlen:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		s, serr := stringOf(v)
		if serr != nil {
			return 0, false, rerrors.New(rerrors.TypeError, "Slen requires string operand")
		}
		st.Push(value.I32(int32(len(s))))
	case module.OpToString:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		obj, herr := in.Ctx.Heap.AllocString(toDisplayString(v))
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpScmp:
		b, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		a, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		as, aerr := stringOf(a)
		bs, berr := stringOf(b)
		if aerr != nil || berr != nil {
			return 0, false, rerrors.New(rerrors.TypeError, "Scmp requires string operands")
		}
		switch {
		case as < bs:
			st.Push(value.I32(-1))
		case as > bs:
			st.Push(value.I32(1))
		default:
			st.Push(value.I32(0))
		}

	// --- control flow ---
	case module.OpJmp:
		off := readI32()
		f.IP = int(int32(f.IP) + off)
	case module.OpJmpIfTrue, module.OpJmpIfFalse, module.OpJmpIfNull, module.OpJmpIfNotNull:
		off := readI32()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		take := false
		switch op {
		case module.OpJmpIfTrue:
			b, _ := v.AsBool()
			take = b
		case module.OpJmpIfFalse:
			b, _ := v.AsBool()
			take = !b
		case module.OpJmpIfNull:
			take = v.IsNull()
		case module.OpJmpIfNotNull:
			take = !v.IsNull()
		}
		if take {
			f.IP = int(int32(f.IP) + off)
		}

	// --- calls ---
	case module.OpCall, module.OpCallStatic:
		fnID := readU32()
		argc := readU16()
		if err := in.doCall(t, fnID, int(argc), nil); err != nil {
			return 0, false, err
		}
	case module.OpCallClosure:
		argc := readU16()
		closureVal, err := st.Peek(int(argc))
		if err != nil {
			return 0, false, err
		}
		ptr, ok := closureVal.AsPtr()
		if !ok || heap.HeaderOf(ptr).Tag != heap.TagClosure {
			return 0, false, rerrors.New(rerrors.TypeError, "CallClosure target is not a closure")
		}
		clos := (*heap.Closure)(ptr)
		args := make([]value.Value, argc)
		for i := int(argc) - 1; i >= 0; i-- {
			v, perr := st.Pop()
			if perr != nil {
				return 0, false, perr
			}
			args[i] = v
		}
		if _, perr := st.Pop(); perr != nil { // discard the closure value itself
			return 0, false, perr
		}
		for _, a := range args {
			st.Push(a)
		}
		if err := in.doCall(t, clos.FuncID, int(argc), clos.Captured); err != nil {
			return 0, false, err
		}
	case module.OpCallMethod:
		methodSlot := readU32()
		argc := readU16()
		if err := in.callMethod(t, methodSlot, argc); err != nil {
			return 0, false, err
		}
	case module.OpCallConstructor, module.OpCallSuper:
		classID := readU32()
		argc := readU16()
		if err := in.callConstructor(t, classID, argc); err != nil {
			return 0, false, err
		}
	case module.OpCallBoundMethod:
		argc := readU16()
		if err := in.callBoundMethod(t, argc); err != nil {
			return 0, false, err
		}

	case module.OpReturn:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		if err := st.PopFrame(); err != nil {
			return 0, false, err
		}
		if len(st.Frames) == 0 {
			t.Finish(task.Completed, v, nil)
			return 0, true, nil
		}
		st.Push(v)
	case module.OpReturnVoid:
		if err := st.PopFrame(); err != nil {
			return 0, false, err
		}
		if len(st.Frames) == 0 {
			t.Finish(task.Completed, value.Null(), nil)
			return 0, true, nil
		}
		st.Push(value.Null())

	// --- objects / arrays / tuples ---
	case module.OpNewObject:
		classID := readU32()
		info, err := in.Ctx.Classes.Get(classID)
		if err != nil {
			return 0, false, err
		}
		obj, herr := in.Ctx.Heap.AllocObject(classID, info.FieldCount)
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpNewArray:
		capHint := readU32()
		obj, herr := in.Ctx.Heap.AllocArray(int(capHint))
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpNewTuple:
		n := readU16()
		elems := make([]value.Value, n)
		for i := int(n) - 1; i >= 0; i-- {
			v, err := st.Pop()
			if err != nil {
				return 0, false, err
			}
			elems[i] = v
		}
		obj, herr := in.Ctx.Heap.AllocTuple(elems)
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpGetField:
		off := readU16()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		obj, terr := objectOf(v)
		if terr != nil {
			return 0, false, terr
		}
		if int(off) >= len(obj.Fields) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "field offset %d out of range", off)
		}
		st.Push(obj.Fields[off])
	case module.OpSetField:
		off := readU16()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		obj, terr := objectOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		if int(off) >= len(obj.Fields) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "field offset %d out of range", off)
		}
		obj.Fields[off] = v
	case module.OpGetIndex:
		idxVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		arr, terr := arrayOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		idx, ok := idxVal.AsI32()
		if !ok || idx < 0 || int(idx) >= len(arr.Elems) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "array index out of range")
		}
		st.Push(arr.Elems[idx])
	case module.OpSetIndex:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		idxVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		arr, terr := arrayOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		idx, ok := idxVal.AsI32()
		if !ok || idx < 0 || int(idx) >= len(arr.Elems) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "array index out of range")
		}
		arr.Elems[idx] = v
	case module.OpArrayLen:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		arr, terr := arrayOf(v)
		if terr != nil {
			return 0, false, terr
		}
		st.Push(value.I32(int32(len(arr.Elems))))
	case module.OpArrayPush:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		arr, terr := arrayOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		arr.Elems = append(arr.Elems, v)
		st.Push(recv) // re-push the receiver so pushes can chain

	// --- exceptions ---
	case module.OpTry:
		catchOff := readU32()
		finallyOff := readU32()
		st.PushTry(int(catchOff), int(finallyOff), finallyOff != 0)
	case module.OpEndTry:
		if _, err := st.PopTry(); err != nil {
			return 0, false, err
		}
	case module.OpThrow:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		return 0, false, rerrors.Uncaught(v)
	case module.OpRethrow:
		v, ok := t.CurrentException()
		if !ok {
			return 0, false, rerrors.New(rerrors.UncaughtException, "rethrow with no active exception")
		}
		return 0, false, rerrors.Uncaught(v)

	// --- concurrency ---
	case module.OpSpawn:
		fnID := readU32()
		argc := readU16()
		if err := in.doSpawn(t, fnID, argc, false); err != nil {
			return 0, false, err
		}
	case module.OpSpawnClosure:
		argc := readU16()
		if err := in.doSpawn(t, 0, argc, true); err != nil {
			return 0, false, err
		}
	case module.OpAwait:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := v.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "Await requires a task handle")
		}
		other, found := in.Sch.Get(h)
		if !found {
			return 0, false, rerrors.New(rerrors.RuntimeError, "task %d not found", h)
		}
		switch other.State() {
		case task.Completed:
			st.Push(other.Result)
		case task.Failed, task.Cancelled:
			return 0, false, other.Err
		default:
			st.Push(v) // re-push so the resumed quantum retries this Await
			f.IP--     // rewind to re-execute Await on resume (0 operand bytes)
			t.WaitFor = h
			t.Suspend(task.AwaitTask)
			return task.AwaitTask, false, nil
		}
	case module.OpAwaitAll:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		arr, terr := arrayOf(v)
		if terr != nil {
			return 0, false, terr
		}
		allDone := true
		for _, elem := range arr.Elems {
			h, ok := elem.AsHandle()
			if !ok {
				continue
			}
			other, found := in.Sch.Get(h)
			if found && other.State() != task.Completed && other.State() != task.Failed && other.State() != task.Cancelled {
				allDone = false
				break
			}
		}
		if !allDone {
			st.Push(v)
			f.IP--
			t.Suspend(task.AwaitTask)
			return task.AwaitTask, false, nil
		}
		results, herr := in.Ctx.Heap.AllocArray(len(arr.Elems))
		if herr != nil {
			return 0, false, herr
		}
		for _, elem := range arr.Elems {
			h, _ := elem.AsHandle()
			other, _ := in.Sch.Get(h)
			results.Elems = append(results.Elems, other.Result)
		}
		st.Push(value.Ptr(objPtr(results)))
	case module.OpSleep:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		ms, ok := v.AsI32()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "Sleep requires an i32 millisecond count")
		}
		in.Sch.SleepUntil(t, time.Now().Add(time.Duration(ms)*time.Millisecond))
		return task.Sleep, false, nil
	case module.OpYield:
		t.Suspend(task.NotSuspended)
		return task.NotSuspended, false, nil
	case module.OpNewMutex:
		h := in.Sch.Mutexes().New()
		st.Push(value.Handle(uint64(h)))
	case module.OpMutexLock:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := v.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "MutexLock requires a mutex handle")
		}
		locked, lerr := in.Sch.Mutexes().TryLock(syncprim.MutexHandle(h), t.ID)
		if lerr != nil {
			return 0, false, lerr
		}
		if !locked {
			st.Push(v)
			f.IP--
			t.WaitFor = h
			t.Suspend(task.MutexLock)
			return task.MutexLock, false, nil
		}
		t.MarkMutexHeld(h)
	case module.OpMutexUnlock:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := v.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "MutexUnlock requires a mutex handle")
		}
		if err := in.Sch.Mutexes().Unlock(syncprim.MutexHandle(h), t.ID); err != nil {
			return 0, false, err
		}
		t.MarkMutexReleased(h)
	case module.OpNewChannel:
		capHint := readU32()
		h := in.Sch.Channels().New(int(capHint))
		st.Push(value.Handle(uint64(h)))
	case module.OpChannelSend:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		hv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := hv.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "ChannelSend requires a channel handle")
		}
		sent, serr := in.Sch.Channels().TrySend(syncprim.ChannelHandle(h), v)
		if serr != nil {
			return 0, false, serr
		}
		if !sent {
			st.Push(hv)
			st.Push(v)
			f.IP--
			t.Suspend(task.ChannelSend)
			return task.ChannelSend, false, nil
		}
	case module.OpChannelRecv:
		hv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := hv.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "ChannelRecv requires a channel handle")
		}
		v, got, rerr2 := in.Sch.Channels().TryRecv(syncprim.ChannelHandle(h))
		if rerr2 != nil {
			return 0, false, rerr2
		}
		if !got {
			st.Push(hv)
			f.IP--
			t.Suspend(task.ChannelRecv)
			return task.ChannelRecv, false, nil
		}
		st.Push(v)
	case module.OpTaskCancel:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := v.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "TaskCancel requires a task handle")
		}
		if err := in.Sch.Cancel(h); err != nil {
			return 0, false, err
		}
	case module.OpTaskThen:
		contFnID := readU32()
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		h, ok := v.AsHandle()
		if !ok {
			return 0, false, rerrors.New(rerrors.TypeError, "TaskThen requires a task handle")
		}
		target, found := in.Sch.Get(h)
		if !found {
			return 0, false, rerrors.New(rerrors.RuntimeError, "task %d not found", h)
		}
		if int(contFnID) >= len(in.Ctx.Module.Functions) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "TaskThen continuation %d undefined", contFnID)
		}
		in.scheduleContinuation(t, target, contFnID)

	case module.OpReflectTypeof:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		obj, herr := in.Ctx.Heap.AllocString(v.Kind().String())
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
	case module.OpReflectInstanceof:
		classVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		classID, ok := classVal.AsHandle()
		obj, terr := objectOf(recv)
		if !ok || terr != nil {
			st.Push(value.Bool(false))
		} else {
			st.Push(value.Bool(in.Ctx.Classes.IsSubclass(obj.ClassID, uint32(classID))))
		}

	case module.OpReflectTypeinfo:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		fields := map[string]*heap.Json{"kind": heap.NewJsonString(v.Kind().String())}
		if obj, terr := objectOf(v); terr == nil {
			info, ierr := in.Ctx.Classes.Get(obj.ClassID)
			if ierr != nil {
				return 0, false, ierr
			}
			fields["class"] = heap.NewJsonString(info.Name)
			names := make([]string, 0, len(info.FieldNames))
			for name := range info.FieldNames {
				names = append(names, name)
			}
			sort.Strings(names)
			fieldList := make([]*heap.Json, len(names))
			for i, name := range names {
				fieldList[i] = heap.NewJsonString(name)
			}
			fields["fields"] = heap.NewJsonArray(fieldList)
		}
		j, herr := in.Ctx.Heap.AllocJson(heap.NewJsonObject(fields))
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(j)))
	case module.OpReflectGetProp:
		nameVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		name, serr := stringOf(nameVal)
		if serr != nil {
			return 0, false, serr
		}
		obj, terr := objectOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		off, oerr := in.Ctx.Classes.FieldOffset(obj.ClassID, name)
		if oerr != nil {
			return 0, false, oerr
		}
		st.Push(obj.Fields[off])
	case module.OpReflectSetProp:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		nameVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		name, serr := stringOf(nameVal)
		if serr != nil {
			return 0, false, serr
		}
		obj, terr := objectOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		off, oerr := in.Ctx.Classes.FieldOffset(obj.ClassID, name)
		if oerr != nil {
			return 0, false, oerr
		}
		obj.Fields[off] = v
	case module.OpReflectHasProp:
		nameVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		name, serr := stringOf(nameVal)
		if serr != nil {
			return 0, false, serr
		}
		if obj, terr := objectOf(recv); terr == nil {
			if _, oerr := in.Ctx.Classes.FieldOffset(obj.ClassID, name); oerr == nil {
				st.Push(value.Bool(true))
			} else {
				st.Push(value.Bool(false))
			}
		} else {
			st.Push(value.Bool(false))
		}
	case module.OpReflectConstruct:
		classID := readU32()
		argc := readU16()
		args := make([]value.Value, argc)
		for i := int(argc) - 1; i >= 0; i-- {
			v, err := st.Pop()
			if err != nil {
				return 0, false, err
			}
			args[i] = v
		}
		info, cerr := in.Ctx.Classes.Get(classID)
		if cerr != nil {
			return 0, false, cerr
		}
		obj, herr := in.Ctx.Heap.AllocObject(classID, info.FieldCount)
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(obj)))
		for _, a := range args {
			st.Push(a)
		}
		if cerr := in.callConstructor(t, classID, argc); cerr != nil {
			return 0, false, cerr
		}

	// --- json ---
	case module.OpJsonNewObject:
		j, herr := in.Ctx.Heap.AllocJson(heap.NewJsonObject(nil))
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(j)))
	case module.OpJsonNewArray:
		j, herr := in.Ctx.Heap.AllocJson(heap.NewJsonArray(nil))
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(j)))
	case module.OpJsonGetProp:
		idx := readU32()
		name, cerr := in.Ctx.Module.Consts.String(idx)
		if cerr != nil {
			return 0, false, rerrors.New(rerrors.InvalidConstantRef, "%v", cerr)
		}
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonObject {
			return 0, false, rerrors.New(rerrors.TypeError, "JsonGetProp on a non-object json value")
		}
		child, ok := j.Obj[name]
		if !ok {
			// a missing key is recoverable locally: it yields null rather
			// than a catchable error.
			null, herr := in.Ctx.Heap.AllocJson(heap.NewJsonNull())
			if herr != nil {
				return 0, false, herr
			}
			child = null
		}
		st.Push(value.Ptr(objPtr(child)))
	case module.OpJsonSetProp:
		idx := readU32()
		name, cerr := in.Ctx.Module.Consts.String(idx)
		if cerr != nil {
			return 0, false, rerrors.New(rerrors.InvalidConstantRef, "%v", cerr)
		}
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonObject {
			return 0, false, rerrors.New(rerrors.TypeError, "JsonSetProp on a non-object json value")
		}
		child, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		j.Obj[name] = child
	case module.OpJsonDelProp:
		idx := readU32()
		name, cerr := in.Ctx.Module.Consts.String(idx)
		if cerr != nil {
			return 0, false, rerrors.New(rerrors.InvalidConstantRef, "%v", cerr)
		}
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind == heap.JsonObject {
			delete(j.Obj, name) // silent no-op if name is absent
		}
	case module.OpJsonGetIndex:
		idxVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonArray {
			return 0, false, rerrors.New(rerrors.TypeError, "JsonGetIndex on a non-array json value")
		}
		i, ok := idxVal.AsI32()
		if !ok || i < 0 || int(i) >= len(j.Arr) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "json array index out of range")
		}
		st.Push(value.Ptr(objPtr(j.Arr[i])))
	case module.OpJsonSetIndex:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		idxVal, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonArray {
			return 0, false, rerrors.New(rerrors.TypeError, "JsonSetIndex on a non-array json value")
		}
		i, ok := idxVal.AsI32()
		if !ok || i < 0 || int(i) >= len(j.Arr) {
			return 0, false, rerrors.New(rerrors.RuntimeError, "json array index out of range")
		}
		child, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		j.Arr[i] = child
	case module.OpJsonArrayPush:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		recv, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(recv)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonArray {
			return 0, false, rerrors.New(rerrors.TypeError, "JsonArrayPush on a non-array json value")
		}
		child, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		j.Arr = append(j.Arr, child)
		st.Push(recv) // pushed back for chaining, matching the declared push count
	case module.OpJsonArrayPop:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonArray || len(j.Arr) == 0 {
			null, herr := in.Ctx.Heap.AllocJson(heap.NewJsonNull())
			if herr != nil {
				return 0, false, herr
			}
			st.Push(value.Ptr(objPtr(null)))
		} else {
			last := j.Arr[len(j.Arr)-1]
			j.Arr = j.Arr[:len(j.Arr)-1]
			st.Push(value.Ptr(objPtr(last)))
		}
	case module.OpJsonKeys:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		if j.Kind != heap.JsonObject {
			return 0, false, rerrors.New(rerrors.TypeError, "JsonKeys on a non-object json value")
		}
		names := make([]string, 0, len(j.Obj))
		for name := range j.Obj {
			names = append(names, name)
		}
		sort.Strings(names) // map iteration order is random; sort for deterministic bytecode semantics
		keys := make([]*heap.Json, len(names))
		for i, name := range names {
			keys[i] = heap.NewJsonString(name)
		}
		arr, herr := in.Ctx.Heap.AllocJson(heap.NewJsonArray(keys))
		if herr != nil {
			return 0, false, herr
		}
		st.Push(value.Ptr(objPtr(arr)))
	case module.OpJsonLen:
		v, err := st.Pop()
		if err != nil {
			return 0, false, err
		}
		j, terr := jsonOf(v)
		if terr != nil {
			return 0, false, terr
		}
		switch j.Kind {
		case heap.JsonArray:
			st.Push(value.I32(int32(len(j.Arr))))
		case heap.JsonObject:
			st.Push(value.I32(int32(len(j.Obj))))
		case heap.JsonString:
			st.Push(value.I32(int32(len(j.Str))))
		default:
			return 0, false, rerrors.New(rerrors.TypeError, "JsonLen requires an array, object, or string json value")
		}

	case module.OpNativeCall:
		nativeID := readU32()
		argc := readU16()
		args := make([]value.Value, argc)
		for i := int(argc) - 1; i >= 0; i-- {
			v, err := st.Pop()
			if err != nil {
				return 0, false, err
			}
			args[i] = v
		}
		fn, err := in.Ctx.NativeByID(nativeID)
		if err != nil {
			return 0, false, err
		}
		result, cerr := fn(in.Ctx, args)
		if cerr != nil {
			return 0, false, cerr
		}
		st.Push(result)

	case module.OpTrap:
		return 0, false, rerrors.New(rerrors.RuntimeError, "trap instruction executed")

	default:
		return 0, false, rerrors.New(rerrors.InvalidOpcode, "unimplemented opcode %s", op)
	}

	return 0, false, nil
}

// doCall pushes a new call frame for fnID (or dispatches directly to a
// native bridge function) consuming the argc values already sitting on
// top of the operand stack, moving them into the new frame's leading
// locals in push order.
func (in *Interp) doCall(t *task.Task, fnID uint32, argc int, captured []value.Value) error {
	if int(fnID) >= len(in.Ctx.Module.Functions) {
		return rerrors.New(rerrors.RuntimeError, "call target %d undefined", fnID)
	}
	fn := &in.Ctx.Module.Functions[fnID]
	st := t.Stack

	if fn.IsNative {
		args := make([]value.Value, argc)
		for i := argc - 1; i >= 0; i-- {
			v, err := st.Pop()
			if err != nil {
				return err
			}
			args[i] = v
		}
		nfn, err := in.Ctx.NativeByID(fn.NativeID)
		if err != nil {
			return err
		}
		result, cerr := nfn(in.Ctx, args)
		if cerr != nil {
			return cerr
		}
		st.Push(result)
		return nil
	}

	if len(st.Operands) < argc {
		return rerrors.New(rerrors.StackUnderflow, "call to %q expects %d arguments, only %d on stack", fn.Name, argc, len(st.Operands))
	}
	stackBeforeArgs := len(st.Operands) - argc
	args := make([]value.Value, argc)
	copy(args, st.Operands[stackBeforeArgs:])
	st.Operands = st.Operands[:stackBeforeArgs]

	nf, err := st.PushFrame(fnID, fn.LocalCount, captured)
	if err != nil {
		return err
	}
	for i, a := range args {
		if i < fn.LocalCount {
			st.Locals[nf.LocalBase+i] = a
		}
	}
	return nil
}

// callMethod dispatches OpCallMethod: the receiver sits at operand depth
// argc (below the already-pushed arguments); its class's vtable resolves
// methodSlot to a concrete function id.
func (in *Interp) callMethod(t *task.Task, methodSlot uint32, argc uint16) error {
	st := t.Stack
	recvVal, err := st.Peek(int(argc))
	if err != nil {
		return err
	}
	obj, terr := objectOf(recvVal)
	if terr != nil {
		return terr
	}
	fnID, merr := in.Ctx.Classes.MethodID(obj.ClassID, methodSlot)
	if merr != nil {
		return merr
	}
	return in.doCall(t, fnID, int(argc)+1, nil)
}

// callConstructor dispatches OpCallConstructor/OpCallSuper. Stack layout
// on entry is [..., obj, arg1..argN] (obj pushed by a prior NewObject).
// A class's constructor body receives obj as local0 ("this") followed by
// the constructor arguments, and is compiled to end by returning obj, so
// the net effect matches the opcode's (argc+1 pops, 1 push) arity even
// though the push is produced by the callee's own Return rather than
// here. Classes with no declared constructor leave obj on the stack
// untouched, discarding the (necessarily empty) argument list.
func (in *Interp) callConstructor(t *task.Task, classID uint32, argc uint16) error {
	st := t.Stack
	info, err := in.Ctx.Classes.Get(classID)
	if err != nil {
		return err
	}
	if !info.HasCtor {
		for i := 0; i < int(argc); i++ {
			if _, perr := st.Pop(); perr != nil {
				return perr
			}
		}
		return nil // obj beneath the (discarded) args remains on the stack
	}
	return in.doCall(t, info.CtorFuncID, int(argc)+1, nil)
}

// callBoundMethod dispatches OpCallBoundMethod: the stack holds
// [..., boundMethodVal, arg1..argN]; boundMethodVal is unwrapped into its
// receiver (pushed as the call's implicit this) and target function id.
func (in *Interp) callBoundMethod(t *task.Task, argc uint16) error {
	st := t.Stack
	bmVal, err := st.Peek(int(argc))
	if err != nil {
		return err
	}
	ptr, ok := bmVal.AsPtr()
	if !ok || heap.HeaderOf(ptr).Tag != heap.TagBoundMethod {
		return rerrors.New(rerrors.TypeError, "CallBoundMethod target is not a bound method")
	}
	bm := (*heap.BoundMethod)(ptr)

	args := make([]value.Value, argc)
	for i := int(argc) - 1; i >= 0; i-- {
		v, perr := st.Pop()
		if perr != nil {
			return perr
		}
		args[i] = v
	}
	if _, perr := st.Pop(); perr != nil { // discard the bound-method value
		return perr
	}
	st.Push(bm.Receiver)
	for _, a := range args {
		st.Push(a)
	}
	return in.doCall(t, bm.FuncID, int(argc)+1, nil)
}

// doSpawn creates a new sibling Task running fnID (or, if fromClosure, the
// function and captures bound into the closure value sitting below the
// already-popped argc arguments) and pushes its task handle.
func (in *Interp) doSpawn(t *task.Task, fnID uint32, argc uint16, fromClosure bool) error {
	st := t.Stack
	var closureArg value.Value
	if fromClosure {
		cv, err := st.Peek(int(argc))
		if err != nil {
			return err
		}
		closureArg = cv
	}

	args := make([]value.Value, argc)
	for i := int(argc) - 1; i >= 0; i-- {
		v, err := st.Pop()
		if err != nil {
			return err
		}
		args[i] = v
	}

	var targetFn uint32
	var captured []value.Value
	if fromClosure {
		if _, err := st.Pop(); err != nil { // discard closure value
			return err
		}
		ptr, ok := closureArg.AsPtr()
		if !ok || heap.HeaderOf(ptr).Tag != heap.TagClosure {
			return rerrors.New(rerrors.TypeError, "SpawnClosure target is not a closure")
		}
		clos := (*heap.Closure)(ptr)
		targetFn = clos.FuncID
		captured = clos.Captured
	} else {
		targetFn = fnID
	}

	if int(targetFn) >= len(in.Ctx.Module.Functions) {
		return rerrors.New(rerrors.RuntimeError, "spawn target %d undefined", targetFn)
	}
	fn := &in.Ctx.Module.Functions[targetFn]

	child := in.Sch.Spawn(t.ID)
	nf, err := child.Stack.PushFrame(targetFn, fn.LocalCount, captured)
	if err != nil {
		return err
	}
	for i, a := range args {
		if i < fn.LocalCount {
			child.Stack.Locals[nf.LocalBase+i] = a
		}
	}
	st.Push(value.Handle(child.ID))
	return nil
}

// scheduleContinuation realizes OpTaskThen: it registers a waiter on
// target (the same waiter list AddWaiter/Finish already drive for Await)
// and, once target reaches a terminal state, spawns contFnID as a new
// sibling task seeded with target's result as its sole argument. Unlike
// Await, the task that issued TaskThen never blocks waiting for this.
func (in *Interp) scheduleContinuation(t *task.Task, target *task.Task, contFnID uint32) {
	waiter := target.AddWaiter()
	fn := &in.Ctx.Module.Functions[contFnID]
	go func() {
		<-waiter
		child := in.Sch.Spawn(t.ID)
		nf, err := child.Stack.PushFrame(contFnID, fn.LocalCount, nil)
		if err != nil {
			child.Finish(task.Failed, value.Null(), asRayaError(err))
			return
		}
		if fn.LocalCount > 0 {
			child.Stack.Locals[nf.LocalBase] = target.Result
		}
	}()
}

// --- arithmetic helpers ----------------------------------------------------

func binI32(st *frame.Stack, op module.OpCode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}
	ai, aok := a.AsI32()
	bi, bok := b.AsI32()
	if !aok || !bok {
		return rerrors.New(rerrors.TypeError, "%s requires i32 operands", op)
	}
	switch op {
	case module.OpIadd:
		st.Push(value.I32(ai + bi))
	case module.OpIsub:
		st.Push(value.I32(ai - bi))
	case module.OpImul:
		st.Push(value.I32(ai * bi))
	case module.OpIdiv:
		if bi == 0 {
			return rerrors.New(rerrors.RuntimeError, "integer division by zero")
		}
		st.Push(value.I32(ai / bi))
	case module.OpImod:
		if bi == 0 {
			return rerrors.New(rerrors.RuntimeError, "integer modulo by zero")
		}
		st.Push(value.I32(ai % bi))
	}
	return nil
}

func binF64(st *frame.Stack, op module.OpCode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}
	af, aok := a.AsF64()
	bf, bok := b.AsF64()
	if !aok || !bok {
		return rerrors.New(rerrors.TypeError, "%s requires f64 operands", op)
	}
	switch op {
	case module.OpFadd:
		st.Push(value.F64(af + bf))
	case module.OpFsub:
		st.Push(value.F64(af - bf))
	case module.OpFmul:
		st.Push(value.F64(af * bf))
	case module.OpFdiv:
		st.Push(value.F64(af / bf))
	case module.OpFmod:
		st.Push(value.F64(math.Mod(af, bf)))
	}
	return nil
}

func binNumeric(st *frame.Stack, op module.OpCode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}
	af, aok := numericOf(a)
	bf, bok := numericOf(b)
	if !aok || !bok {
		return rerrors.New(rerrors.TypeError, "%s requires numeric operands", op)
	}
	switch op {
	case module.OpNadd:
		st.Push(value.F64(af + bf))
	case module.OpNsub:
		st.Push(value.F64(af - bf))
	case module.OpNmul:
		st.Push(value.F64(af * bf))
	case module.OpNdiv:
		st.Push(value.F64(af / bf))
	case module.OpNmod:
		st.Push(value.F64(math.Mod(af, bf)))
	case module.OpNpow:
		st.Push(value.F64(math.Pow(af, bf)))
	}
	return nil
}

func binBitwise(st *frame.Stack, op module.OpCode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}
	ai, aok := a.AsI32()
	bi, bok := b.AsI32()
	if !aok || !bok {
		return rerrors.New(rerrors.TypeError, "%s requires i32 operands", op)
	}
	switch op {
	case module.OpShl:
		st.Push(value.I32(ai << uint32(bi)))
	case module.OpShr:
		st.Push(value.I32(ai >> uint32(bi)))
	case module.OpBitAnd:
		st.Push(value.I32(ai & bi))
	case module.OpBitOr:
		st.Push(value.I32(ai | bi))
	case module.OpBitXor:
		st.Push(value.I32(ai ^ bi))
	}
	return nil
}

func compare(st *frame.Stack, op module.OpCode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}
	af, aok := numericOf(a)
	bf, bok := numericOf(b)
	if !aok || !bok {
		return rerrors.New(rerrors.TypeError, "%s requires numeric operands", op)
	}
	var result bool
	switch op {
	case module.OpLt:
		result = af < bf
	case module.OpLe:
		result = af <= bf
	case module.OpGt:
		result = af > bf
	case module.OpGe:
		result = af >= bf
	}
	st.Push(value.Bool(result))
	return nil
}

func numericOf(v value.Value) (float64, bool) {
	if i, ok := v.AsI32(); ok {
		return float64(i), true
	}
	if f, ok := v.AsF64(); ok {
		return f, true
	}
	return 0, false
}

func stringOf(v value.Value) (string, error) {
	ptr, ok := v.AsPtr()
	if !ok || heap.HeaderOf(ptr).Tag != heap.TagString {
		return "", rerrors.New(rerrors.TypeError, "expected a string value")
	}
	return (*heap.String)(ptr).String(), nil
}

func objectOf(v value.Value) (*heap.Object, error) {
	ptr, ok := v.AsPtr()
	if !ok || heap.HeaderOf(ptr).Tag != heap.TagObject {
		return nil, rerrors.New(rerrors.TypeError, "expected an object value")
	}
	return (*heap.Object)(ptr), nil
}

func arrayOf(v value.Value) (*heap.Array, error) {
	ptr, ok := v.AsPtr()
	if !ok || heap.HeaderOf(ptr).Tag != heap.TagArray {
		return nil, rerrors.New(rerrors.TypeError, "expected an array value")
	}
	return (*heap.Array)(ptr), nil
}

func jsonOf(v value.Value) (*heap.Json, error) {
	ptr, ok := v.AsPtr()
	if !ok || heap.HeaderOf(ptr).Tag != heap.TagJson {
		return nil, rerrors.New(rerrors.TypeError, "expected a json value")
	}
	return (*heap.Json)(ptr), nil
}

func toDisplayString(v value.Value) string {
	switch v.Kind() {
	case value.KindNull:
		return "null"
	case value.KindBool:
		b, _ := v.AsBool()
		if b {
			return "true"
		}
		return "false"
	case value.KindI32:
		i, _ := v.AsI32()
		return strconv.FormatInt(int64(i), 10)
	case value.KindF64:
		f, _ := v.AsF64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case value.KindHandle:
		return "<handle>"
	default:
		if s, err := stringOf(v); err == nil {
			return s
		}
		return "<object>"
	}
}
