// Package verify implements the bytecode verification pass every module
// runs through once, before any function in it executes: decode validity,
// jump-target validation, constant/local reference bounds, a required
// terminator, and a conservative abstract-interpretation stack-depth
// check. There is no direct teacher analogue — the teacher's VMs decode
// and execute in the same pass and trust the compiler that produced the
// bytecode — so this package is designed from the spec's verification
// rules directly, expressed in the error-reporting idiom of
// internal/rerrors.
package verify

import (
	"raya/internal/module"
	"raya/internal/rerrors"
)

// Report is the result of verifying a single module. Functions are
// verified independently; one function's failure does not stop the
// others from being checked, so a caller can report every problem in one
// pass.
type Report struct {
	Errors []*rerrors.RayaError
}

func (r *Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) add(err *rerrors.RayaError) { r.Errors = append(r.Errors, err) }

// Module verifies every function and class of m, filling in each
// Function's MaxStack field as a side effect of the depth analysis so the
// interpreters can preallocate operand stacks.
func Module(m *module.Module) *Report {
	report := &Report{}

	for ci, class := range m.Classes {
		if class.ParentID >= int32(len(m.Classes)) {
			report.add(rerrors.New(rerrors.ModuleValidation,
				"class %d (%s): parent id %d out of range", ci, class.Name, class.ParentID))
		}
		for _, fnID := range class.VTable {
			if int(fnID) >= len(m.Functions) {
				report.add(rerrors.New(rerrors.ModuleValidation,
					"class %d (%s): vtable references undefined function %d", ci, class.Name, fnID))
			}
		}
		if class.HasCtor && int(class.CtorFuncID) >= len(m.Functions) {
			report.add(rerrors.New(rerrors.ModuleValidation,
				"class %d (%s): constructor references undefined function %d", ci, class.Name, class.CtorFuncID))
		}
	}

	for fi := range m.Functions {
		if err := Function(m, fi); err != nil {
			report.add(err)
		}
	}

	for _, imp := range m.Imports {
		if imp.ModuleName == "" || imp.SymbolName == "" {
			report.add(rerrors.New(rerrors.ModuleValidation, "import with empty module or symbol name"))
		}
	}
	for _, exp := range m.Exports {
		if exp.IsClass {
			if int(exp.Index) >= len(m.Classes) {
				report.add(rerrors.New(rerrors.ModuleValidation,
					"export %q references undefined class %d", exp.SymbolName, exp.Index))
			}
		} else if int(exp.Index) >= len(m.Functions) {
			report.add(rerrors.New(rerrors.ModuleValidation,
				"export %q references undefined function %d", exp.SymbolName, exp.Index))
		}
	}

	return report
}

// Function verifies a single function by index, mutating its MaxStack
// field on success.
func Function(m *module.Module, index int) *rerrors.RayaError {
	if index < 0 || index >= len(m.Functions) {
		return rerrors.New(rerrors.ModuleValidation, "function index %d out of range", index)
	}
	fn := &m.Functions[index]
	if fn.IsNative {
		return nil // bridge stubs have no bytecode body to verify
	}
	code := fn.Code
	if len(code) == 0 {
		return rerrors.New(rerrors.ModuleValidation, "function %q has empty code", fn.Name)
	}

	// Pass 1: decode every instruction once, recording valid start
	// offsets and the offset immediately following the code (the
	// implicit "fell off the end" non-target), and verify the terminator.
	starts := make(map[int]bool)
	offset := 0
	for offset < len(code) {
		starts[offset] = true
		op := module.OpCode(code[offset])
		if !module.Valid(op) {
			return rerrors.AtOffset(rerrors.InvalidOpcode, offset, "function %q: invalid opcode 0x%02x", fn.Name, op)
		}
		opSize := module.OperandSize(op)
		next := offset + 1 + opSize
		if next > len(code) {
			return rerrors.AtOffset(rerrors.DecodeError, offset, "function %q: opcode %s operand runs past end of code", fn.Name, op)
		}
		offset = next
	}
	lastOp := module.OpCode(code[lastInstrStart(code)])
	if !module.IsTerminator(lastOp) {
		return rerrors.AtOffset(rerrors.ModuleValidation, len(code), "function %q: missing terminator instruction", fn.Name)
	}

	// Pass 2: constant-pool, local-slot, jump-target, and call-target
	// reference checks, plus stack-depth abstract interpretation with
	// conservative worst-case-at-join merging (when two control-flow
	// paths reach the same offset with different computed depths, the
	// verifier keeps the larger of the two rather than rejecting the
	// function outright).
	depths := make(map[int]int)
	depths[0] = 0
	maxDepth := 0
	offset = 0
	for offset < len(code) {
		op := module.OpCode(code[offset])
		opSize := module.OperandSize(op)
		depthIn, seen := depths[offset]
		if !seen {
			// Not reached by fallthrough or by any forward edge seen so
			// far in this single linear pass (e.g. code after an
			// unconditional jump): it is still checked, as if entered
			// with an empty operand stack.
			depthIn = 0
		}

		if err := checkReferences(m, fn, op, code, offset); err != nil {
			return err
		}

		pops, pushes, ok := module.StackEffect(op)
		if !ok {
			pops, pushes = variableArity(op, code, offset)
		}
		if depthIn < pops {
			return rerrors.AtOffset(rerrors.StackUnderflow, offset,
				"function %q: %s pops %d but only %d on stack", fn.Name, op, pops, depthIn)
		}
		depthOut := depthIn - pops + pushes
		if depthOut > maxDepth {
			maxDepth = depthOut
		}
		if depthOut > 1<<16 {
			return rerrors.AtOffset(rerrors.StackOverflow, offset,
				"function %q: stack depth %d exceeds limit", fn.Name, depthOut)
		}

		next := offset + 1 + opSize
		switch op {
		case module.OpJmp:
			target := next + int(int32FromLE(code[offset+1:offset+5]))
			if !starts[target] {
				return rerrors.AtOffset(rerrors.InvalidJumpTarget, offset, "function %q: jump target %d is not an instruction boundary", fn.Name, target)
			}
			mergeDepth(depths, target, depthOut, &maxDepth)
		case module.OpJmpIfTrue, module.OpJmpIfFalse, module.OpJmpIfNull, module.OpJmpIfNotNull:
			target := next + int(int32FromLE(code[offset+1:offset+5]))
			if !starts[target] {
				return rerrors.AtOffset(rerrors.InvalidJumpTarget, offset, "function %q: jump target %d is not an instruction boundary", fn.Name, target)
			}
			mergeDepth(depths, target, depthOut, &maxDepth)
			mergeDepth(depths, next, depthOut, &maxDepth)
		case module.OpTry:
			catchTarget := int(uint32FromLE(code[offset+1 : offset+5]))
			finallyTarget := int(uint32FromLE(code[offset+5 : offset+9]))
			if !starts[catchTarget] {
				return rerrors.AtOffset(rerrors.InvalidJumpTarget, offset, "function %q: catch target %d is not an instruction boundary", fn.Name, catchTarget)
			}
			if finallyTarget != 0 && !starts[finallyTarget] {
				return rerrors.AtOffset(rerrors.InvalidJumpTarget, offset, "function %q: finally target %d is not an instruction boundary", fn.Name, finallyTarget)
			}
			mergeDepth(depths, catchTarget, depthOut, &maxDepth)
			mergeDepth(depths, next, depthOut, &maxDepth)
		default:
			mergeDepth(depths, next, depthOut, &maxDepth)
		}
		offset = next
	}

	fn.MaxStack = maxDepth
	return nil
}

// mergeDepth records the worst-case (largest) depth reaching offset,
// implementing the conservative join policy: a verifier that kept the
// minimum could under-allocate the operand stack if a less-deep path
// were taken first.
func mergeDepth(depths map[int]int, offset, depth int, maxDepth *int) {
	if cur, ok := depths[offset]; !ok || depth > cur {
		depths[offset] = depth
	}
	if depth > *maxDepth {
		*maxDepth = depth
	}
}

func lastInstrStart(code []byte) int {
	offset, last := 0, 0
	for offset < len(code) {
		last = offset
		op := module.OpCode(code[offset])
		offset += 1 + module.OperandSize(op)
	}
	return last
}

func checkReferences(m *module.Module, fn *module.Function, op module.OpCode, code []byte, offset int) *rerrors.RayaError {
	switch op {
	case module.OpConstStr, module.OpLoadConst:
		idx := uint32FromLE(code[offset+1 : offset+5])
		if int(idx) >= len(m.Consts.Strings) {
			return rerrors.AtOffset(rerrors.InvalidConstantRef, offset, "function %q: constant string index %d out of range", fn.Name, idx)
		}
	case module.OpLoadLocal, module.OpStoreLocal, module.OpLoadCaptured, module.OpStoreCaptured:
		idx := uint16FromLE(code[offset+1 : offset+3])
		if op == module.OpLoadLocal || op == module.OpStoreLocal {
			if int(idx) >= fn.LocalCount {
				return rerrors.AtOffset(rerrors.InvalidLocalRef, offset, "function %q: local slot %d out of range (%d locals)", fn.Name, idx, fn.LocalCount)
			}
		} else if int(idx) >= len(fn.CaptureSpec) {
			return rerrors.AtOffset(rerrors.InvalidLocalRef, offset, "function %q: captured slot %d out of range", fn.Name, idx)
		}
	case module.OpCall, module.OpCallStatic:
		fnID := uint32FromLE(code[offset+1 : offset+5])
		if int(fnID) >= len(m.Functions) {
			return rerrors.AtOffset(rerrors.ModuleValidation, offset, "function %q: call target %d undefined", fn.Name, fnID)
		}
	case module.OpNewObject, module.OpCallConstructor, module.OpCallSuper:
		classID := uint32FromLE(code[offset+1 : offset+5])
		if int(classID) >= len(m.Classes) {
			return rerrors.AtOffset(rerrors.ModuleValidation, offset, "function %q: class %d undefined", fn.Name, classID)
		}
	case module.OpMakeClosure:
		fnID := uint32FromLE(code[offset+1 : offset+5])
		if int(fnID) >= len(m.Functions) {
			return rerrors.AtOffset(rerrors.ModuleValidation, offset, "function %q: closure target function %d undefined", fn.Name, fnID)
		}
	case module.OpLoadGlobal, module.OpStoreGlobal:
		idx := uint32FromLE(code[offset+1 : offset+5])
		if idx >= m.GlobalCount {
			return rerrors.AtOffset(rerrors.ModuleValidation, offset, "function %q: global slot %d out of range (%d globals)", fn.Name, idx, m.GlobalCount)
		}
	}
	return nil
}

// variableArity computes the (pops, pushes) for argc-dependent opcodes by
// reading their operand directly, since StackEffect can't express it
// statically.
func variableArity(op module.OpCode, code []byte, offset int) (pops, pushes int) {
	switch op {
	case module.OpCall, module.OpCallStatic:
		// Callee is named by immediate operand, not a stack value: pops
		// only the argc already-pushed arguments.
		argc := int(uint16FromLE(code[offset+5 : offset+7]))
		return argc, 1
	case module.OpCallMethod, module.OpCallConstructor, module.OpCallSuper:
		argc := int(uint16FromLE(code[offset+5 : offset+7]))
		return argc + 1, 1 // +1 for the receiver/this below the args
	case module.OpCallClosure, module.OpCallBoundMethod:
		argc := int(uint16FromLE(code[offset+1 : offset+3]))
		return argc + 1, 1
	case module.OpNewTuple:
		n := int(uint16FromLE(code[offset+1 : offset+3]))
		return n, 1
	case module.OpSpawn:
		argc := int(uint16FromLE(code[offset+5 : offset+7]))
		return argc, 1
	case module.OpSpawnClosure:
		argc := int(uint16FromLE(code[offset+1 : offset+3]))
		return argc + 1, 1
	case module.OpReflectConstruct:
		argc := int(uint16FromLE(code[offset+5 : offset+7]))
		return argc + 1, 1
	case module.OpNativeCall:
		argc := int(uint16FromLE(code[offset+5 : offset+7]))
		return argc, 1
	default:
		return 0, 0
	}
}

func uint32FromLE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func int32FromLE(b []byte) int32 { return int32(uint32FromLE(b)) }

func uint16FromLE(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
