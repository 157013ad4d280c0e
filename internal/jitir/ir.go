// Package jitir is the JIT intermediate representation: SSA-ish basic
// blocks over typed virtual registers, built from a hot register-VM
// function body, plus the static heuristics that decide which functions
// are worth building IR for in the first place.
//
// Grounded on the teacher's internal/jit (Profiler.RecordCall's 100/1000
// call-count tiering thresholds, LoopAnalysis/AnalyzeLoop's loop-template
// matcher, CompiledFunction as the "result of compiling"). internal/regvm
// carries vmregister's InlineCache/TypeFeedback shapes, but Build does not
// consult them and emits no JGuardType instructions. The teacher's
// AnalyzeLoop only recognizes three fixed shapes
// (TEMPLATE_COUNTER/SUM/ACCUMULATE); this package generalizes that into
// block-structured IR plus a continuous candidate score,
// since a real JIT has to handle more than three loop shapes. Lowering
// that IR to native code is out of scope (the teacher's own jit.Compile
// never emits native code either, returning an empty CompiledFunction
// stub) — this package stops at IR construction and textual Display.
package jitir

import "raya/internal/value"

// JType is the IR's static type lattice, coarser than value.Kind:
// distinguishing only the types arithmetic specializes on.
type JType uint8

const (
	JUnknown JType = iota
	JInt32
	JFloat64
	JBool
	JRef // string/array/object/closure: anything heap-pointer-shaped
)

func fromKind(k value.Kind) JType {
	switch k {
	case value.KindI32:
		return JInt32
	case value.KindF64:
		return JFloat64
	case value.KindBool:
		return JBool
	case value.KindPtr:
		return JRef
	default:
		return JUnknown
	}
}

func (t JType) String() string {
	switch t {
	case JInt32:
		return "i32"
	case JFloat64:
		return "f64"
	case JBool:
		return "bool"
	case JRef:
		return "ref"
	default:
		return "?"
	}
}

// VReg is a virtual register. Build maps each register-VM register to the
// VReg of the same number, so a VReg is defined again wherever the
// bytecode writes that register again; VRegs are not single-assignment.
type VReg uint32

// JitOp is an IR opcode, deliberately smaller than the bytecode opcode
// sets: only the operations the scorer and a hypothetical lowering pass
// need to reason about survive the translation from register bytecode.
type JitOp uint8

const (
	JNop JitOp = iota
	JConstI32
	JConstF64
	JAdd
	JSub
	JMul
	JDiv
	JCmpEq
	JCmpLt
	JCmpLe
	JLoadLocal
	JStoreLocal
	JLoadField
	JStoreField
	JLoadGlobal
	JStoreGlobal
	JCall
	JPhi
	// JGuardType deoptimizes back to the interpreter at Deopt.IP if the
	// runtime type of Args[0] doesn't match Type. Build never emits it.
	JGuardType
)

var opNames = [...]string{
	JNop: "nop", JConstI32: "const.i32", JConstF64: "const.f64",
	JAdd: "add", JSub: "sub", JMul: "mul", JDiv: "div",
	JCmpEq: "cmp.eq", JCmpLt: "cmp.lt", JCmpLe: "cmp.le",
	JLoadLocal: "load.local", JStoreLocal: "store.local",
	JLoadField: "load.field", JStoreField: "store.field",
	JLoadGlobal: "load.global", JStoreGlobal: "store.global",
	JCall: "call", JPhi: "phi", JGuardType: "guard.type",
}

func (op JitOp) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "unknown"
}

// DeoptInfo records where execution must resume in the original
// register-VM bytecode if a JGuardType instruction's assumption fails,
// or if IR execution reaches a construct the builder didn't lower.
type DeoptInfo struct {
	IP     int
	Reason string
}

// JitInstr is one IR instruction: Dst (if IsValue) is the VReg it writes,
// Args are the VRegs it reads.
type JitInstr struct {
	Op     JitOp
	Dst    VReg
	Type   JType
	Args   []VReg
	ImmI32 int32
	ImmF64 float64
	// Field/Global/Local index, meaning depends on Op.
	Index int
	Deopt *DeoptInfo // non-nil only for JGuardType
}

func (in JitInstr) IsValue() bool {
	return in.Op != JStoreLocal && in.Op != JStoreField && in.Op != JStoreGlobal
}

// TermKind distinguishes a block's control-flow exit.
type TermKind uint8

const (
	TermRet TermKind = iota
	TermJmp
	TermBranch
	TermDeopt
)

// Terminator is a basic block's single control-flow exit instruction.
type Terminator struct {
	Kind  TermKind
	Value VReg   // TermRet
	Cond  VReg   // TermBranch
	Then  int    // TermBranch / TermJmp: target block index
	Else  int    // TermBranch only
	Deopt *DeoptInfo
}

// Block is one SSA basic block: straight-line instructions ending in
// exactly one Terminator.
type Block struct {
	ID     int
	Instrs []JitInstr
	Term   Terminator
	// SourceIPs[i] is the register-VM instruction index JitInstr i was
	// built from, so a JGuardType deopt can report an exact resume point.
	SourceIPs []int
}

// Function is the IR form of one hot register-VM function: basic blocks
// plus the function id it was built from and the registers its params
// arrive in.
type Function struct {
	SourceFuncID uint32
	NumParams    int
	Blocks       []Block
	Entry        int
}

func (f *Function) Block(id int) *Block {
	for i := range f.Blocks {
		if f.Blocks[i].ID == id {
			return &f.Blocks[i]
		}
	}
	return nil
}
