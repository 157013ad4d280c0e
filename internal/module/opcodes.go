// Package module defines Raya's stack-machine bytecode opcodes, the
// constant pool, function/class tables, and the module binary container.
// Grounded on the teacher's internal/bytecode (OpCode enum, Chunk) and
// internal/buildutil (binary container format), generalized to the opcode
// families and section layout the spec's §4.4/§4.5/§6 require.
package module

// OpCode is a single bytecode instruction's operation.
type OpCode byte

const (
	// Stack
	OpNop OpCode = iota
	OpPop
	OpDup
	OpSwap

	// Constants
	OpConstNull
	OpConstTrue
	OpConstFalse
	OpConstI32 // operand: i32
	OpConstF64 // operand: f64
	OpConstStr // operand: u32 constant-pool index
	OpLoadConst

	// Locals / globals / captures
	OpLoadLocal // operand: u16
	OpStoreLocal
	OpLoadLocal0
	OpLoadLocal1
	OpStoreLocal0
	OpStoreLocal1
	OpLoadGlobal // operand: u32
	OpStoreGlobal
	OpLoadCaptured // operand: u16
	OpStoreCaptured
	OpMakeClosure // operand: u32 func id, u16 n_caps
	OpCloseVar    // operand: u16

	// Arithmetic / logic (Value-level "N" variants dynamically dispatch;
	// the typed I/F variants assume verified operand kinds).
	OpIadd
	OpIsub
	OpImul
	OpIdiv
	OpImod
	OpIneg
	OpFadd
	OpFsub
	OpFmul
	OpFdiv
	OpFmod
	OpFneg
	OpNadd
	OpNsub
	OpNmul
	OpNdiv
	OpNmod
	OpNpow
	OpShl
	OpShr
	OpBitAnd
	OpBitOr
	OpBitXor
	OpBitNot
	OpEq
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe
	OpNot
	OpAnd
	OpOr

	// Strings
	OpSconcat
	OpSlen
	OpToString
	OpScmp

	// Control flow (i32 signed relative offsets, relative to the byte
	// following the operand)
	OpJmp
	OpJmpIfTrue
	OpJmpIfFalse
	OpJmpIfNull
	OpJmpIfNotNull

	// Calls
	OpCall            // u32 func, u16 argc
	OpCallMethod       // u32 method id, u16 argc
	OpCallConstructor  // u32 class id, u16 argc
	OpCallSuper        // u32 class id, u16 argc
	OpCallStatic       // u32 func, u16 argc
	OpCallClosure      // u16 argc (closure on stack below args)
	OpCallBoundMethod  // u16 argc
	OpReturn
	OpReturnVoid

	// Objects / arrays / tuples
	OpNewObject  // u32 class id
	OpNewArray   // u32 capacity hint
	OpNewTuple   // u16 n elements (popped from stack)
	OpGetField   // u16 offset
	OpSetField   // u16 offset
	OpGetIndex
	OpSetIndex
	OpArrayLen
	OpArrayPush

	// Exceptions
	OpTry // u32 catch_offset, u32 finally_offset (0 = none)
	OpEndTry
	OpThrow
	OpRethrow

	// Concurrency
	OpSpawn        // u32 func, u16 argc
	OpSpawnClosure // u16 argc
	OpAwait
	OpAwaitAll
	OpSleep
	OpYield
	OpNewMutex
	OpMutexLock
	OpMutexUnlock
	OpNewChannel // u32 capacity
	OpChannelSend
	OpChannelRecv
	OpTaskCancel
	OpTaskThen // u32 func id (continuation)

	// JSON
	OpJsonNewObject
	OpJsonNewArray
	OpJsonGetProp  // u32 constant-pool string index
	OpJsonSetProp  // u32 constant-pool string index
	OpJsonDelProp  // u32 constant-pool string index
	OpJsonGetIndex
	OpJsonSetIndex
	OpJsonArrayPush
	OpJsonArrayPop
	OpJsonKeys
	OpJsonLen

	// Reflection
	OpReflectTypeof
	OpReflectTypeinfo
	OpReflectGetProp
	OpReflectSetProp
	OpReflectHasProp
	OpReflectInstanceof
	OpReflectConstruct

	// Native bridge
	OpNativeCall // u32 native function id, u16 argc

	// Terminators that are not Return/ReturnVoid/Throw
	OpTrap

	numOpcodes
)

// operandSize is a fixed function of the opcode, per §4.5 rule 1. Sizes
// are in bytes, excluding the opcode byte itself.
var operandSize = [numOpcodes]int{
	OpNop: 0, OpPop: 0, OpDup: 0, OpSwap: 0,
	OpConstNull: 0, OpConstTrue: 0, OpConstFalse: 0,
	OpConstI32: 4, OpConstF64: 8, OpConstStr: 4, OpLoadConst: 4,
	OpLoadLocal: 2, OpStoreLocal: 2,
	OpLoadLocal0: 0, OpLoadLocal1: 0, OpStoreLocal0: 0, OpStoreLocal1: 0,
	OpLoadGlobal: 4, OpStoreGlobal: 4,
	OpLoadCaptured: 2, OpStoreCaptured: 2,
	OpMakeClosure: 6, OpCloseVar: 2,
	OpIadd: 0, OpIsub: 0, OpImul: 0, OpIdiv: 0, OpImod: 0, OpIneg: 0,
	OpFadd: 0, OpFsub: 0, OpFmul: 0, OpFdiv: 0, OpFmod: 0, OpFneg: 0,
	OpNadd: 0, OpNsub: 0, OpNmul: 0, OpNdiv: 0, OpNmod: 0, OpNpow: 0,
	OpShl: 0, OpShr: 0, OpBitAnd: 0, OpBitOr: 0, OpBitXor: 0, OpBitNot: 0,
	OpEq: 0, OpNeq: 0, OpLt: 0, OpLe: 0, OpGt: 0, OpGe: 0,
	OpNot: 0, OpAnd: 0, OpOr: 0,
	OpSconcat: 0, OpSlen: 0, OpToString: 0, OpScmp: 0,
	OpJmp: 4, OpJmpIfTrue: 4, OpJmpIfFalse: 4, OpJmpIfNull: 4, OpJmpIfNotNull: 4,
	OpCall: 6, OpCallMethod: 6, OpCallConstructor: 6, OpCallSuper: 6, OpCallStatic: 6,
	OpCallClosure: 2, OpCallBoundMethod: 2,
	OpReturn: 0, OpReturnVoid: 0,
	OpNewObject: 4, OpNewArray: 4, OpNewTuple: 2,
	OpGetField: 2, OpSetField: 2,
	OpGetIndex: 0, OpSetIndex: 0, OpArrayLen: 0, OpArrayPush: 0,
	OpTry: 8, OpEndTry: 0, OpThrow: 0, OpRethrow: 0,
	OpSpawn: 6, OpSpawnClosure: 2,
	OpAwait: 0, OpAwaitAll: 0, OpSleep: 0, OpYield: 0,
	OpNewMutex: 0, OpMutexLock: 0, OpMutexUnlock: 0,
	OpNewChannel: 4, OpChannelSend: 0, OpChannelRecv: 0,
	OpTaskCancel: 0, OpTaskThen: 4,
	OpJsonNewObject: 0, OpJsonNewArray: 0,
	OpJsonGetProp: 4, OpJsonSetProp: 4, OpJsonDelProp: 4,
	OpJsonGetIndex: 0, OpJsonSetIndex: 0,
	OpJsonArrayPush: 0, OpJsonArrayPop: 0, OpJsonKeys: 0, OpJsonLen: 0,
	OpReflectTypeof: 0, OpReflectTypeinfo: 0,
	OpReflectGetProp: 0, OpReflectSetProp: 0, OpReflectHasProp: 0,
	OpReflectInstanceof: 0, OpReflectConstruct: 6,
	OpNativeCall: 6,
	OpTrap:       0,
}

// OperandSize returns the number of operand bytes following this opcode,
// or -1 if the opcode is unrecognized.
func OperandSize(op OpCode) int {
	if op >= numOpcodes {
		return -1
	}
	return operandSize[op]
}

// stackEffect is the (pops, pushes) signature used by the verifier's
// abstract stack-depth interpretation (§4.5 rule 3). Opcodes whose effect
// depends on an operand (argc, n_caps, ...) are handled specially by the
// verifier and marked here with a sentinel of -1 pops.
const variableEffect = -1

var stackPops = [numOpcodes]int{
	OpPop: 1, OpDup: 0, OpSwap: 2,
	OpStoreLocal: 1, OpStoreLocal0: 1, OpStoreLocal1: 1,
	OpStoreGlobal: 1, OpStoreCaptured: 1,
	OpIadd: 2, OpIsub: 2, OpImul: 2, OpIdiv: 2, OpImod: 2, OpIneg: 1,
	OpFadd: 2, OpFsub: 2, OpFmul: 2, OpFdiv: 2, OpFmod: 2, OpFneg: 1,
	OpNadd: 2, OpNsub: 2, OpNmul: 2, OpNdiv: 2, OpNmod: 2, OpNpow: 2,
	OpShl: 2, OpShr: 2, OpBitAnd: 2, OpBitOr: 2, OpBitXor: 2, OpBitNot: 1,
	OpEq: 2, OpNeq: 2, OpLt: 2, OpLe: 2, OpGt: 2, OpGe: 2,
	OpNot: 1, OpAnd: 2, OpOr: 2,
	OpSconcat: 2, OpSlen: 1, OpToString: 1, OpScmp: 2,
	OpJmpIfTrue: 1, OpJmpIfFalse: 1, OpJmpIfNull: 1, OpJmpIfNotNull: 1,
	OpCall: variableEffect, OpCallMethod: variableEffect, OpCallConstructor: variableEffect,
	OpCallSuper: variableEffect, OpCallStatic: variableEffect,
	OpCallClosure: variableEffect, OpCallBoundMethod: variableEffect,
	OpReturn: 1, OpReturnVoid: 0,
	OpNewTuple: variableEffect,
	OpGetField: 1, OpSetField: 2,
	OpGetIndex: 2, OpSetIndex: 3, OpArrayLen: 1, OpArrayPush: 2,
	OpThrow: 1, OpRethrow: 0,
	OpSpawn: variableEffect, OpSpawnClosure: variableEffect,
	OpAwait: 1, OpAwaitAll: 1, OpSleep: 1, OpYield: 0,
	OpMutexLock: 1, OpMutexUnlock: 1,
	OpChannelSend: 2, OpChannelRecv: 1,
	OpTaskCancel: 1, OpTaskThen: 1,
	OpJsonGetProp: 1, OpJsonSetProp: 2, OpJsonDelProp: 1,
	OpJsonGetIndex: 2, OpJsonSetIndex: 3,
	OpJsonArrayPush: 2, OpJsonArrayPop: 1, OpJsonKeys: 1, OpJsonLen: 1,
	OpReflectTypeof: 1, OpReflectTypeinfo: 1,
	OpReflectGetProp: 2, OpReflectSetProp: 3, OpReflectHasProp: 2,
	OpReflectInstanceof: 2, OpReflectConstruct: variableEffect,
	OpNativeCall: variableEffect,
}

var stackPushes = [numOpcodes]int{
	OpDup: 1, OpSwap: 2,
	OpConstNull: 1, OpConstTrue: 1, OpConstFalse: 1,
	OpConstI32: 1, OpConstF64: 1, OpConstStr: 1, OpLoadConst: 1,
	OpLoadLocal: 1, OpLoadLocal0: 1, OpLoadLocal1: 1,
	OpLoadGlobal: 1, OpLoadCaptured: 1, OpMakeClosure: 1,
	OpIadd: 1, OpIsub: 1, OpImul: 1, OpIdiv: 1, OpImod: 1, OpIneg: 1,
	OpFadd: 1, OpFsub: 1, OpFmul: 1, OpFdiv: 1, OpFmod: 1, OpFneg: 1,
	OpNadd: 1, OpNsub: 1, OpNmul: 1, OpNdiv: 1, OpNmod: 1, OpNpow: 1,
	OpShl: 1, OpShr: 1, OpBitAnd: 1, OpBitOr: 1, OpBitXor: 1, OpBitNot: 1,
	OpEq: 1, OpNeq: 1, OpLt: 1, OpLe: 1, OpGt: 1, OpGe: 1,
	OpNot: 1, OpAnd: 1, OpOr: 1,
	OpSconcat: 1, OpSlen: 1, OpToString: 1, OpScmp: 1,
	OpCall: 1, OpCallMethod: 1, OpCallConstructor: 1, OpCallSuper: 1, OpCallStatic: 1,
	OpCallClosure: 1, OpCallBoundMethod: 1,
	OpNewObject: 1, OpNewArray: 1, OpNewTuple: 1,
	OpGetField: 1, OpGetIndex: 1, OpArrayLen: 1, OpArrayPush: 1,
	OpRethrow: 0,
	OpSpawn: 1, OpSpawnClosure: 1,
	OpAwait: 1, OpAwaitAll: 1, OpSleep: 0, OpYield: 0,
	OpNewMutex: 1, OpMutexLock: 0, OpMutexUnlock: 0,
	OpNewChannel: 1, OpChannelSend: 0, OpChannelRecv: 1,
	OpTaskCancel: 0, OpTaskThen: 1,
	OpJsonNewObject: 1, OpJsonNewArray: 1,
	OpJsonGetProp: 1, OpJsonGetIndex: 1,
	OpJsonArrayPush: 1, OpJsonArrayPop: 1, OpJsonKeys: 1, OpJsonLen: 1,
	OpReflectTypeof: 1, OpReflectTypeinfo: 1,
	OpReflectGetProp: 1, OpReflectHasProp: 1,
	OpReflectInstanceof: 1, OpReflectConstruct: 1,
	OpNativeCall: 1,
}

// StackEffect returns (pops, pushes, ok). ok is false for opcodes whose
// pop count is argc-dependent; the verifier computes those directly from
// the decoded operand instead.
func StackEffect(op OpCode) (pops, pushes int, ok bool) {
	if op >= numOpcodes {
		return 0, 0, false
	}
	p := stackPops[op]
	if p == variableEffect {
		return 0, 0, false
	}
	return p, stackPushes[op], true
}

// IsTerminator reports whether op may legally be the last instruction of a
// function body (§4.5 rule 5).
func IsTerminator(op OpCode) bool {
	switch op {
	case OpReturn, OpReturnVoid, OpThrow, OpTrap:
		return true
	default:
		return false
	}
}

var opNames = [numOpcodes]string{}

func init() {
	names := map[OpCode]string{
		OpNop: "Nop", OpPop: "Pop", OpDup: "Dup", OpSwap: "Swap",
		OpConstNull: "ConstNull", OpConstTrue: "ConstTrue", OpConstFalse: "ConstFalse",
		OpConstI32: "ConstI32", OpConstF64: "ConstF64", OpConstStr: "ConstStr", OpLoadConst: "LoadConst",
		OpLoadLocal: "LoadLocal", OpStoreLocal: "StoreLocal",
		OpLoadLocal0: "LoadLocal0", OpLoadLocal1: "LoadLocal1",
		OpStoreLocal0: "StoreLocal0", OpStoreLocal1: "StoreLocal1",
		OpLoadGlobal: "LoadGlobal", OpStoreGlobal: "StoreGlobal",
		OpLoadCaptured: "LoadCaptured", OpStoreCaptured: "StoreCaptured",
		OpMakeClosure: "MakeClosure", OpCloseVar: "CloseVar",
		OpIadd: "Iadd", OpIsub: "Isub", OpImul: "Imul", OpIdiv: "Idiv", OpImod: "Imod", OpIneg: "Ineg",
		OpFadd: "Fadd", OpFsub: "Fsub", OpFmul: "Fmul", OpFdiv: "Fdiv", OpFmod: "Fmod", OpFneg: "Fneg",
		OpNadd: "Nadd", OpNsub: "Nsub", OpNmul: "Nmul", OpNdiv: "Ndiv", OpNmod: "Nmod", OpNpow: "Npow",
		OpShl: "Shl", OpShr: "Shr", OpBitAnd: "BitAnd", OpBitOr: "BitOr", OpBitXor: "BitXor", OpBitNot: "BitNot",
		OpEq: "Eq", OpNeq: "Neq", OpLt: "Lt", OpLe: "Le", OpGt: "Gt", OpGe: "Ge",
		OpNot: "Not", OpAnd: "And", OpOr: "Or",
		OpSconcat: "Sconcat", OpSlen: "Slen", OpToString: "ToString", OpScmp: "Scmp",
		OpJmp: "Jmp", OpJmpIfTrue: "JmpIfTrue", OpJmpIfFalse: "JmpIfFalse",
		OpJmpIfNull: "JmpIfNull", OpJmpIfNotNull: "JmpIfNotNull",
		OpCall: "Call", OpCallMethod: "CallMethod", OpCallConstructor: "CallConstructor",
		OpCallSuper: "CallSuper", OpCallStatic: "CallStatic",
		OpCallClosure: "CallClosure", OpCallBoundMethod: "CallBoundMethod",
		OpReturn: "Return", OpReturnVoid: "ReturnVoid",
		OpNewObject: "NewObject", OpNewArray: "NewArray", OpNewTuple: "NewTuple",
		OpGetField: "GetField", OpSetField: "SetField",
		OpGetIndex: "GetIndex", OpSetIndex: "SetIndex", OpArrayLen: "ArrayLen", OpArrayPush: "ArrayPush",
		OpTry: "Try", OpEndTry: "EndTry", OpThrow: "Throw", OpRethrow: "Rethrow",
		OpSpawn: "Spawn", OpSpawnClosure: "SpawnClosure",
		OpAwait: "Await", OpAwaitAll: "AwaitAll", OpSleep: "Sleep", OpYield: "Yield",
		OpNewMutex: "NewMutex", OpMutexLock: "MutexLock", OpMutexUnlock: "MutexUnlock",
		OpNewChannel: "NewChannel", OpChannelSend: "ChannelSend", OpChannelRecv: "ChannelRecv",
		OpTaskCancel: "TaskCancel", OpTaskThen: "TaskThen",
		OpJsonNewObject: "JsonNewObject", OpJsonNewArray: "JsonNewArray",
		OpJsonGetProp: "JsonGetProp", OpJsonSetProp: "JsonSetProp", OpJsonDelProp: "JsonDelProp",
		OpJsonGetIndex: "JsonGetIndex", OpJsonSetIndex: "JsonSetIndex",
		OpJsonArrayPush: "JsonArrayPush", OpJsonArrayPop: "JsonArrayPop", OpJsonKeys: "JsonKeys", OpJsonLen: "JsonLen",
		OpReflectTypeof: "ReflectTypeof", OpReflectTypeinfo: "ReflectTypeinfo",
		OpReflectGetProp: "ReflectGetProp", OpReflectSetProp: "ReflectSetProp", OpReflectHasProp: "ReflectHasProp",
		OpReflectInstanceof: "ReflectInstanceof", OpReflectConstruct: "ReflectConstruct",
		OpNativeCall: "NativeCall", OpTrap: "Trap",
	}
	for op, name := range names {
		opNames[op] = name
	}
}

func (op OpCode) String() string {
	if op < numOpcodes && opNames[op] != "" {
		return opNames[op]
	}
	return "UnknownOp"
}

// Valid reports whether op is a recognized opcode byte.
func Valid(op OpCode) bool {
	return op < numOpcodes && opNames[op] != ""
}
