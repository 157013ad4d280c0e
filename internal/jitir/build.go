package jitir

import (
	"fmt"

	"raya/internal/module"
	"raya/internal/regvm"
)

// Build lowers one register-VM function's bytecode into IR. Registers
// map 1:1 onto VRegs rather than going through real SSA renaming (no
// phi-insertion pass, despite JPhi existing as an opcode) — since
// lowering to native code is out of scope, there's no later pass that
// would need strict single-assignment form, only Display and the
// scorer, both of which work fine on "register IR" as-is. A real
// optimizing backend would run this through an SSA construction pass
// (e.g. Cytron et al.) before instruction selection; that pass doesn't
// exist here.
//
// Any opcode the builder doesn't know how to express as straight-line
// IR (calls, exceptions, concurrency, heap-object opcodes it hasn't
// special-cased) ends its block in a TermDeopt, the IR's way of saying
// "bail to the interpreter from here" rather than silently mistranslating.
func Build(fn *module.Function, funcID uint32) (*Function, error) {
	instrs := regvm.Decode(fn.Code)
	if len(instrs) == 0 {
		return nil, fmt.Errorf("jitir: function %d has no instructions", funcID)
	}

	leaders := map[int]bool{0: true}
	for i, ins := range instrs {
		switch ins.OpCode() {
		case regvm.OpJmp:
			leaders[i+1+int(ins.SBx())] = true
			if i+1 < len(instrs) {
				leaders[i+1] = true
			}
		case regvm.OpTest, regvm.OpTestSet:
			if i+1 < len(instrs) {
				leaders[i+1] = true
			}
			if i+2 < len(instrs) {
				leaders[i+2] = true
			}
		case regvm.OpReturn, regvm.OpThrow:
			if i+1 < len(instrs) {
				leaders[i+1] = true
			}
		}
	}

	var starts []int
	for ip := range leaders {
		starts = append(starts, ip)
	}
	sortInts(starts)

	blockAt := make(map[int]int, len(starts)) // ip -> block id
	for id, ip := range starts {
		blockAt[ip] = id
	}

	f := &Function{SourceFuncID: funcID, NumParams: fn.ParamCount, Entry: 0}
	for bi, start := range starts {
		end := len(instrs)
		if bi+1 < len(starts) {
			end = starts[bi+1]
		}
		blk := buildBlock(bi, start, end, instrs, blockAt)
		f.Blocks = append(f.Blocks, blk)
	}
	return f, nil
}

func buildBlock(id, start, end int, instrs []regvm.Instruction, blockAt map[int]int) Block {
	blk := Block{ID: id}
	for ip := start; ip < end; ip++ {
		ins := instrs[ip]
		switch ins.OpCode() {
		case regvm.OpLoadI32:
			blk.emit(JitInstr{Op: JConstI32, Dst: VReg(ins.A()), Type: JInt32, ImmI32: ins.SBx()}, ip)

		case regvm.OpMove:
			blk.emit(JitInstr{Op: JAdd, Dst: VReg(ins.A()), Type: JUnknown, Args: []VReg{VReg(ins.B())}, ImmI32: 0}, ip)

		case regvm.OpAdd, regvm.OpSub, regvm.OpMul, regvm.OpDiv:
			blk.emit(JitInstr{Op: arithOp(ins.OpCode()), Dst: VReg(ins.A()), Args: []VReg{VReg(ins.B()), VReg(ins.C())}}, ip)

		case regvm.OpEq, regvm.OpLt, regvm.OpLe:
			blk.emit(JitInstr{Op: cmpOp(ins.OpCode()), Dst: VReg(ins.A()), Type: JBool, Args: []VReg{VReg(ins.B()), VReg(ins.C())}}, ip)

		case regvm.OpGetGlobal:
			blk.emit(JitInstr{Op: JLoadGlobal, Dst: VReg(ins.A()), Index: int(ins.Bx())}, ip)

		case regvm.OpSetGlobal:
			blk.emit(JitInstr{Op: JStoreGlobal, Args: []VReg{VReg(ins.A())}, Index: int(ins.Bx())}, ip)

		case regvm.OpGetField:
			blk.emit(JitInstr{Op: JLoadField, Dst: VReg(ins.A()), Args: []VReg{VReg(ins.B())}, Index: int(ins.C()), Type: JRef}, ip)

		case regvm.OpSetField:
			blk.emit(JitInstr{Op: JStoreField, Args: []VReg{VReg(ins.A()), VReg(ins.C())}, Index: int(ins.B())}, ip)

		case regvm.OpJmp:
			blk.Term = Terminator{Kind: TermJmp, Then: blockAt[ip+1+int(ins.SBx())]}
			return blk

		case regvm.OpTest:
			// The canonical compiled shape is TEST followed immediately by
			// an unconditional JMP (see internal/regvm's doc comment and
			// TestRegisterComparisonAndJump): bytecode TEST skips that JMP
			// when bool(R(A)) != (C!=0). skipTarget is where execution
			// lands when the JMP is skipped (ip+2); fallTarget is where
			// the JMP itself would send execution when it isn't skipped.
			next := ip + 1
			fallTarget := blockAt[next]
			if next < len(instrs) && instrs[next].OpCode() == regvm.OpJmp {
				fallTarget = blockAt[next+1+int(instrs[next].SBx())]
			}
			skipTarget := blockAt[ip+2]
			// Terminator.Then/Else read directly as "if Cond then Then
			// else Else"; when C==0 the skip fires on Cond==true (skip is
			// Then), when C!=0 it's inverted.
			then, els := skipTarget, fallTarget
			if ins.C() != 0 {
				then, els = fallTarget, skipTarget
			}
			blk.Term = Terminator{Kind: TermBranch, Cond: VReg(ins.A()), Then: then, Else: els}
			return blk

		case regvm.OpReturn:
			blk.Term = Terminator{Kind: TermRet, Value: VReg(ins.A())}
			return blk

		default:
			blk.Term = Terminator{Kind: TermDeopt, Deopt: &DeoptInfo{IP: ip, Reason: ins.OpCode().String()}}
			return blk
		}
	}
	// Ran off the end of the block's instruction range without hitting a
	// terminator (fell through into the next leader): treat as an
	// implicit jump to keep every block's control flow explicit.
	if end < len(instrs) {
		blk.Term = Terminator{Kind: TermJmp, Then: blockAt[end]}
	} else {
		blk.Term = Terminator{Kind: TermDeopt, Deopt: &DeoptInfo{IP: end, Reason: "fell off end of function"}}
	}
	return blk
}

func (b *Block) emit(in JitInstr, ip int) {
	b.Instrs = append(b.Instrs, in)
	b.SourceIPs = append(b.SourceIPs, ip)
}

func arithOp(op regvm.OpCode) JitOp {
	switch op {
	case regvm.OpAdd:
		return JAdd
	case regvm.OpSub:
		return JSub
	case regvm.OpMul:
		return JMul
	default:
		return JDiv
	}
}

func cmpOp(op regvm.OpCode) JitOp {
	switch op {
	case regvm.OpEq:
		return JCmpEq
	case regvm.OpLt:
		return JCmpLt
	default:
		return JCmpLe
	}
}

// sortInts is a tiny insertion sort: block leader counts per function
// are small (tens, not thousands), so this avoids pulling in sort for
// one call site.
func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
