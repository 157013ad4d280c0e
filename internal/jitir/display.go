package jitir

import (
	"fmt"
	"strings"
)

// Display renders a Function as readable SSA-ish text, the IR's one
// externally visible artifact given lowering-to-native is out of scope.
// Used by this package's own tests in place of executing anything;
// internal/disasm has no JIT IR mode.
func (f *Function) Display() string {
	var b strings.Builder
	fmt.Fprintf(&b, "function #%d(params=%d):\n", f.SourceFuncID, f.NumParams)
	for _, blk := range f.Blocks {
		b.WriteString(blk.display())
	}
	return b.String()
}

func (blk Block) display() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bb%d:\n", blk.ID)
	for _, in := range blk.Instrs {
		fmt.Fprintf(&b, "  %s\n", in.display())
	}
	fmt.Fprintf(&b, "  %s\n", blk.Term.display())
	return b.String()
}

func (in JitInstr) display() string {
	args := make([]string, len(in.Args))
	for i, a := range in.Args {
		args[i] = fmt.Sprintf("v%d", a)
	}
	joined := strings.Join(args, ", ")
	switch in.Op {
	case JConstI32:
		return fmt.Sprintf("v%d = const.i32 %d", in.Dst, in.ImmI32)
	case JConstF64:
		return fmt.Sprintf("v%d = const.f64 %g", in.Dst, in.ImmF64)
	case JLoadGlobal:
		return fmt.Sprintf("v%d = load.global [%d]", in.Dst, in.Index)
	case JStoreGlobal:
		return fmt.Sprintf("store.global [%d], %s", in.Index, joined)
	case JLoadField:
		return fmt.Sprintf("v%d = load.field %s[%d]", in.Dst, joined, in.Index)
	case JStoreField:
		return fmt.Sprintf("store.field %s[%d]", joined, in.Index)
	case JGuardType:
		return fmt.Sprintf("guard.type %s == %s (deopt -> ip %d)", joined, in.Type, in.Deopt.IP)
	default:
		if in.IsValue() {
			return fmt.Sprintf("v%d = %s %s", in.Dst, in.Op, joined)
		}
		return fmt.Sprintf("%s %s", in.Op, joined)
	}
}

func (t Terminator) display() string {
	switch t.Kind {
	case TermRet:
		return fmt.Sprintf("ret v%d", t.Value)
	case TermJmp:
		return fmt.Sprintf("jmp bb%d", t.Then)
	case TermBranch:
		return fmt.Sprintf("br v%d, bb%d, bb%d", t.Cond, t.Then, t.Else)
	case TermDeopt:
		return fmt.Sprintf("deopt ip=%d (%s)", t.Deopt.IP, t.Deopt.Reason)
	default:
		return "?"
	}
}
