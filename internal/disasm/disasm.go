// Package disasm renders a module's bytecode as readable text, for
// cmd/raya's "disasm" subcommand and for tests that want to eyeball a
// hand-built Function's encoding. No single teacher package carries
// this name, but it follows the same operand-table-driven approach the
// teacher's own tooling takes to printing bytecode (module.OperandSize
// and module.OpCode.String() are exactly the pieces a disassembler over
// the stack encoding needs, and were written with that in mind).
//
// A Module's Functions don't self-describe which of the two bytecode
// encodings (stack or 32-bit packed register) their Code uses — that
// choice is made once, for the whole module, by whichever engine the
// embedder picked to run it with (cmd/raya's --engine flag). Disasm
// mirrors that: callers pick Stack or Register explicitly rather than
// the package guessing.
package disasm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"raya/internal/module"
	"raya/internal/regvm"
)

// Stack renders fn.Code as the variable-length stack-machine encoding
// internal/interp executes.
func Stack(fn *module.Function) string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s (params=%d locals=%d):\n", fn.Name, fn.ParamCount, fn.LocalCount)
	code := fn.Code
	ip := 0
	for ip < len(code) {
		op := module.OpCode(code[ip])
		start := ip
		ip++
		if !module.Valid(op) {
			fmt.Fprintf(&b, "  %4d  <invalid opcode %d>\n", start, op)
			continue
		}
		n := module.OperandSize(op)
		operand := ""
		if n > 0 && ip+n <= len(code) {
			operand = formatStackOperand(op, code[ip:ip+n])
		}
		ip += n
		if operand != "" {
			fmt.Fprintf(&b, "  %4d  %-16s %s\n", start, op, operand)
		} else {
			fmt.Fprintf(&b, "  %4d  %s\n", start, op)
		}
	}
	return b.String()
}

func formatStackOperand(op module.OpCode, bytes []byte) string {
	switch len(bytes) {
	case 2:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint16(bytes))
	case 4:
		if op == module.OpConstI32 {
			return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(bytes)))
		}
		return fmt.Sprintf("%d", binary.LittleEndian.Uint32(bytes))
	case 6:
		fnID := binary.LittleEndian.Uint32(bytes[0:4])
		argc := binary.LittleEndian.Uint16(bytes[4:6])
		return fmt.Sprintf("#%d argc=%d", fnID, argc)
	case 8:
		a := binary.LittleEndian.Uint32(bytes[0:4])
		bb := binary.LittleEndian.Uint32(bytes[4:8])
		if op == module.OpConstF64 {
			return fmt.Sprintf("%g", math.Float64frombits(uint64(a)|uint64(bb)<<32))
		}
		return fmt.Sprintf("catch=%d finally=%d", a, bb)
	default:
		return fmt.Sprintf("% x", bytes)
	}
}

// Register renders fn.Code as the 32-bit packed iABC/iABx/iAsBx encoding
// internal/regvm executes.
func Register(fn *module.Function) string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s (params=%d locals=%d):\n", fn.Name, fn.ParamCount, fn.LocalCount)
	for ip, ins := range regvm.Decode(fn.Code) {
		op := ins.OpCode()
		fmt.Fprintf(&b, "  %4d  %-12s A=%d B=%d C=%d Bx=%d sBx=%d\n",
			ip, op, ins.A(), ins.B(), ins.C(), ins.Bx(), ins.SBx())
	}
	return b.String()
}

// Engine selects which bytecode encoding Module renders a function's
// Code as.
type Engine int

const (
	EngineStack Engine = iota
	EngineRegister
)

// Module renders every function in m using the given engine's encoding.
func Module(m *module.Module, engine Engine) string {
	var b strings.Builder
	for i := range m.Functions {
		fn := &m.Functions[i]
		if fn.IsNative {
			fmt.Fprintf(&b, "function %s (native id=%d)\n\n", fn.Name, fn.NativeID)
			continue
		}
		switch engine {
		case EngineRegister:
			b.WriteString(Register(fn))
		default:
			b.WriteString(Stack(fn))
		}
		b.WriteString("\n")
	}
	return b.String()
}
