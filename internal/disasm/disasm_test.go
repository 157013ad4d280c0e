package disasm

import (
	"strings"
	"testing"

	"raya/internal/module"
	"raya/internal/regvm"
)

func TestStackDisassemblesLocalsAndArith(t *testing.T) {
	fn := &module.Function{
		Name:       "add",
		ParamCount: 2,
		LocalCount: 2,
		Code: []byte{
			byte(module.OpLoadLocal), 0, 0,
			byte(module.OpLoadLocal), 1, 0,
			byte(module.OpIadd),
			byte(module.OpReturn),
		},
	}
	out := Stack(fn)
	if !strings.Contains(out, "function add") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, "Iadd") {
		t.Errorf("expected an add opcode line, got:\n%s", out)
	}
	if !strings.Contains(out, "Return") && !strings.Contains(out, "RETURN") {
		t.Errorf("expected a return opcode line, got:\n%s", out)
	}
}

func TestStackFlagsInvalidOpcode(t *testing.T) {
	fn := &module.Function{Name: "bad", Code: []byte{0xFF}}
	out := Stack(fn)
	if !strings.Contains(out, "invalid opcode") {
		t.Errorf("expected invalid-opcode marker, got:\n%s", out)
	}
}

func TestRegisterDisassemblesArithAndJump(t *testing.T) {
	instrs := []regvm.Instruction{
		regvm.CreateABC(regvm.OpAdd, 2, 0, 1),
		regvm.CreateAsBx(regvm.OpJmp, 0, 1),
		regvm.CreateABC(regvm.OpReturn, 2, 1, 0),
	}
	fn := &module.Function{Name: "loop", Code: regvm.Encode(instrs)}
	out := Register(fn)
	if !strings.Contains(out, "JMP") {
		t.Errorf("expected JMP line, got:\n%s", out)
	}
	if !strings.Contains(out, "sBx=1") {
		t.Errorf("expected sBx=1 on the jump line, got:\n%s", out)
	}
}

func TestModuleSkipsNativeFunctions(t *testing.T) {
	m := module.New("t")
	m.Functions = append(m.Functions, module.Function{Name: "host.sleep", IsNative: true, NativeID: 3})
	out := Module(m, EngineStack)
	if !strings.Contains(out, "native id=3") {
		t.Errorf("expected native marker, got:\n%s", out)
	}
}
