package regvm

import (
	"testing"
	"time"

	"raya/internal/gc"
	"raya/internal/module"
	"raya/internal/scheduler"
	"raya/internal/task"
	"raya/internal/vmcontext"
)

func runModule(t *testing.T, m *module.Module) *task.Task {
	t.Helper()
	ctx, err := vmcontext.LoadModule(m, gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	rv := &RegVM{Ctx: ctx}
	sch := scheduler.New(1, rv.Run)
	rv.Sch = sch
	sch.Start()
	defer sch.Stop()

	tk := sch.Spawn(0)
	deadline := time.Now().Add(2 * time.Second)
	for tk.State() != task.Completed && tk.State() != task.Failed && tk.State() != task.Cancelled {
		if time.Now().After(deadline) {
			t.Fatalf("task did not finish within deadline, state=%v", tk.State())
		}
		time.Sleep(time.Millisecond)
	}
	return tk
}

func TestRegisterArithmetic(t *testing.T) {
	m := module.New("t")
	code := Encode([]Instruction{
		CreateAsBx(OpLoadI32, 0, 10), // R0 = 10
		CreateAsBx(OpLoadI32, 1, 20), // R1 = 20
		CreateABC(OpAdd, 2, 0, 1),    // R2 = R0 + R1
		CreateABC(OpReturn, 2, 0, 0), // return R2
	})
	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 3, MaxStack: 0, Code: code})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, ok := tk.Result.AsI32()
	if !ok || got != 30 {
		t.Errorf("result = %v (ok=%v), want 30", tk.Result, ok)
	}
}

func TestRegisterComparisonAndJump(t *testing.T) {
	// R0 = 5; R1 = 3; R2 = R0 < R1; TEST R2 0 (skip next if truthy);
	// JMP +2; LOADI32 R3 111; JMP +1; LOADI32 R3 222; RETURN R3
	code := Encode([]Instruction{
		CreateAsBx(OpLoadI32, 0, 5),
		CreateAsBx(OpLoadI32, 1, 3),
		CreateABC(OpLt, 2, 0, 1),
		CreateABC(OpTest, 2, 0, 0),
		CreateAsBx(OpJmp, 0, 2),
		CreateAsBx(OpLoadI32, 3, 111),
		CreateAsBx(OpJmp, 0, 1),
		CreateAsBx(OpLoadI32, 3, 222),
		CreateABC(OpReturn, 3, 0, 0),
	})
	m := module.New("t")
	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 4, Code: code})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, _ := tk.Result.AsI32()
	if got != 222 {
		t.Errorf("result = %d, want 222 (5 < 3 is false)", got)
	}
}

func TestRegisterObjectFields(t *testing.T) {
	m := module.New("t")
	m.Classes = append(m.Classes, module.Class{
		Name: "Point", ParentID: -1,
		Fields: []module.Field{{Name: "x", Offset: 0}, {Name: "y", Offset: 1}},
	})
	code := Encode([]Instruction{
		CreateABx(OpNewObject, 0, 0),  // R0 = new Point
		CreateAsBx(OpLoadI32, 1, 7),   // R1 = 7
		CreateABC(OpSetField, 0, 0, 1), // R0.field[0] = R1
		CreateABC(OpGetField, 2, 0, 0), // R2 = R0.field[0]
		CreateABC(OpReturn, 2, 0, 0),
	})
	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 3, Code: code})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, _ := tk.Result.AsI32()
	if got != 7 {
		t.Errorf("result = %d, want 7", got)
	}
}

func TestRegisterCall(t *testing.T) {
	// double(x) = x + x, called from main with literal function id 1 in R0.
	doubleCode := Encode([]Instruction{
		CreateABC(OpAdd, 0, 0, 0), // R0 (arg in R0) = R0 + R0
		CreateABC(OpReturn, 0, 0, 0),
	})
	mainCode := Encode([]Instruction{
		CreateAsBx(OpLoadI32, 0, 1),  // R0 = function id 1 (callee)
		CreateAsBx(OpLoadI32, 1, 21), // R1 = arg
		CreateABC(OpCall, 0, 1, 0),   // R0 = call(R0, R1) -- argc=1
		CreateABC(OpReturn, 0, 0, 0),
	})
	m := module.New("t")
	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 2, Code: mainCode})
	m.Functions = append(m.Functions, module.Function{Name: "double", ParamCount: 1, LocalCount: 1, Code: doubleCode})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, _ := tk.Result.AsI32()
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestRegisterTryThrow(t *testing.T) {
	// try { throw 5 } catch { return 99 }
	tryBody := []Instruction{
		CreateAsBx(OpTry, 0, 2), // catch at +2 past this+body
		CreateAsBx(OpLoadI32, 0, 5),
		CreateABC(OpThrow, 0, 0, 0),
	}
	catchBody := []Instruction{
		CreateAsBx(OpLoadI32, 0, 99),
		CreateABC(OpReturn, 0, 0, 0),
	}
	all := append(append([]Instruction{}, tryBody...), catchBody...)
	m := module.New("t")
	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 1, Code: Encode(all)})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, _ := tk.Result.AsI32()
	if got != 99 {
		t.Errorf("result = %d, want 99", got)
	}
}

func TestInstructionEncoding(t *testing.T) {
	ins := CreateABC(OpAdd, 1, 2, 3)
	if ins.OpCode() != OpAdd || ins.A() != 1 || ins.B() != 2 || ins.C() != 3 {
		t.Errorf("CreateABC round-trip failed: op=%v a=%d b=%d c=%d", ins.OpCode(), ins.A(), ins.B(), ins.C())
	}
	jmp := CreateAsBx(OpJmp, 0, -5)
	if jmp.OpCode() != OpJmp || jmp.sBx() != -5 {
		t.Errorf("CreateAsBx round-trip failed: op=%v sBx=%d", jmp.OpCode(), jmp.sBx())
	}
	if !Valid(OpAdd) || Valid(numOpcodes) {
		t.Error("Valid() boundary check failed")
	}
}
