package interp

import (
	"encoding/binary"
	"testing"
	"time"

	"raya/internal/gc"
	"raya/internal/module"
	"raya/internal/scheduler"
	"raya/internal/task"
	"raya/internal/vmcontext"
)

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func u16le(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// runModule builds a one-worker scheduler around m's entry point and runs
// it to completion, failing the test if it doesn't finish within the
// timeout (deadlocked/suspended forever).
func runModule(t *testing.T, m *module.Module) *task.Task {
	t.Helper()
	ctx, err := vmcontext.LoadModule(m, gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	in := &Interp{Ctx: ctx}
	sch := scheduler.New(1, in.Run)
	in.Sch = sch
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

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		expected int32
	}{
		{
			name: "addition",
			code: append(append(
				[]byte{byte(module.OpConstI32)}, i32le(10)...),
				append([]byte{byte(module.OpConstI32)}, append(i32le(20),
					byte(module.OpIadd), byte(module.OpReturn))...)...,
			),
			expected: 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := module.New("t")
			m.Functions = append(m.Functions, module.Function{
				Name: "main", LocalCount: 0, MaxStack: 4, Code: tt.code,
			})
			m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

			tk := runModule(t, m)
			if tk.State() != task.Completed {
				t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
			}
			got, ok := tk.Result.AsI32()
			if !ok || got != tt.expected {
				t.Errorf("result = %v (ok=%v), want %d", tk.Result, ok, tt.expected)
			}
		})
	}
}

func i32le(v int32) []byte { return u32le(uint32(v)) }

func TestLocalsRoundTrip(t *testing.T) {
	m := module.New("t")
	code := []byte{}
	code = append(code, byte(module.OpConstI32))
	code = append(code, i32le(7)...)
	code = append(code, byte(module.OpStoreLocal0))
	code = append(code, byte(module.OpLoadLocal0))
	code = append(code, byte(module.OpConstI32))
	code = append(code, i32le(3)...)
	code = append(code, byte(module.OpIadd))
	code = append(code, byte(module.OpReturn))

	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 1, MaxStack: 4, Code: code})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, _ := tk.Result.AsI32()
	if got != 10 {
		t.Errorf("result = %d, want 10", got)
	}
}

func TestCallAndReturn(t *testing.T) {
	m := module.New("t")
	// fn 1: double(x) = x + x
	doubleCode := []byte{
		byte(module.OpLoadLocal0),
		byte(module.OpLoadLocal0),
		byte(module.OpIadd),
		byte(module.OpReturn),
	}
	m.Functions = append(m.Functions, module.Function{}) // placeholder for main, filled below
	m.Functions = append(m.Functions, module.Function{Name: "double", ParamCount: 1, LocalCount: 1, MaxStack: 4, Code: doubleCode})

	mainCode := []byte{byte(module.OpConstI32)}
	mainCode = append(mainCode, i32le(21)...)
	mainCode = append(mainCode, byte(module.OpCall))
	mainCode = append(mainCode, u32le(1)...) // call fn index 1
	mainCode = append(mainCode, u16le(1)...) // argc=1
	mainCode = append(mainCode, byte(module.OpReturn))
	m.Functions[0] = module.Function{Name: "main", LocalCount: 0, MaxStack: 4, Code: mainCode}

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

func TestDivisionByZeroFailsTaskWithoutHandler(t *testing.T) {
	m := module.New("t")
	code := []byte{byte(module.OpConstI32)}
	code = append(code, i32le(1)...)
	code = append(code, byte(module.OpConstI32))
	code = append(code, i32le(0)...)
	code = append(code, byte(module.OpIdiv))
	code = append(code, byte(module.OpReturn))

	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 0, MaxStack: 4, Code: code})
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Failed {
		t.Fatalf("task state = %v, want Failed", tk.State())
	}
	if tk.Err == nil {
		t.Fatal("expected a RuntimeError, got nil")
	}
}

func TestTryCatchRecoversThrow(t *testing.T) {
	m := module.New("t")
	// try { throw 5 } catch { return 99 }
	//
	// layout: Try(catchIP, 0) ; ConstI32 5 ; Throw ; [catch:] Pop ; ConstI32 99 ; Return
	tryInstr := []byte{byte(module.OpTry)}
	tryInstr = append(tryInstr, u32le(0)...) // catchIP patched below
	tryInstr = append(tryInstr, u32le(0)...) // no finally

	body := []byte{byte(module.OpConstI32)}
	body = append(body, i32le(5)...)
	body = append(body, byte(module.OpThrow))

	catchIP := len(tryInstr) + len(body)
	binary.LittleEndian.PutUint32(tryInstr[1:5], uint32(catchIP))

	catch := []byte{byte(module.OpPop)}
	catch = append(catch, byte(module.OpConstI32))
	catch = append(catch, i32le(99)...)
	catch = append(catch, byte(module.OpReturn))

	code := append(append(tryInstr, body...), catch...)

	m.Functions = append(m.Functions, module.Function{Name: "main", LocalCount: 0, MaxStack: 4, Code: code})
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

func TestSpawnAndAwait(t *testing.T) {
	m := module.New("t")
	childCode := []byte{byte(module.OpConstI32)}
	childCode = append(childCode, i32le(123)...)
	childCode = append(childCode, byte(module.OpReturn))
	m.Functions = append(m.Functions, module.Function{}) // main placeholder
	m.Functions = append(m.Functions, module.Function{Name: "child", LocalCount: 0, MaxStack: 2, Code: childCode})

	mainCode := []byte{byte(module.OpSpawn)}
	mainCode = append(mainCode, u32le(1)...)
	mainCode = append(mainCode, u16le(0)...) // argc=0
	mainCode = append(mainCode, byte(module.OpAwait))
	mainCode = append(mainCode, byte(module.OpReturn))
	m.Functions[0] = module.Function{Name: "main", LocalCount: 0, MaxStack: 4, Code: mainCode}
	m.Exports = append(m.Exports, module.Export{SymbolName: "main", Index: 0})

	tk := runModule(t, m)
	if tk.State() != task.Completed {
		t.Fatalf("task state = %v, err = %v", tk.State(), tk.Err)
	}
	got, _ := tk.Result.AsI32()
	if got != 123 {
		t.Errorf("result = %d, want 123", got)
	}
}
