package module

import "testing"

func buildSampleModule() *Module {
	m := New("sample")
	m.Consts.InternString("hello")
	m.Consts.InternNumber(3.5)

	m.Functions = append(m.Functions, Function{
		Name: "main", ParamCount: 0, LocalCount: 2, MaxStack: 4,
		Code: []byte{byte(OpConstI32), 1, 0, 0, 0, byte(OpReturn)},
	})
	m.Functions = append(m.Functions, Function{
		Name: "adder", ParamCount: 1, LocalCount: 1, MaxStack: 2,
		Code:        []byte{byte(OpLoadCaptured), 0, 0, byte(OpLoadLocal), 0, 0, byte(OpIadd), byte(OpReturn)},
		CaptureSpec: []CaptureSlot{{FromParentCaptured: false, Index: 0}},
	})

	m.Classes = append(m.Classes, Class{
		Name:     "Point",
		ParentID: -1,
		Fields:   []Field{{Name: "x", Offset: 0}, {Name: "y", Offset: 1}},
		VTable:   []uint32{0, 1},
		HasCtor:  true,
	})

	m.Imports = append(m.Imports, Import{ModuleName: "fs", SymbolName: "readFile"})
	m.Exports = append(m.Exports, Export{SymbolName: "main", IsClass: false, Index: 0})
	m.Exports = append(m.Exports, Export{SymbolName: "Point", IsClass: true, Index: 0})

	m.Debug = &DebugInfo{Lines: []LineEntry{{FunctionIndex: 0, Offset: 0, Line: 1}}}
	m.GlobalCount = 3
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := buildSampleModule()
	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Name != orig.Name {
		t.Errorf("Name = %q, want %q", got.Name, orig.Name)
	}
	if len(got.Functions) != len(orig.Functions) {
		t.Fatalf("len(Functions) = %d, want %d", len(got.Functions), len(orig.Functions))
	}
	for i := range orig.Functions {
		if got.Functions[i].Name != orig.Functions[i].Name {
			t.Errorf("Functions[%d].Name = %q, want %q", i, got.Functions[i].Name, orig.Functions[i].Name)
		}
		if string(got.Functions[i].Code) != string(orig.Functions[i].Code) {
			t.Errorf("Functions[%d].Code mismatch", i)
		}
	}
	if len(got.Classes) != 1 || got.Classes[0].Name != "Point" {
		t.Fatalf("Classes round-trip failed: %+v", got.Classes)
	}
	if len(got.Classes[0].Fields) != 2 {
		t.Fatalf("Fields round-trip failed: %+v", got.Classes[0].Fields)
	}
	if len(got.Imports) != 1 || got.Imports[0].SymbolName != "readFile" {
		t.Fatalf("Imports round-trip failed: %+v", got.Imports)
	}
	if got.EntryPoint() != 0 {
		t.Errorf("EntryPoint() = %d, want 0", got.EntryPoint())
	}
	if got.Debug == nil || len(got.Debug.Lines) != 1 {
		t.Fatalf("Debug round-trip failed: %+v", got.Debug)
	}
	if got.GlobalCount != 3 {
		t.Errorf("GlobalCount = %d, want 3", got.GlobalCount)
	}

	s, serr := got.Consts.String(0)
	if serr != nil || s != "hello" {
		t.Errorf("Consts.String(0) = %q, %v", s, serr)
	}
	n, nerr := got.Consts.Number(0)
	if nerr != nil || n != 3.5 {
		t.Errorf("Consts.Number(0) = %v, %v", n, nerr)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	orig := buildSampleModule()
	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[10] ^= 0xFF // flip a byte inside the payload, leaving the checksum stale

	if _, err := Decode(data); err == nil {
		t.Fatal("Decode of corrupted binary succeeded, want checksum error")
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	if _, err := Decode([]byte("short")); err == nil {
		t.Fatal("Decode of truncated binary succeeded, want error")
	}
}

func TestConstPoolInterning(t *testing.T) {
	p := NewConstPool()
	i1 := p.InternString("foo")
	i2 := p.InternString("foo")
	if i1 != i2 {
		t.Errorf("InternString not deduplicating: %d != %d", i1, i2)
	}
	i3 := p.InternString("bar")
	if i3 == i1 {
		t.Errorf("InternString collided across distinct strings")
	}
}

func TestOpcodeTables(t *testing.T) {
	if !Valid(OpIadd) {
		t.Error("OpIadd should be valid")
	}
	if Valid(numOpcodes) {
		t.Error("numOpcodes sentinel should not be a valid opcode")
	}
	if OperandSize(OpConstI32) != 4 {
		t.Errorf("OperandSize(OpConstI32) = %d, want 4", OperandSize(OpConstI32))
	}
	if pops, pushes, ok := StackEffect(OpIadd); !ok || pops != 2 || pushes != 1 {
		t.Errorf("StackEffect(OpIadd) = %d,%d,%v, want 2,1,true", pops, pushes, ok)
	}
	if _, _, ok := StackEffect(OpCall); ok {
		t.Error("StackEffect(OpCall) should report ok=false (argc-dependent)")
	}
	if !IsTerminator(OpReturn) || IsTerminator(OpIadd) {
		t.Error("IsTerminator mismatch")
	}
}
