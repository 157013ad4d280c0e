package vmcontext

import (
	"testing"

	"raya/internal/gc"
	"raya/internal/module"
	"raya/internal/value"
)

func buildModule() *module.Module {
	m := module.New("t")
	code := []byte{byte(module.OpConstTrue), byte(module.OpReturn)}
	m.Functions = []module.Function{{Name: "main", Code: code}}
	m.Exports = []module.Export{{SymbolName: "main", Index: 0}}
	m.GlobalCount = 1
	return m
}

func TestLoadModuleBuildsContext(t *testing.T) {
	c, err := LoadModule(buildModule(), gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if c.Module.EntryPoint() != 0 {
		t.Errorf("EntryPoint() = %d, want 0", c.Module.EntryPoint())
	}
	if len(c.Globals) != 1 {
		t.Fatalf("len(Globals) = %d, want 1", len(c.Globals))
	}
}

func TestLoadModuleRejectsInvalidBytecode(t *testing.T) {
	m := module.New("t")
	m.Functions = []module.Function{{Name: "bad", Code: []byte{0xFF}}}
	if _, err := LoadModule(m, gc.DefaultPolicy()); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestRegisterAndCallNative(t *testing.T) {
	c, err := LoadModule(buildModule(), gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	id := c.RegisterNative("double", func(ctx *Context, args []value.Value) (value.Value, error) {
		n, _ := args[0].AsI32()
		return value.I32(n * 2), nil
	})
	fn, err := c.NativeByID(id)
	if err != nil {
		t.Fatalf("NativeByID: %v", err)
	}
	result, err := fn(c, []value.Value{value.I32(21)})
	if err != nil {
		t.Fatalf("native call: %v", err)
	}
	if n, _ := result.AsI32(); n != 42 {
		t.Errorf("result = %d, want 42", n)
	}
	if gotID, ok := c.NativeByName("double"); !ok || gotID != id {
		t.Errorf("NativeByName = %d, %v, want %d, true", gotID, ok, id)
	}
}

func TestGlobalsBoundsChecked(t *testing.T) {
	c, err := LoadModule(buildModule(), gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := c.SetGlobal(0, value.I32(5)); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	if _, err := c.Global(99); err == nil {
		t.Fatal("out-of-range Global should error")
	}
}

func TestResourceCounters(t *testing.T) {
	c, err := LoadModule(buildModule(), gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if v := c.IncResource("open_files", 1); v != 1 {
		t.Errorf("IncResource = %d, want 1", v)
	}
	if v := c.IncResource("open_files", -1); v != 0 {
		t.Errorf("IncResource = %d, want 0", v)
	}
}
