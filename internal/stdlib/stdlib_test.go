package stdlib

import (
	"os"
	"path/filepath"
	"testing"

	"raya/internal/gc"
	"raya/internal/module"
	"raya/internal/value"
	"raya/internal/vmcontext"
)

func newCtx(t *testing.T) *vmcontext.Context {
	t.Helper()
	ctx, err := vmcontext.LoadModule(module.New("t"), gc.DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	return ctx
}

func callNative(t *testing.T, ctx *vmcontext.Context, name string, args []value.Value) (value.Value, error) {
	t.Helper()
	id, ok := ctx.NativeByName(name)
	if !ok {
		t.Fatalf("native %q not registered", name)
	}
	fn, err := ctx.NativeByID(id)
	if err != nil {
		t.Fatalf("NativeByID(%q): %v", name, err)
	}
	return fn(ctx, args)
}

func strArg(t *testing.T, ctx *vmcontext.Context, s string) value.Value {
	t.Helper()
	obj, err := ctx.Heap.AllocString(s)
	if err != nil {
		t.Fatalf("AllocString: %v", err)
	}
	return value.Ptr(objPtr(obj))
}

func TestFSWriteReadExistsRemove(t *testing.T) {
	ctx := newCtx(t)
	RegisterFS(ctx)

	path := filepath.Join(t.TempDir(), "greeting.txt")

	ok, err := callNative(t, ctx, "fs.writeFile", []value.Value{strArg(t, ctx, path), strArg(t, ctx, "hello")})
	if err != nil {
		t.Fatalf("fs.writeFile: %v", err)
	}
	if b, _ := ok.AsBool(); !b {
		t.Fatalf("fs.writeFile returned false")
	}

	exists, err := callNative(t, ctx, "fs.exists", []value.Value{strArg(t, ctx, path)})
	if err != nil {
		t.Fatalf("fs.exists: %v", err)
	}
	if b, _ := exists.AsBool(); !b {
		t.Fatalf("fs.exists false for a file that was just written")
	}

	content, err := callNative(t, ctx, "fs.readFile", []value.Value{strArg(t, ctx, path)})
	if err != nil {
		t.Fatalf("fs.readFile: %v", err)
	}
	s, serr := argString([]value.Value{content}, 0)
	if serr != nil {
		t.Fatalf("argString on result: %v", serr)
	}
	if s != "hello" {
		t.Errorf("fs.readFile = %q, want %q", s, "hello")
	}

	if _, err := callNative(t, ctx, "fs.remove", []value.Value{strArg(t, ctx, path)}); err != nil {
		t.Fatalf("fs.remove: %v", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		t.Error("file still present after fs.remove")
	}
}

func TestFSReadMissingFileErrors(t *testing.T) {
	ctx := newCtx(t)
	RegisterFS(ctx)
	missing := filepath.Join(t.TempDir(), "does-not-exist.txt")
	if _, err := callNative(t, ctx, "fs.readFile", []value.Value{strArg(t, ctx, missing)}); err == nil {
		t.Error("expected an error reading a nonexistent file")
	}
}

func TestDBSqliteRoundtrip(t *testing.T) {
	ctx := newCtx(t)
	RegisterDB(ctx)

	connVal, err := callNative(t, ctx, "db.connect", []value.Value{strArg(t, ctx, "sqlite"), strArg(t, ctx, ":memory:")})
	if err != nil {
		t.Fatalf("db.connect: %v", err)
	}
	handle, ok := connVal.AsHandle()
	if !ok {
		t.Fatalf("db.connect did not return a handle: %v", connVal)
	}
	handleVal := value.Handle(handle)

	if _, err := callNative(t, ctx, "db.exec", []value.Value{handleVal, strArg(t, ctx, "CREATE TABLE items (id INTEGER, name TEXT)")}); err != nil {
		t.Fatalf("db.exec create: %v", err)
	}
	n, err := callNative(t, ctx, "db.exec", []value.Value{handleVal, strArg(t, ctx, "INSERT INTO items (id, name) VALUES (1, 'widget')")})
	if err != nil {
		t.Fatalf("db.exec insert: %v", err)
	}
	if rows, _ := n.AsI32(); rows != 1 {
		t.Errorf("rows affected = %d, want 1", rows)
	}

	result, err := callNative(t, ctx, "db.query", []value.Value{handleVal, strArg(t, ctx, "SELECT id, name FROM items")})
	if err != nil {
		t.Fatalf("db.query: %v", err)
	}
	if _, ok := result.AsPtr(); !ok {
		t.Fatalf("db.query result is not a pointer value: %v", result)
	}

	if _, err := callNative(t, ctx, "db.close", []value.Value{handleVal}); err != nil {
		t.Fatalf("db.close: %v", err)
	}
}

func TestDBUnknownHandle(t *testing.T) {
	ctx := newCtx(t)
	RegisterDB(ctx)
	if _, err := callNative(t, ctx, "db.exec", []value.Value{value.Handle(9999), strArg(t, ctx, "SELECT 1")}); err == nil {
		t.Error("expected an error for an unknown connection handle")
	}
}

func TestWSUnknownHandle(t *testing.T) {
	ctx := newCtx(t)
	RegisterWS(ctx)
	if _, err := callNative(t, ctx, "ws.send", []value.Value{value.Handle(9999), strArg(t, ctx, "hi")}); err == nil {
		t.Error("expected an error sending on an unknown connection handle")
	}
	closed, err := callNative(t, ctx, "ws.close", []value.Value{value.Handle(9999)})
	if err != nil {
		t.Fatalf("ws.close on unknown handle should not error, got: %v", err)
	}
	if b, _ := closed.AsBool(); b {
		t.Error("ws.close on unknown handle should report false")
	}
}
