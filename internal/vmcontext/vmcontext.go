// Package vmcontext aggregates one isolated VmContext: its own GC heap,
// class registry, module registry, globals, native-module registry, and
// resource counters. Contexts never share these; only the process-wide
// task/mutex/channel registries (internal/scheduler, internal/syncprim)
// are shared across contexts, keyed by opaque handle. Grounded on the
// teacher's EnhancedVM, which bundles exactly this set of per-VM state
// (globals, frames, modules, tryStack) into one struct; generalized here
// into a container multiple concurrent Tasks execute against instead of
// one VM owning a single thread of control.
package vmcontext

import (
	"raya/internal/class"
	"raya/internal/gc"
	"raya/internal/module"
	"raya/internal/rerrors"
	"raya/internal/safepoint"
	"raya/internal/value"
	"raya/internal/verify"
)

// NativeFunc is a host-implemented function bridged into bytecode via
// OpNativeCall, registered by internal/stdlib modules.
type NativeFunc func(ctx *Context, args []value.Value) (value.Value, error)

// Context is one isolated Raya execution environment: one loaded module
// graph, one heap, one class registry, one global-variable array, and one
// native-function table.
type Context struct {
	Module   *module.Module
	Classes  *class.Registry
	Heap     *gc.Heap
	Safepoint *safepoint.Coordinator

	// Globals is sized by the module's GlobalCount, the distinct global-
	// variable address space OpLoadGlobal/OpStoreGlobal index into -
	// unrelated to the Functions table or Exports list.
	Globals     []value.Value
	globalNames map[string]uint32

	natives   []NativeFunc
	nativeIDs map[string]uint32

	// ResourceCounters track live allocation-adjacent counts for
	// diagnostics and embedder-imposed limits (open file handles, active
	// channels) distinct from the GC's own byte-based heap accounting.
	ResourceCounters map[string]int64
}

// Load decodes and verifies a module binary, builds its class registry,
// and returns a ready-to-run Context. Equivalent to the teacher's
// NewVM(chunk) constructor, generalized to the verify+class stages the
// spec's module pipeline adds ahead of execution.
func Load(data []byte, gcPolicy gc.Policy) (*Context, error) {
	m, err := module.Decode(data)
	if err != nil {
		return nil, rerrors.New(rerrors.DecodeError, "vmcontext: %v", err)
	}
	return LoadModule(m, gcPolicy)
}

// LoadModule builds a Context from an already-decoded module (e.g. one
// produced by a from-source compiler rather than round-tripped through
// the binary format).
func LoadModule(m *module.Module, gcPolicy gc.Policy) (*Context, error) {
	report := verify.Module(m)
	if !report.OK() {
		return nil, report.Errors[0]
	}
	classes, err := class.LoadFromModule(m)
	if err != nil {
		return nil, err
	}
	c := &Context{
		Module:           m,
		Classes:          classes,
		Heap:             gc.New(gcPolicy),
		Safepoint:        safepoint.New(),
		globalNames:      make(map[string]uint32),
		nativeIDs:        make(map[string]uint32),
		ResourceCounters: make(map[string]int64),
	}
	// globalNames is a reflection/debug aid only (e.g. a disassembler
	// printing which export backs which global); OpLoadGlobal/OpStoreGlobal
	// address Globals by the raw slot index the compiler already resolved,
	// never by walking this map.
	for _, exp := range m.Exports {
		if !exp.IsClass {
			c.globalNames[exp.SymbolName] = exp.Index
		}
	}
	c.Globals = make([]value.Value, m.GlobalCount)
	for i := range c.Globals {
		c.Globals[i] = value.Null()
	}
	return c, nil
}

// RegisterNative binds a host function under name, returning its
// NativeID for OpNativeCall instructions compiled against it.
func (c *Context) RegisterNative(name string, fn NativeFunc) uint32 {
	id := uint32(len(c.natives))
	c.natives = append(c.natives, fn)
	c.nativeIDs[name] = id
	return id
}

func (c *Context) NativeByID(id uint32) (NativeFunc, error) {
	if int(id) >= len(c.natives) {
		return nil, rerrors.New(rerrors.RuntimeError, "native function id %d not registered", id)
	}
	return c.natives[id], nil
}

func (c *Context) NativeByName(name string) (uint32, bool) {
	id, ok := c.nativeIDs[name]
	return id, ok
}

func (c *Context) Global(idx uint32) (value.Value, error) {
	if int(idx) >= len(c.Globals) {
		return value.Null(), rerrors.New(rerrors.RuntimeError, "global index %d out of range", idx)
	}
	return c.Globals[idx], nil
}

func (c *Context) SetGlobal(idx uint32, v value.Value) error {
	if int(idx) >= len(c.Globals) {
		return rerrors.New(rerrors.RuntimeError, "global index %d out of range", idx)
	}
	c.Globals[idx] = v
	return nil
}

func (c *Context) IncResource(name string, delta int64) int64 {
	c.ResourceCounters[name] += delta
	return c.ResourceCounters[name]
}
