// Package module defines Raya's constant pool, function/class tables, and
// the in-memory Module the verifier checks and both interpreters execute.
// Grounded on the teacher's internal/bytecode.Chunk (constant pool,
// per-function code buffer) generalized to the class/import/export tables
// and closure capture metadata the spec's module format requires.
package module

import "fmt"

// ConstPool holds a module's interned constants. Strings and numbers are
// deduplicated at build time; bytecode references them by dense index,
// matching the teacher's Chunk.constants pool in internal/bytecode.
type ConstPool struct {
	Strings []string
	Numbers []float64

	strIndex map[string]uint32
	numIndex map[float64]uint32
}

func NewConstPool() *ConstPool {
	return &ConstPool{strIndex: make(map[string]uint32), numIndex: make(map[float64]uint32)}
}

// InternString returns the index of s, adding it if not already present.
func (p *ConstPool) InternString(s string) uint32 {
	if idx, ok := p.strIndex[s]; ok {
		return idx
	}
	idx := uint32(len(p.Strings))
	p.Strings = append(p.Strings, s)
	p.strIndex[s] = idx
	return idx
}

func (p *ConstPool) InternNumber(n float64) uint32 {
	if idx, ok := p.numIndex[n]; ok {
		return idx
	}
	idx := uint32(len(p.Numbers))
	p.Numbers = append(p.Numbers, n)
	p.numIndex[n] = idx
	return idx
}

func (p *ConstPool) String(idx uint32) (string, error) {
	if int(idx) >= len(p.Strings) {
		return "", fmt.Errorf("module: constant string index %d out of range (pool size %d)", idx, len(p.Strings))
	}
	return p.Strings[idx], nil
}

func (p *ConstPool) Number(idx uint32) (float64, error) {
	if int(idx) >= len(p.Numbers) {
		return 0, fmt.Errorf("module: constant number index %d out of range (pool size %d)", idx, len(p.Numbers))
	}
	return p.Numbers[idx], nil
}

// Function is one compiled function body: raw bytecode plus the metadata
// the verifier and both interpreters need to execute it.
type Function struct {
	Name        string
	ParamCount  int
	LocalCount  int
	MaxStack    int // computed by the verifier, cached here after first verification
	Code        []byte
	CaptureSpec []CaptureSlot // closure capture list for functions compiled as closure bodies
	IsNative    bool          // true for stdlib bridge stubs resolved by internal/stdlib
	NativeID    uint32
}

// CaptureSlot names where a closure's Nth captured value comes from at
// MakeClosure time: either an enclosing local slot or an already-captured
// slot of the enclosing function (for nested closures).
type CaptureSlot struct {
	FromParentCaptured bool
	Index              uint16
}

// Field describes one class field's name and flattened offset.
type Field struct {
	Name   string
	Offset uint16
}

// Class is one compiled class's layout and dispatch table. Field offsets
// and the vtable are assigned by internal/class's parent-first flattening
// at registration time; this struct is the serialized form round-tripped
// through the module binary.
type Class struct {
	Name       string
	ParentID   int32 // -1 if no parent
	Fields     []Field
	VTable     []uint32 // dense method-id -> function-id; inherited unless overridden
	CtorFuncID uint32
	HasCtor    bool
}

// Import names an external symbol a module expects its host (or another
// module) to resolve before execution.
type Import struct {
	ModuleName string
	SymbolName string
}

// Export names a function or class this module makes available under a
// public symbol name.
type Export struct {
	SymbolName string
	IsClass    bool
	Index      uint32 // into Functions or Classes depending on IsClass
}

// DebugInfo carries optional per-offset source mapping, stripped from
// release builds the way the teacher's builder supports a "strip debug"
// flag on its bundle format.
type DebugInfo struct {
	Lines []LineEntry
}

type LineEntry struct {
	FunctionIndex uint32
	Offset        uint32
	Line          uint32
}

// Module is a fully decoded Raya bytecode module: the in-memory form the
// verifier checks and both interpreters execute directly.
type Module struct {
	Name        string
	Consts      *ConstPool
	Functions   []Function
	Classes     []Class
	Imports     []Import
	Exports     []Export
	Debug       *DebugInfo // nil if stripped
	GlobalCount uint32     // size of the module-level global-variable slot array
}

func New(name string) *Module {
	return &Module{Name: name, Consts: NewConstPool()}
}

// EntryPoint returns the index of the module's designated "main" function
// (by convention, the export named "main"), or -1 if none is exported.
func (m *Module) EntryPoint() int {
	for _, e := range m.Exports {
		if !e.IsClass && e.SymbolName == "main" {
			return int(e.Index)
		}
	}
	return -1
}
