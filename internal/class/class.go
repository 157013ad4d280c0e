// Package class implements Raya's class registry: flattened, offset-
// addressed field layouts and dense method-id vtables built by
// parent-first topological registration, giving O(1) field access and
// dynamic dispatch. Generalized from the teacher's map-based ClassObj/
// InstanceObj (internal/vmregister and internal/vm/vm_classes.go), which
// resolve both fields and methods by string name at every access; this
// package keeps the name tables only at registration time and reduces
// every runtime access to a Go slice index.
package class

import (
	"raya/internal/module"
	"raya/internal/rerrors"
)

// Info is one registered class's runtime layout: its field count (for
// heap.Object allocation sizing), its flattened field name->offset table
// (kept for reflection and debugging, never consulted on the value hot
// path), and its dense vtable.
type Info struct {
	Name       string
	ParentID   int32
	FieldCount int
	FieldNames map[string]uint16 // name -> offset, reflection/debug use only
	VTable     []uint32          // method id -> function id
	CtorFuncID uint32
	HasCtor    bool
}

// Registry holds every class registered for one VmContext. Registries are
// never shared across contexts, matching the per-context isolation rule.
type Registry struct {
	classes []Info
	byName  map[string]int32
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int32)}
}

// Get returns the Info for a class by id.
func (r *Registry) Get(id uint32) (*Info, error) {
	if int(id) >= len(r.classes) {
		return nil, rerrors.New(rerrors.RuntimeError, "class id %d not registered", id)
	}
	return &r.classes[id], nil
}

func (r *Registry) ByName(name string) (uint32, bool) {
	id, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return uint32(id), true
}

// FieldOffset resolves a field name to its flattened offset, for
// reflection opcodes only; ordinary GetField/SetField take the offset
// that the compiler already baked into the instruction.
func (r *Registry) FieldOffset(classID uint32, name string) (uint16, error) {
	info, err := r.Get(classID)
	if err != nil {
		return 0, err
	}
	off, ok := info.FieldNames[name]
	if !ok {
		return 0, rerrors.New(rerrors.RuntimeError, "class %q has no field %q", info.Name, name)
	}
	return off, nil
}

// MethodID resolves classID's vtable slot `methodSlot` to a function id,
// honoring inheritance (slots not overridden by classID point at the
// function id its flattening inherited from an ancestor).
func (r *Registry) MethodID(classID uint32, methodSlot uint32) (uint32, error) {
	info, err := r.Get(classID)
	if err != nil {
		return 0, err
	}
	if int(methodSlot) >= len(info.VTable) {
		return 0, rerrors.New(rerrors.RuntimeError, "class %q has no method slot %d", info.Name, methodSlot)
	}
	return info.VTable[methodSlot], nil
}

// IsSubclass reports whether descendant's ancestor chain includes
// ancestorID (or descendant == ancestorID).
func (r *Registry) IsSubclass(descendant, ancestorID uint32) bool {
	cur := int32(descendant)
	for cur >= 0 {
		if uint32(cur) == ancestorID {
			return true
		}
		if int(cur) >= len(r.classes) {
			return false
		}
		cur = r.classes[cur].ParentID
	}
	return false
}

// LoadFromModule registers every class in m in parent-first topological
// order, flattening field offsets and vtables, and returns the resulting
// Registry. Cycles are rejected — m is assumed already verify.Module-
// checked for basic id-range validity, but topological registration
// itself is this package's job since the verifier doesn't walk the
// inheritance DAG.
func LoadFromModule(m *module.Module) (*Registry, error) {
	r := NewRegistry()
	n := len(m.Classes)
	r.classes = make([]Info, n)

	state := make([]int8, n) // 0=unvisited, 1=in-progress, 2=done
	var visit func(id int32) error
	visit = func(id int32) error {
		if id < 0 {
			return nil
		}
		if int(id) >= n {
			return rerrors.New(rerrors.ModuleValidation, "class %d: parent id out of range", id)
		}
		switch state[id] {
		case 2:
			return nil
		case 1:
			return rerrors.New(rerrors.ModuleValidation, "class %d: inheritance cycle detected", id)
		}
		state[id] = 1
		c := m.Classes[id]
		if err := visit(c.ParentID); err != nil {
			return err
		}

		info := Info{
			Name: c.Name, ParentID: c.ParentID,
			CtorFuncID: c.CtorFuncID, HasCtor: c.HasCtor,
			FieldNames: make(map[string]uint16),
		}

		if c.ParentID >= 0 {
			parent := r.classes[c.ParentID]
			info.FieldCount = parent.FieldCount
			for name, off := range parent.FieldNames {
				info.FieldNames[name] = off
			}
			info.VTable = append([]uint32(nil), parent.VTable...)
		}

		for _, f := range c.Fields {
			info.FieldNames[f.Name] = f.Offset
			if int(f.Offset)+1 > info.FieldCount {
				info.FieldCount = int(f.Offset) + 1
			}
		}

		for slot, fnID := range c.VTable {
			for len(info.VTable) <= slot {
				info.VTable = append(info.VTable, 0)
			}
			info.VTable[slot] = fnID
		}

		r.classes[id] = info
		r.byName[info.Name] = id
		state[id] = 2
		return nil
	}

	for id := int32(0); int(id) < n; id++ {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return r, nil
}
