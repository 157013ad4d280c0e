package class

import (
	"testing"

	"raya/internal/module"
)

func TestSingleClassNoParent(t *testing.T) {
	m := module.New("t")
	m.Classes = []module.Class{{
		Name:     "Point",
		ParentID: -1,
		Fields:   []module.Field{{Name: "x", Offset: 0}, {Name: "y", Offset: 1}},
		VTable:   []uint32{7},
	}}
	r, err := LoadFromModule(m)
	if err != nil {
		t.Fatalf("LoadFromModule: %v", err)
	}
	info, err := r.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.FieldCount != 2 {
		t.Errorf("FieldCount = %d, want 2", info.FieldCount)
	}
	off, err := r.FieldOffset(0, "y")
	if err != nil || off != 1 {
		t.Errorf("FieldOffset(y) = %d, %v, want 1, nil", off, err)
	}
	fnID, err := r.MethodID(0, 0)
	if err != nil || fnID != 7 {
		t.Errorf("MethodID(0) = %d, %v, want 7, nil", fnID, err)
	}
}

func TestInheritedFieldsAndOverride(t *testing.T) {
	m := module.New("t")
	m.Classes = []module.Class{
		{
			Name:     "Animal",
			ParentID: -1,
			Fields:   []module.Field{{Name: "name", Offset: 0}},
			VTable:   []uint32{1}, // speak -> func 1
		},
		{
			Name:     "Dog",
			ParentID: 0,
			Fields:   []module.Field{{Name: "breed", Offset: 1}},
			VTable:   []uint32{2}, // override speak -> func 2
		},
	}
	r, err := LoadFromModule(m)
	if err != nil {
		t.Fatalf("LoadFromModule: %v", err)
	}
	dog, err := r.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if dog.FieldCount != 2 {
		t.Errorf("Dog.FieldCount = %d, want 2", dog.FieldCount)
	}
	if _, ok := dog.FieldNames["name"]; !ok {
		t.Error("Dog should inherit field 'name'")
	}
	fnID, err := r.MethodID(1, 0)
	if err != nil || fnID != 2 {
		t.Errorf("Dog.MethodID(0) = %d, %v, want 2 (overridden)", fnID, err)
	}
	if !r.IsSubclass(1, 0) {
		t.Error("Dog should be a subclass of Animal")
	}
	if r.IsSubclass(0, 1) {
		t.Error("Animal should not be a subclass of Dog")
	}
}

func TestCycleRejected(t *testing.T) {
	m := module.New("t")
	m.Classes = []module.Class{
		{Name: "A", ParentID: 1},
		{Name: "B", ParentID: 0},
	}
	if _, err := LoadFromModule(m); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestByName(t *testing.T) {
	m := module.New("t")
	m.Classes = []module.Class{{Name: "Widget", ParentID: -1}}
	r, err := LoadFromModule(m)
	if err != nil {
		t.Fatalf("LoadFromModule: %v", err)
	}
	id, ok := r.ByName("Widget")
	if !ok || id != 0 {
		t.Errorf("ByName(Widget) = %d, %v, want 0, true", id, ok)
	}
	if _, ok := r.ByName("Missing"); ok {
		t.Error("ByName(Missing) should not be found")
	}
}
