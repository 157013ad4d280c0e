// Package value implements Raya's NaN-boxed tagged Value representation.
//
// A Value is a single 64-bit machine word. Any bit pattern that is a normal
// IEEE-754 float64 (i.e. not a NaN) is that float directly; the otherwise
// wasted NaN payload space is carved into tags for null, bool, a 48-bit
// small int, a 48-bit handle (task/mutex id), and a 48-bit heap pointer.
//
// Encoding (bits 63-48 select the tag, within the NaN space 0x7FF8-0x7FFF):
//
//	float64:   any bit pattern where (bits & NAN_MASK) != NAN_MASK
//	null:      0x7FF8000000000000
//	false:     0x7FF8000000000001
//	true:      0x7FF8000000000002
//	handle:    0x7FFA000000000000 | handle48
//	pointer:   0x7FFC000000000000 | ptr48
//	int32:     0x7FFE000000000000 | sign-extended int48 payload
package value

import (
	"math"
	"unsafe"
)

type Value uint64

const (
	nanMask = 0x7FF8000000000000
	tagMask = 0xFFFF000000000000

	tagNull  = 0x7FF8000000000000
	tagFalse = 0x7FF8000000000001
	tagTrue  = 0x7FF8000000000002

	tagHandle  = 0x7FFA000000000000
	handleMask = 0x0000FFFFFFFFFFFF

	tagPtr  = 0x7FFC000000000000
	ptrMask = 0x0000FFFFFFFFFFFF

	tagInt  = 0x7FFE000000000000
	intMask = 0x0000FFFFFFFFFFFF
	intSign = 0x0000800000000000

	numberMask = 0x7FF8000000000000
)

// Null is the canonical null Value.
func Null() Value { return tagNull }

func Bool(b bool) Value {
	if b {
		return tagTrue
	}
	return tagFalse
}

func I32(i int32) Value {
	v := int64(i)
	if v < 0 {
		return Value(tagInt | uint64(v&intMask))
	}
	return Value(tagInt | uint64(v))
}

func F64(f float64) Value { return Value(math.Float64bits(f)) }

// Handle boxes a 48-bit process-wide opaque id (task id, mutex id).
func Handle(h uint64) Value {
	if h > handleMask {
		panic("value: handle out of range for 48-bit encoding")
	}
	return Value(tagHandle | h)
}

// Ptr boxes a heap pointer. Callers must ensure the pointee is rooted
// until the Value is no longer reachable (see internal/gc).
func Ptr(p unsafe.Pointer) Value {
	bits := uint64(uintptr(p))
	if bits > ptrMask {
		panic("value: pointer does not fit in 48-bit NaN-box payload")
	}
	return Value(tagPtr | bits)
}

func (v Value) IsNull() bool   { return v == tagNull }
func (v Value) IsBool() bool   { return v == tagTrue || v == tagFalse }
func (v Value) IsI32() bool    { return uint64(v)&tagMask == tagInt }
func (v Value) IsF64() bool    { return uint64(v)&numberMask != numberMask }
func (v Value) IsHandle() bool { return uint64(v)&tagMask == tagHandle }
func (v Value) IsPtr() bool    { return uint64(v)&tagMask == tagPtr }

func (v Value) IsHeapAllocated() bool { return v.IsPtr() }

// AsBool returns (value, ok); ok is false if v is not a bool.
func (v Value) AsBool() (bool, bool) {
	switch v {
	case tagTrue:
		return true, true
	case tagFalse:
		return false, true
	default:
		return false, false
	}
}

func (v Value) AsI32() (int32, bool) {
	if !v.IsI32() {
		return 0, false
	}
	raw := int64(uint64(v) & intMask)
	if raw&intSign != 0 {
		raw |= ^int64(intMask)
	}
	return int32(raw), true
}

func (v Value) AsF64() (float64, bool) {
	if !v.IsF64() {
		return 0, false
	}
	return math.Float64frombits(uint64(v)), true
}

func (v Value) AsHandle() (uint64, bool) {
	if !v.IsHandle() {
		return 0, false
	}
	return uint64(v) & handleMask, true
}

func (v Value) AsPtr() (unsafe.Pointer, bool) {
	if !v.IsPtr() {
		return nil, false
	}
	return unsafe.Pointer(uintptr(uint64(v) & ptrMask)), true
}

// MustI32/MustF64/MustPtr/MustHandle are unchecked extractors for call
// sites that have already verified the kind (e.g. after a dynamic
// dispatch on ValueKind), mirroring the teacher's As* fast-path helpers.
func (v Value) MustI32() int32 {
	i, _ := v.AsI32()
	return i
}

func (v Value) MustF64() float64 {
	f, _ := v.AsF64()
	return f
}

func (v Value) MustHandle() uint64 {
	h, _ := v.AsHandle()
	return h
}

func (v Value) MustPtr() unsafe.Pointer {
	p, _ := v.AsPtr()
	return p
}

// Kind enumerates the six logical Value variants for dynamic dispatch.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindI32
	KindF64
	KindHandle
	KindPtr
)

func (v Value) Kind() Kind {
	switch {
	case v.IsNull():
		return KindNull
	case v.IsBool():
		return KindBool
	case v.IsI32():
		return KindI32
	case v.IsHandle():
		return KindHandle
	case v.IsPtr():
		return KindPtr
	default:
		return KindF64
	}
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindI32:
		return "i32"
	case KindF64:
		return "f64"
	case KindHandle:
		return "handle"
	case KindPtr:
		return "ptr"
	default:
		return "unknown"
	}
}

// Eq implements the spec's non-strict equality: i32/f64 compare
// numerically, everything else compares bitwise. NaN != NaN under both
// this and StrictEq.
func Eq(a, b Value) bool {
	an, aok := numeric(a)
	bn, bok := numeric(b)
	if aok && bok {
		return an == bn
	}
	if a.IsF64() && b.IsF64() {
		af, _ := a.AsF64()
		bf, _ := b.AsF64()
		return af == bf
	}
	return uint64(a) == uint64(b)
}

// StrictEq never coerces i32/f64 into each other.
func StrictEq(a, b Value) bool {
	if a.IsF64() && b.IsF64() {
		af, _ := a.AsF64()
		bf, _ := b.AsF64()
		return af == bf
	}
	return uint64(a) == uint64(b)
}

func numeric(v Value) (float64, bool) {
	if v.IsI32() {
		i, _ := v.AsI32()
		return float64(i), true
	}
	if v.IsF64() {
		f, _ := v.AsF64()
		if math.IsNaN(f) {
			return 0, false // NaN never compares equal to anything, incl. itself
		}
		return f, true
	}
	return 0, false
}
