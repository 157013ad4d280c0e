package stdlib

import (
	"unsafe"

	"raya/internal/heap"
	"raya/internal/rerrors"
	"raya/internal/value"
	"raya/internal/vmcontext"
)

func objPtr[T any](p *T) unsafe.Pointer { return unsafe.Pointer(p) }

func argString(args []value.Value, i int) (string, error) {
	if i >= len(args) {
		return "", rerrors.New(rerrors.RuntimeError, "argument %d missing", i)
	}
	ptr, ok := args[i].AsPtr()
	if !ok || heap.HeaderOf(ptr).Tag != heap.TagString {
		return "", rerrors.New(rerrors.TypeError, "argument %d must be a string", i)
	}
	return (*heap.String)(ptr).String(), nil
}

func argHandle(args []value.Value, i int) (uint64, error) {
	if i >= len(args) {
		return 0, rerrors.New(rerrors.RuntimeError, "argument %d missing", i)
	}
	h, ok := args[i].AsHandle()
	if !ok {
		return 0, rerrors.New(rerrors.TypeError, "argument %d must be a handle", i)
	}
	return h, nil
}

func strResult(ctx *vmcontext.Context, s string) (value.Value, error) {
	obj, err := ctx.Heap.AllocString(s)
	if err != nil {
		return value.Null(), err
	}
	return value.Ptr(objPtr(obj)), nil
}
