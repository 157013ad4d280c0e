package frame

import (
	"testing"

	"raya/internal/value"
)

func TestPushPopOperand(t *testing.T) {
	s := NewStack()
	s.Push(value.I32(42))
	v, err := s.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if i, _ := v.AsI32(); i != 42 {
		t.Errorf("got %d, want 42", i)
	}
	if _, err := s.Pop(); err == nil {
		t.Fatal("Pop on empty stack should error")
	}
}

func TestDupSwap(t *testing.T) {
	s := NewStack()
	s.Push(value.I32(1))
	s.Push(value.I32(2))
	if err := s.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	top, _ := s.Pop()
	if i, _ := top.AsI32(); i != 1 {
		t.Errorf("after swap top = %d, want 1", i)
	}
	second, _ := s.Pop()
	if i, _ := second.AsI32(); i != 2 {
		t.Errorf("after swap second = %d, want 2", i)
	}

	s.Push(value.I32(9))
	if err := s.Dup(); err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if s.Depth() != 2 {
		t.Errorf("Depth() after dup = %d, want 2", s.Depth())
	}
}

func TestFrameLocals(t *testing.T) {
	s := NewStack()
	f, err := s.PushFrame(0, 3, nil)
	if err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	if err := s.SetLocal(f, 1, value.I32(5)); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	v, err := s.Local(f, 1)
	if err != nil {
		t.Fatalf("Local: %v", err)
	}
	if i, _ := v.AsI32(); i != 5 {
		t.Errorf("got %d, want 5", i)
	}
	if _, err := s.Local(f, 99); err == nil {
		t.Fatal("out-of-range local should error")
	}
	if err := s.PopFrame(); err != nil {
		t.Fatalf("PopFrame: %v", err)
	}
	if len(s.Locals) != 0 {
		t.Errorf("Locals not truncated after PopFrame: %d remain", len(s.Locals))
	}
}

func TestMaxFramesExceeded(t *testing.T) {
	s := NewStack()
	s.MaxFrames = 2
	if _, err := s.PushFrame(0, 0, nil); err != nil {
		t.Fatalf("PushFrame 1: %v", err)
	}
	if _, err := s.PushFrame(0, 0, nil); err != nil {
		t.Fatalf("PushFrame 2: %v", err)
	}
	if _, err := s.PushFrame(0, 0, nil); err == nil {
		t.Fatal("PushFrame beyond MaxFrames should error")
	}
}

func TestTryHandlerUnwind(t *testing.T) {
	s := NewStack()
	if _, err := s.PushFrame(0, 2, nil); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	s.Push(value.I32(1))
	s.PushTry(100, 0, false)

	if _, err := s.PushFrame(1, 4, nil); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	s.Push(value.I32(2))
	s.Push(value.I32(3))

	h, found := s.FindHandler()
	if !found {
		t.Fatal("expected a handler")
	}
	s.UnwindTo(*h)
	if len(s.Frames) != 1 {
		t.Errorf("Frames after unwind = %d, want 1", len(s.Frames))
	}
	if s.Depth() != 1 {
		t.Errorf("Depth() after unwind = %d, want 1", s.Depth())
	}
}

func TestRoots(t *testing.T) {
	s := NewStack()
	s.Push(value.I32(1))
	if _, err := s.PushFrame(0, 2, nil); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	roots := s.Roots()
	if len(roots) != 3 { // 1 operand + 2 locals
		t.Errorf("len(Roots()) = %d, want 3", len(roots))
	}
}
