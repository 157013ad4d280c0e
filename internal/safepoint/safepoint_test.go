package safepoint

import "testing"

func TestPollReflectsEitherFlag(t *testing.T) {
	c := New()
	if c.Poll() {
		t.Fatal("fresh Coordinator should not poll true")
	}
	c.RequestGC()
	if !c.Poll() {
		t.Fatal("Poll should be true once GC requested")
	}
	c.ClearGC()
	if c.Poll() {
		t.Fatal("Poll should clear after ClearGC")
	}
	c.RequestPreempt()
	if !c.Poll() {
		t.Fatal("Poll should be true once preempt requested")
	}
	c.ClearPreempt()
	if c.Poll() {
		t.Fatal("Poll should clear after ClearPreempt")
	}
}
