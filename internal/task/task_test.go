package task

import (
	"testing"

	"raya/internal/value"
)

func TestStateTransitions(t *testing.T) {
	tk := New(1, 0)
	if tk.State() != Created {
		t.Fatalf("initial state = %v, want Created", tk.State())
	}
	if !tk.TransitionTo(Running, Created) {
		t.Fatal("Created -> Running should succeed")
	}
	if tk.TransitionTo(Running, Created) {
		t.Fatal("Created -> Running should fail once already Running")
	}
}

func TestSuspendResume(t *testing.T) {
	tk := New(1, 0)
	tk.TransitionTo(Running, Created)
	tk.Suspend(MutexLock)
	if tk.State() != Suspended {
		t.Errorf("state = %v, want Suspended", tk.State())
	}
	if tk.SuspendReason() != MutexLock {
		t.Errorf("reason = %v, want MutexLock", tk.SuspendReason())
	}
	tk.Resume()
	if tk.State() != Resumed {
		t.Errorf("state = %v, want Resumed", tk.State())
	}
	if tk.SuspendReason() != NotSuspended {
		t.Errorf("reason after resume = %v, want NotSuspended", tk.SuspendReason())
	}
}

func TestPreemptFlag(t *testing.T) {
	tk := New(1, 0)
	if tk.PreemptRequested() {
		t.Fatal("should not start preempted")
	}
	tk.RequestPreempt()
	if !tk.PreemptRequested() {
		t.Fatal("RequestPreempt should set the flag")
	}
	tk.ClearPreempt()
	if tk.PreemptRequested() {
		t.Fatal("ClearPreempt should clear the flag")
	}
}

func TestAwaitWakesOnFinish(t *testing.T) {
	tk := New(1, 0)
	waiter := tk.AddWaiter()
	select {
	case <-waiter:
		t.Fatal("waiter should not be closed before Finish")
	default:
	}
	tk.Finish(Completed, value.I32(42), nil)
	select {
	case <-waiter:
	default:
		t.Fatal("waiter should be closed after Finish")
	}
	if tk.State() != Completed {
		t.Errorf("state = %v, want Completed", tk.State())
	}
}

func TestAwaitOnAlreadyFinishedTaskClosesImmediately(t *testing.T) {
	tk := New(1, 0)
	tk.Finish(Completed, value.Null(), nil)
	waiter := tk.AddWaiter()
	select {
	case <-waiter:
	default:
		t.Fatal("AddWaiter on finished task should return a closed channel")
	}
}

func TestHeldMutexes(t *testing.T) {
	tk := New(1, 0)
	tk.MarkMutexHeld(5)
	tk.MarkMutexHeld(6)
	held := tk.HeldMutexes()
	if len(held) != 2 {
		t.Fatalf("HeldMutexes() = %v, want 2 entries", held)
	}
	tk.MarkMutexReleased(5)
	held = tk.HeldMutexes()
	if len(held) != 1 || held[0] != 6 {
		t.Fatalf("HeldMutexes() after release = %v, want [6]", held)
	}
}
