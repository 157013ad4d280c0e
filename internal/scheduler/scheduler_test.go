package scheduler

import (
	"context"
	"testing"
	"time"

	"raya/internal/task"
	"raya/internal/value"
)

func TestSpawnAndRunToCompletion(t *testing.T) {
	run := func(ctx context.Context, tk *task.Task) bool {
		tk.Finish(task.Completed, value.I32(1), nil)
		return true
	}
	s := New(2, run)
	s.Start()
	defer s.Stop()

	tk := s.Spawn(0)
	waiter := tk.AddWaiter()
	select {
	case <-waiter:
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
	if tk.State() != task.Completed {
		t.Errorf("state = %v, want Completed", tk.State())
	}
}

func TestManyTasksAllComplete(t *testing.T) {
	run := func(ctx context.Context, tk *task.Task) bool {
		tk.Finish(task.Completed, value.Null(), nil)
		return true
	}
	s := New(4, run)
	s.Start()
	defer s.Stop()

	const n = 50
	waiters := make([]<-chan struct{}, n)
	for i := 0; i < n; i++ {
		tk := s.Spawn(0)
		waiters[i] = tk.AddWaiter()
	}
	for i, w := range waiters {
		select {
		case <-w:
		case <-time.After(3 * time.Second):
			t.Fatalf("task %d never completed", i)
		}
	}
}

func TestSleepReinjectsAfterDeadline(t *testing.T) {
	woke := make(chan struct{}, 1)
	first := true
	run := func(ctx context.Context, tk *task.Task) bool {
		if first && tk.SuspendReason() != task.Sleep {
			first = false
			return false // signal suspend is handled by caller below
		}
		woke <- struct{}{}
		tk.Finish(task.Completed, value.Null(), nil)
		return true
	}
	s := New(1, run)
	s.Start()
	defer s.Stop()

	tk := s.Spawn(0)
	s.SleepUntil(tk, time.Now().Add(50*time.Millisecond))

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping task never woke")
	}
}

func TestCancelSetsPreemptFlag(t *testing.T) {
	run := func(ctx context.Context, tk *task.Task) bool {
		return false // never completes on its own
	}
	s := New(1, run)
	s.Start()
	defer s.Stop()

	tk := s.Spawn(0)
	time.Sleep(10 * time.Millisecond)
	if err := s.Cancel(tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !tk.PreemptRequested() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !tk.PreemptRequested() {
		t.Fatal("preempt flag never observed set")
	}
}
