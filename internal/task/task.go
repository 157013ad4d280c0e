// Package task implements Raya's cooperative Task: a fiber-like unit of
// scheduling with its own operand stack and instruction pointer, an
// atomic state machine, a waiter list for Await, a held-mutex set for
// deadlock diagnostics, and a preemption flag safepoints poll. Grounded
// on the teacher's vmregister.FiberObj (State/Registers/Frames/PC/Parent/
// YieldValue) generalized from one VM's single resumable fiber to many
// Tasks a work-stealing scheduler moves between OS threads.
package task

import (
	"sync"
	"sync/atomic"

	"raya/internal/frame"
	"raya/internal/rerrors"
	"raya/internal/value"
)

// State mirrors the teacher's FiberState enum, extended with the
// scheduler-visible states the spec's Task lifecycle requires.
type State int32

const (
	Created State = iota
	Running
	Suspended
	Resumed
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Resumed:
		return "Resumed"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// SuspendReason names why a Task stopped running without completing,
// dispatched by the scheduler to decide what wakes it back up.
type SuspendReason int32

const (
	NotSuspended SuspendReason = iota
	AwaitTask
	Sleep
	MutexLock
	ChannelSend
	ChannelRecv
)

// Task is one cooperatively-scheduled unit of execution. Its Stack field
// holds the entire live value graph the GC must trace while it is
// suspended.
type Task struct {
	ID       uint64
	ParentID uint64 // 0 if spawned from the root context, not another task

	state         atomic.Int32
	preempt       atomic.Bool
	suspendReason atomic.Int32

	Stack *frame.Stack

	mu          sync.Mutex
	waiters     []chan struct{} // tasks blocked in Await on this one
	heldMutexes map[uint64]struct{}

	Result  value.Value
	Err     *rerrors.RayaError
	WakeAt  int64 // unix-nano deadline for Sleep; 0 if n/a
	WaitFor uint64 // mutex/channel handle this task is blocked on, if any

	exception    value.Value
	hasException bool
}

func New(id, parentID uint64) *Task {
	t := &Task{
		ID: id, ParentID: parentID,
		Stack:       frame.NewStack(),
		heldMutexes: make(map[uint64]struct{}),
	}
	t.state.Store(int32(Created))
	return t
}

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// TransitionTo attempts to move the task from one of `from` into `to`,
// returning false if the task's current state isn't among `from` (a
// concurrent transition already happened).
func (t *Task) TransitionTo(to State, from ...State) bool {
	cur := t.State()
	for _, f := range from {
		if cur == f {
			t.setState(to)
			return true
		}
	}
	return false
}

func (t *Task) SuspendReason() SuspendReason { return SuspendReason(t.suspendReason.Load()) }

func (t *Task) Suspend(reason SuspendReason) {
	t.suspendReason.Store(int32(reason))
	t.setState(Suspended)
}

func (t *Task) Resume() {
	t.suspendReason.Store(int32(NotSuspended))
	t.setState(Resumed)
}

// RequestPreempt sets the safepoint-visible flag; the interpreter checks
// it at backward jumps, call boundaries, and allocation boundaries and
// voluntarily yields back to the scheduler when set.
func (t *Task) RequestPreempt() { t.preempt.Store(true) }

func (t *Task) ClearPreempt() { t.preempt.Store(false) }

func (t *Task) PreemptRequested() bool { return t.preempt.Load() }

// AddWaiter registers a channel to be closed when this task completes or
// fails, implementing Await.
func (t *Task) AddWaiter() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	if t.State() == Completed || t.State() == Failed || t.State() == Cancelled {
		close(ch)
		return ch
	}
	t.waiters = append(t.waiters, ch)
	return ch
}

// Finish transitions the task to a terminal state and wakes every waiter.
// Must only be called once.
func (t *Task) Finish(state State, result value.Value, err *rerrors.RayaError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = result
	t.Err = err
	t.setState(state)
	for _, w := range t.waiters {
		close(w)
	}
	t.waiters = nil
}

// SetException records v as the most recently caught exception, per the
// spec's set_exception(v)/current_exception() Task operations: a catch
// handler calls this so a later OpRethrow can re-raise the same value.
func (t *Task) SetException(v value.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exception = v
	t.hasException = true
}

// CurrentException returns the last value SetException recorded, or
// false if no exception is currently active (never set, or already
// cleared).
func (t *Task) CurrentException() (value.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exception, t.hasException
}

// ClearException drops the recorded exception, e.g. once a handler's
// protected region (and any rethrow within it) has finished running.
func (t *Task) ClearException() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasException = false
}

func (t *Task) MarkMutexHeld(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heldMutexes[handle] = struct{}{}
}

func (t *Task) MarkMutexReleased(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.heldMutexes, handle)
}

func (t *Task) HeldMutexes() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.heldMutexes))
	for h := range t.heldMutexes {
		out = append(out, h)
	}
	return out
}

// Roots implements gc.RootSource by delegating to the task's Stack, plus
// the still-live Result value for a just-finished task another task may
// Await.
func (t *Task) Roots() []value.Value {
	roots := t.Stack.Roots()
	return append(roots, t.Result)
}
