// Package syncprim implements Raya's process-wide mutex and channel
// registries: opaque-handle-addressed primitives shared across every
// VmContext and Task, unlike the per-context heap/class registries.
// Grounded on the teacher's internal/concurrency.Semaphore (capacity +
// channel-based permit queue) and ConnectionPool (blocking acquire/
// release with timeout), generalized to task-aware mutex ownership (an
// owning task id and a FIFO wait queue instead of a bare permit count)
// and to typed bounded channels carrying Raya Values.
package syncprim

import (
	"sync"

	"raya/internal/rerrors"
	"raya/internal/value"
)

// MutexHandle and ChannelHandle are the opaque ids NaN-boxed into a
// value.Value's handle payload.
type MutexHandle uint64
type ChannelHandle uint64

// Mutex is owned by at most one task at a time; tasks blocked on Lock
// queue in FIFO order and are woken in arrival order on Unlock, matching
// the spec's fairness requirement.
type Mutex struct {
	mu      sync.Mutex
	owner   uint64 // task id; 0 means unowned (task ids are assigned starting at 1)
	waiters []chan struct{}
}

// MutexRegistry hands out and tracks every live Mutex for a process.
type MutexRegistry struct {
	mu      sync.Mutex
	mutexes map[MutexHandle]*Mutex
	next    uint64
}

func NewMutexRegistry() *MutexRegistry {
	return &MutexRegistry{mutexes: make(map[MutexHandle]*Mutex), next: 1}
}

func (r *MutexRegistry) New() MutexHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := MutexHandle(r.next)
	r.next++
	r.mutexes[h] = &Mutex{}
	return h
}

func (r *MutexRegistry) get(h MutexHandle) (*Mutex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mutexes[h]
	if !ok {
		return nil, rerrors.New(rerrors.RuntimeError, "mutex handle %d not found", h)
	}
	return m, nil
}

// TryLock attempts to acquire h for taskID without blocking. Returns
// (true, nil) on success, (false, nil) if already held by another task.
func (r *MutexRegistry) TryLock(h MutexHandle, taskID uint64) (bool, error) {
	m, err := r.get(h)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != 0 {
		return false, nil
	}
	m.owner = taskID
	return true, nil
}

// Lock blocks the calling goroutine until h is acquired for taskID. The
// scheduler is expected to call TryLock first and only call Lock from a
// dedicated blocking path (a worker it's willing to park); ordinary
// bytecode-driven MutexLock opcodes instead use TryLock plus a
// SuspendReason so the worker is never blocked on a Go channel directly.
// Lock is provided for embedder-level synchronous use and tests.
func (r *MutexRegistry) Lock(h MutexHandle, taskID uint64) error {
	m, err := r.get(h)
	if err != nil {
		return err
	}
	for {
		m.mu.Lock()
		if m.owner == 0 {
			m.owner = taskID
			m.mu.Unlock()
			return nil
		}
		wake := make(chan struct{})
		m.waiters = append(m.waiters, wake)
		m.mu.Unlock()
		<-wake
	}
}

// Unlock releases h, which must currently be owned by taskID, and wakes
// the longest-waiting queued waiter (if any) in FIFO order.
func (r *MutexRegistry) Unlock(h MutexHandle, taskID uint64) error {
	m, err := r.get(h)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != taskID {
		return rerrors.New(rerrors.RuntimeError, "task %d does not own mutex %d", taskID, h)
	}
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.owner = 0 // the woken waiter's Lock loop re-claims ownership itself
		close(next)
		return nil
	}
	m.owner = 0
	return nil
}

// Owner returns the current owning task id, or 0 if unowned.
func (r *MutexRegistry) Owner(h MutexHandle) (uint64, error) {
	m, err := r.get(h)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, nil
}

// WaiterCount reports queue depth, for diagnostics and testing fairness.
func (r *MutexRegistry) WaiterCount(h MutexHandle) (int, error) {
	m, err := r.get(h)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters), nil
}

// Channel is a bounded FIFO queue of Values shared between tasks via
// ChannelSend/ChannelRecv, with separate FIFO waiter lists for blocked
// senders (full channel) and receivers (empty channel).
type Channel struct {
	mu       sync.Mutex
	buf      []value.Value
	capacity int
	closed   bool
	senders  []chan struct{}
	receivers []chan struct{}
}

type ChannelRegistry struct {
	mu       sync.Mutex
	channels map[ChannelHandle]*Channel
	next     uint64
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[ChannelHandle]*Channel), next: 1}
}

func (r *ChannelRegistry) New(capacity int) ChannelHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := ChannelHandle(r.next)
	r.next++
	r.channels[h] = &Channel{capacity: capacity, buf: make([]value.Value, 0, capacity)}
	return h
}

func (r *ChannelRegistry) get(h ChannelHandle) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[h]
	if !ok {
		return nil, rerrors.New(rerrors.RuntimeError, "channel handle %d not found", h)
	}
	return c, nil
}

// TrySend enqueues v if the channel has room; returns ok=false if full
// (the caller should suspend the task on ChannelSend and retry once
// woken).
func (r *ChannelRegistry) TrySend(h ChannelHandle, v value.Value) (ok bool, err error) {
	c, err := r.get(h)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, rerrors.New(rerrors.RuntimeError, "send on closed channel %d", h)
	}
	if len(c.buf) >= c.capacity {
		return false, nil
	}
	c.buf = append(c.buf, v)
	if len(c.receivers) > 0 {
		wake := c.receivers[0]
		c.receivers = c.receivers[1:]
		close(wake)
	}
	return true, nil
}

// TryRecv dequeues the oldest Value if present; ok=false if empty and
// open (caller suspends on ChannelRecv), or returns a closed-channel
// sentinel (null, true, nil) once drained and closed.
func (r *ChannelRegistry) TryRecv(h ChannelHandle) (v value.Value, ok bool, err error) {
	c, err := r.get(h)
	if err != nil {
		return value.Null(), false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) > 0 {
		v = c.buf[0]
		c.buf = c.buf[1:]
		if len(c.senders) > 0 {
			wake := c.senders[0]
			c.senders = c.senders[1:]
			close(wake)
		}
		return v, true, nil
	}
	if c.closed {
		return value.Null(), true, nil
	}
	return value.Null(), false, nil
}

func (r *ChannelRegistry) Close(h ChannelHandle) error {
	c, err := r.get(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, w := range c.receivers {
		close(w)
	}
	c.receivers = nil
	return nil
}

// WaitSend and WaitRecv register the calling task as blocked on this
// channel, returning a channel that closes once a slot/value becomes
// available. No bytecode opcode or scheduler path calls them; the
// interpreters retry TrySend/TryRecv on each resume instead.
func (r *ChannelRegistry) WaitSend(h ChannelHandle) (<-chan struct{}, error) {
	c, err := r.get(h)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wake := make(chan struct{})
	c.senders = append(c.senders, wake)
	return wake, nil
}

func (r *ChannelRegistry) WaitRecv(h ChannelHandle) (<-chan struct{}, error) {
	c, err := r.get(h)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wake := make(chan struct{})
	c.receivers = append(c.receivers, wake)
	return wake, nil
}
