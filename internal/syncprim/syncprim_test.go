package syncprim

import (
	"testing"
	"time"

	"raya/internal/value"
)

func TestMutexTryLockUnlock(t *testing.T) {
	r := NewMutexRegistry()
	h := r.New()

	ok, err := r.TryLock(h, 1)
	if err != nil || !ok {
		t.Fatalf("TryLock(1) = %v, %v, want true, nil", ok, err)
	}
	ok, err = r.TryLock(h, 2)
	if err != nil || ok {
		t.Fatalf("TryLock(2) while held = %v, %v, want false, nil", ok, err)
	}
	if err := r.Unlock(h, 1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, err = r.TryLock(h, 2)
	if err != nil || !ok {
		t.Fatalf("TryLock(2) after unlock = %v, %v, want true, nil", ok, err)
	}
}

func TestMutexUnlockByNonOwnerFails(t *testing.T) {
	r := NewMutexRegistry()
	h := r.New()
	r.TryLock(h, 1)
	if err := r.Unlock(h, 2); err == nil {
		t.Fatal("Unlock by non-owner should error")
	}
}

func TestMutexBlockingLockWakesWaiter(t *testing.T) {
	r := NewMutexRegistry()
	h := r.New()
	if ok, _ := r.TryLock(h, 1); !ok {
		t.Fatal("initial TryLock should succeed")
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Lock(h, 2)
	}()

	time.Sleep(20 * time.Millisecond)
	if n, _ := r.WaiterCount(h); n != 1 {
		t.Fatalf("WaiterCount = %d, want 1", n)
	}
	if err := r.Unlock(h, 1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock(2): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
	owner, _ := r.Owner(h)
	if owner != 2 {
		t.Errorf("Owner = %d, want 2", owner)
	}
}

func TestChannelSendRecv(t *testing.T) {
	r := NewChannelRegistry()
	h := r.New(2)

	ok, err := r.TrySend(h, value.I32(1))
	if err != nil || !ok {
		t.Fatalf("TrySend = %v, %v", ok, err)
	}
	ok, err = r.TrySend(h, value.I32(2))
	if err != nil || !ok {
		t.Fatalf("TrySend = %v, %v", ok, err)
	}
	ok, err = r.TrySend(h, value.I32(3))
	if err != nil || ok {
		t.Fatalf("TrySend on full channel = %v, %v, want false, nil", ok, err)
	}

	v, ok, err := r.TryRecv(h)
	if err != nil || !ok {
		t.Fatalf("TryRecv = %v, %v, %v", v, ok, err)
	}
	if i, _ := v.AsI32(); i != 1 {
		t.Errorf("TryRecv = %d, want 1 (FIFO)", i)
	}
}

func TestChannelCloseDrainsThenSentinel(t *testing.T) {
	r := NewChannelRegistry()
	h := r.New(1)
	r.TrySend(h, value.I32(5))
	r.Close(h)

	v, ok, err := r.TryRecv(h)
	if err != nil || !ok {
		t.Fatalf("TryRecv: %v, %v, %v", v, ok, err)
	}
	if i, _ := v.AsI32(); i != 5 {
		t.Errorf("got %d, want 5", i)
	}

	v, ok, err = r.TryRecv(h)
	if err != nil || !ok || !v.IsNull() {
		t.Fatalf("TryRecv after drain of closed channel = %v, %v, %v, want null, true, nil", v, ok, err)
	}

	if ok, err := r.TrySend(h, value.I32(9)); err == nil || ok {
		t.Fatal("TrySend on closed channel should error")
	}
}

func TestChannelWaitRecvWakesOnSend(t *testing.T) {
	r := NewChannelRegistry()
	h := r.New(1)

	wake, err := r.WaitRecv(h)
	if err != nil {
		t.Fatalf("WaitRecv: %v", err)
	}
	if ok, err := r.TrySend(h, value.I32(7)); err != nil || !ok {
		t.Fatalf("TrySend: %v, %v", ok, err)
	}
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("receiver never woke after send")
	}
}
