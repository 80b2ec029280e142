package shm

import (
	"errors"
	"math"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrFutexTimeout is returned by futex waits that time out.
var ErrFutexTimeout = errors.New("futex timeout")

// Mutex is a futex-backed lock word meant to live inside a shared mapping.
// The zero value is unlocked. State: 0 unlocked, 1 locked, 2 locked with
// possible waiters.
//
// A process that dies while holding the lock leaves it held.
type Mutex struct {
	state uint32
}

// Lock acquires m, sleeping in the kernel while it is contended.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(&m.state, 0, 1) {
		return
	}
	for atomic.SwapUint32(&m.state, 2) != 0 {
		if err := futexWait(&m.state, 2, 0); errors.Is(err, ErrUnsupported) {
			runtime.Gosched()
		}
	}
}

// TryLock acquires m only if it is free.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

// Unlock releases m and wakes one sleeper if there may be any.
func (m *Mutex) Unlock() {
	if atomic.AddUint32(&m.state, ^uint32(0)) != 0 {
		atomic.StoreUint32(&m.state, 0)
		_, _ = futexWake(&m.state, 1)
	}
}

// Reset forces m to the unlocked state. Only valid while no other party
// can observe the mapping.
func (m *Mutex) Reset() {
	atomic.StoreUint32(&m.state, 0)
}

// Cond is a sequence-counting condition variable living inside a shared
// mapping. Waiters snapshot Sequence while holding the associated Mutex,
// register with Enter, drop the lock and call Wait until the sequence moves.
// Signalers call Advance while holding the lock and Wake after dropping it.
type Cond struct {
	seq     uint32
	waiters uint32
}

// Sequence returns the current sequence value.
func (c *Cond) Sequence() uint32 {
	return atomic.LoadUint32(&c.seq)
}

// Advance bumps the sequence and returns the new value.
func (c *Cond) Advance() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// Enter registers a waiter.
func (c *Cond) Enter() {
	atomic.AddUint32(&c.waiters, 1)
}

// Leave unregisters a waiter.
func (c *Cond) Leave() {
	atomic.AddUint32(&c.waiters, ^uint32(0))
}

// Waiters returns the number of registered waiters.
func (c *Cond) Waiters() uint32 {
	return atomic.LoadUint32(&c.waiters)
}

// Wait sleeps while the sequence equals seq, for at most timeout (0 waits
// until woken). It reports whether the sequence has moved past seq.
func (c *Cond) Wait(seq uint32, timeout time.Duration) (bool, error) {
	if atomic.LoadUint32(&c.seq) != seq {
		return true, nil
	}
	err := futexWait(&c.seq, seq, timeout)
	if err != nil && !errors.Is(err, ErrFutexTimeout) {
		return false, err
	}
	return atomic.LoadUint32(&c.seq) != seq, nil
}

// Wake wakes every waiter. The syscall is skipped when nobody is registered.
func (c *Cond) Wake() (int, error) {
	if atomic.LoadUint32(&c.waiters) == 0 {
		return 0, nil
	}
	return futexWake(&c.seq, math.MaxInt32)
}
