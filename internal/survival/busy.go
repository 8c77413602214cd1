package survival

import "sync/atomic"

// Busy is the single flag gating full runs, opportunist ticks and manual
// actions against each other. The zero value is free.
type Busy struct {
	held atomic.Bool
}

// TryAcquire sets the flag and reports whether it was free.
func (b *Busy) TryAcquire() bool { return b.held.CompareAndSwap(false, true) }

func (b *Busy) Release() { b.held.Store(false) }

func (b *Busy) Held() bool { return b.held.Load() }
