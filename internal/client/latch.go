package client

import "sync/atomic"

type latch struct {
	v atomic.Bool
}

// set reports whether this call flipped the latch.
func (l *latch) set() bool {
	return l.v.CompareAndSwap(false, true)
}

func (l *latch) reset() {
	l.v.Store(false)
}

func (l *latch) isSet() bool {
	return l.v.Load()
}
