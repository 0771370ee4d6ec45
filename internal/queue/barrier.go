package queue

import "sync/atomic"

var barrierDummy int64

// mfence orders every earlier load and store before every later one. A
// LOCK-prefixed add is a full fence on x86-64 and atomics are sequentially
// consistent everywhere else Go runs.
func mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
