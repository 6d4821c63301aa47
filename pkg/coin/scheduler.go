package coin

import "time"

// Timer is a cancellable one-shot timer. Stop reports whether it stopped
// the timer before it fired.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler uses the runtime timer wheel.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
