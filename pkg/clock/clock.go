// Package clock abstracts time so timer-driven code can be tested
// deterministically. Production code uses Real(); tests use Fake() and
// move time forward explicitly with Advance.
package clock

import "time"

// Clock is the subset of the time package the engine relies on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d elapses.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d elapses. The returned Timer can cancel the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d on the returned Ticker's C.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending one-shot call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are dropped
// when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }
