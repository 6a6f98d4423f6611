package testutil

import (
	"runtime"
	"testing"
	"time"
)

// NumGoroutines records the current goroutine count after a GC pass, for use
// as a leak-check baseline at the start of a test.
func NumGoroutines() int {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	return runtime.NumGoroutine()
}

// AssertNoGoroutineLeaks fails the test if the goroutine count does not
// return to within margin of baseline before the deadline. Workers and
// consumers wind down asynchronously, so the count is polled.
func AssertNoGoroutineLeaks(t *testing.T, baseline, margin int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		current := runtime.NumGoroutine()
		if current <= baseline+margin {
			return
		}
		if time.Now().After(deadline) {
			t.Errorf("goroutine leak: baseline=%d current=%d margin=%d", baseline, current, margin)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
