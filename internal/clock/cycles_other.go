//go:build !amd64

package clock

import "time"

var epoch = time.Now()

// readCycles falls back to the runtime's monotonic clock in nanoseconds,
// so the calibrated ratio settles near 1.
func readCycles() int64 {
	return int64(time.Since(epoch))
}
