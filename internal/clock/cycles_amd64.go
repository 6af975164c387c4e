package clock

// readCycles returns the time-stamp counter (RDTSC).
func readCycles() int64
