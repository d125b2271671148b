package state

import "syscall"

// processProbeSignal is sent to test whether a PID is still alive without
// actually affecting it (signal 0 is a standard liveness probe on Unix).
const processProbeSignal = syscall.Signal(0)
