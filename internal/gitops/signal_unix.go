package gitops

import "syscall"

const processProbeSignal = syscall.Signal(0)
