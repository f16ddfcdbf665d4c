package vm

import (
	"context"
	"strconv"

	"github.com/cirunlabs/meda/lib/toolchain"
)

// checkVMRunning implements §4.6's check_vm_running: true iff the pid file
// is present, its contents parse as a PID, and `ps -p` reports success.
// Stale PID files are treated as not-running but are not removed here;
// stop removes the pid file whether or not the process was alive.
func checkVMRunning(ctx context.Context, runner toolchain.Runner, pidFile string) (int, bool) {
	data, err := readTrimmed(pidFile)
	if err != nil || data == "" {
		return 0, false
	}
	pid, err := strconv.Atoi(data)
	if err != nil {
		return 0, false
	}
	return pid, runner.CheckProcess(ctx, pid)
}
