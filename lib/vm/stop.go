package vm

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cirunlabs/meda/lib/logger"
)

const (
	stopGraceSlices  = 10
	stopSliceDelay   = 500 * time.Millisecond
)

// stop implements C6's stop (§4.6): SIGTERM, wait up to 5s in 500ms
// slices, SIGKILL if still alive, always remove the pid file.
func (m *manager) stop(ctx context.Context, name string) error {
	log := logger.FromContext(ctx)

	pidFile := m.paths.VMPidFile(name)
	pid, running := checkVMRunning(ctx, m.runner, pidFile)
	if !running {
		os.Remove(pidFile)
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	log.InfoContext(ctx, "stopping vm", "name", name, "pid", pid)

	pidStr := strconv.Itoa(pid)
	if err := m.runner.Run(ctx, "kill", "-TERM", pidStr); err != nil {
		log.WarnContext(ctx, "SIGTERM failed, will still poll and fall back to SIGKILL", "name", name, "error", err)
	}

	for i := 0; i < stopGraceSlices; i++ {
		if !m.runner.CheckProcess(ctx, pid) {
			break
		}
		time.Sleep(stopSliceDelay)
	}

	if m.runner.CheckProcess(ctx, pid) {
		log.DebugContext(ctx, "process still alive after grace period, sending SIGKILL", "name", name, "pid", pid)
		if err := m.runner.Run(ctx, "kill", "-KILL", pidStr); err != nil {
			log.WarnContext(ctx, "SIGKILL failed", "name", name, "error", err)
		}
	}

	os.Remove(pidFile)
	log.InfoContext(ctx, "vm stopped", "name", name)
	return nil
}
