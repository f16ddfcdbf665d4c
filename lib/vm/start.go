package vm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cirunlabs/meda/lib/logger"
)

const (
	startBackoffBase = 500 * time.Millisecond
	startBackoffCap  = 5 * time.Second
	startMaxAttempts = 12
)

// start implements C6's start (§4.6): invoke start.sh, then poll
// check_vm_running with exponential backoff (base 500ms, cap 5s, <=12
// attempts). On final failure the tail of ch.log is attached to the error.
func (m *manager) start(ctx context.Context, name string) error {
	log := logger.FromContext(ctx)

	vmDir := m.paths.VMDir(name)
	if _, err := os.Stat(vmDir); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if _, running := checkVMRunning(ctx, m.runner, m.paths.VMPidFile(name)); running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	startScript := m.paths.VMStartScript(name)
	if _, err := os.Stat(startScript); err != nil {
		return fmt.Errorf("start script not found for vm %s", name)
	}

	log.InfoContext(ctx, "starting vm", "name", name)
	if err := m.runner.Run(ctx, "bash", startScript); err != nil {
		return fmt.Errorf("run start.sh: %w", err)
	}

	backoff := startBackoffBase
	var lastErr error
	for attempt := 0; attempt < startMaxAttempts; attempt++ {
		time.Sleep(backoff)

		if _, running := checkVMRunning(ctx, m.runner, m.paths.VMPidFile(name)); running {
			log.InfoContext(ctx, "vm started", "name", name, "attempts", attempt+1)
			return nil
		}
		lastErr = fmt.Errorf("attempt %d: process not alive", attempt+1)

		backoff *= 2
		if backoff > startBackoffCap {
			backoff = startBackoffCap
		}
	}

	tail := tailLog(m.paths.VMLogFile(name), 4096)
	return fmt.Errorf("vm %s failed to become ready after %d attempts: %w\nch.log tail:\n%s", name, startMaxAttempts, lastErr, tail)
}

// tailLog returns up to the last maxBytes of path, or an empty string if it
// cannot be read.
func tailLog(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}
