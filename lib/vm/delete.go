package vm

import (
	"context"
	"fmt"
	"os"

	"github.com/cirunlabs/meda/lib/logger"
)

// delete implements C6's delete (§4.6): stop if running, release
// networking, then recursively remove the VM directory. Network cleanup
// must precede disk removal so a cleanup failure leaves the subnet file
// intact for the reference counter (§7).
func (m *manager) delete(ctx context.Context, name string) error {
	log := logger.FromContext(ctx)

	vmDir := m.paths.VMDir(name)
	if _, err := os.Stat(vmDir); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if _, running := checkVMRunning(ctx, m.runner, m.paths.VMPidFile(name)); running {
		log.InfoContext(ctx, "stopping vm before deletion", "name", name)
		if err := m.stop(ctx, name); err != nil {
			return fmt.Errorf("stop before delete: %w", err)
		}
	}

	log.InfoContext(ctx, "deleting vm", "name", name)
	if err := m.network.Cleanup(ctx, name); err != nil {
		return fmt.Errorf("cleanup networking: %w", err)
	}

	if err := os.RemoveAll(vmDir); err != nil {
		return fmt.Errorf("remove vm directory: %w", err)
	}

	log.InfoContext(ctx, "vm deleted", "name", name)
	return nil
}
