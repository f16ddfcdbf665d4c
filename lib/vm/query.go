package vm

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/cirunlabs/meda/lib/logger"
)

// get implements §4.6 get: state, IP, MAC, tap, subnet, and the VM dir
// path, beyond what list emits.
func (m *manager) get(ctx context.Context, name string) (*Info, error) {
	vmDir := m.paths.VMDir(name)
	info, err := os.Stat(vmDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	state := StateStopped
	if _, running := checkVMRunning(ctx, m.runner, m.paths.VMPidFile(name)); running {
		state = StateRunning
	}

	subnet := readTrimmedOrEmpty(m.paths.VMSubnetFile(name))
	ip := "N/A"
	if subnet != "" {
		ip = subnet + ".2"
	}

	cpus, _ := strconv.Atoi(readTrimmedOrEmpty(m.paths.VMCPUsFile(name)))

	return &Info{
		Name:      name,
		State:     state,
		IP:        ip,
		MAC:       readTrimmedOrEmpty(m.paths.VMMacFile(name)),
		Tap:       readTrimmedOrEmpty(m.paths.VMTapFile(name)),
		Subnet:    subnet,
		Memory:    m.resolveMemory(name),
		CPUs:      cpus,
		DiskSize:  m.resolveDiskSize(name),
		Ports:     readTrimmedOrEmpty(m.paths.VMPortsFile(name)),
		Dir:       vmDir,
		CreatedAt: info.ModTime(),
	}, nil
}

// list implements §4.6 list: enumerate <vm_root> top-level directories and
// derive each VM's state.
func (m *manager) list(ctx context.Context) ([]Info, error) {
	log := logger.FromContext(ctx)

	names, err := m.paths.VMNames()
	if err != nil {
		return nil, fmt.Errorf("enumerate vm directories: %w", err)
	}

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		info, err := m.get(ctx, name)
		if err != nil {
			log.WarnContext(ctx, "failed to inspect vm during list, skipping", "name", name, "error", err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

var memoryRegex = regexp.MustCompile(`--memory size=(\S+)`)

// resolveMemory falls back from the memory file to a regex extraction from
// start.sh, and finally to the configured default (§4.6).
func (m *manager) resolveMemory(name string) string {
	if v := readTrimmedOrEmpty(m.paths.VMMemoryFile(name)); v != "" {
		return v
	}
	if script := readTrimmedOrEmpty(m.paths.VMStartScript(name)); script != "" {
		if match := memoryRegex.FindStringSubmatch(script); match != nil {
			return match[1]
		}
	}
	return m.cfg.Mem
}

// resolveDiskSize falls back from the disk_size file to config defaults;
// start.sh carries no disk-size-resize trace once resize has already been
// applied to rootfs.raw, so the fallback chain bottoms out at config.
func (m *manager) resolveDiskSize(name string) string {
	if v := readTrimmedOrEmpty(m.paths.VMDiskSizeFile(name)); v != "" {
		return v
	}
	return m.cfg.DiskSize
}
