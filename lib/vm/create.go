package vm

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/cirunlabs/meda/lib/logger"
	"go.opentelemetry.io/otel/trace"
	"gvisor.dev/gvisor/pkg/cleanup"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > 63 {
		return fmt.Errorf("%w: name must be 63 characters or less", ErrInvalidName)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name must contain only lowercase letters, digits, and dashes; cannot start or end with a dash", ErrInvalidName)
	}
	return nil
}

// create implements C6's create (§4.6): ensure bootstrap, materialize the
// VM directory and cloud-init seed, allocate networking, and generate
// start.sh. It never starts the VM.
func (m *manager) create(ctx context.Context, opts CreateOptions) (*Info, error) {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "creating vm", "name", opts.Name)

	if m.metrics != nil && m.metrics.tracer != nil {
		var span trace.Span
		ctx, span = m.metrics.tracer.Start(ctx, "CreateVM")
		defer span.End()
	}

	if err := validateName(opts.Name); err != nil {
		return nil, err
	}

	vmDir := m.paths.VMDir(opts.Name)
	if _, err := os.Stat(vmDir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, opts.Name)
	}

	if opts.SkipBaseDiskBootstrap {
		if err := m.bootstrap.BootstrapBinariesOnly(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	} else if err := m.bootstrap.BootstrapFull(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vm dir: %w", err)
	}

	cu := cleanup.Make(func() {
		log.DebugContext(ctx, "cleaning up partially created vm", "name", opts.Name)
		os.RemoveAll(vmDir)
	})
	defer cu.Clean()

	cpus := opts.Resources.CPUs
	if cpus == 0 {
		cpus = m.cfg.CPUs
	}
	memory := opts.Resources.Memory
	if memory == "" {
		memory = m.cfg.Mem
	}
	diskSize := opts.Resources.DiskSize
	if diskSize == "" {
		diskSize = m.cfg.DiskSize
	}

	sourceDisk := opts.SourceDiskPath
	if sourceDisk == "" {
		sourceDisk = m.paths.AssetBaseRaw()
	}
	log.DebugContext(ctx, "copying base disk", "name", opts.Name, "source", sourceDisk)
	if err := copyFile(sourceDisk, m.paths.VMRootfs(opts.Name)); err != nil {
		return nil, fmt.Errorf("copy base disk: %w", err)
	}
	if diskSize != m.cfg.DiskSize {
		if err := m.runner.Run(ctx, "qemu-img", "resize", m.paths.VMRootfs(opts.Name), diskSize); err != nil {
			return nil, fmt.Errorf("resize rootfs: %w", err)
		}
	}

	subnet, err := m.network.AllocateSubnet(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate subnet: %w", err)
	}
	tap, err := m.network.AllocateTAPName(ctx, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("allocate tap name: %w", err)
	}
	mac, err := generateMAC()
	if err != nil {
		return nil, fmt.Errorf("generate mac: %w", err)
	}

	if err := writeTrimmed(m.paths.VMSubnetFile(opts.Name), subnet); err != nil {
		return nil, fmt.Errorf("persist subnet: %w", err)
	}
	if err := writeTrimmed(m.paths.VMTapFile(opts.Name), tap); err != nil {
		return nil, fmt.Errorf("persist tapdev: %w", err)
	}
	if err := writeTrimmed(m.paths.VMMacFile(opts.Name), mac); err != nil {
		return nil, fmt.Errorf("persist mac: %w", err)
	}
	if err := writeTrimmed(m.paths.VMMemoryFile(opts.Name), memory); err != nil {
		return nil, fmt.Errorf("persist memory: %w", err)
	}
	if err := writeTrimmed(m.paths.VMCPUsFile(opts.Name), strconv.Itoa(cpus)); err != nil {
		return nil, fmt.Errorf("persist cpus: %w", err)
	}
	if err := writeTrimmed(m.paths.VMDiskSizeFile(opts.Name), diskSize); err != nil {
		return nil, fmt.Errorf("persist disk_size: %w", err)
	}

	cu.Add(func() {
		m.network.Cleanup(ctx, opts.Name)
	})

	if err := m.writeCloudInit(ctx, opts.Name, subnet, mac, opts.UserDataPath); err != nil {
		return nil, fmt.Errorf("write cloud-init: %w", err)
	}

	log.DebugContext(ctx, "setting up host networking", "name", opts.Name, "tap", tap, "subnet", subnet)
	if err := m.network.Setup(ctx, opts.Name, tap, subnet); err != nil {
		return nil, fmt.Errorf("setup networking: %w", err)
	}

	script := buildStartScript(startScriptParams{
		VMDir:         vmDir,
		HypervisorBin: m.paths.AssetHypervisorBin(),
		FirmwarePath:  m.paths.AssetHypervisorFW(),
		CPUs:          cpus,
		Memory:        memory,
		Tap:           tap,
		MAC:           mac,
	})
	if err := os.WriteFile(m.paths.VMStartScript(opts.Name), []byte(script), 0o755); err != nil {
		return nil, fmt.Errorf("write start.sh: %w", err)
	}
	if err := m.runner.SetExecutable(m.paths.VMStartScript(opts.Name)); err != nil {
		return nil, fmt.Errorf("mark start.sh executable: %w", err)
	}

	cu.Release()

	log.InfoContext(ctx, "vm created", "name", opts.Name, "subnet", subnet, "tap", tap)
	return &Info{
		Name:      opts.Name,
		State:     StateStopped,
		IP:        subnet + ".2",
		MAC:       mac,
		Tap:       tap,
		Subnet:    subnet,
		Memory:    memory,
		CPUs:      cpus,
		DiskSize:  diskSize,
		Dir:       vmDir,
		CreatedAt: time.Now(),
	}, nil
}
