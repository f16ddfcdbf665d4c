// Package network implements the Network Allocator (C3) and Host Network
// Plumber (C4): subnet/TAP allocation and the iptables/TAP kernel plumbing
// backing each VM's networking.
package network

import (
	"context"

	"github.com/cirunlabs/meda/lib/logger"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/vishvananda/netlink"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager is the C3+C4 surface consumed by the VM Lifecycle Engine (C6).
type Manager interface {
	// AllocateSubnet mints a unique /24 prefix not recorded by any VM dir.
	AllocateSubnet(ctx context.Context) (string, error)
	// AllocateTAPName mints a <=15-byte tap-* name not in use by the kernel
	// or any VM dir.
	AllocateTAPName(ctx context.Context, vmName string) (string, error)
	// Setup creates the tap device (if absent), enables forwarding, and
	// installs the MASQUERADE/FORWARD rules for subnet.
	Setup(ctx context.Context, vmName, tap, subnet string) error
	// PortForward installs a PREROUTING DNAT for hostPort -> subnet.2:guestPort
	// and persists the "ports" record; re-invocation is idempotent.
	PortForward(ctx context.Context, vmName, subnet string, hostPort, guestPort int) error
	// Cleanup deletes the VM's tap device and, if no other VM directory
	// references the same subnet, removes its MASQUERADE rule.
	Cleanup(ctx context.Context, vmName string) error
	// CleanupOrphanedTAPs removes kernel tap-* interfaces not referenced by
	// any VM directory and returns their names.
	CleanupOrphanedTAPs(ctx context.Context) ([]string, error)
}

type manager struct {
	runner  toolchain.Runner
	paths   *paths.Paths
	metrics *metrics
}

type metrics struct {
	meter  metric.Meter
	tracer trace.Tracer
}

// NewManager constructs the network Manager. meter/tracer may be nil to
// disable instrumentation.
func NewManager(runner toolchain.Runner, p *paths.Paths, meter metric.Meter, tracer trace.Tracer) Manager {
	var m *metrics
	if meter != nil {
		m = &metrics{meter: meter, tracer: tracer}
	}
	return &manager{runner: runner, paths: p, metrics: m}
}

func (m *manager) Cleanup(ctx context.Context, vmName string) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "cleaning up networking", "vm", vmName)

	tap, tapErr := readTrimmed(m.paths.VMTapFile(vmName))
	if tapErr == nil && tap != "" {
		if link, err := netlink.LinkByName(tap); err == nil {
			if err := netlink.LinkDel(link); err != nil {
				log.WarnContext(ctx, "failed to delete tap device, continuing", "vm", vmName, "tap", tap, "error", err)
			}
		}
	}

	subnet, subnetErr := readTrimmed(m.paths.VMSubnetFile(vmName))
	if subnetErr != nil || subnet == "" {
		// cleanup on a VM missing its subnet file is recoverable-locally (§7)
		return nil
	}

	referenced, err := m.subnetReferencedByOtherVM(vmName, subnet)
	if err != nil {
		log.WarnContext(ctx, "failed to check subnet reference count, leaving masquerade rule", "vm", vmName, "error", err)
		return nil
	}
	if referenced {
		log.DebugContext(ctx, "subnet still referenced by another VM, keeping masquerade rule", "vm", vmName, "subnet", subnet)
		return nil
	}

	m.deleteMasqueradeRule(ctx, subnet)
	return nil
}

// subnetReferencedByOtherVM scans every other VM directory's subnet file,
// the reference-counting discipline of §4.4.
func (m *manager) subnetReferencedByOtherVM(excludeVM, subnet string) (bool, error) {
	names, err := m.paths.VMNames()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == excludeVM {
			continue
		}
		other, err := readTrimmed(m.paths.VMSubnetFile(name))
		if err == nil && other == subnet {
			return true, nil
		}
	}
	return false, nil
}
