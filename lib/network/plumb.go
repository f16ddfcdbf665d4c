package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cirunlabs/meda/lib/logger"
	"github.com/vishvananda/netlink"
)

// Setup implements C4's setup(vm_name, tap, subnet) (§4.4): create the tap
// device if absent, enable IP forwarding, and install idempotent
// MASQUERADE/FORWARD rules. TAP creation itself goes through netlink, not
// the toolchain adapter's `ip` shell-out, the way the teacher's bridge
// plumbing does.
func (m *manager) Setup(ctx context.Context, vmName, tap, subnet string) error {
	log := logger.FromContext(ctx)

	if _, err := netlink.LinkByName(tap); err != nil {
		log.DebugContext(ctx, "creating tap device", "vm", vmName, "tap", tap)
		if err := createTAP(tap, subnet); err != nil {
			return fmt.Errorf("create tap: %w", err)
		}
	}

	if err := m.runner.Run(ctx, "sysctl", "-q", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}

	if err := m.ensureMasqueradeRule(ctx, subnet); err != nil {
		return err
	}
	if err := m.ensureForwardRules(ctx, tap); err != nil {
		return err
	}

	return nil
}

// createTAP adds a kernel tap device, assigns it subnet.1/24, and brings
// it up, mirroring `ip tuntap add`/`ip addr add`/`ip link set up` as three
// netlink calls instead of three shell-outs.
func createTAP(tap, subnet string) error {
	link := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: tap},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("netlink link add: %w", err)
	}

	created, err := netlink.LinkByName(tap)
	if err != nil {
		return fmt.Errorf("lookup created tap: %w", err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.ParseIP(subnet + ".1"),
		Mask: net.CIDRMask(24, 32),
	}}
	if err := netlink.AddrAdd(created, addr); err != nil {
		return fmt.Errorf("netlink addr add: %w", err)
	}

	if err := netlink.LinkSetUp(created); err != nil {
		return fmt.Errorf("netlink link set up: %w", err)
	}
	return nil
}

// ensureMasqueradeRule is `iptables -C ... || iptables -A ...`: absence of
// the rule under -C is recoverable-locally, not an error (§7).
func (m *manager) ensureMasqueradeRule(ctx context.Context, subnet string) error {
	cidr := subnet + ".0/24"
	_, _, checkErr := m.runner.RunCapture(ctx, "iptables", "-t", "nat", "-C", "POSTROUTING",
		"-s", cidr, "-j", "MASQUERADE")
	if checkErr == nil {
		return nil
	}
	if err := m.runner.Run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", cidr, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("add masquerade rule: %w", err)
	}
	return nil
}

func (m *manager) ensureForwardRules(ctx context.Context, tap string) error {
	_, _, checkErr := m.runner.RunCapture(ctx, "iptables", "-C", "FORWARD", "-i", tap, "-j", "ACCEPT")
	if checkErr == nil {
		return nil
	}
	if err := m.runner.Run(ctx, "iptables", "-A", "FORWARD", "-i", tap, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward accept rule: %w", err)
	}
	if err := m.runner.Run(ctx, "iptables", "-A", "FORWARD", "-o", tap,
		"-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward established rule: %w", err)
	}
	return nil
}

// PortForward implements C4's port_forward (§4.4): best-effort delete of any
// prior DNAT for hostPort, then install the new one, then persist "ports".
func (m *manager) PortForward(ctx context.Context, vmName, subnet string, hostPort, guestPort int) error {
	log := logger.FromContext(ctx)

	target := fmt.Sprintf("%s.2:%d", subnet, guestPort)
	portStr := strconv.Itoa(hostPort)

	// best-effort delete, ignoring the result, before adding (original's
	// literal ignore-then-add ordering)
	_ = m.runner.Run(ctx, "iptables", "-t", "nat", "-D", "PREROUTING",
		"-p", "tcp", "--dport", portStr, "-j", "DNAT", "--to", target)

	if err := m.runner.Run(ctx, "iptables", "-t", "nat", "-A", "PREROUTING",
		"-p", "tcp", "--dport", portStr, "-j", "DNAT", "--to", target); err != nil {
		return fmt.Errorf("add dnat rule: %w", err)
	}

	record := fmt.Sprintf("%d->%d", hostPort, guestPort)
	if err := os.WriteFile(m.paths.VMPortsFile(vmName), []byte(record), 0o644); err != nil {
		return fmt.Errorf("persist ports file: %w", err)
	}

	log.InfoContext(ctx, "port forward installed", "vm", vmName, "host_port", hostPort, "guest_port", guestPort)
	return nil
}

// deleteMasqueradeRule best-effort removes the POSTROUTING MASQUERADE rule
// for subnet. Called only once the reference count (§4.4) reaches zero.
func (m *manager) deleteMasqueradeRule(ctx context.Context, subnet string) {
	cidr := subnet + ".0/24"
	_ = m.runner.Run(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING", "-s", cidr, "-j", "MASQUERADE")
}

// CleanupOrphanedTAPs implements C3's cleanup_orphaned_taps (§4.3): remove
// any kernel tap-* interface not referenced by a VM directory.
func (m *manager) CleanupOrphanedTAPs(ctx context.Context) ([]string, error) {
	log := logger.FromContext(ctx)

	referenced := make(map[string]bool)
	names, err := m.paths.VMNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if tap, err := readTrimmed(m.paths.VMTapFile(name)); err == nil && tap != "" {
			referenced[tap] = true
		}
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var removed []string
	for _, link := range links {
		name := link.Attrs().Name
		if !strings.HasPrefix(name, "tap-") || referenced[name] {
			continue
		}
		if err := netlink.LinkDel(link); err != nil {
			log.WarnContext(ctx, "failed to remove orphaned tap", "tap", name, "error", err)
			continue
		}
		removed = append(removed, name)
	}

	return removed, nil
}
