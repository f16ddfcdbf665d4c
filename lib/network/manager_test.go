package network

import (
	"context"
	"os"
	"testing"

	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

// requireNetAdmin skips tests that create/delete real kernel interfaces
// when the process lacks CAP_NET_ADMIN, the same /dev/kvm-style guard the
// teacher uses for its own privileged integration tests.
func requireNetAdmin(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires CAP_NET_ADMIN to create tap devices")
	}
}

func newTestManager(t *testing.T) (*manager, *toolchain.Fake) {
	t.Helper()
	vmDir := t.TempDir()
	p := paths.New(t.TempDir(), vmDir)
	fake := toolchain.NewFake()
	m := &manager{runner: fake, paths: p}
	return m, fake
}

func writeVMSubnet(t *testing.T, p *paths.Paths, name, subnet string) {
	t.Helper()
	dir := p.VMDir(name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(p.VMSubnetFile(name), []byte(subnet), 0o644))
}

func TestAllocateSubnetAvoidsUsedOctets(t *testing.T) {
	m, _ := newTestManager(t)
	writeVMSubnet(t, m.paths, "a", "192.168.20")

	for i := 0; i < 50; i++ {
		subnet, err := m.AllocateSubnet(context.Background())
		require.NoError(t, err)
		require.NotEqual(t, "192.168.20", subnet)
	}
}

func TestAllocateSubnetExhausted(t *testing.T) {
	m, _ := newTestManager(t)
	for octet := subnetOctetMin; octet < subnetOctetMax; octet++ {
		writeVMSubnet(t, m.paths, "vm-"+itoa(octet), "192.168."+itoa(octet))
	}

	_, err := m.AllocateSubnet(context.Background())
	require.ErrorIs(t, err, ErrAllocationExhausted)
}

func itoa(v int) string {
	return string([]byte{byte('0' + v/100), byte('0' + (v/10)%10), byte('0' + v%10)})
}

func TestAllocateTAPNameWithinKernelLimit(t *testing.T) {
	m, _ := newTestManager(t)

	tap, err := m.AllocateTAPName(context.Background(), "my-vm-name")
	require.NoError(t, err)
	require.LessOrEqual(t, len(tap), 15)
	require.True(t, len(tap) >= 11 && len(tap) <= 13, "tap %q unexpected length", tap)
	require.Regexp(t, `^tap-[0-9a-f]{7,8}[0-9a-f]?$`, tap)
}

func TestGenerateMACHasMedaOUI(t *testing.T) {
	mac, err := generateMAC()
	require.NoError(t, err)
	require.Regexp(t, `^52:54:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, mac)
}

func TestSetupCreatesTapWhenAbsent(t *testing.T) {
	requireNetAdmin(t)
	m, fake := newTestManager(t)
	fake.RunCaptureErrFn = func(cmd string, args []string) error {
		return errNotFoundStub // `iptables -C` "fails" meaning absent
	}

	const tap = "tap-abcd1234"
	err := m.Setup(context.Background(), "vm-a", tap, "192.168.50")
	require.NoError(t, err)
	defer func() {
		if link, err := netlink.LinkByName(tap); err == nil {
			_ = netlink.LinkDel(link)
		}
	}()

	_, err = netlink.LinkByName(tap)
	require.NoError(t, err, "tap device should exist after Setup")

	var sawMasquerade, sawForward bool
	for _, call := range fake.Calls {
		if len(call) >= 5 && call[0] == "iptables" && call[4] == "POSTROUTING" {
			sawMasquerade = true
		}
		if len(call) >= 2 && call[0] == "iptables" && call[1] == "-A" {
			sawForward = true
		}
	}
	require.True(t, sawMasquerade)
	require.True(t, sawForward)
}

func TestCleanupKeepsMasqueradeWhenSubnetShared(t *testing.T) {
	m, fake := newTestManager(t)
	writeVMSubnet(t, m.paths, "a", "192.168.30")
	writeVMSubnet(t, m.paths, "b", "192.168.30")
	require.NoError(t, os.WriteFile(m.paths.VMTapFile("a"), []byte("tap-aaaa0000"), 0o644))

	err := m.Cleanup(context.Background(), "a")
	require.NoError(t, err)

	for _, call := range fake.Calls {
		if len(call) >= 5 && call[0] == "iptables" && call[1] == "-t" && call[2] == "nat" && call[3] == "-D" {
			t.Fatalf("masquerade rule deleted while still referenced: %v", call)
		}
	}
}

func TestCleanupRemovesMasqueradeWhenLastReference(t *testing.T) {
	m, fake := newTestManager(t)
	writeVMSubnet(t, m.paths, "a", "192.168.31")
	require.NoError(t, os.WriteFile(m.paths.VMTapFile("a"), []byte("tap-bbbb0000"), 0o644))

	err := m.Cleanup(context.Background(), "a")
	require.NoError(t, err)

	var sawDelete bool
	for _, call := range fake.Calls {
		if len(call) >= 4 && call[0] == "iptables" && call[3] == "-D" {
			sawDelete = true
		}
	}
	require.True(t, sawDelete)
}

func TestPortForwardPersistsRecord(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.paths.VMDir("a"), 0o755))

	err := m.PortForward(context.Background(), "a", "192.168.40", 2222, 22)
	require.NoError(t, err)

	data, err := os.ReadFile(m.paths.VMPortsFile("a"))
	require.NoError(t, err)
	require.Equal(t, "2222->22", string(data))
}

func TestCleanupOrphanedTAPs(t *testing.T) {
	requireNetAdmin(t)
	m, _ := newTestManager(t)
	writeVMSubnet(t, m.paths, "a", "192.168.60")
	require.NoError(t, os.WriteFile(m.paths.VMTapFile("a"), []byte("tap-keepme00"), 0o644))

	for _, name := range []string{"tap-keepme00", "tap-orphan01"} {
		link := &netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{Name: name}, Mode: netlink.TUNTAP_MODE_TAP}
		require.NoError(t, netlink.LinkAdd(link))
	}
	defer func() {
		if link, err := netlink.LinkByName("tap-keepme00"); err == nil {
			_ = netlink.LinkDel(link)
		}
	}()

	removed, err := m.CleanupOrphanedTAPs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"tap-orphan01"}, removed)

	_, err = netlink.LinkByName("tap-keepme00")
	require.NoError(t, err, "referenced tap should survive cleanup")
}

var errNotFoundStub = &fakeNotFoundError{}

type fakeNotFoundError struct{}

func (e *fakeNotFoundError) Error() string { return "not found" }
