package network

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	mathrand "math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cirunlabs/meda/lib/logger"
	"github.com/vishvananda/netlink"
)

const (
	subnetOctetMin   = 16
	subnetOctetMax   = 216 // exclusive
	subnetRetryBudget = 200
	tapRetryBudget    = 1000
)

// AllocateSubnet draws a uniform octet from [16, 216), rejecting octets
// already recorded by a VM directory's subnet file (§4.3).
func (m *manager) AllocateSubnet(ctx context.Context) (string, error) {
	used, err := m.usedSubnetOctets()
	if err != nil {
		return "", err
	}

	for i := 0; i < subnetRetryBudget; i++ {
		octet := subnetOctetMin + mathrand.Intn(subnetOctetMax-subnetOctetMin)
		if !used[octet] {
			return "192.168." + strconv.Itoa(octet), nil
		}
	}
	return "", ErrAllocationExhausted
}

func (m *manager) usedSubnetOctets() (map[int]bool, error) {
	names, err := m.paths.VMNames()
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(names))
	for _, name := range names {
		subnet, err := readTrimmed(m.paths.VMSubnetFile(name))
		if err != nil {
			continue
		}
		parts := strings.Split(subnet, ".")
		if len(parts) != 3 || parts[0] != "192" || parts[1] != "168" {
			continue // opaque, ignored per §4.3
		}
		if octet, err := strconv.Atoi(parts[2]); err == nil {
			used[octet] = true
		}
	}
	return used, nil
}

// AllocateTAPName derives a candidate from a digest of (vmName, wall-clock
// seconds), format "tap-<8hex>" (12 bytes, within the 15-byte kernel
// interface name limit). On collision it rotates the low hex digit through
// 16 variants with a "tap-<7hex><1hex>" template, per §4.3.
func (m *manager) AllocateTAPName(ctx context.Context, vmName string) (string, error) {
	log := logger.FromContext(ctx)
	used, err := m.usedTAPNames(ctx)
	if err != nil {
		return "", err
	}

	base := digestHex(vmName, time.Now().Unix())
	for attempt := 0; attempt < tapRetryBudget; attempt++ {
		variant := attempt % 16
		candidate := "tap-" + base[:7] + hexDigit(variant)
		if attempt == 0 {
			candidate = "tap-" + base[:8]
		}
		if !used[candidate] {
			log.DebugContext(ctx, "allocated tap name", "vm", vmName, "tap", candidate, "attempt", attempt)
			return candidate, nil
		}
		// rotate the digest forward so repeated collisions don't loop on the
		// same 16 variants forever across calls within the same second.
		base = digestHex(vmName+strconv.Itoa(attempt), time.Now().Unix())
	}
	return "", ErrAllocationExhausted
}

func digestHex(vmName string, wallSeconds int64) string {
	h := sha256.New()
	h.Write([]byte(vmName))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(wallSeconds))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

func hexDigit(v int) string {
	const digits = "0123456789abcdef"
	return string(digits[v])
}

// usedTAPNames enumerates in-use TAP names by scanning VM directories'
// tapdev files and the kernel's current link list via netlink, matching
// the teacher's bridge code's preference for netlink introspection over
// parsing `ip link show` text.
func (m *manager) usedTAPNames(ctx context.Context) (map[string]bool, error) {
	used := make(map[string]bool)

	names, err := m.paths.VMNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		tap, err := readTrimmed(m.paths.VMTapFile(name))
		if err == nil && tap != "" {
			used[tap] = true
		}
	}

	if links, err := netlink.LinkList(); err == nil {
		for _, link := range links {
			name := link.Attrs().Name
			if strings.HasPrefix(name, "tap-") {
				used[name] = true
			}
		}
	}

	return used, nil
}

// generateMAC returns a random MAC with OUI 52:54:xx:xx:xx:xx (locally
// administered, matching §3's invariant and the original implementation's
// format exactly).
func generateMAC() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "52:54:" + hex2(buf[0]) + ":" + hex2(buf[1]) + ":" + hex2(buf[2]) + ":" + hex2(buf[3]), nil
}

func hex2(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
