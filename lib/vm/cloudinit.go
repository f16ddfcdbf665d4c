package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// defaultUserData provisions a single sudoer named "meda" with a
// pre-derived SHA-512 crypt password hash; create writes it when no
// user-data path is supplied.
const defaultUserData = `#cloud-config
users:
  - name: meda
    sudo: ALL=(ALL) NOPASSWD:ALL
    passwd: $6$ep7LxhhmhQHf.TiY$qPJVJQCnPMnyFdmD0ymP7CH2dos0awET8JlSzDqoiK6AOQwDpx8fCLJ1C5c7nvkVJbIpQCOalC8l2BGkRzogM.
    lock_passwd: false
    inactive: false
    groups: sudo
    shell: /bin/bash
ssh_pwauth: true
`

func metaDataContent(name string) string {
	return fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", name, name)
}

// networkConfigContent binds by MAC to the VM's static subnet address,
// netplan v2 format, matching §4.6's network-config generation.
func networkConfigContent(mac, subnet string) string {
	return fmt.Sprintf(`version: 2
ethernets:
  ens4:
    match:
      macaddress: %s
    addresses: [%s.2/24]
    gateway4: %s.1
    set-name: ens4
    nameservers:
      addresses: [8.8.8.8, 1.1.1.1]
`, mac, subnet, subnet)
}

// writeCloudInit assembles meta-data/user-data/network-config under
// <vm_dir>/ and <vm_dir>/ci/, then shells out to genisoimage to produce
// ci.iso (Joliet+Rock-Ridge, volume id "cidata").
func (m *manager) writeCloudInit(ctx context.Context, name, subnet, mac, userDataPath string) error {
	metaData := metaDataContent(name)
	if err := writeTrimmed(m.paths.VMMetaData(name), metaData); err != nil {
		return fmt.Errorf("write meta-data: %w", err)
	}

	userData := defaultUserData
	if userDataPath != "" {
		data, err := os.ReadFile(userDataPath)
		if err != nil {
			return fmt.Errorf("read user-data source %s: %w", userDataPath, err)
		}
		userData = string(data)
	}
	if err := os.WriteFile(m.paths.VMUserData(name), []byte(userData), 0o644); err != nil {
		return fmt.Errorf("write user-data: %w", err)
	}

	ciDir := m.paths.VMCIDir(name)
	if err := os.MkdirAll(ciDir, 0o755); err != nil {
		return fmt.Errorf("create ci dir: %w", err)
	}
	if err := copyFile(m.paths.VMMetaData(name), filepath.Join(ciDir, "meta-data")); err != nil {
		return fmt.Errorf("copy meta-data into ci dir: %w", err)
	}
	if err := copyFile(m.paths.VMUserData(name), filepath.Join(ciDir, "user-data")); err != nil {
		return fmt.Errorf("copy user-data into ci dir: %w", err)
	}

	netConfig := networkConfigContent(mac, subnet)
	if err := writeTrimmed(m.paths.VMNetworkConfig(name), netConfig); err != nil {
		return fmt.Errorf("write network-config: %w", err)
	}

	return m.runner.Run(ctx, "genisoimage",
		"-output", m.paths.VMCIISO(name),
		"-volid", "cidata",
		"-joliet",
		"-rock",
		ciDir,
	)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// buildStartScript renders the start.sh contract for a VM directory: the
// only place in the system that assembles the hypervisor command line
// (§4.6). It backgrounds the hypervisor, records the PID synchronously,
// sleeps briefly, and exits non-zero if the process already died.
func buildStartScript(p startScriptParams) string {
	return fmt.Sprintf(`#!/bin/bash
cd "%s"
%s \
  --api-socket path=%s/api.sock \
  --console off \
  --serial tty \
  --kernel "%s" \
  --cpus boot=%d \
  --memory size=%s \
  --disk path=%s/rootfs.raw path="%s/ci.iso" \
  --net tap=%s,mac=%s \
  --rng src=/dev/urandom \
  > "%s/ch.log" 2>&1 &
echo $! > "%s/pid"

sleep 2
if ! ps -p $(cat "%s/pid" 2>/dev/null) &>/dev/null; then
  echo "ERROR: Cloud Hypervisor failed to start. Check log: %s/ch.log" >&2
  exit 1
fi
`,
		p.VMDir, p.HypervisorBin, p.VMDir,
		p.FirmwarePath, p.CPUs, p.Memory,
		p.VMDir, p.VMDir,
		p.Tap, p.MAC,
		p.VMDir, p.VMDir, p.VMDir, p.VMDir,
	)
}

type startScriptParams struct {
	VMDir         string
	HypervisorBin string
	FirmwarePath  string
	CPUs          int
	Memory        string
	Tap           string
	MAC           string
}
