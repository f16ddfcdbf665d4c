package vm

import (
	"os"
	"strings"
)

// Filesystem structure, one flat file per record (C5):
// <vm_root>/<name>/
//   rootfs.raw      disk image
//   subnet          "192.168.N"
//   tapdev          "tap-xxxxxxxx"
//   mac             "52:54:xx:xx:xx:xx"
//   memory          "1024M"
//   cpus            "2"
//   disk_size       "10G"
//   ports           "host->guest", best-effort
//   meta-data       cloud-init instance-id/local-hostname
//   user-data       cloud-init user-data
//   ci/             meta-data, user-data, network-config (assembled for ci.iso)
//   ci.iso          Joliet+Rock-Ridge seed ISO, volume id "cidata"
//   start.sh        generated hypervisor launch script
//   pid             hypervisor child PID, present only while believed alive
//   ch.log          hypervisor stdio

func writeTrimmed(path, content string) error {
	return os.WriteFile(path, []byte(strings.TrimRight(content, "\n")), 0o644)
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readTrimmedOrEmpty(path string) string {
	v, err := readTrimmed(path)
	if err != nil {
		return ""
	}
	return v
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
