package oci

import (
	"regexp"
	"strings"

	"github.com/cirunlabs/meda/lib/image"
)

var sanitizeRole = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// classify maps a pulled artifact's filename to its role and canonical
// on-disk filename, per §4.8's mapping table. ok is false for files that
// should be skipped entirely (manifests, digest sidecar files).
func classify(filename string) (role, canonical string, ok bool) {
	if strings.HasSuffix(filename, ".json") || strings.HasPrefix(filename, "sha256:") {
		return "", "", false
	}

	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "base") || strings.HasSuffix(lower, ".raw"):
		return image.RoleBaseImage, "base.raw", true
	case strings.Contains(lower, "hypervisor-fw") || strings.Contains(lower, "fw"):
		return image.RoleFirmware, "hypervisor-fw", true
	case strings.Contains(lower, "cloud-hypervisor") && !strings.Contains(lower, "remote"):
		return image.RoleHypervisor, "cloud-hypervisor", true
	case strings.Contains(lower, "ch-remote"):
		return image.RoleChRemote, "ch-remote", true
	default:
		role := strings.Trim(sanitizeRole.ReplaceAllString(filename, "-"), "-")
		return role, filename, true
	}
}
