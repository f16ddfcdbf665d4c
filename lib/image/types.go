// Package image implements the Image Store (C8): the on-disk, tuple-keyed
// (registry, org, name, tag) layout for VM artifact bundles, and the
// ImageRef parsing heuristics that front every image-addressing operation.
package image

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Ref identifies an image by its (registry, org, name, tag) tuple (§3).
type Ref struct {
	Registry string
	Org      string
	Name     string
	Tag      string
}

// String renders the fully-qualified reference.
func (r Ref) String() string {
	return r.Registry + "/" + r.Org + "/" + r.Name + ":" + r.Tag
}

// Manifest is manifest.json's schema (§3).
type Manifest struct {
	Name      string            `json:"name"`
	Tag       string            `json:"tag"`
	Registry  string            `json:"registry"`
	Org       string            `json:"org"`
	Artifacts map[string]string `json:"artifacts"`
	Metadata  map[string]string `json:"metadata"`
	Created   int64             `json:"created"`

	// Set only by the pull path (§4.8) when reassembly or transparent pull
	// produced this manifest.
	PulledFrom            string `json:"pulled_from,omitempty"`
	PulledAt              int64  `json:"pulled_at,omitempty"`
	ReassembledFromChunks bool   `json:"reassembled_from_chunks,omitempty"`
	ChunkedFiles          string `json:"chunked_files,omitempty"`

	// Set only by vm-snapshot create-image (§4.9).
	SourceVM string `json:"source_vm,omitempty"`
}

// Artifact roles, the mandatory-for-rehydration key plus the cloud-init
// trio and an open-ended "other" bucket (§3, §4.8).
const (
	RoleBaseImage      = "base_image"
	RoleFirmware       = "firmware"
	RoleHypervisor     = "hypervisor"
	RoleChRemote       = "ch_remote"
	RoleUserData       = "user-data"
	RoleMetaData       = "meta-data"
	RoleNetworkConfig  = "network-config"
)

// SortedRoles returns m.Artifacts' keys in a deterministic order, for
// callers (push, rendering) that need stable iteration over a map.
func (m *Manifest) SortedRoles() []string {
	roles := lo.Keys(m.Artifacts)
	sort.Strings(roles)
	return roles
}

// Summary is the render-ready view returned by List (§4.7).
type Summary struct {
	Ref       Ref
	SizeBytes int64
	CreatedAt time.Time
}
