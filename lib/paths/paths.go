// Package paths provides centralized path construction for meda's two data
// roots: the VM directory root and the asset directory.
//
// Directory Structure:
//
//	{assetDir}/
//	  hypervisor-fw
//	  cloud-hypervisor
//	  ch-remote
//	  oras
//	  base.raw
//	  images/
//	    {registry_with_dots_as_underscores}/{org}/{name}/{tag}/
//	      manifest.json
//	      base.raw, hypervisor-fw, cloud-hypervisor, ch-remote, user-data, ...
//	{vmDir}/
//	  {name}/
//	    rootfs.raw
//	    subnet
//	    tapdev
//	    mac
//	    memory
//	    cpus
//	    disk_size
//	    meta-data
//	    user-data
//	    network-config
//	    ci/
//	      meta-data
//	      user-data
//	      network-config
//	    ci.iso
//	    start.sh
//	    pid
//	    ch.log
//	    ports
//	    api.sock
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Paths provides typed path construction over the asset dir and VM root.
type Paths struct {
	assetDir string
	vmDir    string
}

// New creates a Paths rooted at the given asset directory and VM directory.
func New(assetDir, vmDir string) *Paths {
	return &Paths{assetDir: assetDir, vmDir: vmDir}
}

// AssetDir returns the configured asset root.
func (p *Paths) AssetDir() string { return p.assetDir }

// VMRoot returns the configured VM directory root.
func (p *Paths) VMRoot() string { return p.vmDir }

// Asset (system-wide, bootstrap-managed) paths.

func (p *Paths) AssetHypervisorFW() string    { return filepath.Join(p.assetDir, "hypervisor-fw") }
func (p *Paths) AssetHypervisorBin() string   { return filepath.Join(p.assetDir, "cloud-hypervisor") }
func (p *Paths) AssetChRemote() string        { return filepath.Join(p.assetDir, "ch-remote") }
func (p *Paths) AssetOras() string            { return filepath.Join(p.assetDir, "oras") }
func (p *Paths) AssetBaseRaw() string         { return filepath.Join(p.assetDir, "base.raw") }
func (p *Paths) AssetBaseQcow2Tmp() string    { return filepath.Join(p.assetDir, "base.qcow2.tmp") }

// ImagesRoot returns the root of the image store tree.
func (p *Paths) ImagesRoot() string { return filepath.Join(p.assetDir, "images") }

// ImageDir returns the directory for a fully-qualified image ref.
// registry dots are replaced with underscores per §6.
func (p *Paths) ImageDir(registry, org, name, tag string) string {
	return filepath.Join(p.ImagesRoot(), strings.ReplaceAll(registry, ".", "_"), org, name, tag)
}

// ImageManifest returns the manifest.json path for an image.
func (p *Paths) ImageManifest(registry, org, name, tag string) string {
	return filepath.Join(p.ImageDir(registry, org, name, tag), "manifest.json")
}

// VM paths.

func (p *Paths) VMDir(name string) string { return filepath.Join(p.vmDir, name) }

func (p *Paths) VMRootfs(name string) string       { return filepath.Join(p.VMDir(name), "rootfs.raw") }
func (p *Paths) VMSubnetFile(name string) string   { return filepath.Join(p.VMDir(name), "subnet") }
func (p *Paths) VMTapFile(name string) string      { return filepath.Join(p.VMDir(name), "tapdev") }
func (p *Paths) VMMacFile(name string) string      { return filepath.Join(p.VMDir(name), "mac") }
func (p *Paths) VMMemoryFile(name string) string   { return filepath.Join(p.VMDir(name), "memory") }
func (p *Paths) VMCPUsFile(name string) string     { return filepath.Join(p.VMDir(name), "cpus") }
func (p *Paths) VMDiskSizeFile(name string) string { return filepath.Join(p.VMDir(name), "disk_size") }
func (p *Paths) VMPortsFile(name string) string    { return filepath.Join(p.VMDir(name), "ports") }
func (p *Paths) VMMetaData(name string) string     { return filepath.Join(p.VMDir(name), "meta-data") }
func (p *Paths) VMUserData(name string) string     { return filepath.Join(p.VMDir(name), "user-data") }
func (p *Paths) VMNetworkConfig(name string) string {
	return filepath.Join(p.VMDir(name), "network-config")
}
func (p *Paths) VMCIDir(name string) string   { return filepath.Join(p.VMDir(name), "ci") }
func (p *Paths) VMCIISO(name string) string   { return filepath.Join(p.VMDir(name), "ci.iso") }
func (p *Paths) VMStartScript(name string) string {
	return filepath.Join(p.VMDir(name), "start.sh")
}
func (p *Paths) VMPidFile(name string) string  { return filepath.Join(p.VMDir(name), "pid") }
func (p *Paths) VMLogFile(name string) string  { return filepath.Join(p.VMDir(name), "ch.log") }
func (p *Paths) VMAPISocket(name string) string { return filepath.Join(p.VMDir(name), "api.sock") }

// VMNames lists the names of all VM directories under the VM root.
func (p *Paths) VMNames() ([]string, error) {
	entries, err := os.ReadDir(p.vmDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
