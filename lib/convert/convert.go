// Package convert implements the VM↔Image Converter (C10): the thin
// orchestration spanning the VM Lifecycle Engine (C6) and the Image Store
// (C8) that snapshots a VM into an image and rehydrates an image into a
// runnable VM.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cirunlabs/meda/lib/config"
	"github.com/cirunlabs/meda/lib/image"
	"github.com/cirunlabs/meda/lib/logger"
	"github.com/cirunlabs/meda/lib/oci"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/cirunlabs/meda/lib/vm"
)

// vmSettleDelay is the pause after stop before copying rootfs.raw, so the
// hypervisor's writer fd is fully released (§4.9, §5 ordering guarantee 3).
const vmSettleDelay = 2 * time.Second

// Converter is the C10 surface.
type Converter interface {
	// Snapshot turns a VM's current disk state into a new image (VM→image).
	Snapshot(ctx context.Context, vmName string, ref image.Ref, metadata map[string]string) (*image.Manifest, error)
	// Run rehydrates ref into a VM, pulling it first if absent, and
	// optionally starts it (Image→VM).
	Run(ctx context.Context, refRaw string, opts RunOptions) (*vm.Info, error)
}

// RunOptions configures the image-to-VM path.
type RunOptions struct {
	Name            string // optional; generated from the image name if empty
	Resources       vm.Resources
	Start           bool
	DefaultRegistry string
	DefaultOrg      string
	PullOptions     oci.PullOptions
}

type converter struct {
	vmMgr     vm.Manager
	store     image.Manager
	paths     *paths.Paths
	runner    toolchain.Runner
	cfg       *config.Config
	oraBinary string
}

// New constructs the VM↔Image Converter.
func New(vmMgr vm.Manager, store image.Manager, p *paths.Paths, runner toolchain.Runner, cfg *config.Config) Converter {
	return &converter{
		vmMgr:     vmMgr,
		store:     store,
		paths:     p,
		runner:    runner,
		cfg:       cfg,
		oraBinary: p.AssetOras(),
	}
}

func (c *converter) Snapshot(ctx context.Context, vmName string, ref image.Ref, metadata map[string]string) (*image.Manifest, error) {
	log := logger.FromContext(ctx)

	vmDir := c.paths.VMDir(vmName)
	if _, err := os.Stat(vmDir); err != nil {
		return nil, fmt.Errorf("%w: %s", vm.ErrNotFound, vmName)
	}
	rootfs := c.paths.VMRootfs(vmName)
	if _, err := os.Stat(rootfs); err != nil {
		return nil, fmt.Errorf("vm %s has no rootfs.raw", vmName)
	}

	info, err := c.vmMgr.Get(ctx, vmName)
	if err != nil {
		return nil, fmt.Errorf("get vm: %w", err)
	}
	if info.State == vm.StateRunning {
		log.InfoContext(ctx, "stopping vm before snapshot", "name", vmName)
		if err := c.vmMgr.Stop(ctx, vmName); err != nil {
			return nil, fmt.Errorf("stop vm before snapshot: %w", err)
		}
		time.Sleep(vmSettleDelay)
	}

	destDir := c.paths.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	if err := copyFile(rootfs, filepath.Join(destDir, "base.raw")); err != nil {
		return nil, fmt.Errorf("copy rootfs to base.raw: %w", err)
	}

	artifacts := map[string]string{image.RoleBaseImage: "base.raw"}
	for _, ci := range []struct {
		src  string
		role string
		name string
	}{
		{c.paths.VMUserData(vmName), image.RoleUserData, "user-data"},
		{c.paths.VMMetaData(vmName), image.RoleMetaData, "meta-data"},
		{c.paths.VMNetworkConfig(vmName), image.RoleNetworkConfig, "network-config"},
	} {
		if _, err := os.Stat(ci.src); err != nil {
			continue
		}
		if err := copyFile(ci.src, filepath.Join(destDir, ci.name)); err != nil {
			return nil, fmt.Errorf("copy %s: %w", ci.name, err)
		}
		artifacts[ci.role] = ci.name
	}

	meta := map[string]string{"source_vm": vmName, "type": "vm_snapshot"}
	for k, v := range metadata {
		meta[k] = v
	}

	man := &image.Manifest{
		Name:      ref.Name,
		Tag:       ref.Tag,
		Registry:  ref.Registry,
		Org:       ref.Org,
		Artifacts: artifacts,
		Metadata:  meta,
		SourceVM:  vmName,
		Created:   time.Now().Unix(),
	}
	if err := c.store.Save(ctx, ref, man); err != nil {
		return nil, fmt.Errorf("save snapshot manifest: %w", err)
	}

	log.InfoContext(ctx, "snapshotted vm to image", "vm", vmName, "ref", ref.String())
	return man, nil
}

func (c *converter) Run(ctx context.Context, refRaw string, opts RunOptions) (*vm.Info, error) {
	log := logger.FromContext(ctx)

	defaultRegistry := opts.DefaultRegistry
	if defaultRegistry == "" {
		defaultRegistry = "ghcr.io"
	}
	defaultOrg := opts.DefaultOrg
	if defaultOrg == "" {
		defaultOrg = "cirunlabs"
	}

	ref, err := image.Parse(refRaw, defaultRegistry, defaultOrg)
	if err != nil {
		return nil, fmt.Errorf("parse image ref: %w", err)
	}

	if !c.store.Exists(ctx, ref) {
		log.InfoContext(ctx, "image absent locally, pulling", "ref", ref.String())
		pullOpts := opts.PullOptions
		if pullOpts.RegistryRef == "" {
			pullOpts.RegistryRef = ref.String()
		}
		if pullOpts.Concurrency == 0 {
			pullOpts.Concurrency = c.cfg.OrasPullConcurrency
		}
		if _, err := oci.Pull(ctx, c.runner, c.oraBinary, c.paths, ref, c.store, pullOpts); err != nil {
			return nil, fmt.Errorf("transparent pull: %w", err)
		}
	}

	man, err := c.store.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load image manifest: %w", err)
	}
	baseDiskName, ok := man.Artifacts[image.RoleBaseImage]
	if !ok {
		return nil, fmt.Errorf("image %s has no %s artifact", ref.String(), image.RoleBaseImage)
	}
	imageDir := c.paths.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", ref.Name, time.Now().Unix())
	}
	if _, err := c.vmMgr.Get(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", vm.ErrAlreadyExists, name)
	}

	createOpts := vm.CreateOptions{
		Name:                  name,
		Resources:             opts.Resources,
		SourceDiskPath:        filepath.Join(imageDir, baseDiskName),
		SkipBaseDiskBootstrap: true,
	}
	if userDataName, ok := man.Artifacts[image.RoleUserData]; ok {
		createOpts.UserDataPath = filepath.Join(imageDir, userDataName)
	}

	info, err := c.vmMgr.Create(ctx, createOpts)
	if err != nil {
		return nil, fmt.Errorf("create vm from image: %w", err)
	}

	if opts.Start {
		if err := c.vmMgr.Start(ctx, name); err != nil {
			return nil, fmt.Errorf("start vm: %w", err)
		}
		info, err = c.vmMgr.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("get started vm: %w", err)
		}
	}

	log.InfoContext(ctx, "ran image as vm", "ref", ref.String(), "vm", name)
	return info, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
