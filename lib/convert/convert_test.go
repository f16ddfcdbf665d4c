package convert

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cirunlabs/meda/lib/bootstrap"
	"github.com/cirunlabs/meda/lib/config"
	"github.com/cirunlabs/meda/lib/image"
	"github.com/cirunlabs/meda/lib/network"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/cirunlabs/meda/lib/vm"
	"github.com/stretchr/testify/require"
)

func newTestConverter(t *testing.T) (Converter, vm.Manager, image.Manager, *paths.Paths, *toolchain.Fake) {
	t.Helper()
	assetDir := t.TempDir()
	vmDir := t.TempDir()
	p := paths.New(assetDir, vmDir)
	fake := toolchain.NewFake()

	require.NoError(t, os.WriteFile(p.AssetBaseRaw(), []byte("fake-raw-disk"), 0o644))
	require.NoError(t, os.WriteFile(p.AssetHypervisorFW(), []byte("fw"), 0o755))
	require.NoError(t, os.WriteFile(p.AssetHypervisorBin(), []byte("ch"), 0o755))
	require.NoError(t, os.WriteFile(p.AssetChRemote(), []byte("ch-remote"), 0o755))
	require.NoError(t, os.WriteFile(p.AssetOras(), []byte("oras"), 0o755))

	netMgr := network.NewManager(fake, p, nil, nil)
	bs := bootstrap.New(fake, p, bootstrap.DownloadURLs{}, "10G")
	cfg := &config.Config{CPUs: 2, Mem: "1024M", DiskSize: "10G", OrasPullConcurrency: 4}
	vmMgr := vm.NewManager(fake, p, netMgr, bs, cfg, nil, nil)
	store := image.NewManager(p)

	return New(vmMgr, store, p, fake, cfg), vmMgr, store, p, fake
}

func TestSnapshotRejectsMissingVM(t *testing.T) {
	conv, _, _, _, _ := newTestConverter(t)
	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "snap", Tag: "latest"}
	_, err := conv.Snapshot(context.Background(), "nope", ref, nil)
	require.ErrorIs(t, err, vm.ErrNotFound)
}

func TestSnapshotCopiesStoppedVMDisk(t *testing.T) {
	conv, vmMgr, store, p, _ := newTestConverter(t)
	ctx := context.Background()

	_, err := vmMgr.Create(ctx, vm.CreateOptions{Name: "src-vm"})
	require.NoError(t, err)

	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "snap", Tag: "latest"}
	man, err := conv.Snapshot(ctx, "src-vm", ref, map[string]string{"note": "test"})
	require.NoError(t, err)
	require.Equal(t, "src-vm", man.SourceVM)
	require.Equal(t, "test", man.Metadata["note"])
	require.Equal(t, "vm_snapshot", man.Metadata["type"])

	loaded, err := store.Load(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "base.raw", loaded.Artifacts[image.RoleBaseImage])

	dest := filepath.Join(p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag), "base.raw")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "fake-raw-disk", string(data))
}

func TestRunRehydratesExistingImageWithoutPulling(t *testing.T) {
	conv, vmMgr, store, p, fake := newTestConverter(t)
	ctx := context.Background()

	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}
	destDir := p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "base.raw"), []byte("image-disk"), 0o644))
	require.NoError(t, store.Save(ctx, ref, &image.Manifest{
		Name: ref.Name, Tag: ref.Tag, Registry: ref.Registry, Org: ref.Org,
		Artifacts: map[string]string{image.RoleBaseImage: "base.raw"},
	}))

	info, err := conv.Run(ctx, "ghcr.io/cirunlabs/ubuntu:latest", RunOptions{Name: "from-image"})
	require.NoError(t, err)
	require.Equal(t, "from-image", info.Name)
	require.Equal(t, vm.StateStopped, info.State)

	for _, call := range fake.Calls {
		require.NotEqual(t, p.AssetOras(), call[0])
	}

	rootfs, err := os.ReadFile(p.VMRootfs("from-image"))
	require.NoError(t, err)
	require.Equal(t, "image-disk", string(rootfs))

	_, err = vmMgr.Get(ctx, "from-image")
	require.NoError(t, err)
}

func TestRunGeneratesNameFromImageWhenUnspecified(t *testing.T) {
	conv, _, store, p, _ := newTestConverter(t)
	ctx := context.Background()

	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}
	destDir := p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "base.raw"), []byte("image-disk"), 0o644))
	require.NoError(t, store.Save(ctx, ref, &image.Manifest{
		Name: ref.Name, Tag: ref.Tag, Registry: ref.Registry, Org: ref.Org,
		Artifacts: map[string]string{image.RoleBaseImage: "base.raw"},
	}))

	info, err := conv.Run(ctx, "ghcr.io/cirunlabs/ubuntu:latest", RunOptions{})
	require.NoError(t, err)
	require.Contains(t, info.Name, "ubuntu-")
}
