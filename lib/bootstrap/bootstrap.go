// Package bootstrap is the Asset Bootstrapper (C2): idempotently
// materializes the hypervisor, firmware, remote-control binary, OCI
// transport binary, and base disk under the configured asset directory.
package bootstrap

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cirunlabs/meda/lib/logger"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
)

// DownloadURLs maps asset kind -> GOARCH -> source URL. Populated with the
// Cloud Hypervisor release assets this version targets.
type DownloadURLs struct {
	HypervisorFW map[string]string
	Hypervisor   map[string]string
	ChRemote     map[string]string
	Oras         map[string]string
	BaseImage    map[string]string // qcow2 cloud image, per arch
}

// Bootstrapper drives C2.
type Bootstrapper struct {
	runner      toolchain.Runner
	paths       *paths.Paths
	urls        DownloadURLs
	defaultDisk string // e.g. "10G", resize target for bootstrap_full
}

// New constructs a Bootstrapper.
func New(runner toolchain.Runner, p *paths.Paths, urls DownloadURLs, defaultDiskSize string) *Bootstrapper {
	return &Bootstrapper{runner: runner, paths: p, urls: urls, defaultDisk: defaultDiskSize}
}

// BootstrapBinariesOnly materializes the hypervisor, firmware, ch-remote, and
// oras binaries, but never the base disk. Used by the image->VM (run) path
// which supplies its own base.raw from an image.
func (b *Bootstrapper) BootstrapBinariesOnly(ctx context.Context) error {
	log := logger.FromContext(ctx)
	arch := runtime.GOARCH

	if err := b.ensureFile(ctx, b.paths.AssetHypervisorFW(), b.urls.HypervisorFW[arch], true); err != nil {
		return fmt.Errorf("bootstrap firmware: %w", err)
	}
	if err := b.ensureFile(ctx, b.paths.AssetHypervisorBin(), b.urls.Hypervisor[arch], true); err != nil {
		return fmt.Errorf("bootstrap hypervisor: %w", err)
	}
	if err := b.ensureFile(ctx, b.paths.AssetChRemote(), b.urls.ChRemote[arch], true); err != nil {
		return fmt.Errorf("bootstrap ch-remote: %w", err)
	}
	if err := b.ensureOras(ctx, arch); err != nil {
		return fmt.Errorf("bootstrap oras: %w", err)
	}
	if err := b.runner.EnsureTool(ctx, "genisoimage", "genisoimage"); err != nil {
		return err
	}

	log.DebugContext(ctx, "binaries bootstrapped", "arch", arch)
	return nil
}

// BootstrapFull additionally fetches and converts the base disk.
func (b *Bootstrapper) BootstrapFull(ctx context.Context) error {
	if err := b.BootstrapBinariesOnly(ctx); err != nil {
		return err
	}

	log := logger.FromContext(ctx)
	arch := runtime.GOARCH

	if _, err := os.Stat(b.paths.AssetBaseRaw()); err == nil {
		return nil // present at target path = up to date, no integrity check
	}

	if err := b.runner.EnsureTool(ctx, "qemu-img", "qemu-utils"); err != nil {
		return err
	}

	qcow2Path := b.paths.AssetBaseQcow2Tmp()
	url, ok := b.urls.BaseImage[arch]
	if !ok {
		return fmt.Errorf("no base image URL configured for arch %s", arch)
	}
	log.InfoContext(ctx, "downloading base cloud image", "url", url)
	if err := b.runner.Download(ctx, url, qcow2Path); err != nil {
		return fmt.Errorf("download base image: %w", err)
	}
	defer os.Remove(qcow2Path)

	log.DebugContext(ctx, "converting qcow2 to raw")
	if err := b.runner.Run(ctx, "qemu-img", "convert", "-f", "qcow2", "-O", "raw", qcow2Path, b.paths.AssetBaseRaw()); err != nil {
		return fmt.Errorf("qemu-img convert: %w", err)
	}

	log.DebugContext(ctx, "resizing base disk", "size", b.defaultDisk)
	if err := b.runner.Run(ctx, "qemu-img", "resize", b.paths.AssetBaseRaw(), b.defaultDisk); err != nil {
		return fmt.Errorf("qemu-img resize: %w", err)
	}

	return nil
}

func (b *Bootstrapper) ensureFile(ctx context.Context, destPath, url string, executable bool) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	if url == "" {
		return fmt.Errorf("no download URL configured for %s", destPath)
	}
	if err := b.runner.Download(ctx, url, destPath); err != nil {
		return err
	}
	if executable {
		return b.runner.SetExecutable(destPath)
	}
	return nil
}

// ensureOras downloads the gzipped oras tarball and extracts the single
// "oras" entry into the asset dir, streaming the archive without buffering
// the whole tarball in memory.
func (b *Bootstrapper) ensureOras(ctx context.Context, arch string) error {
	destPath := b.paths.AssetOras()
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	url, ok := b.urls.Oras[arch]
	if !ok {
		return fmt.Errorf("no oras URL configured for arch %s", arch)
	}

	scratch := filepath.Join(filepath.Dir(destPath), "oras.tar.gz.tmp")
	if err := b.runner.Download(ctx, url, scratch); err != nil {
		return err
	}
	defer os.Remove(scratch)

	f, err := os.Open(scratch)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("oras binary not found in archive %s", url)
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if filepath.Base(hdr.Name) != "oras" {
			continue
		}
		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extract oras: %w", err)
		}
		out.Close()
		return b.runner.SetExecutable(destPath)
	}
}
