package oci

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cirunlabs/meda/lib/image"
	"github.com/cirunlabs/meda/lib/merrors"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/stretchr/testify/require"
)

func TestPushSmallArtifactSymlinksIntoScratch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.raw"), []byte("small image"), 0o644))

	man := &image.Manifest{
		Name: "ubuntu", Tag: "latest", Registry: "ghcr.io", Org: "cirunlabs",
		Artifacts: map[string]string{image.RoleBaseImage: "base.raw"},
		Metadata:  map[string]string{"arch": "x86_64"},
	}

	fake := toolchain.NewFake()
	var capturedDir string
	fake.OnRun = func(cmd string, args []string) {
		// the scratch dir only exists while the OCI client runs
		capturedDir = strings.TrimPrefix(fake.Calls[len(fake.Calls)-1][0], "dir:")
		fi, err := os.Lstat(filepath.Join(capturedDir, "base.raw"))
		require.NoError(t, err)
		require.True(t, fi.Mode()&os.ModeSymlink != 0)
	}

	err := Push(context.Background(), fake, "oras", dir, man, PushOptions{
		RegistryRef: "ghcr.io/cirunlabs/ubuntu:latest",
		Bearer:      "secret-token",
		Concurrency: 4,
	})
	require.NoError(t, err)
	require.Len(t, fake.Calls, 1)

	call := fake.Calls[0]
	require.True(t, strings.HasPrefix(call[0], "dir:"))
	require.Equal(t, capturedDir, strings.TrimPrefix(call[0], "dir:"))
	require.NoDirExists(t, capturedDir)

	joined := strings.Join(call, " ")
	require.Contains(t, joined, "--artifact-type")
	require.Contains(t, joined, artifactType)
	require.Contains(t, joined, "token")
	require.Contains(t, joined, "secret-token")
	require.Contains(t, joined, "ghcr.io/cirunlabs/ubuntu:latest")
	require.Contains(t, joined, "base.raw:"+mediaType(image.RoleBaseImage))
}

func TestPushChunksOversizedArtifact(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 150*1024*1024) // above the 100MiB threshold
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.raw"), data, 0o644))

	man := &image.Manifest{
		Name: "big", Tag: "latest", Registry: "ghcr.io", Org: "cirunlabs",
		Artifacts: map[string]string{image.RoleBaseImage: "base.raw"},
	}

	fake := toolchain.NewFake()
	err := Push(context.Background(), fake, "oras", dir, man, PushOptions{
		RegistryRef: "ghcr.io/cirunlabs/big:latest",
		Concurrency: 2,
	})
	require.NoError(t, err)

	joined := strings.Join(fake.Calls[0], " ")
	require.Contains(t, joined, "base.raw.chunk.000:"+chunkMediaType(image.RoleBaseImage))
	require.Contains(t, joined, "chunked-files=base.raw")
}

func TestPushFailureReturnsTransportError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.raw"), []byte("small image"), 0o644))

	man := &image.Manifest{
		Name: "ubuntu", Tag: "latest", Registry: "ghcr.io", Org: "cirunlabs",
		Artifacts: map[string]string{image.RoleBaseImage: "base.raw"},
	}

	fake := toolchain.NewFake()
	fake.RunErr = &merrors.ExternalCommandError{Command: []string{"oras", "push"}, Stderr: "unauthorized: authentication required", Code: 1}

	err := Push(context.Background(), fake, "oras", dir, man, PushOptions{
		RegistryRef: "ghcr.io/cirunlabs/ubuntu:latest",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, merrors.ErrTransportFailed))

	var transportErr *merrors.TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "push", transportErr.Op)
	require.Equal(t, "unauthorized: authentication required", transportErr.Stderr)
}

func TestPullFailureReturnsTransportError(t *testing.T) {
	store, p := newTestStore(t)
	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}

	fake := toolchain.NewFake()
	fake.RunErr = &merrors.ExternalCommandError{Command: []string{"oras", "pull"}, Stderr: "manifest unknown", Code: 1}

	_, err := Pull(context.Background(), fake, "oras", p, ref, store, PullOptions{
		RegistryRef: "ghcr.io/cirunlabs/ubuntu:latest",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, merrors.ErrTransportFailed))

	var transportErr *merrors.TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "pull", transportErr.Op)
	require.Equal(t, "manifest unknown", transportErr.Stderr)
}

func newTestStore(t *testing.T) (image.Manager, *paths.Paths) {
	t.Helper()
	p := paths.New(t.TempDir(), t.TempDir())
	return image.NewManager(p), p
}

func TestPullFindsArtifactsInScratchDir(t *testing.T) {
	store, p := newTestStore(t)
	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}

	fake := toolchain.NewFake()
	fake.OnRun = func(cmd string, args []string) {
		var scratch string
		for i, a := range args {
			if a == "--output" {
				scratch = args[i+1]
			}
		}
		require.NotEmpty(t, scratch)
		require.NoError(t, os.WriteFile(filepath.Join(scratch, "base.raw"), []byte("hello vm"), 0o644))
	}

	man, err := Pull(context.Background(), fake, "oras", p, ref, store, PullOptions{
		RegistryRef: "ghcr.io/cirunlabs/ubuntu:latest",
		Concurrency: 4,
	})
	require.NoError(t, err)
	require.Equal(t, "base.raw", man.Artifacts[image.RoleBaseImage])
	require.Equal(t, "ghcr.io/cirunlabs/ubuntu:latest", man.PulledFrom)

	dest := filepath.Join(p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag), "base.raw")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello vm", string(data))

	loaded, err := store.Load(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, man.PulledFrom, loaded.PulledFrom)
}

func TestPullReassemblesChunkedArtifact(t *testing.T) {
	store, p := newTestStore(t)
	ref := image.Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}

	fake := toolchain.NewFake()
	fake.OnRun = func(cmd string, args []string) {
		var scratch string
		for i, a := range args {
			if a == "--output" {
				scratch = args[i+1]
			}
		}
		require.NoError(t, os.WriteFile(filepath.Join(scratch, "base.raw.chunk.000"), []byte("AAAA"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(scratch, "base.raw.chunk.001"), []byte("BBBB"), 0o644))
	}

	man, err := Pull(context.Background(), fake, "oras", p, ref, store, PullOptions{
		RegistryRef: "ghcr.io/cirunlabs/ubuntu:latest",
	})
	require.NoError(t, err)
	require.True(t, man.ReassembledFromChunks)
	require.Equal(t, "base.raw", man.ChunkedFiles)

	dest := filepath.Join(p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag), "base.raw")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "AAAABBBB", string(data))
}
