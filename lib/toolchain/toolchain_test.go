package toolchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cirunlabs/meda/lib/merrors"
	"github.com/stretchr/testify/require"
)

func TestRunCaptureSurfacesCommand(t *testing.T) {
	r := New()
	_, stderr, err := r.RunCapture(context.Background(), "sh", "-c", "echo oops 1>&2; exit 3")
	require.Error(t, err)
	require.Contains(t, stderr, "oops")

	var cmdErr *merrors.ExternalCommandError
	require.True(t, errors.As(err, &cmdErr))
	require.Equal(t, 3, cmdErr.Code)
	require.True(t, errors.Is(err, merrors.ErrExternalCommandFailed))
}

func TestEnsureToolMissing(t *testing.T) {
	r := New()
	err := r.EnsureTool(context.Background(), "definitely-not-a-real-binary-xyz", "some-package")
	require.Error(t, err)
	require.True(t, errors.Is(err, merrors.ErrDependencyUnavailable))
}

func TestSetExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	r := New()
	require.NoError(t, r.SetExecutable(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestCheckProcessSelf(t *testing.T) {
	r := New()
	require.True(t, r.CheckProcess(context.Background(), os.Getpid()))
	require.False(t, r.CheckProcess(context.Background(), 0))
}

func TestFakeRunnerRecordsCalls(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Run(context.Background(), "iptables", "-C", "POSTROUTING"))
	require.Len(t, f.Calls, 1)
	require.Equal(t, []string{"iptables", "-C", "POSTROUTING"}, f.Calls[0])
}
