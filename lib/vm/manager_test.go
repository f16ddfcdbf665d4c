package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cirunlabs/meda/lib/bootstrap"
	"github.com/cirunlabs/meda/lib/config"
	"github.com/cirunlabs/meda/lib/network"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*manager, *toolchain.Fake) {
	t.Helper()
	assetDir := t.TempDir()
	vmDir := t.TempDir()
	p := paths.New(assetDir, vmDir)
	fake := toolchain.NewFake()

	// Precreate a base disk so create() can "copy" it without bootstrap
	// actually running qemu-img/genisoimage against real binaries.
	require.NoError(t, os.WriteFile(p.AssetBaseRaw(), []byte("fake-raw-disk"), 0o644))
	require.NoError(t, os.WriteFile(p.AssetHypervisorFW(), []byte("fw"), 0o755))
	require.NoError(t, os.WriteFile(p.AssetHypervisorBin(), []byte("ch"), 0o755))
	require.NoError(t, os.WriteFile(p.AssetChRemote(), []byte("ch-remote"), 0o755))
	require.NoError(t, os.WriteFile(p.AssetOras(), []byte("oras"), 0o755))

	netMgr := network.NewManager(fake, p, nil, nil)
	bs := bootstrap.New(fake, p, bootstrap.DownloadURLs{}, "10G")
	cfg := &config.Config{CPUs: 2, Mem: "1024M", DiskSize: "10G"}

	m := &manager{runner: fake, paths: p, network: netMgr, bootstrap: bs, cfg: cfg}
	return m, fake
}

func TestCreateRejectsInvalidName(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "Bad_Name"})
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateRejectsExisting(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.paths.VMDir("dup"), 0o755))

	_, err := m.create(context.Background(), CreateOptions{Name: "dup"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreatePersistsNetworkAndCloudInitFiles(t *testing.T) {
	m, _ := newTestManager(t)

	info, err := m.create(context.Background(), CreateOptions{Name: "web-1"})
	require.NoError(t, err)
	require.Equal(t, StateStopped, info.State)
	require.NotEmpty(t, info.Subnet)
	require.NotEmpty(t, info.Tap)
	require.NotEmpty(t, info.MAC)

	require.FileExists(t, m.paths.VMRootfs("web-1"))
	require.FileExists(t, m.paths.VMSubnetFile("web-1"))
	require.FileExists(t, m.paths.VMTapFile("web-1"))
	require.FileExists(t, m.paths.VMMacFile("web-1"))
	require.FileExists(t, m.paths.VMMetaData("web-1"))
	require.FileExists(t, m.paths.VMUserData("web-1"))
	require.FileExists(t, filepath.Join(m.paths.VMCIDir("web-1"), "network-config"))
	require.FileExists(t, m.paths.VMStartScript("web-1"))

	data, err := os.ReadFile(m.paths.VMMetaData("web-1"))
	require.NoError(t, err)
	require.Contains(t, string(data), "instance-id: web-1")
}

func TestStartPollsUntilRunning(t *testing.T) {
	m, fake := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "pollvm"})
	require.NoError(t, err)

	// start.sh (run through the fake as "bash") is what records the pid
	fake.OnRun = func(cmd string, args []string) {
		if cmd == "bash" {
			require.NoError(t, os.WriteFile(m.paths.VMPidFile("pollvm"), []byte("4242"), 0o644))
		}
	}
	fake.ProcessAlive = map[int]bool{4242: true}

	err = m.start(context.Background(), "pollvm")
	require.NoError(t, err)
}

func TestStartFailsWithLogTailOnNeverAlive(t *testing.T) {
	m, fake := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "deadvm"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.paths.VMLogFile("deadvm"), []byte("boot failure detail"), 0o644))
	fake.ProcessAlive = map[int]bool{}

	err = m.start(context.Background(), "deadvm")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boot failure detail")
}

func TestStopSendsTermThenRemovesPidFile(t *testing.T) {
	m, fake := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "stopvm"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.paths.VMPidFile("stopvm"), []byte("555"), 0o644))
	fake.ProcessAlive = map[int]bool{555: true}

	// simulate the process exiting as soon as SIGTERM is observed
	fake.OnRun = func(cmd string, args []string) {
		if cmd == "kill" && len(args) > 0 && args[0] == "-TERM" {
			fake.ProcessAlive[555] = false
		}
	}

	err = m.stop(context.Background(), "stopvm")
	require.NoError(t, err)
	require.NoFileExists(t, m.paths.VMPidFile("stopvm"))
}

func TestDeleteRemovesDirectory(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "gone"})
	require.NoError(t, err)

	err = m.delete(context.Background(), "gone")
	require.NoError(t, err)
	require.NoDirExists(t, m.paths.VMDir("gone"))
}

func TestGetFallsBackToConfigDefaults(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "defaulted"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(m.paths.VMMemoryFile("defaulted")))
	require.NoError(t, os.Remove(m.paths.VMStartScript("defaulted")))

	info, err := m.get(context.Background(), "defaulted")
	require.NoError(t, err)
	require.Equal(t, "1024M", info.Memory)
}

func TestListReturnsEveryVMDirectory(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.create(context.Background(), CreateOptions{Name: "vm-a"})
	require.NoError(t, err)
	_, err = m.create(context.Background(), CreateOptions{Name: "vm-b"})
	require.NoError(t, err)

	infos, err := m.list(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
}
