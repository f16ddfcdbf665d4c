package vm

import (
	"context"
	"sync"

	"github.com/cirunlabs/meda/lib/bootstrap"
	"github.com/cirunlabs/meda/lib/config"
	"github.com/cirunlabs/meda/lib/network"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager is the C6 VM Lifecycle Engine surface.
type Manager interface {
	Create(ctx context.Context, opts CreateOptions) (*Info, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*Info, error)
	List(ctx context.Context) ([]Info, error)
	IP(ctx context.Context, name string) (string, error)
	PortForward(ctx context.Context, name string, hostPort, guestPort int) error
}

type manager struct {
	runner      toolchain.Runner
	paths       *paths.Paths
	network     network.Manager
	bootstrap   *bootstrap.Bootstrapper
	cfg         *config.Config
	vmLocks     sync.Map // map[string]*sync.RWMutex
	metrics     *metrics
}

type metrics struct {
	meter  metric.Meter
	tracer trace.Tracer
}

// NewManager constructs the VM lifecycle Manager. meter may be nil to
// disable instrumentation.
func NewManager(runner toolchain.Runner, p *paths.Paths, netMgr network.Manager, bs *bootstrap.Bootstrapper, cfg *config.Config, meter metric.Meter, tracer trace.Tracer) Manager {
	var met *metrics
	if meter != nil {
		met = &metrics{meter: meter, tracer: tracer}
	}
	return &manager{
		runner:    runner,
		paths:     p,
		network:   netMgr,
		bootstrap: bs,
		cfg:       cfg,
		metrics:   met,
	}
}

// getLock returns or creates a per-VM-name lock, the teacher's
// getInstanceLock pattern generalized to name-keyed VMs.
func (m *manager) getLock(name string) *sync.RWMutex {
	lock, _ := m.vmLocks.LoadOrStore(name, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

func (m *manager) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	lock := m.getLock(opts.Name)
	lock.Lock()
	defer lock.Unlock()
	return m.create(ctx, opts)
}

func (m *manager) Start(ctx context.Context, name string) error {
	lock := m.getLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.start(ctx, name)
}

func (m *manager) Stop(ctx context.Context, name string) error {
	lock := m.getLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.stop(ctx, name)
}

func (m *manager) Delete(ctx context.Context, name string) error {
	lock := m.getLock(name)
	lock.Lock()
	defer lock.Unlock()

	err := m.delete(ctx, name)
	if err == nil {
		m.vmLocks.Delete(name)
	}
	return err
}

func (m *manager) Get(ctx context.Context, name string) (*Info, error) {
	lock := m.getLock(name)
	lock.RLock()
	defer lock.RUnlock()
	return m.get(ctx, name)
}

func (m *manager) List(ctx context.Context) ([]Info, error) {
	// no lock: list derives state from disk each call, eventual consistency
	// is acceptable here (teacher's ListInstances rationale).
	return m.list(ctx)
}

func (m *manager) IP(ctx context.Context, name string) (string, error) {
	info, err := m.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return info.IP, nil
}

func (m *manager) PortForward(ctx context.Context, name string, hostPort, guestPort int) error {
	lock := m.getLock(name)
	lock.Lock()
	defer lock.Unlock()

	subnet, err := readTrimmed(m.paths.VMSubnetFile(name))
	if err != nil {
		return ErrNetworkConfigMissing
	}
	return m.network.PortForward(ctx, name, subnet, hostPort, guestPort)
}
