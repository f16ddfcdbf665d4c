package toolchain

import (
	"context"
	"fmt"

	"github.com/cirunlabs/meda/lib/merrors"
)

// Fake is an in-memory Runner for tests: every external effect is recorded
// rather than actually invoked.
type Fake struct {
	Calls         [][]string
	RunErr        error
	RunCaptureOut string
	RunCaptureErr string
	RunCaptureErrFn func(cmd string, args []string) error
	MissingTools  map[string]bool
	DownloadFn    func(url, destPath string) error
	ProcessAlive  map[int]bool
	// OnRun, if set, is invoked synchronously from Run before RunErr is
	// returned, so tests can mutate Fake state (e.g. ProcessAlive) in
	// response to a specific command.
	OnRun func(cmd string, args []string)
}

func NewFake() *Fake {
	return &Fake{MissingTools: map[string]bool{}, ProcessAlive: map[int]bool{}}
}

func (f *Fake) Run(ctx context.Context, cmd string, args ...string) error {
	f.Calls = append(f.Calls, append([]string{cmd}, args...))
	if f.OnRun != nil {
		f.OnRun(cmd, args)
	}
	return f.RunErr
}

func (f *Fake) RunInDir(ctx context.Context, dir, cmd string, args ...string) error {
	f.Calls = append(f.Calls, append([]string{"dir:" + dir, cmd}, args...))
	if f.OnRun != nil {
		f.OnRun(cmd, args)
	}
	return f.RunErr
}

func (f *Fake) RunCapture(ctx context.Context, cmd string, args ...string) (string, string, error) {
	f.Calls = append(f.Calls, append([]string{cmd}, args...))
	var err error
	if f.RunCaptureErrFn != nil {
		err = f.RunCaptureErrFn(cmd, args)
	}
	return f.RunCaptureOut, f.RunCaptureErr, err
}

func (f *Fake) EnsureTool(ctx context.Context, binary, pkg string) error {
	if f.MissingTools[binary] {
		return fmt.Errorf("%w: %s (install %s)", merrors.ErrDependencyUnavailable, binary, pkg)
	}
	return nil
}

func (f *Fake) Download(ctx context.Context, url, destPath string) error {
	if f.DownloadFn != nil {
		return f.DownloadFn(url, destPath)
	}
	return nil
}

func (f *Fake) SetExecutable(path string) error { return nil }

func (f *Fake) CheckProcess(ctx context.Context, pid int) bool {
	return f.ProcessAlive[pid]
}
