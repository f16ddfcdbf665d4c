// Package toolchain is the Host Toolchain Adapter (C1): the single point
// through which every external binary invocation and streaming download
// passes, so every caller can be exercised against a fake Runner in tests.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cirunlabs/meda/lib/merrors"
)

// Runner wraps external binaries and streaming downloads.
type Runner interface {
	// Run executes cmd with args, discarding stdout/stderr on success. On
	// failure it returns an ExternalCommandError carrying the command line,
	// stderr and exit code; stdout is not included.
	Run(ctx context.Context, cmd string, args ...string) error
	// RunCapture executes cmd with args and returns captured stdout/stderr
	// regardless of exit status.
	RunCapture(ctx context.Context, cmd string, args ...string) (stdout, stderr string, err error)
	// RunInDir is Run with the process's working directory set to dir, for
	// tools (the OCI client) that resolve relative paths against it.
	RunInDir(ctx context.Context, dir, cmd string, args ...string) error
	// EnsureTool fails with ErrDependencyUnavailable if binary is not on PATH.
	EnsureTool(ctx context.Context, binary, pkg string) error
	// Download streams url to destPath, creating parent directories first.
	// It never buffers the full response body in memory.
	Download(ctx context.Context, url, destPath string) error
	// SetExecutable chmods path to 0o755.
	SetExecutable(path string) error
	// CheckProcess reports whether pid is alive, via `ps -p`.
	CheckProcess(ctx context.Context, pid int) bool
}

// exec.Command-backed implementation.
type runner struct{}

// New returns the real, exec.Command-backed Runner.
func New() Runner { return &runner{} }

func (r *runner) Run(ctx context.Context, cmdName string, args ...string) error {
	_, stderr, err := r.RunCapture(ctx, cmdName, args...)
	if err != nil {
		return err
	}
	if stderr != "" {
		// Non-fatal: many tools (iptables -C) write nothing on success but
		// some write warnings to stderr with exit 0. Not an error by itself.
		_ = stderr
	}
	return nil
}

func (r *runner) RunCapture(ctx context.Context, cmdName string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, cmdName, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		full := append([]string{cmdName}, args...)
		return stdout.String(), stderr.String(), &merrors.ExternalCommandError{
			Command: full,
			Stderr:  stderr.String(),
			Code:    exitCode,
		}
	}
	return stdout.String(), stderr.String(), nil
}

func (r *runner) RunInDir(ctx context.Context, dir, cmdName string, args ...string) error {
	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		full := append([]string{cmdName}, args...)
		return &merrors.ExternalCommandError{
			Command: full,
			Stderr:  stderr.String(),
			Code:    exitCode,
		}
	}
	return nil
}

func (r *runner) EnsureTool(ctx context.Context, binary, pkg string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%w: %s (install %s)", merrors.ErrDependencyUnavailable, binary, pkg)
	}
	return nil
}

func (r *runner) Download(ctx context.Context, url, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil // follow redirects (GitHub releases 302)
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

func (r *runner) SetExecutable(path string) error {
	return os.Chmod(path, 0o755)
}

func (r *runner) CheckProcess(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	_, _, err := r.RunCapture(ctx, "ps", "-p", fmt.Sprintf("%d", pid))
	return err == nil
}
