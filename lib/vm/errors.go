package vm

import "github.com/cirunlabs/meda/lib/merrors"

// kindError gives a package-local sentinel an Unwrap() back to its
// merrors kind, so errors.Is(err, merrors.ErrNotFound) succeeds alongside
// errors.Is(err, vm.ErrNotFound), matching merrors.ExternalCommandError's
// carrier-type pattern.
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

var (
	// ErrNotFound is returned when a VM is not found.
	ErrNotFound error = &kindError{"vm not found", merrors.ErrNotFound}

	// ErrAlreadyExists is returned by create when <vm_root>/<name>/ already
	// exists (§4.6 precondition).
	ErrAlreadyExists error = &kindError{"vm already exists", merrors.ErrAlreadyExists}

	// ErrInvalidName is returned when a VM name fails the lowercase
	// letters/digits/dashes naming convention.
	ErrInvalidName error = &kindError{"invalid vm name", merrors.ErrInvalidInput}

	// ErrAlreadyRunning is returned by start when the PID file already
	// indicates a live process.
	ErrAlreadyRunning error = &kindError{"vm already running", merrors.ErrPreconditionViolated}

	// ErrNotRunning is returned by stop when the VM has no live process.
	ErrNotRunning error = &kindError{"vm not running", merrors.ErrPreconditionViolated}

	// ErrNetworkConfigMissing is returned by port-forward when a VM directory
	// is missing its subnet record (§7).
	ErrNetworkConfigMissing error = &kindError{"vm network configuration missing", merrors.ErrNetworkConfigMissing}
)
