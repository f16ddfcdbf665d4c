package network

import "github.com/cirunlabs/meda/lib/merrors"

// kindError gives a package-local sentinel an Unwrap() back to its
// merrors kind, so errors.Is(err, merrors.ErrAllocationExhausted) succeeds
// alongside errors.Is(err, network.ErrAllocationExhausted).
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

var (
	// ErrAllocationExhausted is returned when no free subnet octet or TAP
	// name could be found within the configured retry budget.
	ErrAllocationExhausted error = &kindError{"network allocation exhausted", merrors.ErrAllocationExhausted}
)
