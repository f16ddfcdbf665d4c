package image

import "github.com/cirunlabs/meda/lib/merrors"

// kindError gives a package-local sentinel an Unwrap() back to its
// merrors kind, so errors.Is(err, merrors.ErrNotFound) succeeds alongside
// errors.Is(err, image.ErrNotFound).
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

var (
	// ErrNotFound is returned when manifest.json is absent for a ref.
	ErrNotFound error = &kindError{"image not found", merrors.ErrNotFound}

	// ErrInvalidInput is returned by Parse for malformed or over-nested
	// image references (§4.7).
	ErrInvalidInput error = &kindError{"invalid image reference", merrors.ErrInvalidInput}
)
