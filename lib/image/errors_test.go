package image

import (
	"errors"
	"testing"

	"github.com/cirunlabs/meda/lib/merrors"
	"github.com/stretchr/testify/require"
)

func TestSentinelsWrapMerrorsKinds(t *testing.T) {
	require.True(t, errors.Is(ErrNotFound, merrors.ErrNotFound))
	require.True(t, errors.Is(ErrInvalidInput, merrors.ErrInvalidInput))
}
