package image

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBareNameUsesDefaults(t *testing.T) {
	ref, err := Parse("ubuntu", "ghcr.io", "cirunlabs")
	require.NoError(t, err)
	require.Equal(t, Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}, ref)
}

func TestParseBareNameWithTag(t *testing.T) {
	ref, err := Parse("ubuntu:22.04", "ghcr.io", "cirunlabs")
	require.NoError(t, err)
	require.Equal(t, "22.04", ref.Tag)
}

func TestParseTwoTokenOrgFormDefaultsRegistry(t *testing.T) {
	ref, err := Parse("myorg/ubuntu", "ghcr.io", "cirunlabs")
	require.NoError(t, err)
	require.Equal(t, Ref{Registry: "ghcr.io", Org: "myorg", Name: "ubuntu", Tag: "latest"}, ref)
}

func TestParseTwoTokenRegistryFormByDotHeuristic(t *testing.T) {
	ref, err := Parse("registry.example.com/ubuntu", "ghcr.io", "cirunlabs")
	require.NoError(t, err)
	require.Equal(t, Ref{Registry: "registry.example.com", Org: "cirunlabs", Name: "ubuntu", Tag: "latest"}, ref)
}

func TestParseTwoTokenRegistryFormByKnownHost(t *testing.T) {
	ref, err := Parse("ghcr.io/ubuntu", "docker.io", "cirunlabs")
	require.NoError(t, err)
	require.Equal(t, "ghcr.io", ref.Registry)
	require.Equal(t, "cirunlabs", ref.Org)
}

func TestParseThreeTokenFullyQualified(t *testing.T) {
	ref, err := Parse("ghcr.io/cirunlabs/ubuntu:20.04", "docker.io", "other")
	require.NoError(t, err)
	require.Equal(t, Ref{Registry: "ghcr.io", Org: "cirunlabs", Name: "ubuntu", Tag: "20.04"}, ref)
}

func TestParseFourTokensIsInvalid(t *testing.T) {
	_, err := Parse("a/b/c/d", "ghcr.io", "cirunlabs")
	require.ErrorIs(t, err, ErrInvalidInput)
}
