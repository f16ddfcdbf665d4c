// Package oci implements the OCI Transport (C9): push and pull of an
// image's artifact bundle through an external generic OCI client binary
// (oras), driven via the toolchain adapter. This package never speaks the
// registry wire protocol itself.
package oci

const artifactType = "application/vnd.cirunlabs.meda.vm.v1"

func mediaType(role string) string {
	return "application/vnd.cirunlabs.meda." + role + ".v1"
}

func chunkMediaType(role string) string {
	return "application/vnd.cirunlabs.meda." + role + "-chunk.v1"
}

// PushOptions configures a Push call.
type PushOptions struct {
	// RegistryRef is the fully-qualified destination, e.g.
	// "ghcr.io/cirunlabs/ubuntu:22.04".
	RegistryRef string
	Bearer      string
	Concurrency int
}

// PullOptions configures a Pull call.
type PullOptions struct {
	RegistryRef string
	Bearer      string
	Concurrency int
}
