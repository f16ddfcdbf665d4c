package oci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cirunlabs/meda/lib/chunk"
	"github.com/cirunlabs/meda/lib/image"
	"github.com/cirunlabs/meda/lib/logger"
	"github.com/cirunlabs/meda/lib/merrors"
	"github.com/cirunlabs/meda/lib/toolchain"
	"github.com/nrednav/cuid2"
	"github.com/opencontainers/image-spec/specs-go/v1"
)

// Push uploads imageDir's artifacts, as described by man, to opts.RegistryRef
// via the external OCI client (§4.8). Oversized artifacts are transparently
// chunked into the scratch dir before upload.
func Push(ctx context.Context, runner toolchain.Runner, oraBin, imageDir string, man *image.Manifest, opts PushOptions) error {
	log := logger.FromContext(ctx)

	// Prefix must stay "meda-push-chunks-" — pull's step 2 artifact search
	// (§4.8) globs exactly that pattern under /tmp.
	scratch, err := os.MkdirTemp("", "meda-push-chunks-"+cuid2.Generate()+"-*")
	if err != nil {
		return fmt.Errorf("create push scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var fileArgs []string
	var chunkedFiles []string

	for _, role := range man.SortedRoles() {
		filename := man.Artifacts[role]
		srcPath := filepath.Join(imageDir, filename)

		shouldChunk, err := chunk.ShouldChunk(srcPath)
		if err != nil {
			return fmt.Errorf("stat artifact %s: %w", filename, err)
		}

		if shouldChunk {
			_, chunks, err := chunk.Chunk(srcPath, scratch)
			if err != nil {
				return fmt.Errorf("chunk artifact %s: %w", filename, err)
			}
			chunkedFiles = append(chunkedFiles, filename)
			for _, p := range chunk.Paths(chunks) {
				fileArgs = append(fileArgs, fmt.Sprintf("%s:%s", filepath.Base(p), chunkMediaType(role)))
			}
			continue
		}

		linkPath := filepath.Join(scratch, filename)
		if err := os.Symlink(srcPath, linkPath); err != nil {
			return fmt.Errorf("symlink artifact %s: %w", filename, err)
		}
		fileArgs = append(fileArgs, fmt.Sprintf("%s:%s", filename, mediaType(role)))
	}

	annotations := map[string]string{
		"meda.created": strconv.FormatInt(man.Created, 10),
		"meda.name":    man.Name,
		"meda.tag":     man.Tag,
		"org.cirunlabs.meda.upload-time": time.Now().UTC().Format(time.RFC3339),
		// standard OCI annotation alongside the meda-specific ones, so a
		// generic OCI tool inspecting the manifest still sees a creation time.
		v1.AnnotationCreated: time.Unix(man.Created, 0).UTC().Format(time.RFC3339),
	}
	for k, v := range man.Metadata {
		annotations["meda.metadata."+k] = v
	}
	if len(chunkedFiles) > 0 {
		annotations["org.cirunlabs.meda.chunked-files"] = strings.Join(chunkedFiles, ",")
	}

	args := []string{
		"push",
		"--disable-path-validation",
		"--concurrency", strconv.Itoa(opts.Concurrency),
		"--artifact-type", artifactType,
		"--username", "token",
		"--password", opts.Bearer,
	}
	for k, v := range annotations {
		args = append(args, "--annotation", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, opts.RegistryRef)
	args = append(args, fileArgs...)

	log.Info("pushing image", "ref", opts.RegistryRef, "artifacts", len(fileArgs))
	if err := runner.RunInDir(ctx, scratch, oraBin, args...); err != nil {
		return &merrors.TransportError{Op: "push", Stderr: stderrOf(err)}
	}
	return nil
}

// stderrOf extracts the captured stderr from a failed external command, so
// callers can surface it on the TransportError without depending on the
// toolchain adapter's concrete error type.
func stderrOf(err error) string {
	var cmdErr *merrors.ExternalCommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return err.Error()
}
