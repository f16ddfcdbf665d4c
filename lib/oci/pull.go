package oci

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cirunlabs/meda/lib/chunk"
	"github.com/cirunlabs/meda/lib/image"
	"github.com/cirunlabs/meda/lib/logger"
	"github.com/cirunlabs/meda/lib/merrors"
	"github.com/cirunlabs/meda/lib/paths"
	"github.com/cirunlabs/meda/lib/toolchain"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nrednav/cuid2"
	"golang.org/x/sync/errgroup"
)

var digestDirPattern = regexp.MustCompile(`(@|^)sha256[:_-][0-9a-f]{6,}`)

// Pull downloads ref's artifacts via the external OCI client, reassembles
// any chunked files, classifies every artifact by filename, and persists a
// synthesized manifest under the image store (§4.8).
func Pull(ctx context.Context, runner toolchain.Runner, oraBin string, p *paths.Paths, ref image.Ref, store image.Manager, opts PullOptions) (*image.Manifest, error) {
	log := logger.FromContext(ctx)

	scratch, err := os.MkdirTemp("", "meda-pull-"+cuid2.Generate()+"-*")
	if err != nil {
		return nil, fmt.Errorf("create pull scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	args := []string{
		"pull",
		"--output", scratch,
		"--allow-path-traversal",
		"--concurrency", strconv.Itoa(opts.Concurrency),
	}
	if opts.Bearer != "" {
		args = append(args, "--username", "token", "--password", opts.Bearer)
	}
	args = append(args, opts.RegistryRef)

	log.Info("pulling image", "ref", opts.RegistryRef)
	if err := runner.Run(ctx, oraBin, args...); err != nil {
		return nil, &merrors.TransportError{Op: "pull", Stderr: stderrOf(err)}
	}

	artifactsDir, err := findArtifactsDir(scratch, p, ref)
	if err != nil {
		return nil, err
	}

	reassembled, chunkedFiles, err := reassembleInPlace(artifactsDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(artifactsDir)
	if err != nil {
		return nil, fmt.Errorf("read artifacts dir: %w", err)
	}

	destDir := p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	// Classification (and the dedupe-by-role-first-wins decision) stays
	// sequential over directory listing order; only the actual file copies
	// run bounded-concurrent, since they're independent once the winning
	// filename per role is chosen.
	artifacts := make(map[string]string)
	type placement struct {
		srcName, canonical string
	}
	var placements []placement
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		role, canonical, ok := classify(e.Name())
		if !ok {
			continue
		}
		if _, taken := artifacts[role]; taken {
			continue // dedupe by role, first wins
		}
		artifacts[role] = canonical
		placements = append(placements, placement{srcName: e.Name(), canonical: canonical})
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(1, opts.Concurrency))
	for _, pl := range placements {
		pl := pl
		group.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			src, err := securejoin.SecureJoin(artifactsDir, pl.srcName)
			if err != nil {
				return fmt.Errorf("resolve artifact %s: %w", pl.srcName, err)
			}
			dst, err := securejoin.SecureJoin(destDir, pl.canonical)
			if err != nil {
				return fmt.Errorf("resolve destination %s: %w", pl.canonical, err)
			}
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("place artifact %s: %w", pl.canonical, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	man := &image.Manifest{
		Name:       ref.Name,
		Tag:        ref.Tag,
		Registry:   ref.Registry,
		Org:        ref.Org,
		Artifacts:  artifacts,
		Created:    time.Now().Unix(),
		PulledFrom: opts.RegistryRef,
		PulledAt:   time.Now().Unix(),
	}
	if reassembled {
		man.ReassembledFromChunks = true
		man.ChunkedFiles = strings.Join(chunkedFiles, ",")
	}

	if err := store.Save(ctx, ref, man); err != nil {
		return nil, fmt.Errorf("save pulled manifest: %w", err)
	}
	return man, nil
}

// findArtifactsDir implements the three-step search of §4.8.
func findArtifactsDir(scratch string, p *paths.Paths, ref image.Ref) (string, error) {
	if dirHasArtifacts(scratch) {
		return scratch, nil
	}

	matches, _ := filepath.Glob("/tmp/meda-push-chunks-*")
	for _, m := range matches {
		if dirHasArtifacts(m) {
			return m, nil
		}
	}

	orgRoot := filepath.Join(p.ImagesRoot(), strings.ReplaceAll(ref.Registry, ".", "_"), ref.Org)
	entries, err := os.ReadDir(orgRoot)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() || !digestDirPattern.MatchString(e.Name()) {
				continue
			}
			digestDir := filepath.Join(orgRoot, e.Name())
			inner, err := os.ReadDir(digestDir)
			if err != nil || len(inner) == 0 {
				continue
			}
			for _, sub := range inner {
				if sub.IsDir() {
					candidate := filepath.Join(digestDir, sub.Name())
					if dirHasArtifacts(candidate) {
						return candidate, nil
					}
				}
			}
			if dirHasArtifacts(digestDir) {
				return digestDir, nil
			}
		}
	}

	return "", fmt.Errorf("no pulled artifacts found for %s", ref.String())
}

func dirHasArtifacts(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), "sha256:") {
			continue
		}
		return true
	}
	return false
}

// reassembleInPlace detects chunk groups in dir, reassembles each to its
// original filename, and removes the chunk files.
func reassembleInPlace(dir string) (bool, []string, error) {
	groups, err := chunk.Detect(dir)
	if err != nil {
		return false, nil, fmt.Errorf("detect chunks: %w", err)
	}
	if len(groups) == 0 {
		return false, nil, nil
	}

	var names []string
	for original, group := range groups {
		outPath := filepath.Join(dir, original)
		if err := chunk.Reassemble(group.Chunks, group.Descriptor, outPath); err != nil {
			return false, nil, fmt.Errorf("reassemble %s: %w", original, err)
		}
		chunk.Cleanup(group.Chunks)
		names = append(names, original)
	}
	return true, names, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
