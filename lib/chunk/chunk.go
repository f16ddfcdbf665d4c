// Package chunk implements the Chunking Codec (C7): splitting oversized
// artifact files into size-tiered chunks for the OCI transport, and
// reassembling them losslessly on the pull path.
package chunk

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/cirunlabs/meda/lib/merrors"
	"github.com/samber/lo"
)

const (
	MinChunkThreshold = 100 * 1024 * 1024       // 100MiB
	smallChunkSize    = 100 * 1024 * 1024       // 100MiB
	mediumChunkSize   = 250 * 1024 * 1024       // 250MiB
	largeChunkSize    = 500 * 1024 * 1024       // 500MiB
	mediumFileThresh  = 2 * 1024 * 1024 * 1024  // 2GiB
	largeFileThresh   = 10 * 1024 * 1024 * 1024 // 10GiB
)

// Config carries the chunking/concurrency knobs of §4.5.
type Config struct {
	PushConcurrency int
	PullConcurrency int
}

// Descriptor is the implicit metadata record of a chunked artifact (§3).
type Descriptor struct {
	OriginalFilename string
	TotalChunks      int
	ChunkSize        int64 // reference size of the first chunk
	TotalSize        int64
}

// Info describes a single chunk file.
type Info struct {
	Path  string
	Index int
	Size  int64
}

// ShouldChunk reports whether path meets the chunking threshold.
func ShouldChunk(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Size() >= MinChunkThreshold, nil
}

func chunkSizeFor(fileSize int64) int64 {
	switch {
	case fileSize >= largeFileThresh:
		return largeChunkSize
	case fileSize >= mediumFileThresh:
		return mediumChunkSize
	default:
		return smallChunkSize
	}
}

// Chunk splits path into outDir, selecting a chunk size tier by file size
// (§4.5). It returns the descriptor and the ordered chunk list.
func Chunk(path, outDir string) (Descriptor, []Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, nil, err
	}
	size := fi.Size()
	if size < MinChunkThreshold {
		return Descriptor{}, nil, fmt.Errorf("%s is below the chunking threshold", path)
	}

	chunkSize := chunkSizeFor(size)
	total := int((size + chunkSize - 1) / chunkSize)
	filename := filepath.Base(path)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Descriptor{}, nil, err
	}

	src, err := os.Open(path)
	if err != nil {
		return Descriptor{}, nil, err
	}
	defer src.Close()

	chunks := make([]Info, 0, total)
	buf := make([]byte, chunkSize)
	for idx := 0; idx < total; idx++ {
		remaining := size - int64(idx)*chunkSize
		want := chunkSize
		if remaining < want {
			want = remaining
		}

		if _, err := io.ReadFull(src, buf[:want]); err != nil {
			return Descriptor{}, nil, fmt.Errorf("read chunk %d: %w", idx, err)
		}

		chunkName := fmt.Sprintf("%s.chunk.%03d", filename, idx)
		chunkPath := filepath.Join(outDir, chunkName)
		if err := os.WriteFile(chunkPath, buf[:want], 0o644); err != nil {
			return Descriptor{}, nil, fmt.Errorf("write chunk %d: %w", idx, err)
		}

		chunks = append(chunks, Info{Path: chunkPath, Index: idx, Size: want})
	}

	return Descriptor{
		OriginalFilename: filename,
		TotalChunks:      total,
		ChunkSize:        chunkSize,
		TotalSize:        size,
	}, chunks, nil
}

// Reassemble writes the concatenation of chunks, sorted by index, to
// outPath using buffered I/O. Any index gap, count mismatch, or final
// size mismatch fails with ErrCorrupt (§7).
func Reassemble(chunks []Info, desc Descriptor, outPath string) error {
	sorted := append([]Info(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	if len(sorted) != desc.TotalChunks {
		return fmt.Errorf("%w: expected %d chunks, found %d", merrors.ErrCorrupt, desc.TotalChunks, len(sorted))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	var written int64
	for i, c := range sorted {
		if c.Index != i {
			return fmt.Errorf("%w: chunk sequence gap, expected index %d, found %d", merrors.ErrCorrupt, i, c.Index)
		}
		if _, err := os.Stat(c.Path); err != nil {
			return fmt.Errorf("%w: chunk file missing: %s", merrors.ErrCorrupt, c.Path)
		}

		in, err := os.Open(c.Path)
		if err != nil {
			return err
		}
		n, err := io.Copy(w, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("copy chunk %d: %w", i, err)
		}
		written += n
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if written != desc.TotalSize {
		return fmt.Errorf("%w: size mismatch after reassembly, expected %d, got %d", merrors.ErrCorrupt, desc.TotalSize, written)
	}
	return nil
}

var chunkFilePattern = regexp.MustCompile(`^(.+)\.chunk\.(\d+)$`)

// Detect scans dir non-recursively for files matching <name>.chunk.<digits>,
// grouping by <name>. Non-contiguous index gaps are rejected at Reassemble
// time, not here.
func Detect(dir string) (map[string]struct {
	Descriptor Descriptor
	Chunks     []Info
}, error) {
	result := make(map[string]struct {
		Descriptor Descriptor
		Chunks     []Info
	})

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]Info)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := chunkFilePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		idx, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		original := match[1]
		groups[original] = append(groups[original], Info{
			Path:  filepath.Join(dir, e.Name()),
			Index: idx,
			Size:  info.Size(),
		})
	}

	for original, chunks := range groups {
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
		var total int64
		var chunkSize int64
		for i, c := range chunks {
			total += c.Size
			if i == 0 {
				chunkSize = c.Size
			}
		}
		result[original] = struct {
			Descriptor Descriptor
			Chunks     []Info
		}{
			Descriptor: Descriptor{
				OriginalFilename: original,
				TotalChunks:      len(chunks),
				ChunkSize:        chunkSize,
				TotalSize:        total,
			},
			Chunks: chunks,
		}
	}

	return result, nil
}

// Cleanup removes every chunk file, best-effort, guaranteeing the scratch
// chunk set never outlives the enclosing push/pull operation (§3).
func Cleanup(chunks []Info) {
	lo.ForEach(chunks, func(c Info, _ int) {
		os.Remove(c.Path)
	})
}

// Paths returns the chunk file paths in chunks, for callers that just want
// the argv list (e.g. the push side's oras file arguments).
func Paths(chunks []Info) []string {
	return lo.Map(chunks, func(c Info, _ int) string { return c.Path })
}
