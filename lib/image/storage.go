package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cirunlabs/meda/lib/paths"
)

// writeManifest persists manifest.json for ref, creating the image directory
// tree if needed.
func writeManifest(p *paths.Paths, ref Ref, man *Manifest) error {
	dir := p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := p.ImageManifest(ref.Registry, ref.Org, ref.Name, ref.Tag) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	final := p.ImageManifest(ref.Registry, ref.Org, ref.Name, ref.Tag)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// readManifest loads manifest.json for ref.
func readManifest(p *paths.Paths, ref Ref) (*Manifest, error) {
	data, err := os.ReadFile(p.ImageManifest(ref.Registry, ref.Org, ref.Name, ref.Tag))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &man, nil
}

// imageDirExists reports whether ref has an on-disk directory at all,
// regardless of whether its manifest parses cleanly.
func imageDirExists(p *paths.Paths, ref Ref) bool {
	_, err := os.Stat(p.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag))
	return err == nil
}

// dirSize sums the size of every regular file directly under dir (the
// image's artifact bundle, one level, no recursion into subdirectories).
func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// walkRefs finds every manifest.json under the image store root and
// returns the Ref each one corresponds to, reconstructed from its path.
func walkRefs(p *paths.Paths) ([]Ref, error) {
	root := p.ImagesRoot()
	var refs []Ref

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read images root: %w", err)
	}

	for _, registryEnt := range entries {
		if !registryEnt.IsDir() {
			continue
		}
		registry := registryEnt.Name()
		orgEntries, err := os.ReadDir(filepath.Join(root, registry))
		if err != nil {
			continue
		}
		for _, orgEnt := range orgEntries {
			if !orgEnt.IsDir() {
				continue
			}
			nameEntries, err := os.ReadDir(filepath.Join(root, registry, orgEnt.Name()))
			if err != nil {
				continue
			}
			for _, nameEnt := range nameEntries {
				if !nameEnt.IsDir() {
					continue
				}
				tagEntries, err := os.ReadDir(filepath.Join(root, registry, orgEnt.Name(), nameEnt.Name()))
				if err != nil {
					continue
				}
				for _, tagEnt := range tagEntries {
					if !tagEnt.IsDir() {
						continue
					}
					manifestPath := filepath.Join(root, registry, orgEnt.Name(), nameEnt.Name(), tagEnt.Name(), "manifest.json")
					if _, err := os.Stat(manifestPath); err != nil {
						continue
					}
					refs = append(refs, Ref{
						Registry: unescapeRegistry(registry),
						Org:      orgEnt.Name(),
						Name:     nameEnt.Name(),
						Tag:      tagEnt.Name(),
					})
				}
			}
		}
	}
	return refs, nil
}

// unescapeRegistry reverses ImageDir's dot-to-underscore substitution. Not
// lossless for registries that legitimately contain underscores, but no
// known registry host does.
func unescapeRegistry(dirName string) string {
	out := make([]rune, 0, len(dirName))
	for _, r := range dirName {
		if r == '_' {
			out = append(out, '.')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
