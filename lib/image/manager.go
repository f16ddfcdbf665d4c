package image

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cirunlabs/meda/lib/logger"
	"github.com/cirunlabs/meda/lib/paths"
)

// Manager is the C8 Image Store surface: load/save/list/remove/prune over
// the registry/org/name/tag manifest tree.
type Manager interface {
	Load(ctx context.Context, ref Ref) (*Manifest, error)
	Save(ctx context.Context, ref Ref, man *Manifest) error
	List(ctx context.Context) ([]Summary, error)
	Remove(ctx context.Context, ref Ref, force bool) error
	Prune(ctx context.Context, all, force bool) error
	Exists(ctx context.Context, ref Ref) bool
}

type manager struct {
	paths *paths.Paths
}

// NewManager constructs the image store Manager rooted at p.ImagesRoot().
func NewManager(p *paths.Paths) Manager {
	return &manager{paths: p}
}

func (m *manager) Load(ctx context.Context, ref Ref) (*Manifest, error) {
	return readManifest(m.paths, ref)
}

func (m *manager) Save(ctx context.Context, ref Ref, man *Manifest) error {
	log := logger.FromContext(ctx)
	if man.Created == 0 {
		man.Created = time.Now().Unix()
	}
	if err := writeManifest(m.paths, ref, man); err != nil {
		return err
	}
	log.Info("saved image manifest", "ref", ref.String())
	return nil
}

func (m *manager) Exists(ctx context.Context, ref Ref) bool {
	return imageDirExists(m.paths, ref)
}

func (m *manager) List(ctx context.Context) ([]Summary, error) {
	refs, err := walkRefs(m.paths)
	if err != nil {
		return nil, fmt.Errorf("walk image tree: %w", err)
	}

	summaries := make([]Summary, 0, len(refs))
	for _, ref := range refs {
		man, err := readManifest(m.paths, ref)
		if err != nil {
			continue
		}
		dir := m.paths.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
		size, err := dirSize(dir)
		if err != nil {
			size = 0
		}
		summaries = append(summaries, Summary{
			Ref:       ref,
			SizeBytes: size,
			CreatedAt: time.Unix(man.Created, 0),
		})
	}
	return summaries, nil
}

// Remove deletes ref's tag directory. The confirmation prompt implied by
// force=false is a CLI-layer concern; force here only gates the actual
// removal (§4.7).
func (m *manager) Remove(ctx context.Context, ref Ref, force bool) error {
	if !force {
		return fmt.Errorf("remove of %s requires confirmation", ref.String())
	}
	dir := m.paths.ImageDir(ref.Registry, ref.Org, ref.Name, ref.Tag)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat image dir: %w", err)
	}
	return os.RemoveAll(dir)
}

// Prune with all=true removes the entire images root. Selective
// unused-only pruning is not yet implemented (§9 open question);
// all=false is currently a no-op.
func (m *manager) Prune(ctx context.Context, all, force bool) error {
	if !all {
		return nil
	}
	if !force {
		return fmt.Errorf("prune --all requires confirmation")
	}
	return os.RemoveAll(m.paths.ImagesRoot())
}
