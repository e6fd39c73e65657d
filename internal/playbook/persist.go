package playbook

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Committer persists a playbook snapshot durably.
type Committer interface {
	Commit(Snapshot) error
}

// Artifact filenames within the playbook directory.
const (
	metadataFile = "metadata.json"
	markdownFile = "playbook.md"
	vectorsFile  = "vectors.gob"
)

// Persister writes and reads playbook snapshots as three sibling files:
//
//	metadata.json   authoritative bullet table plus bookkeeping
//	playbook.md     human-readable rendering, grouped by section
//	vectors.gob     embedding cache, rebuilt from metadata when absent
//
// A commit stages all three as temp files before renaming any of them, so
// a failure mid-stage leaves the previous generation untouched. Renames
// happen metadata first: metadata.json on disk is never older than its
// siblings.
type Persister struct {
	dir    string
	logger *zap.Logger
}

// NewPersister creates a persister rooted at dir, creating it if needed.
func NewPersister(dir string, logger *zap.Logger) (*Persister, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating playbook directory: %w", err)
	}
	return &Persister{dir: dir, logger: logger}, nil
}

// Dir returns the playbook directory.
func (p *Persister) Dir() string {
	return p.dir
}

// Commit writes a snapshot to disk. Either all three artifacts advance to
// the new generation or none do meaningfully: staging failures abort
// before any rename, and metadata renames first.
func (p *Persister) Commit(snap Snapshot) error {
	metaTmp, err := p.stageJSON(metadataFile, snap)
	if err != nil {
		return fmt.Errorf("%w: staging metadata: %v", ErrPersistence, err)
	}
	mdTmp, err := p.stageBytes(markdownFile, renderMarkdown(snap))
	if err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("%w: staging markdown: %v", ErrPersistence, err)
	}
	vecTmp, err := p.stageGob(vectorsFile, snap.Vectors)
	if err != nil {
		os.Remove(metaTmp)
		os.Remove(mdTmp)
		return fmt.Errorf("%w: staging vectors: %v", ErrPersistence, err)
	}

	for _, r := range []struct{ tmp, final string }{
		{metaTmp, metadataFile},
		{mdTmp, markdownFile},
		{vecTmp, vectorsFile},
	} {
		if err := os.Rename(r.tmp, filepath.Join(p.dir, r.final)); err != nil {
			os.Remove(metaTmp)
			os.Remove(mdTmp)
			os.Remove(vecTmp)
			return fmt.Errorf("%w: committing %s: %v", ErrPersistence, r.final, err)
		}
	}

	p.logger.Debug("playbook committed",
		zap.Int("bullets", len(snap.Bullets)),
		zap.String("dir", p.dir))
	return nil
}

// Load reads the persisted snapshot. A missing metadata file yields an
// empty snapshot. A missing or unreadable vectors file yields a snapshot
// with no vector cache; the store re-embeds on restore. The markdown
// rendering is never read back.
func (p *Persister) Load() (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.logger.Info("no existing playbook, starting empty", zap.String("dir", p.dir))
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("%w: reading metadata: %v", ErrPersistence, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: parsing metadata: %v", ErrPersistence, err)
	}

	snap.Vectors = p.loadVectors(len(snap.Bullets))
	return snap, nil
}

// loadVectors reads the embedding cache, tolerating absence or corruption.
func (p *Persister) loadVectors(expect int) map[string][]float32 {
	f, err := os.Open(filepath.Join(p.dir, vectorsFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("vector cache unreadable, will rebuild", zap.Error(err))
		}
		return nil
	}
	defer f.Close()

	var vectors map[string][]float32
	if err := gob.NewDecoder(f).Decode(&vectors); err != nil {
		p.logger.Warn("vector cache corrupt, will rebuild",
			zap.Error(err),
			zap.Int("expected", expect))
		return nil
	}
	return vectors
}

func (p *Persister) stageJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return p.stageBytes(name, data)
}

func (p *Persister) stageGob(name string, v any) (string, error) {
	f, err := os.CreateTemp(p.dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (p *Persister) stageBytes(name string, data []byte) (string, error) {
	f, err := os.CreateTemp(p.dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// renderMarkdown produces the human-readable playbook, bullets grouped by
// section, sections and bullets in deterministic order.
func renderMarkdown(snap Snapshot) []byte {
	bySection := make(map[string][]Bullet)
	for _, b := range snap.Bullets {
		bySection[b.Section] = append(bySection[b.Section], b)
	}

	sections := make([]string, 0, len(bySection))
	for s := range bySection {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	var sb strings.Builder
	sb.WriteString("# Playbook\n")
	for _, section := range sections {
		sb.WriteString("\n## ")
		sb.WriteString(section)
		sb.WriteString("\n\n")

		bullets := bySection[section]
		sort.Slice(bullets, func(i, j int) bool { return bullets[i].ID < bullets[j].ID })
		for _, b := range bullets {
			fmt.Fprintf(&sb, "- [%s] (helpful=%d harmful=%d) %s\n",
				b.ID, b.Helpful, b.Harmful, b.Content)
		}
	}
	return []byte(sb.String())
}
