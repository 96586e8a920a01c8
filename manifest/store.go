package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/sys"
)

// Store persists manifests in a directory. The CURRENT file names the active
// manifest file; both are replaced with the write-and-rename strategy so the
// last committed manifest survives any crash.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a manifest store over the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load resolves CURRENT and decodes the manifest it points at.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentPath := filepath.Join(s.dir, core.CurrentFileName)
	content, err := readFile(currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no committed manifest: %s does not exist in %s", core.CurrentFileName, s.dir)
		}
		return nil, fmt.Errorf("failed to read %s: %w", core.CurrentFileName, err)
	}

	name := strings.TrimSpace(string(content))
	data, err := readFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file %s: %w", name, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest file %s: %w", name, err)
	}
	return &m, nil
}

// Save atomically writes the manifest, then swings CURRENT to it. The
// manifest's generation names the file, so commits with a higher generation
// never clobber the previous commit point.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest generation %d: %w", m.Generation, err)
	}

	name := FileName(m.Generation)
	if err := writeFileAtomic(s.dir, name, data); err != nil {
		return fmt.Errorf("failed to write manifest file %s: %w", name, err)
	}
	if err := writeFileAtomic(s.dir, core.CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("failed to update %s: %w", core.CurrentFileName, err)
	}
	return nil
}

// FileName returns the on-disk name of the manifest for a generation.
func FileName(generation uint64) string {
	return fmt.Sprintf("%s-%06d.json", core.ManifestFilePrefix, generation)
}

func readFile(path string) ([]byte, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmpPath := filepath.Join(dir, name+".tmp")
	f, err := sys.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		sys.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		sys.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		sys.Remove(tmpPath)
		return err
	}
	if err := sys.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		sys.Remove(tmpPath)
		return err
	}
	return nil
}
