package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// metaSuffix marks the sidecar file holding an object's metadata.
const metaSuffix = ".meta.json"

// FSStore is the filesystem backend, used for development and tests.
// Each object is a file under the base directory plus a metadata sidecar.
type FSStore struct {
	baseDir string
	baseURL string

	mu sync.RWMutex
}

// NewFSStore creates the base directory if needed. baseURL is the prefix
// PublicURL prepends to object names.
func NewFSStore(baseDir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &FSStore{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *FSStore) path(name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(name))
}

func (s *FSStore) Put(ctx context.Context, name string, data []byte, contentType string, public bool) (*Object, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	obj := &Object{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Public:      public,
		ModifiedAt:  time.Now().UTC(),
	}
	meta, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode object metadata: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, meta, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write object metadata: %w", err)
	}
	return obj, nil
}

func (s *FSStore) Get(ctx context.Context, name string) ([]byte, *Object, error) {
	if err := ValidateName(name); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object: %w", err)
	}
	obj, err := s.readMeta(name)
	if err != nil {
		return nil, nil, err
	}
	return data, obj, nil
}

func (s *FSStore) readMeta(name string) (*Object, error) {
	meta, err := os.ReadFile(s.path(name) + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		// Object written out of band; synthesize metadata from the file.
		info, statErr := os.Stat(s.path(name))
		if statErr != nil {
			return nil, ErrNotFound
		}
		return &Object{Name: name, Size: info.Size(), ModifiedAt: info.ModTime().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object metadata: %w", err)
	}
	var obj Object
	if err := json.Unmarshal(meta, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode object metadata: %w", err)
	}
	return &obj, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return err
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		obj, err := s.readMeta(name)
		if err != nil {
			return err
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FSStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	_ = os.Remove(s.path(name) + metaSuffix)
	return nil
}

func (s *FSStore) PublicURL(name string) string {
	return s.baseURL + "/" + name
}
