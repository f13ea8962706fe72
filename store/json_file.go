package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileArea stores the whole key-value area as one JSON object on disk.
// Every change rewrites the file through a temporary file and a rename,
// so a batch is either fully on disk or not at all.
//
// Layout:
//
//	data_dir/
//	  flatkey.json   # {"storefront:products": "[...]", ...}
type FileArea struct {
	mu    sync.Mutex
	path  string
	quota int
}

// NewFileArea opens (or prepares to create) the area file at path.
func NewFileArea(path string, quota int) (*FileArea, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileArea{path: path, quota: quota}, nil
}

func (s *FileArea) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	result := map[string]string{}
	if len(data) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return result, nil
}

func (s *FileArea) save(items map[string]string) error {
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileArea) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := items[key]
	return v, ok, nil
}

func (s *FileArea) SetItems(batch map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return err
	}
	if _, err := checkQuota(items, batch, s.quota); err != nil {
		return err
	}
	for k, v := range batch {
		items[k] = v
	}
	return s.save(items)
}

func (s *FileArea) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := items[key]; !ok {
		return nil
	}
	delete(items, key)
	return s.save(items)
}

func (s *FileArea) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedKeys(items), nil
}

func (s *FileArea) Usage() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return 0, err
	}
	return usageOf(items), nil
}
