package store

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultFlatKeyQuota is the byte ceiling of a key-value area when none
// is configured, matching the historical per-origin limit of browser
// string storage.
const DefaultFlatKeyQuota = 5 * 1024 * 1024

// KeyValueArea is a string-keyed storage area with a byte ceiling. It is
// the backing facility of the flat-key engine.
type KeyValueArea interface {
	// GetItem returns the value stored under key and whether it exists.
	GetItem(key string) (string, bool, error)

	// SetItems stores every entry as one unit. If the result would exceed
	// the quota, it fails with ErrQuotaExceeded and stores nothing.
	SetItems(items map[string]string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(key string) error

	// Keys lists the stored keys in sorted order.
	Keys() ([]string, error)

	// Usage returns the bytes currently used, counted as key plus value.
	Usage() (int, error)
}

// checkQuota returns the usage cur would have after applying items, or
// ErrQuotaExceeded when that exceeds quota. quota <= 0 means unbounded.
func checkQuota(cur, items map[string]string, quota int) (int, error) {
	usage := usageOf(cur)
	for k, v := range items {
		if old, ok := cur[k]; ok {
			usage -= len(k) + len(old)
		}
		usage += len(k) + len(v)
	}
	if quota > 0 && usage > quota {
		return usage, fmt.Errorf("%w: %d bytes needed, limit is %d", ErrQuotaExceeded, usage, quota)
	}
	return usage, nil
}

func usageOf(items map[string]string) int {
	n := 0
	for k, v := range items {
		n += len(k) + len(v)
	}
	return n
}

func sortedKeys(items map[string]string) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryArea keeps the key-value area in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryArea struct {
	mu    sync.RWMutex
	items map[string]string
	quota int
}

// NewMemoryArea creates an empty area with the given byte ceiling.
// quota <= 0 means unbounded.
func NewMemoryArea(quota int) *MemoryArea {
	return &MemoryArea{items: make(map[string]string), quota: quota}
}

func (m *MemoryArea) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryArea) SetItems(items map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := checkQuota(m.items, items, m.quota); err != nil {
		return err
	}
	for k, v := range items {
		m.items[k] = v
	}
	return nil
}

func (m *MemoryArea) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryArea) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.items), nil
}

func (m *MemoryArea) Usage() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return usageOf(m.items), nil
}
