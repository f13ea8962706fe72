package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const flatKeyPrefix = "storefront:"

// FlatKeyStore keeps each collection as one JSON array under the key
// "storefront:<collection>" of a KeyValueArea.
//
// The area has no transactions of its own. Reads and writes of one
// collection are serialized by the store's mutex; multi-key changes
// (Import) are staged fully in memory and committed with one SetItems.
type FlatKeyStore struct {
	mu   sync.Mutex
	area KeyValueArea
}

// NewFlatKeyStore wraps an area as a record store.
func NewFlatKeyStore(area KeyValueArea) *FlatKeyStore {
	return &FlatKeyStore{area: area}
}

func flatKey(c Collection) string {
	return flatKeyPrefix + string(c)
}

func (s *FlatKeyStore) Engine() Engine { return EngineFlatKey }

// Area returns the backing area.
func (s *FlatKeyStore) Area() KeyValueArea { return s.area }

func (s *FlatKeyStore) load(c Collection) ([]Record, error) {
	raw, ok, err := s.area.GetItem(flatKey(c))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Record{}, nil
	}
	recs, err := NormalizeRecords([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", c, err)
	}
	return recs, nil
}

func encodeCollection(recs []Record) (string, error) {
	if recs == nil {
		recs = []Record{}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *FlatKeyStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := checkCollection(c); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(c)
}

func (s *FlatKeyStore) Upsert(ctx context.Context, c Collection, records ...Record) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	prepared, err := prepareRecords(c, records)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.load(c)
	if err != nil {
		return err
	}
	value, err := encodeCollection(mergeRecords(existing, prepared))
	if err != nil {
		return err
	}
	return s.area.SetItems(map[string]string{flatKey(c): value})
}

func (s *FlatKeyStore) Replace(ctx context.Context, c Collection, records []Record) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	prepared, err := prepareRecords(c, records)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := encodeCollection(mergeRecords(nil, prepared))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.area.SetItems(map[string]string{flatKey(c): value})
}

func (s *FlatKeyStore) Clear(ctx context.Context, c Collection) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.area.RemoveItem(flatKey(c))
}

func (s *FlatKeyStore) Export(ctx context.Context) (Snapshot, error) {
	return exportAll(ctx, s)
}

// Import serializes every collection of the snapshot before touching the
// area, then commits them in a single SetItems. An over-quota snapshot
// leaves the previous data intact.
func (s *FlatKeyStore) Import(ctx context.Context, snap Snapshot) error {
	batch := make(map[string]string, len(snap))
	for c, recs := range snap {
		if err := checkCollection(c); err != nil {
			return err
		}
		prepared, err := prepareRecords(c, recs)
		if err != nil {
			return err
		}
		value, err := encodeCollection(mergeRecords(nil, prepared))
		if err != nil {
			return err
		}
		batch[flatKey(c)] = value
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.area.SetItems(batch)
}

func (s *FlatKeyStore) Close() error { return nil }
