// Copyright (c) 2026 Custodia Technologies
//
// This file is part of go-btchsm.
//
// go-btchsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@custodia-tech.io for commercial licensing options.

package keystore

import (
	"fmt"
	"sync"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// entry pairs a record with its sealed blob.
type entry struct {
	record *types.KeyRecord
	sealed []byte
}

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// short-lived custody sessions; durable deployments wrap the same interface
// around their own persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
	}
}

// Put registers a record and its sealed blob. Fails with ErrDuplicateKey if
// the ID is already present.
func (s *MemoryStore) Put(record *types.KeyRecord, sealed []byte) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("keystore: record missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[record.ID]; ok {
		return fmt.Errorf("keystore: %q: %w", record.ID, hsmerr.ErrDuplicateKey)
	}
	s.entries[record.ID] = &entry{
		record: record.Clone(),
		sealed: append([]byte(nil), sealed...),
	}
	return nil
}

// GetPublic returns a copy of the public record.
func (s *MemoryStore) GetPublic(id string) (*types.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("keystore: %q: %w", id, errNotFound)
	}
	return e.record.Clone(), nil
}

// Sealed returns the sealed secret blob for a software-backed key. Hardware
// records return an empty blob.
func (s *MemoryStore) Sealed(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("keystore: %q: %w", id, errNotFound)
	}
	return append([]byte(nil), e.sealed...), nil
}

// Retire sets the soft rotation flag. Idempotent.
func (s *MemoryStore) Retire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("keystore: %q: %w", id, errNotFound)
	}
	e.record.Retired = true
	return nil
}

// Destroy wipes the sealed blob and removes the record.
func (s *MemoryStore) Destroy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("keystore: %q: %w", id, errNotFound)
	}
	for i := range e.sealed {
		e.sealed[i] = 0
	}
	delete(s.entries, id)
	return nil
}

// List returns copies of all records.
func (s *MemoryStore) List() ([]*types.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*types.KeyRecord, 0, len(s.entries))
	for _, e := range s.entries {
		records = append(records, e.record.Clone())
	}
	return records, nil
}

var _ Store = (*MemoryStore)(nil)
