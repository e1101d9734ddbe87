package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kjanat/gpg-signing-service/internal/model"
)

// storeFileName is the on-disk name of the key map.
const storeFileName = "keys.json"

// FileStore implements Store on a JSON file holding the full key map.
// All mutations happen under a single mutex and rewrite the file
// atomically via a temp file and rename, so the store is single-writer
// and crash-consistent.
type FileStore struct {
	path string

	mu   sync.RWMutex
	keys map[string]model.StoredKey
}

// OpenFileStore opens (or creates) the key store under dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key store directory: %w", err)
	}

	s := &FileStore{
		path: filepath.Join(dir, storeFileName),
		keys: make(map[string]model.StoredKey),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading key store: %w", err)
	}

	if err := json.Unmarshal(data, &s.keys); err != nil {
		return nil, fmt.Errorf("parsing key store: %w", err)
	}

	return s, nil
}

// Get retrieves a stored key by its canonical id.
func (s *FileStore) Get(ctx context.Context, keyID string) (*model.StoredKey, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("get key: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}

	return &key, nil
}

// List returns summaries of all stored keys sorted by key id.
func (s *FileStore) List(ctx context.Context) ([]model.KeySummary, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list keys: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]model.KeySummary, 0, len(s.keys))
	for _, key := range s.keys {
		summaries = append(summaries, key.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].KeyID < summaries[j].KeyID
	})

	return summaries, nil
}

// Put inserts or replaces a stored key and persists the map.
func (s *FileStore) Put(ctx context.Context, key model.StoredKey) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("put key: %w", ctx.Err())
	default:
	}

	if err := validate(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.keys[key.KeyID]
	s.keys[key.KeyID] = key

	if err := s.persistLocked(); err != nil {
		// Roll back the in-memory map so a failed write is not observable.
		if existed {
			s.keys[key.KeyID] = prev
		} else {
			delete(s.keys, key.KeyID)
		}
		return err
	}

	return nil
}

// Delete removes a key, reporting whether it existed.
func (s *FileStore) Delete(ctx context.Context, keyID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("delete key: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, existed := s.keys[keyID]
	if !existed {
		return false, nil
	}

	delete(s.keys, keyID)

	if err := s.persistLocked(); err != nil {
		s.keys[keyID] = key
		return false, err
	}

	return true, nil
}

// persistLocked writes the key map to disk atomically. Callers must hold
// the write lock.
func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), storeFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp key store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing key store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing key store: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing key store: %w", err)
	}

	return nil
}
