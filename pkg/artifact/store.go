// Package artifact caches intermediate results of a normalization run so
// an interrupted run can resume without recomputing finished work.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind names the type of a cached artifact.
type Kind string

const (
	KindStats    Kind = "stats"
	KindBlockMap Kind = "blockmap"
)

// Key addresses one artifact. Subject identifies what the artifact
// describes, e.g. an overlap pair plus the inputs it was derived from.
type Key struct {
	Subject string
	Band    int
	Kind    Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/b%d", k.Kind, k.Subject, k.Band+1)
}

// Store is an opaque key-value store for artifacts. Implementations must
// allow concurrent use; concurrent writes to the same key keep the last.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, data []byte) error
}

// MemoryStore keeps artifacts for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[Key][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Key][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.items[key] = buf
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Digest returns a short stable hash of v's JSON encoding. It is used to
// fold the inputs an artifact depends on into its subject.
func Digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("artifact digest: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Load decodes a cached JSON artifact into v. A nil store or a missing key
// reports false.
func Load(ctx context.Context, s Store, key Key, v any) (bool, error) {
	if s == nil {
		return false, nil
	}
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("error decoding artifact %s: %w", key, err)
	}
	return true, nil
}

// Save encodes v as JSON and stores it. A nil store is a no-op.
func Save(ctx context.Context, s Store, key Key, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding artifact %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}
