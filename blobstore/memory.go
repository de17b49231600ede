package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"

	"github.com/hazyhaar/dsprof/fault"
)

// MemoryStore is an in-process Store for tests and single-node local
// runs (storage backend "memory" in the config).
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte

	// FailPuts and FailGets force storage-unavailable errors, used by
	// tests to exercise the worker's retry classification.
	FailPuts bool
	FailGets bool
}

// NewMemory builds an empty in-process Store.
func NewMemory() *MemoryStore {
	return &MemoryStore{buckets: map[string]map[string][]byte{}}
}

func (s *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = map[string][]byte{}
	}
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error) {
	if s.FailPuts {
		return "", fault.New(fault.StorageUnavailable, "object put: store offline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = map[string][]byte{}
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	s.buckets[bucket][key] = stored

	sum := md5.Sum(stored)
	return hex.EncodeToString(sum[:]), nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.FailGets {
		return nil, fault.New(fault.StorageUnavailable, "object get: store offline")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fault.New(fault.StorageUnavailable, "object get: %s/%s not found", bucket, key)
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Len reports the number of objects in a bucket (test helper).
func (s *MemoryStore) Len(bucket string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[bucket])
}
