package blobs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps object paths in memory. It backs tests and local runs
// without a bucket; its signed URLs are not fetchable.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]struct{}
	clock   func() time.Time
}

// NewMemoryStore constructs a MemoryStore seeded with paths.
func NewMemoryStore(paths ...string) *MemoryStore {
	store := &MemoryStore{objects: make(map[string]struct{}), clock: time.Now}
	for _, objectPath := range paths {
		store.objects[objectPath] = struct{}{}
	}
	return store
}

// Put records an object path.
func (s *MemoryStore) Put(objectPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectPath] = struct{}{}
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0)
	for objectPath := range s.objects {
		if strings.HasPrefix(objectPath, prefix) {
			paths = append(paths, objectPath)
		}
	}
	sort.Strings(paths)
	objects := make([]Object, 0, len(paths))
	for _, objectPath := range paths {
		objects = append(objects, objectFor(objectPath))
	}
	return objects, nil
}

// SignedReadURL implements Store.
func (s *MemoryStore) SignedReadURL(_ context.Context, objectPath string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[objectPath]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
	}
	expires := s.clock().Add(ttl).Unix()
	return fmt.Sprintf("memory://blobs/%s?expires=%d", url.PathEscape(objectPath), expires), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectPath)
	return nil
}
