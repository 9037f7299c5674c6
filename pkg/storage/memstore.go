package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory ObjectStore for tests and local development.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: map[string][]byte{}}
}

func (m *MemStore) Put(_ context.Context, uri string, body []byte) error {
	if _, _, err := SplitURI(uri); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	m.objects[uri] = buf
	return nil
}

func (m *MemStore) Get(_ context.Context, uri string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", uri)
	}
	return body, nil
}

func (m *MemStore) List(_ context.Context, prefixURI string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var uris []string
	for uri := range m.objects {
		if strings.HasPrefix(uri, prefixURI) {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func (m *MemStore) Presign(_ context.Context, uri string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[uri]; !ok {
		return "", fmt.Errorf("object not found: %s", uri)
	}
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s.example.test/%s?expires=%d", bucket, key, int(expiry.Seconds())), nil
}
