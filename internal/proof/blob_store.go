package proof

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DiskStore keeps blobs on the local filesystem, one directory per
// bucket. Suitable for single-node deployments; swap in an object-store
// implementation behind BlobStore for anything bigger.
type DiskStore struct {
	root    string
	baseURL string
}

// NewDiskStore creates a filesystem-backed blob store. baseURL is the
// public prefix blobs are served under.
func NewDiskStore(root, baseURL string) *DiskStore {
	return &DiskStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (d *DiskStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error) {
	full := filepath.Join(d.root, bucket, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return d.PublicURL(bucket, objectPath), nil
}

func (d *DiskStore) PublicURL(bucket, objectPath string) string {
	return d.baseURL + "/" + bucket + "/" + objectPath
}

// MemoryBlobStore holds blobs in memory for tests.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make([]byte, len(data))
	copy(c, data)
	m.blobs[bucket+"/"+objectPath] = c
	return m.PublicURL(bucket, objectPath), nil
}

func (m *MemoryBlobStore) PublicURL(bucket, objectPath string) string {
	return "mem://" + bucket + "/" + objectPath
}

// Get returns a stored blob, for test assertions.
func (m *MemoryBlobStore) Get(bucket, objectPath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[bucket+"/"+objectPath]
	return b, ok
}

var (
	_ BlobStore = (*DiskStore)(nil)
	_ BlobStore = (*MemoryBlobStore)(nil)
)
