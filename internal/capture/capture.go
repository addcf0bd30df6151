// Package capture stores raw page context captured from failed
// extractions so a page-structure change can be diagnosed offline.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
)

// Noop discards captures. Used when diagnosis storage is not configured.
type Noop struct{}

// NewNoop returns a discarding capture store.
func NewNoop() *Noop { return &Noop{} }

// Put drops the data and returns an inert URI.
func (Noop) Put(_ context.Context, path string, _ string, _ []byte) (string, error) {
	return "noop://" + path, nil
}

// Local writes captures under a base directory on the local filesystem.
type Local struct {
	baseDir string
}

// NewLocal creates the base directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("capture base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture directory %s: %w", baseDir, err)
	}
	return &Local{baseDir: baseDir}, nil
}

// Put writes the blob to baseDir/path and returns a file:// URI.
func (l *Local) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("capture path is required")
	}
	full := filepath.Join(l.baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create capture subdirectory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write capture %s: %w", full, err)
	}
	return "file://" + full, nil
}

// Memory keeps captures in-process, for tests and dry runs.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory capture store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put records the blob and returns a memory:// URI.
func (m *Memory) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("capture path is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns a stored blob by path.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	return data, ok
}

// GCS uploads captures to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS verifies bucket access up front so a misconfigured bucket fails
// at startup, not on the first failed crawl.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("capture bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("verify bucket %s: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Put uploads the blob and returns its gs:// URI.
func (g *GCS) Put(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("capture path is required")
	}
	writer := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write capture %s: %w (close: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("write capture %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize capture %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, path), nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
