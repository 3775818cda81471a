// Package blob stores insurance card images outside the database. Objects
// are keyed by opaque handles; nothing about the key identifies a student.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"sapdash/pkg/platform/sentinel"
)

// Store is the image persistence surface. Put returns the generated
// handle; Delete of an unknown handle is a no-op so purges stay
// idempotent.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

// Memory keeps objects in a map. Test double.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := uuid.NewString()
	m.objects[handle] = bytes.Clone(data)
	return handle, nil
}

func (m *Memory) Get(_ context.Context, handle string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[handle]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (m *Memory) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, handle)
	return nil
}

// Len reports the stored object count. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Filesystem stores each object as a file under a base directory, fanned
// out by handle prefix to keep directories small.
type Filesystem struct {
	base string
}

func NewFilesystem(base string) (*Filesystem, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Filesystem{base: base}, nil
}

func (f *Filesystem) path(handle string) (string, error) {
	// Handles are UUIDs we generated; anything else is rejected before it
	// can traverse the tree.
	if _, err := uuid.Parse(handle); err != nil {
		return "", sentinel.ErrNotFound
	}
	return filepath.Join(f.base, strings.ToLower(handle[:2]), handle), nil
}

func (f *Filesystem) Put(_ context.Context, data []byte, _ string) (string, error) {
	handle := uuid.NewString()
	path, err := f.path(handle)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return handle, nil
}

func (f *Filesystem) Get(_ context.Context, handle string) ([]byte, error) {
	path, err := f.path(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (f *Filesystem) Delete(_ context.Context, handle string) error {
	path, err := f.path(handle)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// ReadAllLimit reads at most limit bytes and fails when the source exceeds
// it. Upload handlers use it to cap image sizes.
func ReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("payload exceeds %d bytes", limit)
	}
	return data, nil
}
