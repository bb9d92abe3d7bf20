package storage

import (
	"context"
	"sync"
)

// MockBackend is an in-memory Backend whose behaviour can be overridden.
type MockBackend struct {
	mu     sync.Mutex
	data   []byte
	writes int

	ReadFunc  func(ctx context.Context) ([]byte, error)
	WriteFunc func(ctx context.Context, data []byte) error
}

func (m *MockBackend) Read(ctx context.Context) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNotExist
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

func (m *MockBackend) Write(ctx context.Context, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.writes++
	return nil
}

func (m *MockBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
