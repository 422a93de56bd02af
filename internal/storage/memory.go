package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process backend. With a non-zero lag it mimics an
// eventually consistent object store: after a Put, the next lag reads of
// that key still see the previous version, or ErrNotFound if there was none.
type Memory struct {
	mu      sync.Mutex
	objects map[string]*memObject
	lag     int
}

type memObject struct {
	current  []byte
	previous []byte
	hidden   int
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]*memObject{}}
}

// SetLag sets how many reads after each Put observe the old value.
func (m *Memory) SetLag(reads int) {
	m.mu.Lock()
	m.lag = reads
	m.mu.Unlock()
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	obj, ok := m.objects[key]
	if !ok {
		m.objects[key] = &memObject{current: cp, hidden: m.lag}
		return nil
	}
	if obj.hidden == 0 {
		obj.previous = obj.current
	}
	obj.current = cp
	obj.hidden = m.lag
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if obj.hidden > 0 {
		obj.hidden--
		if obj.previous == nil {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return append([]byte(nil), obj.previous...), nil
	}
	return append([]byte(nil), obj.current...), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) URL(ctx context.Context, key string) (string, error) {
	return "memory://" + key, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
