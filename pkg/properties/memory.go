// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package properties

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
)

// MemoryStore keeps properties in process. Watchers are called synchronously
// from the goroutine that made the change.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[int]func(Change)
	nextID   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]string),
		watchers: make(map[int]func(Change)),
	}
}

func (m *MemoryStore) Get(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, name, value string) error {
	m.mu.Lock()
	m.values[name] = value
	watchers := m.watchersLocked()
	m.mu.Unlock()
	notify(watchers, Change{Name: name, Value: value})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	_, existed := m.values[name]
	delete(m.values, name)
	watchers := m.watchersLocked()
	m.mu.Unlock()
	if existed {
		notify(watchers, Change{Name: name, Deleted: true})
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values), nil
}

func (m *MemoryStore) Watch(ctx context.Context, fn func(Change), ready func()) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()
	if ready != nil {
		ready()
	}

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) watchersLocked() []func(Change) {
	out := make([]func(Change), 0, len(m.watchers))
	for _, fn := range m.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}
