// Copyright 2026 Cordon Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry provides the generic concurrent registry primitive backing
// the tool, adapter, and LLM registries. Registries are populated at startup
// and read-mostly afterwards.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a named collection of items of one kind.
type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	List() []T
	Names() []string
	Remove(name string) error
	Count() int
	Clear()
}

// BaseRegistry is the default map-backed Registry implementation.
type BaseRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewBaseRegistry creates an empty registry.
func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{items: make(map[string]T)}
}

// Register adds an item under a unique name. Registering the same name twice
// is an error; definitions are immutable once registered.
func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return fmt.Errorf("item %q already registered", name)
	}
	r.items[name] = item
	return nil
}

// Get returns the item registered under name.
func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// List returns all registered items in unspecified order.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]T, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	return items
}

// Names returns all registered names, sorted.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove deletes the item registered under name.
func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; !exists {
		return fmt.Errorf("item %q not found", name)
	}
	delete(r.items, name)
	return nil
}

// Count returns the number of registered items.
func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Clear removes all items.
func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]T)
}
