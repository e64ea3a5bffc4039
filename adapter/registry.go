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

package adapter

import (
	"fmt"
	"log/slog"

	"github.com/cordonlabs/cordon/registry"
	"github.com/cordonlabs/cordon/router"
	"github.com/cordonlabs/cordon/schema"
)

// Registry holds registered adapters keyed by domain.
type Registry struct {
	adapters *registry.BaseRegistry[*DomainAdapter]
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: registry.NewBaseRegistry[*DomainAdapter]()}
}

// Register validates the adapter and stores it under its domain. Validation
// errors and duplicate domains are rejected; warnings are logged and the
// registration proceeds.
func (r *Registry) Register(a *DomainAdapter) error {
	res := a.Validate()
	if !res.Valid() {
		return fmt.Errorf("adapter %q invalid: %v", adapterName(a), res.Errors)
	}
	for _, w := range res.Warnings {
		slog.Warn("adapter validation warning", "adapter", a.Name, "warning", w)
	}
	return r.adapters.Register(string(a.Domain), a)
}

// Get returns the adapter registered for the domain.
func (r *Registry) Get(domain schema.Domain) (*DomainAdapter, bool) {
	return r.adapters.Get(string(domain))
}

// List returns all registered adapters in unspecified order.
func (r *Registry) List() []*DomainAdapter {
	return r.adapters.List()
}

// Domains returns the registered domains, sorted.
func (r *Registry) Domains() []string {
	return r.adapters.Names()
}

// Unregister removes the adapter for the domain.
func (r *Registry) Unregister(domain schema.Domain) error {
	return r.adapters.Remove(string(domain))
}

// Clear drops all adapters.
func (r *Registry) Clear() {
	r.adapters.Clear()
}

// InstallTools registers every adapter tool with the router.
func (r *Registry) InstallTools(rt *router.Router) error {
	for _, a := range r.List() {
		for _, t := range a.Tools {
			if err := rt.Register(t.Definition, t.Handler); err != nil {
				return fmt.Errorf("adapter %s: %w", a.Name, err)
			}
		}
	}
	return nil
}

func adapterName(a *DomainAdapter) string {
	if a == nil {
		return "<nil>"
	}
	return a.Name
}
