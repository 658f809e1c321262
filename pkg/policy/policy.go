// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Tag classifies what a policy is used for.
type Tag string

const (
	// TagAuditSink marks policies that deliver records to external sinks.
	TagAuditSink Tag = "audit-sink"
	// TagMessageFilter marks the policy that redacts request/response content
	// before a message record is persisted.
	TagMessageFilter Tag = "audit-message-filter"
)

// Status is the outcome of a policy execution that did not raise an error.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Bindings are the named variables passed into and returned from a policy.
type Bindings map[string]any

// Result is the outcome of one execution.
type Result struct {
	Status  Status
	Outputs Bindings
	// Reason explains a failed status, if the policy gave one.
	Reason string
}

// OK reports whether the policy ran and succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// ErrPolicyNotFound is returned when a policy id does not resolve.
var ErrPolicyNotFound = errors.New("policy not found")

// Executor runs a policy against input bindings. Implementations may block
// on external I/O; callers bound the call with a context deadline.
type Executor interface {
	Execute(ctx context.Context, policyID string, in Bindings) (Result, error)
}

// Finder resolves policies by name or tag.
type Finder interface {
	FindPolicyByName(ctx context.Context, name string) (id string, found bool, err error)
	FindPolicyByTag(ctx context.Context, tag Tag) (id string, found bool, err error)
}

// Policy is a Rego module plus the metadata the audit pipeline needs.
type Policy struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Tag    Tag    `yaml:"tag"`
	Module string `yaml:"-"`
	// Sinks are the delivery targets of an audit-sink policy.
	Sinks []string `yaml:"sinks,omitempty"`

	revision uint64
}

// Registry is an in-memory policy store. It implements Finder and is the
// source the Engine compiles policies from.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Policy
	revision uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Policy)}
}

// Put adds or replaces a policy. Replacing bumps its revision so compiled
// queries are rebuilt on next use.
func (r *Registry) Put(p Policy) error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	if p.Module == "" {
		return fmt.Errorf("policy %s has no module", p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision++
	p.revision = r.revision
	p.Sinks = slices.Clone(p.Sinks)
	r.byID[p.ID] = &p
	return nil
}

// Delete removes a policy.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns a copy of the policy with the given id.
func (r *Registry) Get(id string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Policy{}, false
	}
	return *p, true
}

// List returns all policies sorted by id.
func (r *Registry) List() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Policy, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Policy) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// FindPolicyByName implements Finder. The sink property stores policy ids, so
// an exact id match is accepted before names are compared.
func (r *Registry) FindPolicyByName(_ context.Context, name string) (string, bool, error) {
	if _, ok := r.Get(name); ok {
		return name, true, nil
	}
	for _, p := range r.List() {
		if p.Name == name {
			return p.ID, true, nil
		}
	}
	return "", false, nil
}

// FindPolicyByTag implements Finder. When several policies share a tag the
// one with the lowest id wins, so the choice is stable across nodes.
func (r *Registry) FindPolicyByTag(_ context.Context, tag Tag) (string, bool, error) {
	for _, p := range r.List() {
		if p.Tag == tag {
			return p.ID, true, nil
		}
	}
	return "", false, nil
}
