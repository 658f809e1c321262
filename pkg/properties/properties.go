// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package properties holds the cluster-wide configuration values that steer
// audit routing, and notifies every node when one of them changes.
package properties

import (
	"context"
	"strconv"
	"strings"
)

const (
	// SinkPolicy names the policy that delivers records to an external sink.
	// Empty or absent means records go to internal storage.
	SinkPolicy = "audit.sink.policy.guid"
	// AlwaysSaveInternal additionally stores records internally when an
	// external sink is configured. Absent means false.
	AlwaysSaveInternal = "audit.sink.alwaysSaveInternal"
)

// Change is a single property update as seen by watchers. Deleted is set when
// the property was removed, in which case Value is empty.
type Change struct {
	Name    string `json:"name"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Getter reads a property. found is false when the property is not set.
type Getter interface {
	Get(ctx context.Context, name string) (value string, found bool, err error)
}

// Store is the property backend shared by all nodes.
type Store interface {
	Getter
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	// List returns every property that is currently set.
	List(ctx context.Context) (map[string]string, error)
	// Watch calls fn for every change made by any node until ctx is done.
	// ready, if not nil, is called once no later change can be missed.
	// It blocks and returns ctx.Err() or the error that stopped the watch.
	Watch(ctx context.Context, fn func(Change), ready func()) error
	Close() error
}

// Flag interprets a boolean property. Absent, empty and unparsable values
// are false.
func Flag(value string, found bool) bool {
	if !found {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && b
}

// Configured interprets an identifier property: any non-blank value counts.
func Configured(value string, found bool) bool {
	return found && strings.TrimSpace(value) != ""
}
