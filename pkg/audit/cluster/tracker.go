// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package cluster turns property changes broadcast across the cluster into
// narrative events about how auditing behaves, reporting each transition
// once no matter how often the same change is delivered.
package cluster

import (
	"sync"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/metrics"
	"github.com/telekom/gateway-audit/pkg/properties"
)

// Event identifies a narrative.
type Event string

const (
	SinkEnabled          Event = "sink-enabled"
	SinkDisabled         Event = "sink-disabled"
	InternalAuditEnabled Event = "internal-audit-enabled"
	FallbackEnabled      Event = "fallback-enabled"
	FallbackDisabled     Event = "fallback-disabled"
)

// NarrativeEvent describes one effective change in audit behaviour.
type NarrativeEvent struct {
	Event    Event
	Property string
	// Value is the raw property value that caused the event, empty on delete.
	Value   string
	Level   audit.Level
	Message string
}

// propertyStatus caches the boolean view of one property. The mutex
// serializes updates of that property only.
type propertyStatus struct {
	mu    sync.Mutex
	value bool
}

// Tracker remembers the last observed boolean view of each tracked property.
// Properties that were never observed are false.
type Tracker struct {
	statuses sync.Map // property name -> *propertyStatus
}

// NewTracker creates a tracker with every property false.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Tracked reports whether changes to name are narrated.
func Tracked(name string) bool {
	return name == properties.SinkPolicy || name == properties.AlwaysSaveInternal
}

func (t *Tracker) status(name string) *propertyStatus {
	if s, ok := t.statuses.Load(name); ok {
		return s.(*propertyStatus)
	}
	s, _ := t.statuses.LoadOrStore(name, &propertyStatus{})
	return s.(*propertyStatus)
}

func booleanView(name, value string, found bool) bool {
	if name == properties.SinkPolicy {
		return properties.Configured(value, found)
	}
	return properties.Flag(value, found)
}

// Load seeds the cache from the current property values without emitting
// events, typically once at startup before watching for changes.
func (t *Tracker) Load(values map[string]string) {
	for _, name := range []string{properties.SinkPolicy, properties.AlwaysSaveInternal} {
		v, found := values[name]
		s := t.status(name)
		s.mu.Lock()
		s.value = booleanView(name, v, found)
		s.mu.Unlock()
	}
}

// ObservePropertyChange applies a change and returns the narratives it
// causes. found is false when the property was deleted. A change that leaves
// the boolean view unchanged, including a repeated notification, returns nil.
func (t *Tracker) ObservePropertyChange(name, value string, found bool) []NarrativeEvent {
	if !Tracked(name) {
		return nil
	}
	next := booleanView(name, value, found)

	s := t.status(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == next {
		return nil
	}
	s.value = next

	var events []NarrativeEvent
	switch name {
	case properties.SinkPolicy:
		if next {
			// internal auditing turning off as a consequence is not narrated
			events = append(events, NarrativeEvent{
				Event: SinkEnabled, Property: name, Value: value, Level: audit.LevelInfo,
				Message: "External audit sink enabled: " + value,
			})
		} else {
			events = append(events, NarrativeEvent{
				Event: SinkDisabled, Property: name, Level: audit.LevelInfo,
				Message: "External audit sink disabled",
			})
			if !t.current(properties.AlwaysSaveInternal) {
				events = append(events, NarrativeEvent{
					Event: InternalAuditEnabled, Property: name, Level: audit.LevelInfo,
					Message: "Internal audit storage enabled",
				})
			}
		}
	case properties.AlwaysSaveInternal:
		if next {
			events = append(events, NarrativeEvent{
				Event: FallbackEnabled, Property: name, Value: value, Level: audit.LevelInfo,
				Message: "Records routed to the external sink are also stored internally",
			})
		} else {
			events = append(events, NarrativeEvent{
				Event: FallbackDisabled, Property: name, Value: value, Level: audit.LevelInfo,
				Message: "Records routed to the external sink are no longer stored internally",
			})
		}
	}

	for _, e := range events {
		metrics.AuditPropertyTransitions.WithLabelValues(string(e.Event)).Inc()
	}
	return events
}

// current reads the cached view of a property under its own lock. The sink
// path calls it for the fallback property while holding the sink lock; the
// fallback path never takes the sink lock, so the order is fixed.
func (t *Tracker) current(name string) bool {
	s := t.status(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// State returns the cached view of both tracked properties.
func (t *Tracker) State() (sinkConfigured, alwaysSaveInternal bool) {
	return t.current(properties.SinkPolicy), t.current(properties.AlwaysSaveInternal)
}

// InternalAuditEnabled reports whether records currently reach internal
// storage according to the cached properties.
func (t *Tracker) InternalAuditEnabled() bool {
	sink, fallback := t.State()
	return !sink || fallback
}
