// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Context accumulates the details of one logical operation (one request, one
// admin call) until the operation's record is flushed. A Context is created per
// operation and passed explicitly through the call chain; it is never shared
// between operations.
//
// Details from all sources share a single ordinal counter, so Flush reassembles
// them in the order they were added no matter which component contributed them.
type Context struct {
	mu      sync.Mutex
	next    int
	sources map[string][]Detail
	highest Level
	now     func() time.Time
}

// NewContext creates an empty accumulation scope.
func NewContext() *Context {
	return &Context{
		sources: make(map[string][]Detail),
		now:     time.Now,
	}
}

// AddDetail appends the detail to the list of the given source and stamps it
// with the next ordinal. The returned value is the ordinal that was assigned.
func (c *Context) AddDetail(detail Detail, source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	detail.Ordinal = c.next
	c.next++
	detail.Component = source
	if detail.Time.IsZero() {
		detail.Time = c.now().UTC().Truncate(time.Millisecond)
	}
	if detail.Level > c.highest {
		c.highest = detail.Level
	}
	c.sources[source] = append(c.sources[source], detail)
	return detail.Ordinal
}

// Details returns a snapshot of all details added so far, in ordinal order.
// Changing the returned slice does not affect the scope.
func (c *Context) Details() []Detail {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergedLocked()
}

// HighestLevel returns the highest level among the accumulated details.
func (c *Context) HighestLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highest
}

// Flush attaches all accumulated details to rec in ordinal order, raises the
// record level to the highest detail level, and resets the scope so it can be
// reused. Flushing an empty scope leaves the record's details untouched.
func (c *Context) Flush(rec *Record) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	details := c.mergedLocked()
	for i := range details {
		details[i].RecordID = rec.ID
	}
	if len(details) > 0 {
		rec.Details = append(rec.Details, details...)
	}
	if c.highest > rec.Level {
		rec.Level = c.highest
	}

	c.next = 0
	c.highest = 0
	c.sources = make(map[string][]Detail)
	return rec
}

func (c *Context) mergedLocked() []Detail {
	n := 0
	for _, list := range c.sources {
		n += len(list)
	}
	out := make([]Detail, 0, n)
	for _, list := range c.sources {
		for _, d := range list {
			d.Params = append([]string(nil), d.Params...)
			out = append(out, d)
		}
	}
	// ordinals are unique per scope, so the order is total
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying the accumulation scope.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext returns the accumulation scope stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(contextKey{}).(*Context)
	return ac, ok && ac != nil
}
