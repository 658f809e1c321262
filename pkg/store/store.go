// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package store is internal audit storage: records that are not, or not
// only, delivered to an external sink end up here.
package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slices"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/metrics"
)

// ErrNotFound is returned by Get for unknown record ids.
var ErrNotFound = errors.New("audit record not found")

// DefaultLimit caps Find when Criteria.Limit is not set.
const DefaultLimit = 1000

// RecordStore persists records together with their details.
type RecordStore interface {
	StoreRecord(ctx context.Context, rec *audit.Record) error
	Get(ctx context.Context, id string) (*audit.Record, error)
	// Find returns matching records ordered by time, oldest first.
	Find(ctx context.Context, c Criteria) ([]*audit.Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Criteria select records. Zero fields do not restrict.
type Criteria struct {
	From      time.Time
	To        time.Time
	Levels    []audit.Level
	NodeID    string
	Category  audit.Category
	Name      string
	UserName  string
	RequestID string
	Limit     int
}

func (c Criteria) limit() int {
	if c.Limit <= 0 {
		return DefaultLimit
	}
	return c.Limit
}

// Matches reports whether rec satisfies the criteria. From is inclusive, To
// is exclusive.
func (c Criteria) Matches(rec *audit.Record) bool {
	if !c.From.IsZero() && rec.Time.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && !rec.Time.Before(c.To) {
		return false
	}
	if len(c.Levels) > 0 && !slices.Contains(c.Levels, rec.Level) {
		return false
	}
	if c.NodeID != "" && rec.NodeID != c.NodeID {
		return false
	}
	if c.Category != "" && rec.Category != c.Category {
		return false
	}
	if c.Name != "" && rec.Name != c.Name {
		return false
	}
	if c.UserName != "" && audit.Deref(rec.UserName) != c.UserName {
		return false
	}
	if c.RequestID != "" {
		if rec.MessageFields == nil || audit.Deref(rec.MessageFields.RequestID) != c.RequestID {
			return false
		}
	}
	return true
}

func observeStore(err error) error {
	if err != nil {
		metrics.AuditRecordsStored.WithLabelValues("error").Inc()
		return err
	}
	metrics.AuditRecordsStored.WithLabelValues("success").Inc()
	return nil
}
