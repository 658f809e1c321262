// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/telekom/gateway-audit/pkg/audit"
)

// MemoryStore keeps records in process, for tests and single-node setups
// that do not need durable audit storage.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*audit.Record
	byID    map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) StoreRecord(_ context.Context, rec *audit.Record) error {
	return observeStore(m.storeRecord(rec))
}

func (m *MemoryStore) storeRecord(rec *audit.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[rec.ID]; ok {
		return fmt.Errorf("audit record %s already stored", rec.ID)
	}
	m.byID[rec.ID] = len(m.records)
	m.records = append(m.records, clone(rec))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*audit.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(m.records[i]), nil
}

func (m *MemoryStore) Find(_ context.Context, c Criteria) ([]*audit.Record, error) {
	m.mu.RLock()
	var out []*audit.Record
	for _, rec := range m.records {
		if c.Matches(rec) {
			out = append(out, clone(rec))
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b *audit.Record) int {
		return a.Time.Compare(b.Time)
	})
	if len(out) > c.limit() {
		out = out[:c.limit()]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// clone copies the record deep enough that neither side can change the
// other's fields or details.
func clone(rec *audit.Record) *audit.Record {
	c := *rec
	c.UserName = copyString(rec.UserName)
	c.UserID = copyString(rec.UserID)
	c.ProviderID = copyString(rec.ProviderID)
	if rec.MessageFields != nil {
		mf := *rec.MessageFields
		mf.OperationName = copyString(mf.OperationName)
		mf.RequestID = copyString(mf.RequestID)
		mf.AuthType = copyString(mf.AuthType)
		mf.RequestContent = copyString(mf.RequestContent)
		mf.ResponseContent = copyString(mf.ResponseContent)
		c.MessageFields = &mf
	}
	if rec.AdminFields != nil {
		af := *rec.AdminFields
		af.EntityClass = copyString(af.EntityClass)
		c.AdminFields = &af
	}
	if rec.SystemFields != nil {
		sf := *rec.SystemFields
		c.SystemFields = &sf
	}
	c.Signature = slices.Clone(rec.Signature)
	if rec.Details != nil {
		c.Details = make([]audit.Detail, len(rec.Details))
		for i, d := range rec.Details {
			d.Params = slices.Clone(d.Params)
			c.Details[i] = d
		}
	}
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
