// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package memory implements the store contract in process memory. It
// backs tests and single-node setups that accept losing durable state
// with the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/store"
	"github.com/cs3org/arbor/pkg/store/registry"
)

func init() {
	registry.Register("memory", New)
}

// New returns an in-memory store. The config map is ignored except for
// the tenant key.
func New(_ context.Context, m map[string]interface{}) (store.Store, error) {
	tenant, _ := m["tenant"].(string)
	return NewStore(tenant), nil
}

// Store keeps all tenant collections in maps. Safe for concurrent use.
type Store struct {
	tenant string

	mu          sync.Mutex
	entities    map[int64]store.EntityRecord
	edges       map[[2]int64]struct{}
	permissions map[int64]store.PermissionRecord
	audit       []*store.AuditRecord
	auditSeq    int64
	applied     map[string]struct{}

	// FailWrites makes every write fail until cleared; tests use it to
	// drive the degradation path.
	FailWrites bool
}

// NewStore returns an empty in-memory store for the tenant.
func NewStore(tenant string) *Store {
	return &Store{
		tenant:      tenant,
		entities:    map[int64]store.EntityRecord{},
		edges:       map[[2]int64]struct{}{},
		permissions: map[int64]store.PermissionRecord{},
		applied:     map[string]struct{}{},
	}
}

// PersistChange applies the delta, once per change id.
func (s *Store) PersistChange(_ context.Context, c *store.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errtypes.InternalError("memory store: writes disabled")
	}
	if _, ok := s.applied[c.ID]; ok {
		return nil
	}
	for _, e := range c.UpsertEntities {
		s.entities[e.ID] = e
	}
	for _, id := range c.DeleteEntityIDs {
		delete(s.entities, id)
	}
	for _, e := range c.AddEdges {
		s.edges[[2]int64{e.ParentID, e.ChildID}] = struct{}{}
	}
	for _, e := range c.DeleteEdges {
		delete(s.edges, [2]int64{e.ParentID, e.ChildID})
	}
	for _, p := range c.UpsertPermissions {
		s.permissions[p.ID] = p
	}
	for _, id := range c.DeletePermissions {
		delete(s.permissions, id)
	}
	s.applied[c.ID] = struct{}{}
	return nil
}

// AppendAudit appends the record, assigning the next sequence number.
func (s *Store) AppendAudit(_ context.Context, r *store.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errtypes.InternalError("memory store: writes disabled")
	}
	s.auditSeq++
	cp := *r
	cp.Seq = s.auditSeq
	s.audit = append(s.audit, &cp)
	return nil
}

// LoadSnapshot returns a copy of the current state, ordered by id so
// hydration is deterministic.
func (s *Store) LoadSnapshot(_ context.Context) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &store.Snapshot{}
	for _, e := range s.entities {
		snap.Entities = append(snap.Entities, e)
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	for e := range s.edges {
		snap.Edges = append(snap.Edges, store.EdgeRecord{ParentID: e[0], ChildID: e[1]})
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].ParentID != snap.Edges[j].ParentID {
			return snap.Edges[i].ParentID < snap.Edges[j].ParentID
		}
		return snap.Edges[i].ChildID < snap.Edges[j].ChildID
	})
	for _, p := range s.permissions {
		snap.Permissions = append(snap.Permissions, p)
	}
	sort.Slice(snap.Permissions, func(i, j int) bool { return snap.Permissions[i].ID < snap.Permissions[j].ID })
	return snap, nil
}

// LoadAudit returns the audit log in append order.
func (s *Store) LoadAudit(_ context.Context) ([]*store.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.AuditRecord(nil), s.audit...), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
