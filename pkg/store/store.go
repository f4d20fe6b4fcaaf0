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

// Package store defines the durable persistence contract of a tenant
// backend: best-effort write-behind of committed mutations, the
// append-only audit log and the snapshot load used by hydration.
package store

import (
	"context"
	"io"
)

// EntityRecord is the durable form of an entity.
type EntityRecord struct {
	ID       int64
	Kind     string
	Name     string
	Metadata map[string]string
}

// EdgeRecord is the durable form of a parent/child edge.
type EdgeRecord struct {
	ParentID int64
	ChildID  int64
}

// PermissionRecord is the durable form of a permission.
type PermissionRecord struct {
	ID           int64
	EntityID     int64
	URI          string
	Verb         string
	Deny         bool
	Scheme       string
	ExpiryMillis int64
}

// Snapshot is the full durable state of one tenant.
type Snapshot struct {
	Entities    []EntityRecord
	Edges       []EdgeRecord
	Permissions []PermissionRecord
}

// Change is the delta one committed mutation produced. ID is an
// idempotency key: persisting the same change twice must be a no-op.
type Change struct {
	ID     string
	Tenant string

	UpsertEntities    []EntityRecord
	DeleteEntityIDs   []int64
	AddEdges          []EdgeRecord
	DeleteEdges       []EdgeRecord
	UpsertPermissions []PermissionRecord
	DeletePermissions []int64
}

// Empty reports whether the change carries no rows.
func (c *Change) Empty() bool {
	return len(c.UpsertEntities) == 0 && len(c.DeleteEntityIDs) == 0 &&
		len(c.AddEdges) == 0 && len(c.DeleteEdges) == 0 &&
		len(c.UpsertPermissions) == 0 && len(c.DeletePermissions) == 0
}

// AuditRecord is one monotonically appended audit log entry.
type AuditRecord struct {
	Seq             int64
	TimestampMillis int64
	Actor           string
	CommandType     string
	Payload         []byte
	ResultKind      string
}

// Store is the per-tenant durable storage contract. The engine is
// agnostic to the physical schema; any driver satisfying this interface
// is acceptable.
type Store interface {
	// PersistChange writes the delta of one committed mutation. It must
	// be idempotent by change id.
	PersistChange(ctx context.Context, c *Change) error

	// AppendAudit appends one audit record.
	AppendAudit(ctx context.Context, r *AuditRecord) error

	// LoadSnapshot returns the full durable state of the tenant.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// LoadAudit returns the audit log in append order.
	LoadAudit(ctx context.Context) ([]*AuditRecord, error)

	io.Closer
}

// Monitored is a store that tracks its own health.
type Monitored interface {
	Store

	// Degraded reports whether the recent failure rate exceeds the
	// configured threshold.
	Degraded() bool
}
