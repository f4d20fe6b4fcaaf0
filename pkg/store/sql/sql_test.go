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

package sql

import (
	"context"
	"testing"

	"github.com/cs3org/arbor/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := NewFromConfig(context.Background(), "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPersistAndLoadSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.PersistChange(ctx, &store.Change{
		ID:     "c1",
		Tenant: "t1",
		UpsertEntities: []store.EntityRecord{
			{ID: 1, Kind: "user", Name: "alice", Metadata: map[string]string{"mail": "alice@example.org"}},
			{ID: 2, Kind: "group", Name: "staff"},
		},
		AddEdges: []store.EdgeRecord{{ParentID: 2, ChildID: 1}},
		UpsertPermissions: []store.PermissionRecord{
			{ID: 3, EntityID: 2, URI: "/api/orders", Verb: "GET", Deny: false, Scheme: "explicit"},
			{ID: 4, EntityID: 1, URI: "/api/orders", Verb: "POST", Deny: true, Scheme: "explicit"},
		},
	})
	require.NoError(t, err)

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, "alice", snap.Entities[0].Name)
	assert.Equal(t, map[string]string{"mail": "alice@example.org"}, snap.Entities[0].Metadata)
	require.Len(t, snap.Edges, 1)
	require.Len(t, snap.Permissions, 2)
	assert.False(t, snap.Permissions[0].Deny)
	assert.True(t, snap.Permissions[1].Deny)
}

func TestPersistIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &store.Change{
		ID:             "c1",
		UpsertEntities: []store.EntityRecord{{ID: 1, Kind: "user", Name: "alice"}},
	}
	require.NoError(t, s.PersistChange(ctx, c))
	require.NoError(t, s.PersistChange(ctx, &store.Change{ID: "c2", DeleteEntityIDs: []int64{1}}))
	require.NoError(t, s.PersistChange(ctx, c))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Entities)
}

func TestDeleteRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PersistChange(ctx, &store.Change{
		ID:                "c1",
		UpsertEntities:    []store.EntityRecord{{ID: 1, Kind: "user", Name: "alice"}, {ID: 2, Kind: "group", Name: "staff"}},
		AddEdges:          []store.EdgeRecord{{ParentID: 2, ChildID: 1}},
		UpsertPermissions: []store.PermissionRecord{{ID: 3, EntityID: 2, URI: "/api/orders", Verb: "GET", Scheme: "explicit"}},
	}))
	require.NoError(t, s.PersistChange(ctx, &store.Change{
		ID:                "c2",
		DeleteEntityIDs:   []int64{1},
		DeleteEdges:       []store.EdgeRecord{{ParentID: 2, ChildID: 1}},
		DeletePermissions: []int64{3},
	}))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entities, 1)
	assert.Empty(t, snap.Edges)
	assert.Empty(t, snap.Permissions)
}

func TestAuditAppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendAudit(ctx, &store.AuditRecord{TimestampMillis: 1, CommandType: "CreateUser", ResultKind: "OK"}))
	require.NoError(t, s.AppendAudit(ctx, &store.AuditRecord{TimestampMillis: 2, CommandType: "GrantPermission", ResultKind: "OK"}))

	log, err := s.LoadAudit(ctx)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Less(t, log[0].Seq, log[1].Seq)
	assert.Equal(t, "CreateUser", log[0].CommandType)
}
