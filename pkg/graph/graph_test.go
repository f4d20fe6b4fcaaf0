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

package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEntityAssignsNextID(t *testing.T) {
	g := New("t1")
	u, err := g.AddEntity(KindUser, "alice")
	require.NoError(t, err)
	grp, err := g.AddEntity(KindGroup, "staff")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, int64(2), grp.ID)
	assert.Equal(t, int64(3), g.NextID())
}

func TestAddEntityValidatesName(t *testing.T) {
	g := New("t1")
	_, err := g.AddEntity(KindUser, "")
	assert.IsType(t, errtypes.InvalidArgument(""), err)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err = g.AddEntity(KindUser, string(long))
	assert.IsType(t, errtypes.InvalidArgument(""), err)
}

func TestLinkIsSymmetric(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	grp, _ := g.AddEntity(KindGroup, "staff")
	require.NoError(t, g.Link(grp.ID, u.ID))

	assert.True(t, grp.HasChild(u.ID))
	assert.Equal(t, []int64{grp.ID}, u.Parents())
	assert.Equal(t, []int64{u.ID}, grp.Children())
}

func TestLinkRejectsUserAsParent(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	grp, _ := g.AddEntity(KindGroup, "staff")
	err := g.Link(u.ID, grp.ID)
	assert.IsType(t, errtypes.InvalidArgument(""), err)
}

func TestLinkRejectsRoleParentOfGroup(t *testing.T) {
	g := New("t1")
	r, _ := g.AddEntity(KindRole, "admin")
	grp, _ := g.AddEntity(KindGroup, "staff")
	err := g.Link(r.ID, grp.ID)
	assert.IsType(t, errtypes.InvalidArgument(""), err)
	// the other direction is fine
	require.NoError(t, g.Link(grp.ID, r.ID))
}

func TestLinkRejectsCycle(t *testing.T) {
	g := New("t1")
	g1, _ := g.AddEntity(KindGroup, "g1")
	g2, _ := g.AddEntity(KindGroup, "g2")
	g3, _ := g.AddEntity(KindGroup, "g3")
	require.NoError(t, g.Link(g1.ID, g2.ID))
	require.NoError(t, g.Link(g2.ID, g3.ID))

	err := g.Link(g3.ID, g1.ID)
	assert.IsType(t, errtypes.CyclicHierarchy(""), err)

	// graph unchanged
	assert.Empty(t, g3.Children())
	assert.Empty(t, g1.Parents())
}

func TestLinkRejectsSelf(t *testing.T) {
	g := New("t1")
	grp, _ := g.AddEntity(KindGroup, "staff")
	err := g.Link(grp.ID, grp.ID)
	assert.IsType(t, errtypes.CyclicHierarchy(""), err)
}

func TestLinkCapacity(t *testing.T) {
	g := New("t1")
	grp, _ := g.AddEntity(KindGroup, "staff")
	for i := 0; i < MaxChildren; i++ {
		u, err := g.AddEntity(KindUser, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		require.NoError(t, g.Link(grp.ID, u.ID))
	}
	u, _ := g.AddEntity(KindUser, "one-too-many")
	err := g.Link(grp.ID, u.ID)
	assert.IsType(t, errtypes.CapacityExceeded(""), err)
	assert.Len(t, grp.Children(), MaxChildren)
	assert.Empty(t, u.Parents())
}

func TestUnlinkRoundTrip(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	grp, _ := g.AddEntity(KindGroup, "staff")
	require.NoError(t, g.Link(grp.ID, u.ID))
	require.NoError(t, g.Unlink(grp.ID, u.ID))

	assert.Empty(t, u.Parents())
	assert.Empty(t, grp.Children())

	err := g.Unlink(grp.ID, u.ID)
	assert.IsType(t, errtypes.EdgeMissing(""), err)
}

func TestRemoveEntityDetachesEverything(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	grp, _ := g.AddEntity(KindGroup, "staff")
	require.NoError(t, g.Link(grp.ID, u.ID))
	p, err := g.Attach(grp.ID, "/api/orders", VerbGet, false, SchemeExplicit, nil)
	require.NoError(t, err)

	require.NoError(t, g.RemoveEntity(grp.ID))

	assert.Empty(t, u.Parents())
	_, err = g.Permission(p.ID)
	assert.IsType(t, errtypes.NotFound(""), err)
	assert.Nil(t, g.Views().Resource("/api/orders"))
	_, groups, _ := g.Views().CountByKind()
	assert.Zero(t, groups)
}

func TestRemoveEntityKeepsChildren(t *testing.T) {
	// deleting a group detaches its edges only, children survive
	g := New("t1")
	parent, _ := g.AddEntity(KindGroup, "parent")
	child, _ := g.AddEntity(KindGroup, "child")
	require.NoError(t, g.Link(parent.ID, child.ID))
	require.NoError(t, g.RemoveEntity(parent.ID))

	got, err := g.Entity(child.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Parents())
}

func TestAttachConflictingPolarity(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	_, err := g.Attach(u.ID, "/api/orders", VerbGet, false, SchemeExplicit, nil)
	require.NoError(t, err)
	_, err = g.Attach(u.ID, "/api/orders", VerbGet, true, SchemeExplicit, nil)
	assert.IsType(t, errtypes.ConflictingPolarity(""), err)

	// same polarity again is allowed, as is a different verb
	_, err = g.Attach(u.ID, "/api/orders", VerbPost, true, SchemeExplicit, nil)
	assert.NoError(t, err)
}

func TestDetachRemovesAllTraces(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	p, err := g.Attach(u.ID, "/api/orders", VerbGet, false, SchemeExplicit, nil)
	require.NoError(t, err)
	require.NoError(t, g.Detach(p.ID))

	assert.Empty(t, u.Permissions())
	assert.Nil(t, g.Views().Resource("/api/orders"))
	_, err = g.Permission(p.ID)
	assert.IsType(t, errtypes.NotFound(""), err)
}

func TestResourceRefCounting(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	p1, _ := g.Attach(u.ID, "/api/orders", VerbGet, false, SchemeExplicit, nil)
	p2, _ := g.Attach(u.ID, "/api/orders", VerbPost, false, SchemeExplicit, nil)

	res := g.Views().Resource("/api/orders")
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Refs)

	require.NoError(t, g.Detach(p1.ID))
	assert.NotNil(t, g.Views().Resource("/api/orders"))
	require.NoError(t, g.Detach(p2.ID))
	assert.Nil(t, g.Views().Resource("/api/orders"))
}

func TestIDsNeverReused(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	require.NoError(t, g.RemoveEntity(u.ID))
	next, _ := g.AddEntity(KindUser, "bob")
	assert.Greater(t, next.ID, u.ID)
}

func TestClosureDistances(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	g1, _ := g.AddEntity(KindGroup, "g1")
	g2, _ := g.AddEntity(KindGroup, "g2")
	require.NoError(t, g.Link(g1.ID, u.ID))
	require.NoError(t, g.Link(g2.ID, g1.ID))

	closure, err := g.Closure(u.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{u.ID: 0, g1.ID: 1, g2.ID: 2}, closure)
}

func TestListPagination(t *testing.T) {
	g := New("t1")
	for i := 0; i < 5; i++ {
		_, err := g.AddEntity(KindUser, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}
	page, total := g.List(KindUser, 1, 2)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].ID)

	page, _ = g.List(KindUser, 3, 2)
	assert.Len(t, page, 1)

	page, _ = g.List(KindUser, 4, 2)
	assert.Empty(t, page)
}

func TestRebuildCongruence(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	grp, _ := g.AddEntity(KindGroup, "staff")
	require.NoError(t, g.Link(grp.ID, u.ID))
	_, err := g.Attach(grp.ID, "/api/orders", VerbGet, false, SchemeExplicit, nil)
	require.NoError(t, err)

	g.Rebuild()

	users, groups, roles := g.Views().CountByKind()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, groups)
	assert.Equal(t, 0, roles)
	res := g.Views().Resource("/api/orders")
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Refs)
}

func TestPermissionExpiry(t *testing.T) {
	g := New("t1")
	u, _ := g.AddEntity(KindUser, "alice")
	past := time.Now().Add(-time.Hour)
	p, err := g.Attach(u.ID, "/api/orders", VerbGet, false, SchemeExplicit, &past)
	require.NoError(t, err)
	assert.True(t, p.Expired(time.Now()))
}
