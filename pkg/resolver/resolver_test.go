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

package resolver

import (
	"testing"
	"time"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// userInGroup builds the tenant fixture of the end-to-end scenarios:
// user 1 as child of group 2.
func userInGroup(t *testing.T) (*graph.Graph, *graph.Entity, *graph.Entity) {
	t.Helper()
	g := graph.New("t1")
	u, err := g.AddEntity(graph.KindUser, "alice")
	require.NoError(t, err)
	grp, err := g.AddEntity(graph.KindGroup, "staff")
	require.NoError(t, err)
	require.NoError(t, g.Link(grp.ID, u.ID))
	return g, u, grp
}

func TestGrantOnAncestorAllows(t *testing.T) {
	g, u, grp := userInGroup(t)
	_, err := g.Attach(grp.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.Len(t, d.Trace, 1)
	assert.Equal(t, grp.ID, d.Trace[0].EntityID)
	assert.Equal(t, 1, d.Trace[0].Distance)
	assert.True(t, d.Trace[0].Selected)
}

func TestNoPermissionDenies(t *testing.T) {
	g := graph.New("t1")
	u, _ := g.AddEntity(graph.KindUser, "alice")

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoPermission, d.Reason)
	assert.Empty(t, d.Trace)
}

func TestDenyWinsAtEqualSpecificity(t *testing.T) {
	// closer deny beats the ancestor grant at the same specificity
	g, u, grp := userInGroup(t)
	_, err := g.Attach(grp.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)
	_, err = g.Attach(u.ID, "/api/orders", graph.VerbGet, true, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Len(t, d.Trace, 2)
}

func TestDenyWinsAtEqualRank(t *testing.T) {
	// same entity, same specificity: deny outranks grant
	g, u, _ := userInGroup(t)
	_, err := g.Attach(u.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)
	_, err = g.Attach(u.ID, "/api/orders", graph.VerbAny, true, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMoreSpecificGrantBeatsAncestorDeny(t *testing.T) {
	g, u, grp := userInGroup(t)
	_, err := g.Attach(grp.ID, "/api/**", graph.VerbGet, true, graph.SchemeExplicit, nil)
	require.NoError(t, err)
	_, err = g.Attach(u.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestExpiredPermissionIgnored(t *testing.T) {
	g, u, _ := userInGroup(t)
	past := time.Now().Add(-time.Minute)
	_, err := g.Attach(u.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, &past)
	require.NoError(t, err)

	d, timeless, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoPermission, d.Reason)
	assert.False(t, timeless)
}

func TestVerbMismatch(t *testing.T) {
	g, u, _ := userInGroup(t)
	_, err := g.Attach(u.ID, "/api/orders", graph.VerbPost, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestWildcardVerbMatches(t *testing.T) {
	g, u, _ := userInGroup(t)
	_, err := g.Attach(u.ID, "/api/orders", graph.VerbAny, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbDelete, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestBindingsReturned(t *testing.T) {
	g, u, _ := userInGroup(t)
	_, err := g.Attach(u.ID, "/api/{resource}", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	d, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, map[string]string{"resource": "orders"}, d.Bindings)
}

func TestEvaluateDoesNotMutate(t *testing.T) {
	g, u, _ := userInGroup(t)
	_, err := g.Attach(u.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	before := g.Version()
	d1, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	d2, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.NoError(t, err)
	assert.Equal(t, before, g.Version())
	assert.Equal(t, d1.Allowed, d2.Allowed)
	assert.Equal(t, d1.Trace, d2.Trace)
}

func TestCachedEvaluation(t *testing.T) {
	g, u, _ := userInGroup(t)
	_, err := g.Attach(u.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	r := New(16)
	d1, err := r.Evaluate(g, u.ID, "/api/orders", graph.VerbGet)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	// a mutation bumps the version and bypasses the cached decision
	_, err = g.Attach(u.ID, "/api/orders", graph.VerbAny, true, graph.SchemeExplicit, nil)
	require.NoError(t, err)
	d2, err := r.Evaluate(g, u.ID, "/api/orders", graph.VerbGet)
	require.NoError(t, err)
	assert.False(t, d2.Allowed)
}

func TestTraceOverflowAbortsEvaluation(t *testing.T) {
	g, u, _ := userInGroup(t)
	for i := 0; i <= MaxTrace; i++ {
		_, err := g.Attach(u.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
		require.NoError(t, err)
	}

	_, _, err := EvaluateAt(g, u.ID, "/api/orders", graph.VerbGet, time.Now())
	require.Error(t, err)
	assert.IsType(t, errtypes.TraceOverflow(""), err)
}

func TestEffectivePermissionsFlattening(t *testing.T) {
	g, u, grp := userInGroup(t)
	_, err := g.Attach(grp.ID, "/api/orders", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)
	_, err = g.Attach(u.ID, "/api/orders", graph.VerbGet, true, graph.SchemeExplicit, nil)
	require.NoError(t, err)
	_, err = g.Attach(grp.ID, "/api/reports", graph.VerbGet, false, graph.SchemeExplicit, nil)
	require.NoError(t, err)

	eff, err := EffectivePermissions(g, u.ID, time.Now())
	require.NoError(t, err)
	require.Len(t, eff, 2)
	// deny on the user wins the /api/orders bucket
	assert.Equal(t, "/api/orders", eff[0].URI)
	assert.True(t, eff[0].Deny)
	assert.Equal(t, u.ID, eff[0].EntityID)
	assert.Equal(t, "/api/reports", eff[1].URI)
	assert.False(t, eff[1].Deny)
}
