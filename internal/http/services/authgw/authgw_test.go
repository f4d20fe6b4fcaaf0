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

package authgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/wire"
)

type fakeDispatcher struct {
	tenant string
	cmd    *command.Command
	res    *command.Result
	err    error
	health *wire.HealthResponse
}

func (f *fakeDispatcher) Execute(_ context.Context, tenant string, cmd *command.Command) (*command.Result, error) {
	f.tenant = tenant
	f.cmd = cmd
	return f.res, f.err
}

func (f *fakeDispatcher) Health(_ context.Context, tenant string) (*wire.HealthResponse, error) {
	f.tenant = tenant
	return f.health, f.err
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestCreateUser(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{EntityID: 7}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/users", `{"name":"alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "acme", f.tenant)
	assert.Equal(t, command.CreateUser, f.cmd.Type)
	assert.Equal(t, "alice", f.cmd.Name)

	var out map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, int64(7), out["id"])
}

func TestCreateGroupWithParent(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{EntityID: 3}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/groups", `{"name":"staff","parentGroupId":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, command.CreateGroup, f.cmd.Type)
	assert.Equal(t, int64(2), f.cmd.TargetID)
}

func TestAddUserToGroup(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/users/5/groups/2", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, command.AddUserToGroup, f.cmd.Type)
	assert.Equal(t, int64(5), f.cmd.EntityID)
	assert.Equal(t, int64(2), f.cmd.TargetID)
}

func TestEffectivePermissions(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{Permissions: []command.PermissionInfo{
		{ID: 1, EntityID: 5, URI: "/api/docs/*", Verb: "GET"},
	}}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "GET", "http://localhost/tenants/acme/users/5/permissions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, command.GetEffectivePermissions, f.cmd.Type)
	assert.Equal(t, int64(5), f.cmd.EntityID)

	var out struct {
		Permissions []struct {
			URI string `json:"uri"`
		} `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Permissions, 1)
	assert.Equal(t, "/api/docs/*", out.Permissions[0].URI)
}

func TestEvaluate(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{Decision: &command.DecisionInfo{
		Allowed: true,
		Reason:  "allow wins",
		Trace:   []command.TraceInfo{{EntityID: 5, PermissionID: 1, Selected: true}},
	}}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/users/5/permissions/evaluate",
		`{"uri":"/api/docs/readme","verb":"GET"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, command.EvaluatePermission, f.cmd.Type)
	assert.Equal(t, "/api/docs/readme", f.cmd.URI)
	assert.Equal(t, "GET", f.cmd.Verb)

	var out struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Allowed)
}

func TestGrantOnEntityType(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{PermissionID: 9}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/groups/2/permissions/grant",
		`{"uri":"/api/docs/*","verb":"GET"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, command.GrantPermission, f.cmd.Type)
	assert.Equal(t, int64(2), f.cmd.EntityID)

	w = do(t, h, "POST", "http://localhost/tenants/acme/users/5/permissions/deny",
		`{"uri":"/api/secrets/*","verb":"GET"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, command.DenyPermission, f.cmd.Type)
	assert.Equal(t, int64(5), f.cmd.EntityID)
}

func TestRevokePermission(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{PermissionID: 9}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "DELETE", "http://localhost/tenants/acme/permissions/9", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, command.RevokePermission, f.cmd.Type)
	assert.Equal(t, int64(9), f.cmd.PermissionID)
}

func TestBulkUpdate(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{Bulk: []command.BulkResult{
		{Index: 0, OK: true, PermissionID: 4},
		{Index: 1, OK: false, ErrorKind: "NotFound", ErrorMessage: "entity 99 not found"},
	}}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/permissions/bulk", `{
		"ops": [
			{"action":"grant","entityId":5,"uri":"/api/a","verb":"GET"},
			{"action":"grant","entityId":99,"uri":"/api/b","verb":"GET"}
		],
		"transactional": false
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, command.BulkPermissionUpdate, f.cmd.Type)
	require.Len(t, f.cmd.Ops, 2)
	assert.Equal(t, command.BulkGrant, f.cmd.Ops[0].Action)
	assert.False(t, f.cmd.Transactional)
}

func TestListEntitiesPagination(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{Total: 10}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "GET", "http://localhost/tenants/acme/users?page=2&pageSize=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, command.ListEntities, f.cmd.Type)
	assert.Equal(t, "user", f.cmd.Kind)
	assert.Equal(t, int32(2), f.cmd.Page)
	assert.Equal(t, int32(5), f.cmd.PageSize)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errtypes.NotFound("x"), http.StatusNotFound},
		{errtypes.InvalidArgument("x"), http.StatusBadRequest},
		{errtypes.CyclicHierarchy("x"), http.StatusConflict},
		{errtypes.ConflictingPolarity("x"), http.StatusConflict},
		{errtypes.CapacityExceeded("x"), http.StatusConflict},
		{errtypes.EdgeMissing("x"), http.StatusConflict},
		{errtypes.DeadlineExceeded("x"), http.StatusRequestTimeout},
		{errtypes.Cancelled("x"), 499},
		{errtypes.StartupFailed("x"), http.StatusInternalServerError},
		{errtypes.InternalError("x"), http.StatusInternalServerError},
		{errtypes.Shutdown("x"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(errtypes.Kind(tt.err), func(t *testing.T) {
			f := &fakeDispatcher{err: tt.err}
			h := New(f, zerolog.Nop())

			w := do(t, h, "GET", "http://localhost/tenants/acme/entities/1", "")
			assert.Equal(t, tt.code, w.Code)

			var out map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
			assert.Equal(t, errtypes.Kind(tt.err), out["error"])
		})
	}
}

func TestTenantFromHeader(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{EntityID: 1}}
	h := New(f, zerolog.Nop())

	r := httptest.NewRequest("POST", "http://localhost/users", strings.NewReader(`{"name":"alice"}`))
	r.Header.Set("X-Tenant-ID", "globex")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "globex", f.tenant)
}

func TestMissingTenant(t *testing.T) {
	f := &fakeDispatcher{res: &command.Result{EntityID: 1}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/users", `{"name":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMalformedBody(t *testing.T) {
	f := &fakeDispatcher{}
	h := New(f, zerolog.Nop())

	w := do(t, h, "POST", "http://localhost/tenants/acme/users", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	f := &fakeDispatcher{health: &wire.HealthResponse{Healthy: true, UptimeSeconds: 12}}
	h := New(f, zerolog.Nop())

	w := do(t, h, "GET", "http://localhost/tenants/acme/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Healthy       bool   `json:"healthy"`
		UptimeSeconds uint64 `json:"uptimeSeconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Healthy)
	assert.Equal(t, uint64(12), out.UptimeSeconds)
}
