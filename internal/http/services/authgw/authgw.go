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

// Package authgw is the REST adapter of the gateway. It translates
// HTTP calls into engine commands, dispatches them to the tenant's
// backend and maps wire error kinds onto HTTP status codes.
package authgw

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cs3org/arbor/pkg/appctx"
	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/gateway"
	"github.com/cs3org/arbor/pkg/wire"
)

// Dispatcher routes a command to a tenant backend.
type Dispatcher interface {
	Execute(ctx context.Context, tenant string, cmd *command.Command) (*command.Result, error)
	Health(ctx context.Context, tenant string) (*wire.HealthResponse, error)
}

type svc struct {
	gw     Dispatcher
	log    zerolog.Logger
	router chi.Router
}

// New builds the REST adapter around the given dispatcher.
func New(gw Dispatcher, log zerolog.Logger) http.Handler {
	s := &svc{gw: gw, log: log}
	r := chi.NewRouter()
	r.Use(s.logRequests)

	// tenant-in-path and tenant-in-header/subdomain/query surfaces
	// expose the same routes
	r.Route("/tenants/{tenant}", s.routes)
	s.routes(r)

	s.router = r
	return s
}

func (s *svc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *svc) routes(r chi.Router) {
	r.Post("/users", s.createEntity(command.CreateUser))
	r.Post("/groups", s.createEntity(command.CreateGroup))
	r.Post("/roles", s.createEntity(command.CreateRole))

	r.Get("/entities/{id}", s.getEntity)
	r.Patch("/entities/{id}", s.updateEntityName)
	r.Delete("/entities/{id}", s.deleteEntity)
	r.Get("/{entityType}", s.listEntities)

	r.Post("/users/{u}/groups/{g}", s.edge(command.AddUserToGroup))
	r.Delete("/users/{u}/groups/{g}", s.edge(command.RemoveUserFromGroup))
	r.Post("/users/{u}/roles/{g}", s.edge(command.AssignUserToRole))
	r.Delete("/users/{u}/roles/{g}", s.edge(command.UnassignUserFromRole))
	r.Post("/groups/{u}/groups/{g}", s.edge(command.AddGroupToGroup))
	r.Delete("/groups/{u}/groups/{g}", s.edge(command.RemoveGroupFromGroup))
	r.Post("/roles/{u}/groups/{g}", s.edge(command.AddRoleToGroup))
	r.Delete("/roles/{u}/groups/{g}", s.edge(command.RemoveRoleFromGroup))

	r.Get("/users/{u}/permissions", s.effectivePermissions)
	r.Post("/users/{u}/permissions/evaluate", s.evaluate)
	r.Get("/{entityType}/{id}/permissions", s.listEntityPermissions)
	r.Post("/{entityType}/{id}/permissions/grant", s.attach(command.GrantPermission))
	r.Post("/{entityType}/{id}/permissions/deny", s.attach(command.DenyPermission))
	r.Delete("/permissions/{pid}", s.revoke)
	r.Post("/permissions/bulk", s.bulk)
	r.Get("/resources/permissions", s.resourcePermissions)

	r.Get("/health", s.health)
}

func (s *svc) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.log.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
		next.ServeHTTP(w, r.WithContext(appctx.WithLogger(r.Context(), &log)))
	})
}

// dispatch resolves the tenant and executes the command, writing the
// mapped error on failure. A nil result with a true bool means the
// response was already written.
func (s *svc) dispatch(w http.ResponseWriter, r *http.Request, cmd *command.Command) (*command.Result, bool) {
	tenant, err := gateway.ResolveTenant(r)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	res, err := s.gw.Execute(r.Context(), tenant, cmd)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return res, true
}

type createRequest struct {
	Name          string `json:"name"`
	ParentGroupID int64  `json:"parentGroupId,omitempty"`
}

func (s *svc) createEntity(typ command.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createRequest
		if !decodeBody(w, r, &body) {
			return
		}
		res, ok := s.dispatch(w, r, &command.Command{
			Type:     typ,
			Name:     body.Name,
			TargetID: body.ParentGroupID,
		})
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": res.EntityID})
	}
}

func (s *svc) getEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, ok := s.dispatch(w, r, &command.Command{Type: command.GetEntity, EntityID: id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entityJSON(*res.Entity))
}

func (s *svc) updateEntityName(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body createRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if _, ok := s.dispatch(w, r, &command.Command{
		Type:     command.UpdateEntityName,
		EntityID: id,
		Name:     body.Name,
	}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) deleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, ok := s.dispatch(w, r, &command.Command{Type: command.DeleteEntity, EntityID: id}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) listEntities(w http.ResponseWriter, r *http.Request) {
	kind, err := entityKind(chi.URLParam(r, "entityType"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	res, ok := s.dispatch(w, r, &command.Command{
		Type:     command.ListEntities,
		Kind:     kind,
		Page:     int32(page),
		PageSize: int32(pageSize),
	})
	if !ok {
		return
	}
	entities := make([]interface{}, 0, len(res.Entities))
	for _, e := range res.Entities {
		entities = append(entities, entityJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": entities,
		"total":    res.Total,
	})
}

// edge handles the membership routes; {u} is the child, {g} the
// parent-side counterpart.
func (s *svc) edge(typ command.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		child, ok := pathID(w, r, "u")
		if !ok {
			return
		}
		parent, ok := pathID(w, r, "g")
		if !ok {
			return
		}
		if _, ok := s.dispatch(w, r, &command.Command{
			Type:     typ,
			EntityID: child,
			TargetID: parent,
		}); !ok {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *svc) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "u")
	if !ok {
		return
	}
	res, ok := s.dispatch(w, r, &command.Command{Type: command.GetEffectivePermissions, EntityID: id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, permissionsJSON(res.Permissions))
}

type evaluateRequest struct {
	URI  string `json:"uri"`
	Verb string `json:"verb"`
}

func (s *svc) evaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "u")
	if !ok {
		return
	}
	var body evaluateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, ok := s.dispatch(w, r, &command.Command{
		Type:     command.EvaluatePermission,
		EntityID: id,
		URI:      body.URI,
		Verb:     body.Verb,
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, decisionJSON(res.Decision))
}

func (s *svc) listEntityPermissions(w http.ResponseWriter, r *http.Request) {
	if _, err := entityKind(chi.URLParam(r, "entityType")); err != nil {
		writeError(w, r, err)
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, ok := s.dispatch(w, r, &command.Command{Type: command.ListEntityPermissions, EntityID: id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, permissionsJSON(res.Permissions))
}

type attachRequest struct {
	URI          string `json:"uri"`
	Verb         string `json:"verb"`
	Scheme       string `json:"scheme,omitempty"`
	ExpiryMillis int64  `json:"expiryMillis,omitempty"`
}

func (s *svc) attach(typ command.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := entityKind(chi.URLParam(r, "entityType")); err != nil {
			writeError(w, r, err)
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var body attachRequest
		if !decodeBody(w, r, &body) {
			return
		}
		res, ok := s.dispatch(w, r, &command.Command{
			Type:         typ,
			EntityID:     id,
			URI:          body.URI,
			Verb:         body.Verb,
			Scheme:       body.Scheme,
			ExpiryMillis: body.ExpiryMillis,
		})
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": res.PermissionID})
	}
}

func (s *svc) revoke(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathID(w, r, "pid")
	if !ok {
		return
	}
	if _, ok := s.dispatch(w, r, &command.Command{Type: command.RevokePermission, PermissionID: pid}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkRequest struct {
	Ops []struct {
		Action       string `json:"action"`
		EntityID     int64  `json:"entityId,omitempty"`
		PermissionID int64  `json:"permissionId,omitempty"`
		URI          string `json:"uri,omitempty"`
		Verb         string `json:"verb,omitempty"`
		Scheme       string `json:"scheme,omitempty"`
		ExpiryMillis int64  `json:"expiryMillis,omitempty"`
	} `json:"ops"`
	Transactional    bool `json:"transactional"`
	StopOnFirstError bool `json:"stopOnFirstError"`
}

func (s *svc) bulk(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if !decodeBody(w, r, &body) {
		return
	}
	ops := make([]command.BulkOp, 0, len(body.Ops))
	for _, op := range body.Ops {
		ops = append(ops, command.BulkOp{
			Action:       command.BulkAction(op.Action),
			EntityID:     op.EntityID,
			PermissionID: op.PermissionID,
			URI:          op.URI,
			Verb:         op.Verb,
			Scheme:       op.Scheme,
			ExpiryMillis: op.ExpiryMillis,
		})
	}
	res, ok := s.dispatch(w, r, &command.Command{
		Type:             command.BulkPermissionUpdate,
		Ops:              ops,
		Transactional:    body.Transactional,
		StopOnFirstError: body.StopOnFirstError,
	})
	if !ok {
		return
	}
	results := make([]map[string]interface{}, 0, len(res.Bulk))
	for _, b := range res.Bulk {
		m := map[string]interface{}{
			"index": b.Index,
			"ok":    b.OK,
		}
		if b.OK {
			m["permissionId"] = b.PermissionID
		} else {
			m["errorKind"] = b.ErrorKind
			m["errorMessage"] = b.ErrorMessage
		}
		results = append(results, m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *svc) resourcePermissions(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, r, errtypes.InvalidArgument("missing uri query parameter"))
		return
	}
	res, ok := s.dispatch(w, r, &command.Command{Type: command.ListResourcePermissions, URI: uri})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, permissionsJSON(res.Permissions))
}

func (s *svc) health(w http.ResponseWriter, r *http.Request) {
	tenant, err := gateway.ResolveTenant(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.gw.Health(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":             h.Healthy,
		"uptimeSeconds":       h.UptimeSeconds,
		"commandsProcessed":   h.CommandsProcessed,
		"persistenceDegraded": h.PersistenceDegraded,
	})
}

func entityKind(t string) (string, error) {
	switch t {
	case "users":
		return "user", nil
	case "groups":
		return "group", nil
	case "roles":
		return "role", nil
	default:
		return "", errtypes.InvalidArgument("unknown entity type " + t)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, r, errtypes.InvalidArgument("invalid "+param+" path parameter"))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, errtypes.InvalidArgument("malformed request body"))
		return false
	}
	return true
}

func entityJSON(e command.EntityInfo) map[string]interface{} {
	return map[string]interface{}{
		"id":       e.ID,
		"kind":     e.Kind,
		"name":     e.Name,
		"parents":  e.Parents,
		"children": e.Children,
	}
}

func permissionsJSON(perms []command.PermissionInfo) map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(perms))
	for _, p := range perms {
		out = append(out, map[string]interface{}{
			"id":           p.ID,
			"entityId":     p.EntityID,
			"uri":          p.URI,
			"verb":         p.Verb,
			"deny":         p.Deny,
			"scheme":       p.Scheme,
			"expiryMillis": p.ExpiryMillis,
		})
	}
	return map[string]interface{}{"permissions": out}
}

func decisionJSON(d *command.DecisionInfo) map[string]interface{} {
	trace := make([]map[string]interface{}, 0, len(d.Trace))
	for _, t := range d.Trace {
		trace = append(trace, map[string]interface{}{
			"entityId":     t.EntityID,
			"permissionId": t.PermissionID,
			"uri":          t.URI,
			"verb":         t.Verb,
			"deny":         t.Deny,
			"specificity":  t.Specificity,
			"distance":     t.Distance,
			"selected":     t.Selected,
		})
	}
	out := map[string]interface{}{
		"allowed": d.Allowed,
		"reason":  d.Reason,
		"trace":   trace,
	}
	if len(d.Bindings) > 0 {
		out["bindings"] = d.Bindings
	}
	return out
}

// statusForKind maps wire error kinds onto HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case "NotFound":
		return http.StatusNotFound
	case "InvalidArgument", "TraceOverflow":
		return http.StatusBadRequest
	case "CyclicHierarchy", "ConflictingPolarity", "CapacityExceeded", "EdgeMissing":
		return http.StatusConflict
	case "DeadlineExceeded":
		return http.StatusRequestTimeout
	case "Cancelled":
		// nginx convention for client-closed requests
		return 499
	case "Shutdown":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errtypes.Kind(err)
	code := statusForKind(kind)
	if code >= http.StatusInternalServerError {
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{
		"error":   kind,
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
