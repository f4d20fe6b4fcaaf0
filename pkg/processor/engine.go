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

// Package processor runs the per-tenant single-writer loop: it is the
// only execution context that mutates the tenant graph. RPC handlers
// enqueue commands into the bounded channel and await their reply
// handle; the loop dequeues, applies, persists write-behind and
// signals the handle.
package processor

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/graph"
	"github.com/cs3org/arbor/pkg/resolver"
	"github.com/cs3org/arbor/pkg/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Engine applies commands to a tenant graph. It carries no channel or
// storage: Apply is a pure state transition returning the durable delta
// of the mutation, which makes it reusable for audit replay.
type Engine struct {
	g   *graph.Graph
	res *resolver.Resolver
}

// NewEngine returns an engine over the given graph.
func NewEngine(g *graph.Graph, res *resolver.Resolver) *Engine {
	return &Engine{g: g, res: res}
}

// Graph returns the underlying tenant graph.
func (e *Engine) Graph() *graph.Graph { return e.g }

func (e *Engine) newChange() *store.Change {
	return &store.Change{ID: uuid.NewString(), Tenant: e.g.Tenant()}
}

func entityRecord(en *graph.Entity) store.EntityRecord {
	return store.EntityRecord{
		ID:       en.ID,
		Kind:     en.Kind.String(),
		Name:     en.Name,
		Metadata: en.Metadata,
	}
}

func permissionRecord(p *graph.Permission) store.PermissionRecord {
	r := store.PermissionRecord{
		ID:       p.ID,
		EntityID: p.EntityID,
		URI:      p.URI,
		Verb:     string(p.Verb),
		Deny:     p.Deny,
		Scheme:   p.Scheme.String(),
	}
	if p.Expiry != nil {
		r.ExpiryMillis = p.Expiry.UnixMilli()
	}
	return r
}

func entityInfo(en *graph.Entity) *command.EntityInfo {
	parents, children := en.Parents(), en.Children()
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	return &command.EntityInfo{
		ID:       en.ID,
		Kind:     en.Kind.String(),
		Name:     en.Name,
		Parents:  parents,
		Children: children,
	}
}

func permissionInfo(p *graph.Permission) command.PermissionInfo {
	info := command.PermissionInfo{
		ID:       p.ID,
		EntityID: p.EntityID,
		URI:      p.URI,
		Verb:     string(p.Verb),
		Deny:     p.Deny,
		Scheme:   p.Scheme.String(),
	}
	if p.Expiry != nil {
		info.ExpiryMillis = p.Expiry.UnixMilli()
	}
	return info
}

func expiryFromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// Apply executes one command against the graph. For mutations it
// returns the durable delta alongside the result; queries return a nil
// change. HealthCheck and Shutdown are handled by the loop, not here.
func (e *Engine) Apply(cmd *command.Command, now time.Time) (*command.Result, *store.Change, error) {
	switch cmd.Type {
	case command.CreateUser:
		return e.createEntity(graph.KindUser, cmd.Name, 0)
	case command.CreateGroup:
		return e.createEntity(graph.KindGroup, cmd.Name, cmd.TargetID)
	case command.CreateRole:
		return e.createEntity(graph.KindRole, cmd.Name, cmd.TargetID)
	case command.UpdateEntityName:
		return e.updateName(cmd.EntityID, cmd.Name)
	case command.DeleteEntity:
		return e.deleteEntity(cmd.EntityID)
	case command.AddUserToGroup:
		return e.link(cmd.TargetID, cmd.EntityID, graph.KindGroup, graph.KindUser)
	case command.RemoveUserFromGroup:
		return e.unlink(cmd.TargetID, cmd.EntityID)
	case command.AddGroupToGroup:
		return e.link(cmd.TargetID, cmd.EntityID, graph.KindGroup, graph.KindGroup)
	case command.RemoveGroupFromGroup:
		return e.unlink(cmd.TargetID, cmd.EntityID)
	case command.AssignUserToRole:
		return e.link(cmd.TargetID, cmd.EntityID, graph.KindRole, graph.KindUser)
	case command.UnassignUserFromRole:
		return e.unlink(cmd.TargetID, cmd.EntityID)
	case command.AddRoleToGroup:
		return e.link(cmd.TargetID, cmd.EntityID, graph.KindGroup, graph.KindRole)
	case command.RemoveRoleFromGroup:
		return e.unlink(cmd.TargetID, cmd.EntityID)
	case command.GrantPermission:
		return e.attach(cmd, false)
	case command.DenyPermission:
		return e.attach(cmd, true)
	case command.RevokePermission:
		return e.revoke(cmd.PermissionID)
	case command.BulkPermissionUpdate:
		return e.bulk(cmd)
	case command.GetEntity:
		return e.getEntity(cmd.EntityID)
	case command.ListEntities:
		return e.listEntities(cmd.Kind, cmd.Page, cmd.PageSize)
	case command.ListEntityPermissions:
		return e.listEntityPermissions(cmd.EntityID)
	case command.EvaluatePermission:
		return e.evaluate(cmd.EntityID, cmd.URI, cmd.Verb)
	case command.GetEffectivePermissions:
		return e.effective(cmd.EntityID, now)
	case command.ListResourcePermissions:
		return e.listResourcePermissions(cmd.URI)
	}
	return nil, nil, errtypes.InvalidArgument("processor: unsupported command type " + string(cmd.Type))
}

func (e *Engine) createEntity(kind graph.Kind, name string, parentID int64) (*command.Result, *store.Change, error) {
	en, err := e.g.AddEntity(kind, name)
	if err != nil {
		return nil, nil, err
	}
	if parentID != 0 {
		if err := e.g.Link(parentID, en.ID); err != nil {
			// undo the creation so a failed link leaves no orphan
			_ = e.g.RemoveEntity(en.ID)
			return nil, nil, err
		}
	}
	c := e.newChange()
	c.UpsertEntities = append(c.UpsertEntities, entityRecord(en))
	if parentID != 0 {
		c.AddEdges = append(c.AddEdges, store.EdgeRecord{ParentID: parentID, ChildID: en.ID})
	}
	return &command.Result{EntityID: en.ID, Entity: entityInfo(en)}, c, nil
}

func (e *Engine) updateName(id int64, name string) (*command.Result, *store.Change, error) {
	if err := e.g.UpdateName(id, name); err != nil {
		return nil, nil, err
	}
	en, err := e.g.Entity(id)
	if err != nil {
		return nil, nil, err
	}
	c := e.newChange()
	c.UpsertEntities = append(c.UpsertEntities, entityRecord(en))
	return &command.Result{Entity: entityInfo(en)}, c, nil
}

func (e *Engine) deleteEntity(id int64) (*command.Result, *store.Change, error) {
	en, err := e.g.Entity(id)
	if err != nil {
		return nil, nil, err
	}

	// capture the rows the removal will detach
	c := e.newChange()
	c.DeleteEntityIDs = append(c.DeleteEntityIDs, id)
	for _, p := range en.Parents() {
		c.DeleteEdges = append(c.DeleteEdges, store.EdgeRecord{ParentID: p, ChildID: id})
	}
	for _, ch := range en.Children() {
		c.DeleteEdges = append(c.DeleteEdges, store.EdgeRecord{ParentID: id, ChildID: ch})
	}
	for _, p := range en.Permissions() {
		c.DeletePermissions = append(c.DeletePermissions, p.ID)
	}

	if err := e.g.RemoveEntity(id); err != nil {
		return nil, nil, err
	}
	return &command.Result{EntityID: id}, c, nil
}

func (e *Engine) checkKind(id int64, want graph.Kind) error {
	en, err := e.g.Entity(id)
	if err != nil {
		return err
	}
	if en.Kind != want {
		return errtypes.InvalidArgument("processor: entity " + en.Name + " is not a " + want.String())
	}
	return nil
}

func (e *Engine) link(parentID, childID int64, parentKind, childKind graph.Kind) (*command.Result, *store.Change, error) {
	if err := e.checkKind(parentID, parentKind); err != nil {
		return nil, nil, err
	}
	if err := e.checkKind(childID, childKind); err != nil {
		return nil, nil, err
	}
	if err := e.g.Link(parentID, childID); err != nil {
		return nil, nil, err
	}
	c := e.newChange()
	c.AddEdges = append(c.AddEdges, store.EdgeRecord{ParentID: parentID, ChildID: childID})
	return &command.Result{}, c, nil
}

func (e *Engine) unlink(parentID, childID int64) (*command.Result, *store.Change, error) {
	if err := e.g.Unlink(parentID, childID); err != nil {
		return nil, nil, err
	}
	c := e.newChange()
	c.DeleteEdges = append(c.DeleteEdges, store.EdgeRecord{ParentID: parentID, ChildID: childID})
	return &command.Result{}, c, nil
}

func (e *Engine) attachOne(entityID int64, uri, verb, scheme string, expiryMillis int64, deny bool) (*graph.Permission, error) {
	v, err := graph.ParseVerb(verb)
	if err != nil {
		return nil, err
	}
	s := graph.SchemeExplicit
	if scheme != "" {
		if s, err = graph.ParseScheme(scheme); err != nil {
			return nil, err
		}
	}
	return e.g.Attach(entityID, uri, v, deny, s, expiryFromMillis(expiryMillis))
}

func (e *Engine) attach(cmd *command.Command, deny bool) (*command.Result, *store.Change, error) {
	p, err := e.attachOne(cmd.EntityID, cmd.URI, cmd.Verb, cmd.Scheme, cmd.ExpiryMillis, deny)
	if err != nil {
		return nil, nil, err
	}
	c := e.newChange()
	c.UpsertPermissions = append(c.UpsertPermissions, permissionRecord(p))
	return &command.Result{PermissionID: p.ID}, c, nil
}

func (e *Engine) revoke(permissionID int64) (*command.Result, *store.Change, error) {
	if _, err := e.g.Permission(permissionID); err != nil {
		return nil, nil, err
	}
	if err := e.g.Detach(permissionID); err != nil {
		return nil, nil, err
	}
	c := e.newChange()
	c.DeletePermissions = append(c.DeletePermissions, permissionID)
	return &command.Result{PermissionID: permissionID}, c, nil
}

// bulk applies the operations in order. With transactional=true any
// failure reverts every staged mutation in reverse order and nothing is
// persisted; the per-operation results are reported either way.
func (e *Engine) bulk(cmd *command.Command) (*command.Result, *store.Change, error) {
	c := e.newChange()
	var undo []func()
	results := make([]command.BulkResult, 0, len(cmd.Ops))
	failed := false

	for i := range cmd.Ops {
		op := &cmd.Ops[i]
		res := command.BulkResult{Index: int32(i)}

		var err error
		switch op.Action {
		case command.BulkGrant, command.BulkDeny:
			var p *graph.Permission
			p, err = e.attachOne(op.EntityID, op.URI, op.Verb, op.Scheme, op.ExpiryMillis, op.Action == command.BulkDeny)
			if err == nil {
				res.OK = true
				res.PermissionID = p.ID
				c.UpsertPermissions = append(c.UpsertPermissions, permissionRecord(p))
				undo = append(undo, func() { _ = e.g.Detach(p.ID) })
			}
		case command.BulkRevoke:
			var p *graph.Permission
			p, err = e.g.Permission(op.PermissionID)
			if err == nil {
				err = e.g.Detach(p.ID)
			}
			if err == nil {
				res.OK = true
				res.PermissionID = p.ID
				c.DeletePermissions = append(c.DeletePermissions, p.ID)
				rec := *p
				undo = append(undo, func() {
					_, _ = e.g.InsertPermission(rec.ID, rec.EntityID, rec.URI, rec.Verb, rec.Deny, rec.Scheme, rec.Expiry)
				})
			}
		default:
			err = errtypes.InvalidArgument("processor: unknown bulk action " + string(op.Action))
		}

		if err != nil {
			failed = true
			res.ErrorKind = errtypes.Kind(err)
			res.ErrorMessage = err.Error()
		}
		results = append(results, res)

		if err != nil && cmd.StopOnFirstError {
			break
		}
	}

	if failed && cmd.Transactional {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return &command.Result{Bulk: results}, nil, nil
	}
	return &command.Result{Bulk: results}, c, nil
}

func (e *Engine) getEntity(id int64) (*command.Result, *store.Change, error) {
	en, err := e.g.Entity(id)
	if err != nil {
		return nil, nil, err
	}
	return &command.Result{Entity: entityInfo(en)}, nil, nil
}

func (e *Engine) listEntities(kind string, page, pageSize int32) (*command.Result, *store.Change, error) {
	k, err := graph.ParseKind(kind)
	if err != nil {
		return nil, nil, err
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	entities, total := e.g.List(k, int(page), int(pageSize))
	res := &command.Result{Total: int32(total)}
	for _, en := range entities {
		res.Entities = append(res.Entities, *entityInfo(en))
	}
	return res, nil, nil
}

func (e *Engine) listEntityPermissions(id int64) (*command.Result, *store.Change, error) {
	en, err := e.g.Entity(id)
	if err != nil {
		return nil, nil, err
	}
	res := &command.Result{}
	for _, p := range en.Permissions() {
		res.Permissions = append(res.Permissions, permissionInfo(p))
	}
	res.Total = int32(len(res.Permissions))
	return res, nil, nil
}

func decisionInfo(d *resolver.Decision) *command.DecisionInfo {
	info := &command.DecisionInfo{
		Allowed:  d.Allowed,
		Reason:   d.Reason,
		Bindings: d.Bindings,
	}
	for _, t := range d.Trace {
		info.Trace = append(info.Trace, command.TraceInfo{
			EntityID:     t.EntityID,
			PermissionID: t.PermissionID,
			URI:          t.URI,
			Verb:         string(t.Verb),
			Deny:         t.Deny,
			Specificity:  int64(t.Specificity),
			Distance:     int32(t.Distance),
			Selected:     t.Selected,
		})
	}
	return info
}

func (e *Engine) evaluate(entityID int64, uri, verb string) (*command.Result, *store.Change, error) {
	v, err := graph.ParseVerb(verb)
	if err != nil {
		return nil, nil, err
	}
	d, err := e.res.Evaluate(e.g, entityID, uri, v)
	if err != nil {
		return nil, nil, err
	}
	return &command.Result{Decision: decisionInfo(d)}, nil, nil
}

func (e *Engine) effective(entityID int64, now time.Time) (*command.Result, *store.Change, error) {
	flat, err := resolver.EffectivePermissions(e.g, entityID, now)
	if err != nil {
		return nil, nil, err
	}
	res := &command.Result{}
	for _, f := range flat {
		info := command.PermissionInfo{
			ID:       f.PermissionID,
			EntityID: f.EntityID,
			URI:      f.URI,
			Verb:     string(f.Verb),
			Deny:     f.Deny,
		}
		if p, err := e.g.Permission(f.PermissionID); err == nil {
			info.Scheme = p.Scheme.String()
			if p.Expiry != nil {
				info.ExpiryMillis = p.Expiry.UnixMilli()
			}
		}
		res.Permissions = append(res.Permissions, info)
	}
	res.Total = int32(len(res.Permissions))
	return res, nil, nil
}

func (e *Engine) listResourcePermissions(uri string) (*command.Result, *store.Change, error) {
	r := e.g.Views().Resource(uri)
	if r == nil {
		return nil, nil, errtypes.NotFound("resource " + uri)
	}
	res := &command.Result{}
	for _, pid := range r.Permissions {
		p, err := e.g.Permission(pid)
		if err != nil {
			return nil, nil, errtypes.InternalError(err.Error())
		}
		res.Permissions = append(res.Permissions, permissionInfo(p))
	}
	res.Total = int32(len(res.Permissions))
	return res, nil, nil
}
