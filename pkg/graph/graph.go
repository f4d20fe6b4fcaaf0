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

// Package graph holds the in-memory authorization graph of one tenant:
// entities, parent/child edges and attached permissions, together with
// the denormalized views used by the hot query paths.
//
// The graph is not safe for concurrent use. All mutations and reads
// must happen on the tenant's single writer loop.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/uripattern"
)

// MaxChildren bounds the number of direct children per parent.
const MaxChildren = 100

// Graph is the per-tenant root container. Each tenant backend process
// owns exactly one Graph.
type Graph struct {
	tenant string

	entities    map[int64]*Entity
	permissions map[int64]*Permission
	nextID      int64
	version     uint64

	views *Views
}

// New returns an empty graph for the given tenant.
func New(tenant string) *Graph {
	return &Graph{
		tenant:      tenant,
		entities:    map[int64]*Entity{},
		permissions: map[int64]*Permission{},
		nextID:      1,
		views:       newViews(),
	}
}

// Tenant returns the tenant the graph belongs to.
func (g *Graph) Tenant() string { return g.tenant }

// Version is incremented on every mutation. Evaluation caches key on it.
func (g *Graph) Version() uint64 { return g.version }

// NextID returns the id the next created entity or permission will get.
func (g *Graph) NextID() int64 { return g.nextID }

// Views returns the denormalized views of the graph.
func (g *Graph) Views() *Views { return g.views }

// Entity returns the entity with the given id.
func (g *Graph) Entity(id int64) (*Entity, error) {
	e, ok := g.entities[id]
	if !ok {
		return nil, errtypes.NotFound("entity " + strconv.FormatInt(id, 10))
	}
	return e, nil
}

// Permission returns the permission with the given id.
func (g *Graph) Permission(id int64) (*Permission, error) {
	p, ok := g.permissions[id]
	if !ok {
		return nil, errtypes.NotFound("permission " + strconv.FormatInt(id, 10))
	}
	return p, nil
}

// Len returns the number of entities in the graph.
func (g *Graph) Len() int { return len(g.entities) }

func (g *Graph) allocID() int64 {
	id := g.nextID
	g.nextID++
	return id
}

func validName(name string) error {
	if name == "" {
		return errtypes.InvalidArgument("entity name must not be empty")
	}
	if len(name) > 255 {
		return errtypes.InvalidArgument("entity name exceeds 255 characters")
	}
	return nil
}

// AddEntity creates an entity of the given kind, assigns it the next id
// and registers it in the variant views.
func (g *Graph) AddEntity(kind Kind, name string) (*Entity, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	e := newEntity(g.allocID(), kind, name)
	g.entities[e.ID] = e
	g.views.addEntity(e)
	g.version++
	return e, nil
}

// InsertEntity inserts an entity with a fixed id during hydration. The
// id counter is pushed past the inserted id.
func (g *Graph) InsertEntity(id int64, kind Kind, name string, metadata map[string]string) (*Entity, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, ok := g.entities[id]; ok {
		return nil, errtypes.InvalidArgument("duplicate entity id " + strconv.FormatInt(id, 10))
	}
	e := newEntity(id, kind, name)
	e.Metadata = metadata
	g.entities[id] = e
	g.views.addEntity(e)
	if id >= g.nextID {
		g.nextID = id + 1
	}
	g.version++
	return e, nil
}

// RemoveEntity deletes the entity, detaching all its edges and
// permissions first so no view keeps a dangling reference.
func (g *Graph) RemoveEntity(id int64) error {
	e, err := g.Entity(id)
	if err != nil {
		return err
	}
	for pid, parent := range e.parents {
		delete(parent.children, id)
		delete(e.parents, pid)
	}
	for cid, child := range e.children {
		delete(child.parents, id)
		delete(e.children, cid)
	}
	for _, p := range e.Permissions() {
		g.detach(p)
	}
	delete(g.entities, id)
	g.views.removeEntity(e)
	g.version++
	return nil
}

// UpdateName renames the entity.
func (g *Graph) UpdateName(id int64, name string) error {
	e, err := g.Entity(id)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	e.Name = name
	g.version++
	return nil
}

func validRelation(parent, child *Entity) error {
	switch parent.Kind {
	case KindGroup:
		return nil
	case KindRole:
		if child.Kind == KindUser {
			return nil
		}
	case KindUser:
		// users are leaf nodes
	}
	return errtypes.InvalidArgument(fmt.Sprintf("a %s cannot be a parent of a %s", parent.Kind, child.Kind))
}

// Link adds the parent/child edge, updating both sides. It rejects
// unknown entities, invalid relations, full parents and edges that
// would close a cycle.
func (g *Graph) Link(parentID, childID int64) error {
	parent, err := g.Entity(parentID)
	if err != nil {
		return err
	}
	child, err := g.Entity(childID)
	if err != nil {
		return err
	}
	if parentID == childID {
		return errtypes.CyclicHierarchy("entity " + strconv.FormatInt(parentID, 10) + " cannot parent itself")
	}
	if err := validRelation(parent, child); err != nil {
		return err
	}
	if parent.HasChild(childID) {
		// linking twice is a no-op
		return nil
	}
	if len(parent.children) >= MaxChildren {
		return errtypes.CapacityExceeded(fmt.Sprintf("parent %d already has %d children", parentID, MaxChildren))
	}
	if g.reachable(child, parentID) {
		return errtypes.CyclicHierarchy(fmt.Sprintf("entity %d is a descendant of %d", parentID, childID))
	}
	parent.children[childID] = child
	child.parents[parentID] = parent
	g.version++
	return nil
}

// reachable walks the children of start looking for target.
func (g *Graph) reachable(start *Entity, target int64) bool {
	seen := map[int64]struct{}{start.ID: {}}
	stack := []*Entity{start}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.ID == target {
			return true
		}
		for id, c := range e.children {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				stack = append(stack, c)
			}
		}
	}
	return false
}

// Unlink removes the parent/child edge from both sides.
func (g *Graph) Unlink(parentID, childID int64) error {
	parent, err := g.Entity(parentID)
	if err != nil {
		return err
	}
	child, err := g.Entity(childID)
	if err != nil {
		return err
	}
	if !parent.HasChild(childID) {
		return errtypes.EdgeMissing(fmt.Sprintf("no edge from %d to %d", parentID, childID))
	}
	delete(parent.children, childID)
	delete(child.parents, parentID)
	g.version++
	return nil
}

// Attach creates a permission on the entity and registers it in the
// permission index and URI views.
func (g *Graph) Attach(entityID int64, uri string, verb Verb, deny bool, scheme Scheme, expiry *time.Time) (*Permission, error) {
	p := &Permission{
		EntityID: entityID,
		URI:      uri,
		Verb:     verb,
		Deny:     deny,
		Scheme:   scheme,
		Expiry:   expiry,
	}
	return g.attachWithID(g.nextID, p, true)
}

// InsertPermission attaches a permission with a fixed id during
// hydration.
func (g *Graph) InsertPermission(id int64, entityID int64, uri string, verb Verb, deny bool, scheme Scheme, expiry *time.Time) (*Permission, error) {
	if _, ok := g.permissions[id]; ok {
		return nil, errtypes.InvalidArgument("duplicate permission id " + strconv.FormatInt(id, 10))
	}
	p := &Permission{
		EntityID: entityID,
		URI:      uri,
		Verb:     verb,
		Deny:     deny,
		Scheme:   scheme,
		Expiry:   expiry,
	}
	return g.attachWithID(id, p, false)
}

func (g *Graph) attachWithID(id int64, p *Permission, alloc bool) (*Permission, error) {
	e, err := g.Entity(p.EntityID)
	if err != nil {
		return nil, err
	}
	pattern, err := uripattern.Compile(p.URI)
	if err != nil {
		return nil, err
	}
	if _, err := ParseVerb(string(p.Verb)); err != nil {
		return nil, err
	}
	if p.Scheme == SchemeExplicit {
		for _, q := range e.permissions {
			if q.Scheme == SchemeExplicit && q.URI == p.URI && q.Verb == p.Verb && q.Deny != p.Deny {
				return nil, errtypes.ConflictingPolarity(fmt.Sprintf("entity %d already holds the opposite polarity for %s %s", e.ID, p.Verb, p.URI))
			}
		}
	}
	p.ID = id
	p.pattern = pattern
	if alloc {
		g.allocID()
	} else if id >= g.nextID {
		g.nextID = id + 1
	}
	g.permissions[p.ID] = p
	e.permissions = append(e.permissions, p)
	g.views.addPermission(p)
	g.version++
	return p, nil
}

// Detach removes the permission from its entity and all views.
func (g *Graph) Detach(permissionID int64) error {
	p, err := g.Permission(permissionID)
	if err != nil {
		return err
	}
	g.detach(p)
	g.version++
	return nil
}

func (g *Graph) detach(p *Permission) {
	if e, ok := g.entities[p.EntityID]; ok {
		for i, q := range e.permissions {
			if q.ID == p.ID {
				e.permissions = append(e.permissions[:i], e.permissions[i+1:]...)
				break
			}
		}
	}
	delete(g.permissions, p.ID)
	g.views.removePermission(p)
}

// List returns one page of entities of the given kind ordered by id.
// Pages are 1-based.
func (g *Graph) List(kind Kind, page, pageSize int) ([]*Entity, int) {
	byID := g.views.byKind(kind)
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	total := len(ids)
	if page < 1 {
		page = 1
	}
	lo := (page - 1) * pageSize
	if lo >= total {
		return nil, total
	}
	hi := lo + pageSize
	if hi > total {
		hi = total
	}
	out := make([]*Entity, 0, hi-lo)
	for _, id := range ids[lo:hi] {
		out = append(out, byID[id])
	}
	return out, total
}

// Closure returns the ancestor closure of the entity: the entity itself
// at distance 0 plus every transitive parent at its minimal edge
// distance.
func (g *Graph) Closure(id int64) (map[int64]int, error) {
	e, err := g.Entity(id)
	if err != nil {
		return nil, err
	}
	dist := map[int64]int{e.ID: 0}
	queue := []*Entity{e}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for pid, parent := range cur.parents {
			if _, ok := dist[pid]; !ok {
				dist[pid] = dist[cur.ID] + 1
				queue = append(queue, parent)
			}
		}
	}
	return dist, nil
}
