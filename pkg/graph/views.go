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
	radix "github.com/armon/go-radix"
)

// Resource is the record kept per distinct URI pattern referenced by at
// least one permission. It is created on the first grant naming the URI
// and dropped when the last permission referencing it is revoked.
type Resource struct {
	URI         string
	Refs        int
	Permissions []int64
}

// Views are the denormalized projections over the graph. They are
// owned by the graph and updated in lockstep with it on the single
// writer loop; no cross-tenant or process-global state is involved.
type Views struct {
	users  map[int64]*Entity
	groups map[int64]*Entity
	roles  map[int64]*Entity

	// resources indexes Resource records by URI. The radix tree gives
	// exact lookups and ordered prefix walks for resource listings.
	resources *radix.Tree
}

func newViews() *Views {
	return &Views{
		users:     map[int64]*Entity{},
		groups:    map[int64]*Entity{},
		roles:     map[int64]*Entity{},
		resources: radix.New(),
	}
}

func (v *Views) byKind(kind Kind) map[int64]*Entity {
	switch kind {
	case KindUser:
		return v.users
	case KindGroup:
		return v.groups
	default:
		return v.roles
	}
}

func (v *Views) addEntity(e *Entity) {
	v.byKind(e.Kind)[e.ID] = e
}

func (v *Views) removeEntity(e *Entity) {
	delete(v.byKind(e.Kind), e.ID)
}

func (v *Views) addPermission(p *Permission) {
	var res *Resource
	if cur, ok := v.resources.Get(p.URI); ok {
		res = cur.(*Resource)
	} else {
		res = &Resource{URI: p.URI}
		v.resources.Insert(p.URI, res)
	}
	res.Refs++
	res.Permissions = append(res.Permissions, p.ID)
}

func (v *Views) removePermission(p *Permission) {
	cur, ok := v.resources.Get(p.URI)
	if !ok {
		return
	}
	res := cur.(*Resource)
	for i, id := range res.Permissions {
		if id == p.ID {
			res.Permissions = append(res.Permissions[:i], res.Permissions[i+1:]...)
			break
		}
	}
	res.Refs--
	if res.Refs <= 0 {
		v.resources.Delete(p.URI)
	}
}

// Resource returns the resource record for the exact URI, or nil.
func (v *Views) Resource(uri string) *Resource {
	if cur, ok := v.resources.Get(uri); ok {
		return cur.(*Resource)
	}
	return nil
}

// WalkResources visits every resource whose URI starts with prefix, in
// lexical order.
func (v *Views) WalkResources(prefix string, fn func(*Resource) bool) {
	v.resources.WalkPrefix(prefix, func(_ string, cur interface{}) bool {
		return fn(cur.(*Resource))
	})
}

// CountByKind returns the sizes of the variant-partitioned maps.
func (v *Views) CountByKind() (users, groups, roles int) {
	return len(v.users), len(v.groups), len(v.roles)
}

// Rebuild recomputes every projection from the domain graph. It is
// invoked once after hydration; afterwards the graph operations keep
// the views congruent incrementally.
func (g *Graph) Rebuild() {
	v := newViews()
	for _, e := range g.entities {
		v.addEntity(e)
		for _, p := range e.permissions {
			v.addPermission(p)
		}
	}
	g.views = v
}
