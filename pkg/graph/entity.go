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
	"time"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/uripattern"
)

// Kind discriminates the entity variants of the authorization graph.
type Kind int

const (
	// KindUser is a user entity. Users are always leaf nodes.
	KindUser Kind = iota
	// KindGroup is a group entity. Groups may parent users, roles and
	// other groups.
	KindGroup
	// KindRole is a role entity. Roles may parent users and be children
	// of groups.
	KindRole
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindRole:
		return "role"
	}
	return "unknown"
}

// ParseKind parses the string form produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "user":
		return KindUser, nil
	case "group":
		return KindGroup, nil
	case "role":
		return KindRole, nil
	}
	return 0, errtypes.InvalidArgument("graph: unknown entity kind: " + s)
}

// Verb is an HTTP verb a permission applies to. The wildcard verb
// matches any verb during evaluation.
type Verb string

// The verbs a permission can be attached for.
const (
	VerbGet     Verb = "GET"
	VerbPost    Verb = "POST"
	VerbPut     Verb = "PUT"
	VerbDelete  Verb = "DELETE"
	VerbPatch   Verb = "PATCH"
	VerbHead    Verb = "HEAD"
	VerbOptions Verb = "OPTIONS"
	VerbAny     Verb = "*"
)

// ParseVerb validates and returns the verb for its wire form.
func ParseVerb(s string) (Verb, error) {
	switch Verb(s) {
	case VerbGet, VerbPost, VerbPut, VerbDelete, VerbPatch, VerbHead, VerbOptions, VerbAny:
		return Verb(s), nil
	}
	return "", errtypes.InvalidArgument("graph: unknown verb: " + s)
}

// Matches reports whether a permission attached for verb v applies to
// requested.
func (v Verb) Matches(requested Verb) bool {
	return v == VerbAny || v == requested
}

// Scheme classifies the origin of a permission. Only explicit
// permissions are stored; inherited ones are computed by walking
// ancestors at evaluation time.
type Scheme int

const (
	// SchemeExplicit marks a permission attached directly to an entity.
	SchemeExplicit Scheme = iota
	// SchemeInherited is reserved for materialized inheritance.
	SchemeInherited
	// SchemePattern is reserved for pattern-derived permissions.
	SchemePattern
)

func (s Scheme) String() string {
	switch s {
	case SchemeExplicit:
		return "explicit"
	case SchemeInherited:
		return "inherited"
	case SchemePattern:
		return "pattern"
	}
	return "unknown"
}

// ParseScheme parses the string form produced by Scheme.String.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "explicit":
		return SchemeExplicit, nil
	case "inherited":
		return SchemeInherited, nil
	case "pattern":
		return SchemePattern, nil
	}
	return 0, errtypes.InvalidArgument("graph: unknown scheme: " + s)
}

// Permission is a grant or deny of (URI pattern, verb) attached to
// exactly one entity.
type Permission struct {
	ID       int64
	EntityID int64
	URI      string
	Verb     Verb
	Deny     bool
	Scheme   Scheme
	Expiry   *time.Time

	pattern *uripattern.Pattern
}

// Pattern returns the compiled URI pattern of the permission.
func (p *Permission) Pattern() *uripattern.Pattern { return p.pattern }

// Expired reports whether the permission is past its expiry at now.
func (p *Permission) Expired(now time.Time) bool {
	return p.Expiry != nil && p.Expiry.Before(now)
}

// Entity is a node in the authorization graph: a user, group or role.
// Parent and child sets are kept symmetric by the graph operations.
type Entity struct {
	ID       int64
	Kind     Kind
	Name     string
	Metadata map[string]string

	parents     map[int64]*Entity
	children    map[int64]*Entity
	permissions []*Permission
}

func newEntity(id int64, kind Kind, name string) *Entity {
	return &Entity{
		ID:       id,
		Kind:     kind,
		Name:     name,
		parents:  map[int64]*Entity{},
		children: map[int64]*Entity{},
	}
}

// Parents returns the ids of the direct parents of the entity.
func (e *Entity) Parents() []int64 {
	ids := make([]int64, 0, len(e.parents))
	for id := range e.parents {
		ids = append(ids, id)
	}
	return ids
}

// Children returns the ids of the direct children of the entity.
func (e *Entity) Children() []int64 {
	ids := make([]int64, 0, len(e.children))
	for id := range e.children {
		ids = append(ids, id)
	}
	return ids
}

// HasChild reports whether child is a direct child of the entity.
func (e *Entity) HasChild(child int64) bool {
	_, ok := e.children[child]
	return ok
}

// Permissions returns the permissions attached to the entity in
// attachment order.
func (e *Entity) Permissions() []*Permission {
	return append([]*Permission(nil), e.permissions...)
}
