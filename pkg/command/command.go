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

// Package command defines the command and result variants processed by
// the tenant single-writer loop, and the bounded channel that feeds it.
package command

import (
	"github.com/cs3org/arbor/pkg/errtypes"
)

// Type discriminates the command variants.
type Type string

// The exhaustive command set of the engine.
const (
	CreateUser              Type = "CreateUser"
	CreateGroup             Type = "CreateGroup"
	CreateRole              Type = "CreateRole"
	UpdateEntityName        Type = "UpdateEntityName"
	DeleteEntity            Type = "DeleteEntity"
	AddUserToGroup          Type = "AddUserToGroup"
	RemoveUserFromGroup     Type = "RemoveUserFromGroup"
	AddGroupToGroup         Type = "AddGroupToGroup"
	RemoveGroupFromGroup    Type = "RemoveGroupFromGroup"
	AssignUserToRole        Type = "AssignUserToRole"
	UnassignUserFromRole    Type = "UnassignUserFromRole"
	AddRoleToGroup          Type = "AddRoleToGroup"
	RemoveRoleFromGroup     Type = "RemoveRoleFromGroup"
	GrantPermission         Type = "GrantPermission"
	DenyPermission          Type = "DenyPermission"
	RevokePermission        Type = "RevokePermission"
	BulkPermissionUpdate    Type = "BulkPermissionUpdate"
	GetEntity               Type = "GetEntity"
	ListEntities            Type = "ListEntities"
	ListEntityPermissions   Type = "ListEntityPermissions"
	EvaluatePermission      Type = "EvaluatePermission"
	GetEffectivePermissions Type = "GetEffectivePermissions"
	ListResourcePermissions Type = "ListResourcePermissions"
	HealthCheck             Type = "HealthCheck"
	Shutdown                Type = "Shutdown"
)

var types = map[Type]struct{}{
	CreateUser: {}, CreateGroup: {}, CreateRole: {}, UpdateEntityName: {},
	DeleteEntity: {}, AddUserToGroup: {}, RemoveUserFromGroup: {},
	AddGroupToGroup: {}, RemoveGroupFromGroup: {}, AssignUserToRole: {},
	UnassignUserFromRole: {}, AddRoleToGroup: {}, RemoveRoleFromGroup: {},
	GrantPermission: {}, DenyPermission: {}, RevokePermission: {},
	BulkPermissionUpdate: {}, GetEntity: {}, ListEntities: {},
	ListEntityPermissions: {}, EvaluatePermission: {},
	GetEffectivePermissions: {}, ListResourcePermissions: {},
	HealthCheck: {}, Shutdown: {},
}

// ParseType validates a wire command type.
func ParseType(s string) (Type, error) {
	if _, ok := types[Type(s)]; !ok {
		return "", errtypes.InvalidArgument("command: unknown command type: " + s)
	}
	return Type(s), nil
}

// Mutating reports whether the command changes the graph.
func (t Type) Mutating() bool {
	switch t {
	case GetEntity, ListEntities, ListEntityPermissions, EvaluatePermission,
		GetEffectivePermissions, ListResourcePermissions, HealthCheck, Shutdown:
		return false
	}
	return true
}

// BulkAction is one operation inside a BulkPermissionUpdate.
type BulkAction string

// The bulk operation actions.
const (
	BulkGrant  BulkAction = "grant"
	BulkDeny   BulkAction = "deny"
	BulkRevoke BulkAction = "revoke"
)

// BulkOp is one entry of a bulk permission update.
type BulkOp struct {
	Action       BulkAction
	EntityID     int64
	PermissionID int64
	URI          string
	Verb         string
	Scheme       string
	ExpiryMillis int64
}

// Command is a single operation submitted to the tenant writer loop.
// Every variant uses a fixed subset of the fields; the wire codec in
// pkg/wire assigns each field a fixed tag.
type Command struct {
	Type Type

	// entity addressing
	EntityID int64
	TargetID int64 // parent group, role or group-of-group counterpart
	Name     string
	Kind     string // entity variant for ListEntities

	// permission fields
	PermissionID int64
	URI          string
	Verb         string
	Scheme       string
	ExpiryMillis int64 // unix milliseconds, 0 means no expiry

	// pagination
	Page     int32
	PageSize int32

	// bulk update
	Ops              []BulkOp
	Transactional    bool
	StopOnFirstError bool
}

// EntityInfo is the wire projection of an entity.
type EntityInfo struct {
	ID       int64
	Kind     string
	Name     string
	Parents  []int64
	Children []int64
}

// PermissionInfo is the wire projection of a permission.
type PermissionInfo struct {
	ID           int64
	EntityID     int64
	URI          string
	Verb         string
	Deny         bool
	Scheme       string
	ExpiryMillis int64
}

// TraceInfo is one considered match of an evaluation.
type TraceInfo struct {
	EntityID     int64
	PermissionID int64
	URI          string
	Verb         string
	Deny         bool
	Specificity  int64
	Distance     int32
	Selected     bool
}

// DecisionInfo is the wire projection of an evaluation decision.
type DecisionInfo struct {
	Allowed  bool
	Reason   string
	Trace    []TraceInfo
	Bindings map[string]string
}

// BulkResult is the per-operation outcome of a bulk update.
type BulkResult struct {
	Index        int32
	OK           bool
	PermissionID int64
	ErrorKind    string
	ErrorMessage string
}

// HealthInfo reports backend liveness and throughput counters.
type HealthInfo struct {
	Healthy             bool
	UptimeSeconds       uint64
	CommandsProcessed   uint64
	PersistenceDegraded bool
}

// Result carries the outcome of a successfully executed command. As
// with Command, each variant fills a fixed subset of the fields.
type Result struct {
	Entity      *EntityInfo
	Entities    []EntityInfo
	Total       int32
	Permissions []PermissionInfo
	Decision    *DecisionInfo
	Bulk        []BulkResult
	Health      *HealthInfo

	// PermissionID is set by Grant/Deny, EntityID by Create*.
	PermissionID int64
	EntityID     int64
}
