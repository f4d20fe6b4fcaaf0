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

// Package sql implements the store contract on a SQL database. Both
// sqlite3 and mysql are supported; the driver name selects one. Each
// tenant gets its own database, so rows are never qualified by tenant.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	// database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pkg/errors"

	"github.com/cs3org/arbor/pkg/cfg"
	"github.com/cs3org/arbor/pkg/store"
	"github.com/cs3org/arbor/pkg/store/registry"
)

func init() {
	registry.Register("sql", New)
}

type config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

func (c *config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
}

type mgr struct {
	c  *config
	db *sql.DB
}

// New returns a SQL-backed store built from the given config map.
func New(ctx context.Context, m map[string]interface{}) (store.Store, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, c.Driver, c.DSN)
}

// NewFromConfig opens the database and ensures the schema exists.
func NewFromConfig(ctx context.Context, driver, dsn string) (store.Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sql: error opening %s database", driver)
	}
	m := &mgr{c: &config{Driver: driver, DSN: dsn}, db: db}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id BIGINT PRIMARY KEY,
		variant VARCHAR(16) NOT NULL,
		name VARCHAR(255) NOT NULL,
		metadata TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		parent_id BIGINT NOT NULL,
		child_id BIGINT NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id BIGINT PRIMARY KEY,
		entity_id BIGINT NOT NULL,
		uri VARCHAR(2048) NOT NULL,
		verb VARCHAR(8) NOT NULL,
		polarity VARCHAR(8) NOT NULL,
		scheme VARCHAR(16) NOT NULL,
		expiry BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts BIGINT NOT NULL,
		actor_user_id VARCHAR(64) NOT NULL,
		command_type VARCHAR(64) NOT NULL,
		payload BLOB,
		result_kind VARCHAR(32) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS applied_changes (
		change_id VARCHAR(64) PRIMARY KEY
	)`,
}

// mysql has no AUTOINCREMENT keyword
var mysqlSchemaFix = map[string]string{
	"INTEGER PRIMARY KEY AUTOINCREMENT": "BIGINT PRIMARY KEY AUTO_INCREMENT",
	"BLOB":                              "LONGBLOB",
}

func (m *mgr) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if m.c.Driver == "mysql" {
			for from, to := range mysqlSchemaFix {
				stmt = strings.ReplaceAll(stmt, from, to)
			}
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sql: error creating schema")
		}
	}
	return nil
}

func polarity(deny bool) string {
	if deny {
		return "deny"
	}
	return "grant"
}

// PersistChange applies the delta in one transaction, guarded by the
// change id for idempotency.
func (m *mgr) PersistChange(ctx context.Context, c *store.Change) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sql: error starting transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var seen int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM applied_changes WHERE change_id = ?", c.ID).Scan(&seen); err != nil {
		return errors.Wrap(err, "sql: error checking change id")
	}
	if seen > 0 {
		return nil
	}

	for _, e := range c.UpsertEntities {
		md, err := json.Marshal(e.Metadata)
		if err != nil {
			return errors.Wrap(err, "sql: error encoding metadata")
		}
		if _, err := tx.ExecContext(ctx,
			"REPLACE INTO entities (id, variant, name, metadata) VALUES (?, ?, ?, ?)",
			e.ID, e.Kind, e.Name, string(md)); err != nil {
			return errors.Wrap(err, "sql: error upserting entity")
		}
	}
	for _, id := range c.DeleteEntityIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
			return errors.Wrap(err, "sql: error deleting entity")
		}
	}
	for _, e := range c.AddEdges {
		if _, err := tx.ExecContext(ctx,
			"REPLACE INTO edges (parent_id, child_id) VALUES (?, ?)", e.ParentID, e.ChildID); err != nil {
			return errors.Wrap(err, "sql: error inserting edge")
		}
	}
	for _, e := range c.DeleteEdges {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM edges WHERE parent_id = ? AND child_id = ?", e.ParentID, e.ChildID); err != nil {
			return errors.Wrap(err, "sql: error deleting edge")
		}
	}
	for _, p := range c.UpsertPermissions {
		if _, err := tx.ExecContext(ctx,
			"REPLACE INTO permissions (id, entity_id, uri, verb, polarity, scheme, expiry) VALUES (?, ?, ?, ?, ?, ?, ?)",
			p.ID, p.EntityID, p.URI, p.Verb, polarity(p.Deny), p.Scheme, p.ExpiryMillis); err != nil {
			return errors.Wrap(err, "sql: error upserting permission")
		}
	}
	for _, id := range c.DeletePermissions {
		if _, err := tx.ExecContext(ctx, "DELETE FROM permissions WHERE id = ?", id); err != nil {
			return errors.Wrap(err, "sql: error deleting permission")
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO applied_changes (change_id) VALUES (?)", c.ID); err != nil {
		return errors.Wrap(err, "sql: error recording change id")
	}
	return errors.Wrap(tx.Commit(), "sql: error committing change")
}

// AppendAudit appends one audit row.
func (m *mgr) AppendAudit(ctx context.Context, r *store.AuditRecord) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO audit_log (ts, actor_user_id, command_type, payload, result_kind) VALUES (?, ?, ?, ?, ?)",
		r.TimestampMillis, r.Actor, r.CommandType, r.Payload, r.ResultKind)
	return errors.Wrap(err, "sql: error appending audit record")
}

// LoadSnapshot reads all tenant collections.
func (m *mgr) LoadSnapshot(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{}

	rows, err := m.db.QueryContext(ctx, "SELECT id, variant, name, metadata FROM entities ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "sql: error loading entities")
	}
	defer rows.Close()
	for rows.Next() {
		var e store.EntityRecord
		var md string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &md); err != nil {
			return nil, errors.Wrap(err, "sql: error scanning entity")
		}
		if md != "" && md != "null" {
			if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
				return nil, errors.Wrap(err, "sql: error decoding metadata")
			}
		}
		snap.Entities = append(snap.Entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql: error iterating entities")
	}

	erows, err := m.db.QueryContext(ctx, "SELECT parent_id, child_id FROM edges ORDER BY parent_id, child_id")
	if err != nil {
		return nil, errors.Wrap(err, "sql: error loading edges")
	}
	defer erows.Close()
	for erows.Next() {
		var e store.EdgeRecord
		if err := erows.Scan(&e.ParentID, &e.ChildID); err != nil {
			return nil, errors.Wrap(err, "sql: error scanning edge")
		}
		snap.Edges = append(snap.Edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql: error iterating edges")
	}

	prows, err := m.db.QueryContext(ctx, "SELECT id, entity_id, uri, verb, polarity, scheme, expiry FROM permissions ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "sql: error loading permissions")
	}
	defer prows.Close()
	for prows.Next() {
		var p store.PermissionRecord
		var pol string
		if err := prows.Scan(&p.ID, &p.EntityID, &p.URI, &p.Verb, &pol, &p.Scheme, &p.ExpiryMillis); err != nil {
			return nil, errors.Wrap(err, "sql: error scanning permission")
		}
		p.Deny = pol == "deny"
		snap.Permissions = append(snap.Permissions, p)
	}
	if err := prows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql: error iterating permissions")
	}

	return snap, nil
}

// LoadAudit reads the audit log in sequence order.
func (m *mgr) LoadAudit(ctx context.Context) ([]*store.AuditRecord, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT seq, ts, actor_user_id, command_type, payload, result_kind FROM audit_log ORDER BY seq")
	if err != nil {
		return nil, errors.Wrap(err, "sql: error loading audit log")
	}
	defer rows.Close()
	var out []*store.AuditRecord
	for rows.Next() {
		var r store.AuditRecord
		if err := rows.Scan(&r.Seq, &r.TimestampMillis, &r.Actor, &r.CommandType, &r.Payload, &r.ResultKind); err != nil {
			return nil, errors.Wrap(err, "sql: error scanning audit record")
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql: error iterating audit log")
	}
	return out, nil
}

// Close closes the database.
func (m *mgr) Close() error { return m.db.Close() }
