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

// Package hydrate loads a tenant graph from durable storage at process
// start, before the writer loop begins consuming commands. Snapshot
// corruption (cycles, capacity violations, dangling references) is a
// hard failure: the process must exit rather than serve a broken graph.
package hydrate

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/graph"
	"github.com/cs3org/arbor/pkg/store"
	"github.com/cs3org/arbor/pkg/wire"
)

// ErrCorrupt wraps hydration failures caused by invalid durable state.
// Callers exit with a distinct code so the supervisor can tell
// corruption from transient startup problems.
type ErrCorrupt struct {
	Reason error
}

func (e *ErrCorrupt) Error() string { return "hydrate: corrupt store: " + e.Reason.Error() }

// Unwrap exposes the underlying reason.
func (e *ErrCorrupt) Unwrap() error { return e.Reason }

// Load builds the tenant graph from the store snapshot and rebuilds the
// denormalized views. Ids are preserved; the id counter resumes past
// the highest loaded id.
func Load(ctx context.Context, st store.Store, tenant string) (*graph.Graph, error) {
	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "hydrate: loading snapshot")
	}
	g := graph.New(tenant)

	for _, e := range snap.Entities {
		kind, err := graph.ParseKind(e.Kind)
		if err != nil {
			return nil, &ErrCorrupt{Reason: err}
		}
		if _, err := g.InsertEntity(e.ID, kind, e.Name, e.Metadata); err != nil {
			return nil, &ErrCorrupt{Reason: err}
		}
	}

	for _, e := range snap.Edges {
		if err := g.Link(e.ParentID, e.ChildID); err != nil {
			return nil, &ErrCorrupt{Reason: err}
		}
	}

	for _, p := range snap.Permissions {
		verb, err := graph.ParseVerb(p.Verb)
		if err != nil {
			return nil, &ErrCorrupt{Reason: err}
		}
		scheme, err := graph.ParseScheme(p.Scheme)
		if err != nil {
			return nil, &ErrCorrupt{Reason: err}
		}
		var expiry *time.Time
		if p.ExpiryMillis != 0 {
			t := time.UnixMilli(p.ExpiryMillis)
			expiry = &t
		}
		if _, err := g.InsertPermission(p.ID, p.EntityID, p.URI, verb, p.Deny, scheme, expiry); err != nil {
			return nil, &ErrCorrupt{Reason: err}
		}
	}

	g.Rebuild()
	return g, nil
}

// Applier applies one decoded command to a graph under replay. The
// processor's engine satisfies it.
type Applier interface {
	Apply(cmd *command.Command, now time.Time) (*command.Result, *store.Change, error)
}

// Replay rebuilds graph state by applying the audit log, in append
// order, through the given applier. The audit log only records
// committed mutations, so a failing record means the log and the code
// disagree and the replay is aborted.
func Replay(ctx context.Context, st store.Store, applier Applier) error {
	records, err := st.LoadAudit(ctx)
	if err != nil {
		return errors.Wrap(err, "hydrate: loading audit log")
	}
	for _, rec := range records {
		typ, err := command.ParseType(rec.CommandType)
		if err != nil {
			return errors.Wrapf(err, "hydrate: audit seq %d", rec.Seq)
		}
		cmd, err := wire.UnmarshalCommand(rec.Payload)
		if err != nil {
			return errors.Wrapf(err, "hydrate: audit seq %d", rec.Seq)
		}
		cmd.Type = typ
		if _, _, err := applier.Apply(cmd, time.UnixMilli(rec.TimestampMillis)); err != nil {
			return errors.Wrapf(err, "hydrate: replaying audit seq %d (%s)", rec.Seq, rec.CommandType)
		}
	}
	return nil
}
