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

// Package resolver answers hierarchical permission queries against a
// tenant graph: it walks the ancestor closure of the queried entity,
// collects the permissions matching the URI and verb, ranks them by
// specificity and distance and applies deny-wins at equal rank.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/bluele/gcache"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/graph"
)

// MaxTrace bounds the number of matches one evaluation may consider.
const MaxTrace = 1024

// ReasonNoPermission is set on denials caused by the absence of any
// matching permission.
const ReasonNoPermission = "NoPermission"

// TraceEntry records one considered match for observability and
// conflict diagnosis.
type TraceEntry struct {
	EntityID     int64
	PermissionID int64
	URI          string
	Verb         graph.Verb
	Deny         bool
	Specificity  int
	Distance     int
	Selected     bool
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed  bool
	Reason   string
	Trace    []TraceEntry
	Bindings map[string]string
}

// Resolver evaluates permission queries. Decisions are memoized in an
// LRU keyed by the graph version, so any mutation naturally invalidates
// the cache.
type Resolver struct {
	cache gcache.Cache
}

// New returns a resolver with a decision cache of the given size.
func New(cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	return &Resolver{
		cache: gcache.New(cacheSize).LRU().Build(),
	}
}

type cached struct {
	decision *Decision
	// decisions that considered expiring permissions are time dependent
	// and must not be cached
	cacheable bool
}

// Evaluate answers (entity, uri, verb) against the graph at the current
// time.
func (r *Resolver) Evaluate(g *graph.Graph, entityID int64, uri string, verb graph.Verb) (*Decision, error) {
	key := fmt.Sprintf("%d|%d|%s|%s", g.Version(), entityID, uri, verb)
	if v, err := r.cache.Get(key); err == nil {
		return v.(cached).decision, nil
	}
	d, cacheable, err := EvaluateAt(g, entityID, uri, verb, time.Now())
	if err != nil {
		return nil, err
	}
	if cacheable {
		_ = r.cache.Set(key, cached{decision: d, cacheable: true})
	}
	return d, nil
}

// EvaluateAt is the pure evaluation function: same graph state and
// inputs always yield the same decision, and the graph is not mutated.
// The returned bool reports whether the decision is time independent.
func EvaluateAt(g *graph.Graph, entityID int64, uri string, verb graph.Verb, now time.Time) (*Decision, bool, error) {
	closure, err := g.Closure(entityID)
	if err != nil {
		return nil, false, err
	}

	type match struct {
		entry   TraceEntry
		perm    *graph.Permission
		binding map[string]string
	}
	var matches []match
	timeless := true

	// deterministic entity order: distance, then id
	ids := make([]int64, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if closure[ids[i]] != closure[ids[j]] {
			return closure[ids[i]] < closure[ids[j]]
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		e, err := g.Entity(id)
		if err != nil {
			// closure entries come from the graph itself
			return nil, false, errtypes.InternalError(err.Error())
		}
		for _, p := range e.Permissions() {
			if !p.Verb.Matches(verb) {
				continue
			}
			if p.Expiry != nil {
				timeless = false
				if p.Expired(now) {
					continue
				}
			}
			ok, bindings := p.Pattern().Match(uri)
			if !ok {
				continue
			}
			if len(matches) >= MaxTrace {
				return nil, false, errtypes.TraceOverflow(fmt.Sprintf("evaluation of %s %s for entity %d considered more than %d matches", verb, uri, entityID, MaxTrace))
			}
			matches = append(matches, match{
				entry: TraceEntry{
					EntityID:     id,
					PermissionID: p.ID,
					URI:          p.URI,
					Verb:         p.Verb,
					Deny:         p.Deny,
					Specificity:  p.Pattern().Specificity(),
					Distance:     closure[id],
				},
				perm:    p,
				binding: bindings,
			})
		}
	}

	d := &Decision{}
	if len(matches) == 0 {
		d.Reason = ReasonNoPermission
		return d, timeless, nil
	}

	best := 0
	for i := 1; i < len(matches); i++ {
		if betterMatch(matches[i].entry, matches[best].entry) {
			best = i
		}
	}
	matches[best].entry.Selected = true

	d.Allowed = !matches[best].perm.Deny
	if matches[best].perm.Deny {
		d.Reason = "ExplicitDeny"
	} else {
		d.Reason = "ExplicitGrant"
	}
	d.Bindings = matches[best].binding
	d.Trace = make([]TraceEntry, 0, len(matches))
	for _, m := range matches {
		d.Trace = append(d.Trace, m.entry)
	}
	return d, timeless, nil
}

// betterMatch reports whether a outranks b: higher specificity first,
// then smaller distance, then deny over grant.
func betterMatch(a, b TraceEntry) bool {
	if a.Specificity != b.Specificity {
		return a.Specificity > b.Specificity
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Deny && !b.Deny
}

// Effective is one entry of the flattened permission set of an entity.
type Effective struct {
	URI          string
	Verb         graph.Verb
	Deny         bool
	EntityID     int64
	PermissionID int64
	Distance     int
}

// EffectivePermissions flattens the ancestor-closure permissions of the
// entity, deduplicated by URI and verb with deny-wins at equal rank.
func EffectivePermissions(g *graph.Graph, entityID int64, now time.Time) ([]Effective, error) {
	closure, err := g.Closure(entityID)
	if err != nil {
		return nil, err
	}

	type slot struct {
		entry TraceEntry
	}
	winners := map[string]slot{}
	for id, dist := range closure {
		e, err := g.Entity(id)
		if err != nil {
			return nil, errtypes.InternalError(err.Error())
		}
		for _, p := range e.Permissions() {
			if p.Expired(now) {
				continue
			}
			key := p.URI + "|" + string(p.Verb)
			entry := TraceEntry{
				EntityID:     id,
				PermissionID: p.ID,
				URI:          p.URI,
				Verb:         p.Verb,
				Deny:         p.Deny,
				Specificity:  p.Pattern().Specificity(),
				Distance:     dist,
			}
			cur, ok := winners[key]
			if !ok || betterMatch(entry, cur.entry) {
				winners[key] = slot{entry: entry}
			}
		}
	}

	out := make([]Effective, 0, len(winners))
	for _, s := range winners {
		out = append(out, Effective{
			URI:          s.entry.URI,
			Verb:         s.entry.Verb,
			Deny:         s.entry.Deny,
			EntityID:     s.entry.EntityID,
			PermissionID: s.entry.PermissionID,
			Distance:     s.entry.Distance,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URI != out[j].URI {
			return out[i].URI < out[j].URI
		}
		return out[i].Verb < out[j].Verb
	})
	return out, nil
}
