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

package processor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/graph"
	"github.com/cs3org/arbor/pkg/metrics"
	"github.com/cs3org/arbor/pkg/store"
	"github.com/cs3org/arbor/pkg/wire"
)

const defaultSweepEvery = time.Minute

// Processor is the single-writer loop of one tenant backend. Exactly
// one goroutine runs Run; it is the only one touching the graph.
type Processor struct {
	eng        *Engine
	ch         *command.Channel
	st         store.Store
	log        zerolog.Logger
	sweepEvery time.Duration

	started   time.Time
	processed atomic.Uint64
	done      chan struct{}
}

// Option configures the processor.
type Option func(*Processor)

// WithLogger sets the loop logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithSweepInterval sets the cadence of the expired-permission sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Processor) { p.sweepEvery = d }
}

// New builds a processor consuming ch and persisting through st.
func New(eng *Engine, ch *command.Channel, st store.Store, opts ...Option) *Processor {
	p := &Processor{
		eng:        eng,
		ch:         ch,
		st:         st,
		log:        zerolog.Nop(),
		sweepEvery: defaultSweepEvery,
		started:    time.Now(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Done is closed once the loop has drained and returned.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Processed returns the number of commands handled so far.
func (p *Processor) Processed() uint64 { return p.processed.Load() }

// Health reports the liveness counters served by the HealthCheck RPC.
func (p *Processor) Health() *command.HealthInfo {
	degraded := false
	if m, ok := p.st.(store.Monitored); ok {
		degraded = m.Degraded()
	}
	return &command.HealthInfo{
		Healthy:             true,
		UptimeSeconds:       uint64(time.Since(p.started) / time.Second),
		CommandsProcessed:   p.processed.Load(),
		PersistenceDegraded: degraded,
	}
}

// Run consumes the channel until it is closed or a Shutdown command
// arrives. Remaining envelopes are drained with a Shutdown error.
func (p *Processor) Run() {
	defer close(p.done)
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-p.ch.Dequeue():
			if !ok {
				return
			}
			if p.handle(env) {
				p.drain()
				return
			}
		case <-ticker.C:
			p.sweep()
		}
	}
}

// handle processes one envelope and reports whether the loop must stop.
func (p *Processor) handle(env *command.Envelope) bool {
	cmd := env.Cmd

	// the producer may be gone before we picked the envelope up; skip
	// the mutation entirely, the graph must not change for a caller
	// that stopped waiting before dispatch
	if err := env.Ctx.Err(); err != nil {
		var werr error
		if err == context.DeadlineExceeded {
			werr = errtypes.DeadlineExceeded("command " + string(cmd.Type) + " expired before dispatch")
		} else {
			werr = errtypes.Cancelled("command " + string(cmd.Type) + " cancelled before dispatch")
		}
		metrics.CommandsProcessed.WithLabelValues(string(cmd.Type), errtypes.Kind(werr)).Inc()
		env.Complete(nil, werr)
		return false
	}

	switch cmd.Type {
	case command.HealthCheck:
		p.processed.Add(1)
		metrics.CommandsProcessed.WithLabelValues(string(cmd.Type), "ok").Inc()
		env.Complete(&command.Result{Health: p.Health()}, nil)
		return false
	case command.Shutdown:
		p.processed.Add(1)
		metrics.CommandsProcessed.WithLabelValues(string(cmd.Type), "ok").Inc()
		p.ch.Close()
		env.Complete(&command.Result{}, nil)
		return true
	}

	res, change, err := p.eng.Apply(cmd, time.Now())
	p.processed.Add(1)
	outcome := "ok"
	if err != nil {
		outcome = errtypes.Kind(err)
	}
	metrics.CommandsProcessed.WithLabelValues(string(cmd.Type), outcome).Inc()

	if err == nil && cmd.Type.Mutating() {
		p.persist(cmd, change, res)
	}
	env.Complete(res, err)
	return false
}

// persist writes the delta and the audit record behind the committed
// mutation. Failures are logged and counted, never surfaced: the
// authoritative state is in memory.
func (p *Processor) persist(cmd *command.Command, change *store.Change, res *command.Result) {
	ctx := context.Background()
	if change != nil && !change.Empty() {
		if err := p.st.PersistChange(ctx, change); err != nil {
			p.log.Error().Err(err).Str("command", string(cmd.Type)).Str("change", change.ID).Msg("write-behind persist failed")
		}
	}

	payload, err := wire.MarshalCommand(cmd)
	if err != nil {
		p.log.Error().Err(err).Str("command", string(cmd.Type)).Msg("audit payload encoding failed")
		return
	}
	rec := &store.AuditRecord{
		TimestampMillis: time.Now().UnixMilli(),
		CommandType:     string(cmd.Type),
		Payload:         payload,
		ResultKind:      auditKind(cmd, res),
	}
	if err := p.st.AppendAudit(ctx, rec); err != nil {
		p.log.Error().Err(err).Str("command", string(cmd.Type)).Msg("audit append failed")
	}
}

// auditKind distinguishes transactional bulks that rolled back from
// mutations that committed.
func auditKind(cmd *command.Command, res *command.Result) string {
	if cmd.Type == command.BulkPermissionUpdate && cmd.Transactional && res != nil {
		for _, r := range res.Bulk {
			if !r.OK {
				return "RolledBack"
			}
		}
	}
	return "OK"
}

// drain replies Shutdown to every envelope still queued.
func (p *Processor) drain() {
	for env := range p.ch.Dequeue() {
		env.Complete(nil, errtypes.Shutdown("backend shutting down"))
	}
}

// sweep detaches permissions that are past their expiry so the indexes
// do not grow unboundedly. Evaluation already ignores them lazily.
func (p *Processor) sweep() {
	g := p.eng.Graph()
	now := time.Now()

	var expired []int64
	g.Views().WalkResources("", func(r *graph.Resource) bool {
		for _, pid := range r.Permissions {
			if perm, err := g.Permission(pid); err == nil && perm.Expired(now) {
				expired = append(expired, pid)
			}
		}
		return false
	})
	if len(expired) == 0 {
		return
	}

	c := p.eng.newChange()
	for _, pid := range expired {
		if err := g.Detach(pid); err == nil {
			c.DeletePermissions = append(c.DeletePermissions, pid)
		}
	}
	if len(c.DeletePermissions) == 0 {
		return
	}
	p.log.Info().Int("count", len(c.DeletePermissions)).Msg("swept expired permissions")
	if err := p.st.PersistChange(context.Background(), c); err != nil {
		p.log.Error().Err(err).Str("change", c.ID).Msg("expiry sweep persist failed")
	}
}
