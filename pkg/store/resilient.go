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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cs3org/arbor/pkg/metrics"
)

// Resilient wraps a store with retrying writes and failure-rate
// tracking. Writes retry up to MaxRetries times with exponential
// backoff; exhausted failures are counted but, being write-behind,
// never block in-memory progress.
type Resilient struct {
	inner Store

	maxRetries      uint64
	initialInterval time.Duration

	threshold float64
	window    time.Duration

	mu      sync.Mutex
	outcome []outcome
}

type outcome struct {
	at time.Time
	ok bool
}

// ResilientOption configures a Resilient store.
type ResilientOption func(*Resilient)

// WithRetries sets the retry count and initial backoff interval.
func WithRetries(n uint64, initial time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.maxRetries = n
		r.initialInterval = initial
	}
}

// WithDegradationThreshold sets the failure rate and window after which
// the store reports itself degraded.
func WithDegradationThreshold(rate float64, window time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.threshold = rate
		r.window = window
	}
}

// NewResilient wraps the given store. Defaults: 3 retries starting at
// 1s, degradation above 10% failures over 60s.
func NewResilient(inner Store, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner:           inner,
		maxRetries:      3,
		initialInterval: time.Second,
		threshold:       0.1,
		window:          60 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resilient) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := op(); err != nil {
			metrics.PersistRetries.Inc()
			return err
		}
		return nil
	}, backoff.WithMaxRetries(b, r.maxRetries))

	r.record(err == nil)
	if err != nil {
		metrics.PersistFailures.Inc()
	}
	return err
}

func (r *Resilient) record(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.outcome = append(r.outcome, outcome{at: now, ok: ok})
	r.prune(now)
	r.updateGauge()
}

func (r *Resilient) prune(now time.Time) {
	cut := now.Add(-r.window)
	i := 0
	for ; i < len(r.outcome); i++ {
		if r.outcome[i].at.After(cut) {
			break
		}
	}
	r.outcome = r.outcome[i:]
}

func (r *Resilient) failureRate() float64 {
	if len(r.outcome) == 0 {
		return 0
	}
	failed := 0
	for _, o := range r.outcome {
		if !o.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(r.outcome))
}

func (r *Resilient) updateGauge() {
	if r.failureRate() > r.threshold {
		metrics.PersistenceDegraded.Set(1)
	} else {
		metrics.PersistenceDegraded.Set(0)
	}
}

// Degraded reports whether the failure rate inside the window exceeds
// the threshold.
func (r *Resilient) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	return r.failureRate() > r.threshold
}

// PersistChange retries the write-behind persist of one change.
func (r *Resilient) PersistChange(ctx context.Context, c *Change) error {
	return r.retry(ctx, func() error { return r.inner.PersistChange(ctx, c) })
}

// AppendAudit retries the audit append.
func (r *Resilient) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	return r.retry(ctx, func() error { return r.inner.AppendAudit(ctx, rec) })
}

// LoadSnapshot delegates to the wrapped store without retrying: on
// hydration, persistence failure is fatal.
func (r *Resilient) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	return r.inner.LoadSnapshot(ctx)
}

// LoadAudit delegates to the wrapped store.
func (r *Resilient) LoadAudit(ctx context.Context) ([]*AuditRecord, error) {
	return r.inner.LoadAudit(ctx)
}

// Close closes the wrapped store.
func (r *Resilient) Close() error { return r.inner.Close() }
