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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky fails the first n writes, then succeeds.
type flaky struct {
	failures int
	calls    int
}

func (f *flaky) PersistChange(context.Context, *Change) error {
	f.calls++
	if f.calls <= f.failures {
		return assert.AnError
	}
	return nil
}

func (f *flaky) AppendAudit(context.Context, *AuditRecord) error {
	return f.PersistChange(nil, nil)
}

func (f *flaky) LoadSnapshot(context.Context) (*Snapshot, error) { return &Snapshot{}, nil }

func (f *flaky) LoadAudit(context.Context) ([]*AuditRecord, error) { return nil, nil }

func (f *flaky) Close() error { return nil }

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	inner := &flaky{failures: 2}
	r := NewResilient(inner, WithRetries(3, time.Millisecond))

	err := r.PersistChange(context.Background(), &Change{ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	assert.False(t, r.Degraded())
}

func TestRetryExhaustionReturnsError(t *testing.T) {
	inner := &flaky{failures: 100}
	r := NewResilient(inner, WithRetries(2, time.Millisecond))

	err := r.PersistChange(context.Background(), &Change{ID: "c1"})
	assert.Error(t, err)
	assert.Equal(t, 3, inner.calls) // initial attempt plus two retries
}

func TestDegradationThreshold(t *testing.T) {
	inner := &flaky{failures: 1 << 30}
	r := NewResilient(inner, WithRetries(0, time.Millisecond), WithDegradationThreshold(0.1, time.Minute))

	for i := 0; i < 5; i++ {
		_ = r.PersistChange(context.Background(), &Change{ID: "c"})
	}
	assert.True(t, r.Degraded())
}

func TestDegradationRecovers(t *testing.T) {
	inner := &flaky{failures: 1}
	r := NewResilient(inner, WithRetries(0, time.Millisecond), WithDegradationThreshold(0.5, time.Minute))

	_ = r.PersistChange(context.Background(), &Change{ID: "c1"})
	assert.True(t, r.Degraded())
	for i := 0; i < 5; i++ {
		require.NoError(t, r.PersistChange(context.Background(), &Change{ID: "c"}))
	}
	assert.False(t, r.Degraded())
}
