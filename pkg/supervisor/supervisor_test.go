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

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/metrics"
)

type fakeProcess struct {
	pid        int
	terminated bool
	killed     bool
	done       chan struct{}
	once       sync.Once
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated = true
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed = true
	p.exit()
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

type fakeRunner struct {
	mu      sync.Mutex
	started []*fakeProcess
	ports   []int
	fail    bool
}

func (r *fakeRunner) Start(_ context.Context, tenant string, port int) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("spawn refused")
	}
	p := &fakeProcess{pid: 1000 + len(r.started), done: make(chan struct{})}
	r.started = append(r.started, p)
	r.ports = append(r.ports, port)
	return p, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

type fakeProber struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (p *fakeProber) Probe(_ context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[endpoint] {
		return errors.New("probe failed")
	}
	return nil
}

func (p *fakeProber) setFailing(endpoint string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		p.fail = map[string]bool{}
	}
	p.fail[endpoint] = failing
}

func newTestSupervisor(conf *Config, runner Runner, prober Prober) *Supervisor {
	return New(conf, runner, prober, WithPollInterval(5*time.Millisecond))
}

func TestEnsureRunningSpawnsOnce(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, &fakeProber{})

	ep1, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", ep1)
	assert.Equal(t, StatusHealthy, s.Status("t1"))

	// idempotent: same endpoint, no second process
	for i := 0; i < 5; i++ {
		ep, err := s.EnsureRunning(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, ep1, ep)
	}
	assert.Equal(t, 1, runner.count())
}

func TestEnsureRunningConcurrentSharesStartup(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, &fakeProber{})

	var wg sync.WaitGroup
	endpoints := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, err := s.EnsureRunning(context.Background(), "t1")
			assert.NoError(t, err)
			endpoints[i] = ep
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, runner.count())
	for _, ep := range endpoints {
		assert.Equal(t, endpoints[0], ep)
	}
}

func TestEnsureRunningDistinctPorts(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, &fakeProber{})

	ep1, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)
	ep2, err := s.EnsureRunning(context.Background(), "t2")
	require.NoError(t, err)
	assert.NotEqual(t, ep1, ep2)
}

func TestPortExhaustion(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9001}, runner, &fakeProber{})

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)
	_, err = s.EnsureRunning(context.Background(), "t2")
	require.NoError(t, err)

	_, err = s.EnsureRunning(context.Background(), "t3")
	require.Error(t, err)
	assert.IsType(t, errtypes.CapacityExceeded(""), err)

	// stopping a tenant frees its port for the next one
	require.NoError(t, s.Stop(context.Background(), "t1"))
	_, err = s.EnsureRunning(context.Background(), "t3")
	assert.NoError(t, err)
}

func TestStartupTimeoutReapsProcess(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.setFailing("localhost:9000", true)

	conf := &Config{PortMin: 9000, PortMax: 9010, StartupTimeout: 1}
	s := New(conf, runner, prober, WithPollInterval(5*time.Millisecond))

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.Error(t, err)
	assert.IsType(t, errtypes.StartupFailed(""), err)
	assert.Equal(t, StatusStopped, s.Status("t1"))
	require.Equal(t, 1, runner.count())
	assert.True(t, runner.started[0].killed)

	// the port is back in the pool
	prober.setFailing("localhost:9000", false)
	ep, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", ep)
}

func TestSpawnFailure(t *testing.T) {
	runner := &fakeRunner{fail: true}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, &fakeProber{})

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.Error(t, err)
	assert.IsType(t, errtypes.StartupFailed(""), err)
}

func TestStopTerminatesGracefully(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, &fakeProber{})

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), "t1"))
	assert.Equal(t, StatusStopped, s.Status("t1"))
	assert.True(t, runner.started[0].terminated)
	assert.False(t, runner.started[0].killed)

	assert.IsType(t, errtypes.NotFound(""), s.Stop(context.Background(), "t1"))
}

func TestProbeFailuresTearDownBackend(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, prober)

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)

	prober.setFailing("localhost:9000", true)
	for i := 0; i < 3; i++ {
		s.probeAll(context.Background())
	}
	assert.Equal(t, StatusStopped, s.Status("t1"))
	assert.True(t, runner.started[0].killed)

	// next EnsureRunning restarts
	prober.setFailing("localhost:9000", false)
	_, err = s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, runner.count())
}

func TestRestartMetricSkipsFirstStart(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	s := newTestSupervisor(&Config{PortMin: 9100, PortMax: 9110}, runner, prober)

	restarts := metrics.BackendRestarts.WithLabelValues("t-restart")
	before := testutil.ToFloat64(restarts)

	// the first start of a tenant is not a restart
	_, err := s.EnsureRunning(context.Background(), "t-restart")
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(restarts))

	prober.setFailing("localhost:9100", true)
	for i := 0; i < 3; i++ {
		s.probeAll(context.Background())
	}
	prober.setFailing("localhost:9100", false)

	_, err = s.EnsureRunning(context.Background(), "t-restart")
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(restarts))
	assert.Equal(t, 2, runner.count())
}

func TestProbeRecoveryResetsFailureCount(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, prober)

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)

	prober.setFailing("localhost:9000", true)
	s.probeAll(context.Background())
	s.probeAll(context.Background())
	prober.setFailing("localhost:9000", false)
	s.probeAll(context.Background())
	prober.setFailing("localhost:9000", true)
	s.probeAll(context.Background())
	s.probeAll(context.Background())

	// never hit three consecutive failures
	assert.Equal(t, StatusHealthy, s.Status("t1"))
}

func TestShutdownStopsEverything(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSupervisor(&Config{PortMin: 9000, PortMax: 9010}, runner, &fakeProber{})

	_, err := s.EnsureRunning(context.Background(), "t1")
	require.NoError(t, err)
	_, err = s.EnsureRunning(context.Background(), "t2")
	require.NoError(t, err)

	s.Shutdown(context.Background())
	assert.Equal(t, StatusStopped, s.Status("t1"))
	assert.Equal(t, StatusStopped, s.Status("t2"))
}
