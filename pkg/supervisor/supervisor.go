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

// Package supervisor manages the per-tenant backend processes from the
// gateway: port allocation, spawn, readiness polling, periodic health
// probing and teardown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/metrics"
)

// Status of one tenant backend.
type Status string

// The backend lifecycle states.
const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
)

// Process is a running backend, abstracted so tests can fake spawning.
type Process interface {
	Pid() int
	// Terminate requests a graceful shutdown.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Runner spawns a backend process for a tenant on a port.
type Runner interface {
	Start(ctx context.Context, tenant string, port int) (Process, error)
}

// Prober checks the health endpoint of a backend.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// Config holds the supervisor knobs. Intervals are in seconds.
type Config struct {
	PortMin        int `mapstructure:"port_min"`
	PortMax        int `mapstructure:"port_max"`
	StartupTimeout int `mapstructure:"startup_timeout"`
	ProbeInterval  int `mapstructure:"probe_interval"`
	StopGrace      int `mapstructure:"stop_grace"`

	// consecutive probe failures before a backend is torn down
	MaxProbeFailures int `mapstructure:"max_probe_failures"`
}

// ApplyDefaults applies the default values.
func (c *Config) ApplyDefaults() {
	if c.PortMin == 0 {
		c.PortMin = 19000
	}
	if c.PortMax == 0 {
		c.PortMax = 19999
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 30
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 5
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5
	}
	if c.MaxProbeFailures == 0 {
		c.MaxProbeFailures = 3
	}
}

type record struct {
	tenant    string
	port      int
	endpoint  string
	proc      Process
	status    Status
	startTime time.Time
	lastProbe time.Time
	failures  int

	// ready is closed when the record leaves Starting; err carries the
	// startup outcome for waiters
	ready chan struct{}
	err   error
}

// Supervisor owns the tenant process table. The table is guarded by a
// single mutex; startup polling happens outside the critical section so
// concurrent requests for other tenants are not blocked.
type Supervisor struct {
	conf   *Config
	runner Runner
	prober Prober
	log    zerolog.Logger

	pollEvery time.Duration // startup poll cadence, overridable in tests

	mu      sync.Mutex
	tenants map[string]*record
	started map[string]bool // tenants that had at least one healthy start
	ports   *portPool
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithPollInterval overrides the 1s startup poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.pollEvery = d }
}

// New builds a supervisor.
func New(conf *Config, runner Runner, prober Prober, opts ...Option) *Supervisor {
	conf.ApplyDefaults()
	s := &Supervisor{
		conf:      conf,
		runner:    runner,
		prober:    prober,
		log:       zerolog.Nop(),
		pollEvery: time.Second,
		tenants:   map[string]*record{},
		started:   map[string]bool{},
		ports:     newPortPool(conf.PortMin, conf.PortMax),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureRunning returns the endpoint of a healthy backend for the
// tenant, spawning one if needed. It is idempotent: concurrent calls
// for the same tenant share one startup.
func (s *Supervisor) EnsureRunning(ctx context.Context, tenant string) (string, error) {
	s.mu.Lock()
	if rec, ok := s.tenants[tenant]; ok {
		switch rec.status {
		case StatusHealthy:
			endpoint := rec.endpoint
			s.mu.Unlock()
			return endpoint, nil
		case StatusStarting:
			ready := rec.ready
			s.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return "", errtypes.Cancelled("waiting for tenant " + tenant + " backend startup")
			}
			s.mu.Lock()
			cur, ok := s.tenants[tenant]
			s.mu.Unlock()
			if ok && cur.status == StatusHealthy {
				return cur.endpoint, nil
			}
			if rec.err != nil {
				return "", rec.err
			}
			return "", errtypes.StartupFailed("tenant " + tenant + " backend did not become healthy")
		default:
			// Unhealthy or Stopped leftovers are replaced below
			s.teardownLocked(rec)
		}
	}

	port, ok := s.ports.acquire()
	if !ok {
		s.mu.Unlock()
		return "", errtypes.CapacityExceeded("no free backend ports")
	}
	rec := &record{
		tenant:    tenant,
		port:      port,
		endpoint:  fmt.Sprintf("localhost:%d", port),
		status:    StatusStarting,
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}
	s.tenants[tenant] = rec
	s.mu.Unlock()

	err := s.start(ctx, rec)

	s.mu.Lock()
	restart := s.started[tenant]
	if err != nil {
		rec.err = err
		s.teardownLocked(rec)
	} else {
		rec.status = StatusHealthy
		rec.lastProbe = time.Now()
		s.started[tenant] = true
	}
	close(rec.ready)
	endpoint := rec.endpoint
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	if restart {
		metrics.BackendRestarts.WithLabelValues(tenant).Inc()
	}
	s.log.Info().Str("tenant", tenant).Str("endpoint", endpoint).Msg("backend healthy")
	return endpoint, nil
}

// start spawns the process and polls its health endpoint until it
// answers or the startup timeout elapses.
func (s *Supervisor) start(ctx context.Context, rec *record) error {
	proc, err := s.runner.Start(ctx, rec.tenant, rec.port)
	if err != nil {
		return errtypes.StartupFailed("spawning backend for tenant " + rec.tenant + ": " + err.Error())
	}
	s.mu.Lock()
	rec.proc = proc
	s.mu.Unlock()
	s.log.Info().Str("tenant", rec.tenant).Int("pid", proc.Pid()).Int("port", rec.port).Msg("backend spawned")

	deadline := time.Now().Add(time.Duration(s.conf.StartupTimeout) * time.Second)
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.pollEvery)
		err := s.prober.Probe(probeCtx, rec.endpoint)
		cancel()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			_ = proc.Kill()
			return errtypes.StartupFailed("tenant " + rec.tenant + " backend did not answer health checks within startup timeout")
		}
		select {
		case <-ticker.C:
		case <-proc.Done():
			return errtypes.StartupFailed("tenant " + rec.tenant + " backend exited during startup")
		case <-ctx.Done():
			_ = proc.Kill()
			return errtypes.Cancelled("startup of tenant " + rec.tenant + " backend")
		}
	}
}

// Stop gracefully shuts the tenant backend down, forcing termination
// after the stop grace period, and releases its port.
func (s *Supervisor) Stop(ctx context.Context, tenant string) error {
	s.mu.Lock()
	rec, ok := s.tenants[tenant]
	if !ok {
		s.mu.Unlock()
		return errtypes.NotFound("tenant " + tenant + " has no backend")
	}
	delete(s.tenants, tenant)
	proc := rec.proc
	port := rec.port
	rec.status = StatusStopped
	s.mu.Unlock()

	defer s.ports.release(port)
	if proc == nil {
		return nil
	}

	_ = proc.Terminate()
	select {
	case <-proc.Done():
	case <-time.After(time.Duration(s.conf.StopGrace) * time.Second):
		s.log.Warn().Str("tenant", tenant).Msg("backend did not stop in time, killing")
		_ = proc.Kill()
		<-proc.Done()
	case <-ctx.Done():
		_ = proc.Kill()
	}
	s.log.Info().Str("tenant", tenant).Msg("backend stopped")
	return nil
}

// Status returns the lifecycle state of the tenant backend.
func (s *Supervisor) Status(tenant string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tenants[tenant]; ok {
		return rec.status
	}
	return StatusStopped
}

// teardownLocked kills the process, releases the port and drops the
// record. Callers hold s.mu.
func (s *Supervisor) teardownLocked(rec *record) {
	if rec.proc != nil {
		_ = rec.proc.Kill()
	}
	s.ports.release(rec.port)
	if cur, ok := s.tenants[rec.tenant]; ok && cur == rec {
		delete(s.tenants, rec.tenant)
	}
}

// Run probes every healthy backend on the configured cadence until ctx
// is done. A backend failing MaxProbeFailures consecutive probes is
// torn down; the next EnsureRunning restarts it.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.conf.ProbeInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.probeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.tenants))
	for _, rec := range s.tenants {
		if rec.status == StatusHealthy {
			recs = append(recs, rec)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, time.Duration(s.conf.ProbeInterval)*time.Second)
			err := s.prober.Probe(probeCtx, rec.endpoint)
			cancel()

			s.mu.Lock()
			defer s.mu.Unlock()
			rec.lastProbe = time.Now()
			if err == nil {
				rec.failures = 0
				return nil
			}
			rec.failures++
			s.log.Warn().Str("tenant", rec.tenant).Int("failures", rec.failures).Err(err).Msg("backend health probe failed")
			if rec.failures >= s.conf.MaxProbeFailures {
				rec.status = StatusUnhealthy
				s.log.Error().Str("tenant", rec.tenant).Msg("backend unhealthy, tearing down")
				s.teardownLocked(rec)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown stops every backend. Ports are released as processes
// terminate.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	tenants := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		tenants = append(tenants, t)
	}
	s.mu.Unlock()
	for _, t := range tenants {
		if err := s.Stop(ctx, t); err != nil {
			s.log.Warn().Str("tenant", t).Err(err).Msg("error stopping backend")
		}
	}
}

// portPool hands out ports from a fixed range. A port is either free or
// held by exactly one tenant.
type portPool struct {
	min, max int
	next     int
	held     map[int]bool
}

func newPortPool(min, max int) *portPool {
	return &portPool{min: min, max: max, next: min, held: map[int]bool{}}
}

func (p *portPool) acquire() (int, bool) {
	for i := 0; i <= p.max-p.min; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if !p.held[port] {
			p.held[port] = true
			return port, true
		}
	}
	return 0, false
}

func (p *portPool) release(port int) {
	delete(p.held, port)
}
