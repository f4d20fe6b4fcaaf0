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

// Package gateway routes commands to per-tenant backend processes. It
// resolves the tenant from the request, asks the supervisor for a
// healthy backend, and forwards the command over the engine RPC with
// bounded retries and a per-endpoint circuit breaker.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/metrics"
	"github.com/cs3org/arbor/pkg/wire"
)

// Ensurer locates a healthy backend endpoint for a tenant, spawning
// one if needed.
type Ensurer interface {
	EnsureRunning(ctx context.Context, tenant string) (string, error)
}

// Config holds the routing knobs. Durations are seconds unless the
// field says otherwise.
type Config struct {
	PoolTTL          int    `mapstructure:"pool_ttl"`
	MaxRetries       uint64 `mapstructure:"max_retries"`
	RetryInterval    int    `mapstructure:"retry_interval_ms"`
	BreakerFailures  uint32 `mapstructure:"breaker_failures"`
	BreakerWindow    int    `mapstructure:"breaker_window"`
	BreakerCooldown  int    `mapstructure:"breaker_cooldown"`
	BreakerHalfCalls uint32 `mapstructure:"breaker_half_calls"`
}

// ApplyDefaults fills the zero fields.
func (c *Config) ApplyDefaults() {
	if c.PoolTTL == 0 {
		c.PoolTTL = 300
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 100
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerWindow == 0 {
		c.BreakerWindow = 10
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30
	}
	if c.BreakerHalfCalls == 0 {
		c.BreakerHalfCalls = 1
	}
}

// Gateway is the multi-tenant request router.
type Gateway struct {
	conf *Config
	sup  Ensurer
	pool ClientPool
	log  zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithPool overrides the client pool.
func WithPool(p ClientPool) Option {
	return func(g *Gateway) { g.pool = p }
}

// New builds a gateway routing through the given supervisor.
func New(conf *Config, sup Ensurer, opts ...Option) *Gateway {
	if conf == nil {
		conf = &Config{}
	}
	conf.ApplyDefaults()
	g := &Gateway{
		conf:     conf,
		sup:      sup,
		log:      zerolog.Nop(),
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
	for _, o := range opts {
		o(g)
	}
	if g.pool == nil {
		g.pool = NewPool(time.Duration(conf.PoolTTL) * time.Second)
	}
	return g
}

// Execute routes a command to the tenant's backend and returns the
// decoded result. Wire-level errors from the backend come back as the
// matching errtypes value.
func (g *Gateway) Execute(ctx context.Context, tenant string, cmd *command.Command) (*command.Result, error) {
	res, err := g.dispatch(ctx, tenant, cmd)
	metrics.GatewayRequests.WithLabelValues(tenant, kindOf(err)).Inc()
	return res, err
}

func (g *Gateway) dispatch(ctx context.Context, tenant string, cmd *command.Command) (*command.Result, error) {
	endpoint, err := g.sup.EnsureRunning(ctx, tenant)
	if err != nil {
		return nil, err
	}

	data, err := wire.MarshalCommand(cmd)
	if err != nil {
		return nil, err
	}
	req := &wire.CommandRequest{
		CommandType:   string(cmd.Type),
		CommandData:   data,
		CorrelationID: uuid.NewString(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		// the wire carries the time left, not the absolute instant
		if remaining := time.Until(deadline); remaining > 0 {
			millis := remaining.Milliseconds()
			if millis == 0 {
				millis = 1
			}
			req.DeadlineMillis = uint32(millis)
		}
	}

	breaker := g.breaker(endpoint)
	var resp *wire.CommandResponse
	op := func() error {
		v, err := breaker.Execute(func() (interface{}, error) {
			client, err := g.pool.Get(endpoint)
			if err != nil {
				return nil, err
			}
			return client.ExecuteCommand(ctx, req)
		})
		if err != nil {
			if !transient(err) {
				return backoff.Permanent(err)
			}
			g.log.Warn().Err(err).
				Str("tenant", tenant).
				Str("endpoint", endpoint).
				Msg("transient backend failure, retrying")
			return err
		}
		resp = v.(*wire.CommandResponse)
		return nil
	}
	if err := backoff.Retry(op, g.retryPolicy(ctx)); err != nil {
		return nil, routeError(err, endpoint)
	}

	if !resp.Success {
		return nil, errtypes.FromKind(resp.ErrorKind, resp.ErrorMessage)
	}
	return wire.UnmarshalResult(resp.ResultData)
}

// Health asks the tenant's backend for its health without spawning a
// new one.
func (g *Gateway) Health(ctx context.Context, tenant string) (*wire.HealthResponse, error) {
	endpoint, err := g.sup.EnsureRunning(ctx, tenant)
	if err != nil {
		return nil, err
	}
	client, err := g.pool.Get(endpoint)
	if err != nil {
		return nil, err
	}
	return client.HealthCheck(ctx, &wire.HealthRequest{})
}

func (g *Gateway) breaker(endpoint string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[endpoint]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: g.conf.BreakerHalfCalls,
		Interval:    time.Duration(g.conf.BreakerWindow) * time.Second,
		Timeout:     time.Duration(g.conf.BreakerCooldown) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.conf.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().
				Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	g.breakers[endpoint] = b
	return b
}

func (g *Gateway) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(g.conf.RetryInterval) * time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 3
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, g.conf.MaxRetries), ctx)
}

// transient reports whether a dispatch error is worth retrying on the
// same endpoint. Application errors travel inside CommandResponse and
// never reach here.
func transient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func routeError(err error, endpoint string) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errtypes.Shutdown("backend " + endpoint + " circuit open")
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded:
			return errtypes.DeadlineExceeded(s.Message())
		case codes.Canceled:
			return errtypes.Cancelled(s.Message())
		}
	}
	return errtypes.InternalError(err.Error())
}

func kindOf(err error) string {
	if err == nil {
		return ""
	}
	return errtypes.Kind(err)
}
