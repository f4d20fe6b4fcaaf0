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

// Package engine exposes the tenant access-control engine over the
// ExecuteCommand and HealthCheck RPCs. The service owns the whole
// pipeline of its tenant: store, hydrated graph, bounded command
// channel and the single-writer loop.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/cs3org/arbor/pkg/appctx"
	"github.com/cs3org/arbor/pkg/cfg"
	"github.com/cs3org/arbor/pkg/command"
	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/hydrate"
	"github.com/cs3org/arbor/pkg/processor"
	"github.com/cs3org/arbor/pkg/resolver"
	"github.com/cs3org/arbor/pkg/rgrpc"
	"github.com/cs3org/arbor/pkg/store"
	"github.com/cs3org/arbor/pkg/store/registry"
	"github.com/cs3org/arbor/pkg/wire"

	// load the store drivers
	_ "github.com/cs3org/arbor/pkg/store/memory"
	_ "github.com/cs3org/arbor/pkg/store/sql"
)

func init() {
	rgrpc.Register("engine", New)
}

type config struct {
	Tenant           string  `mapstructure:"tenant"`
	StoreDriver      string  `mapstructure:"store_driver"`
	SQLDriver        string  `mapstructure:"sql_driver"`
	ConnectionString string  `mapstructure:"connection_string"`
	QueueSize        int     `mapstructure:"queue_size"`
	CacheSize        int     `mapstructure:"cache_size"`
	FailureThreshold float64 `mapstructure:"failure_threshold"`
	FailureWindow    int     `mapstructure:"failure_window"`
	SweepInterval    int     `mapstructure:"sweep_interval"`
}

func (c *config) ApplyDefaults() {
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.StoreDriver == "" {
		c.StoreDriver = "memory"
	}
	if c.QueueSize == 0 {
		c.QueueSize = command.DefaultQueueSize
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 0.1
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = 60
	}
}

type service struct {
	conf *config
	ch   *command.Channel
	proc *processor.Processor
}

// New builds the engine service: it opens the store, hydrates the
// tenant graph and starts the writer loop. A corrupt store surfaces as
// hydrate.ErrCorrupt so the daemon can exit with its dedicated code.
func New(m map[string]interface{}) (rgrpc.Service, error) {
	c := &config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, err
	}

	ctx := context.Background()
	inner, err := registry.New(ctx, c.StoreDriver, map[string]interface{}{
		"tenant": c.Tenant,
		"driver": c.SQLDriver,
		"dsn":    c.ConnectionString,
	})
	if err != nil {
		return nil, err
	}
	st := store.NewResilient(inner, store.WithDegradationThreshold(
		c.FailureThreshold, time.Duration(c.FailureWindow)*time.Second))

	g, err := hydrate.Load(ctx, st, c.Tenant)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng := processor.NewEngine(g, resolver.New(c.CacheSize))
	ch := command.NewChannel(c.QueueSize)

	opts := []processor.Option{}
	if c.SweepInterval > 0 {
		opts = append(opts, processor.WithSweepInterval(time.Duration(c.SweepInterval)*time.Second))
	}
	proc := processor.New(eng, ch, st, opts...)
	go proc.Run()

	return &service{conf: c, ch: ch, proc: proc}, nil
}

func (s *service) Register(ss *grpc.Server) {
	wire.RegisterEngineServer(ss, s)
}

// Close drains the writer loop and waits for it to finish.
func (s *service) Close() error {
	s.ch.Close()
	<-s.proc.Done()
	return nil
}

// ExecuteCommand decodes the command, submits it to the writer loop
// and waits for the reply. Application errors travel in the response;
// a non-nil RPC error only means the request itself was malformed at
// the transport level.
func (s *service) ExecuteCommand(ctx context.Context, req *wire.CommandRequest) (*wire.CommandResponse, error) {
	log := appctx.GetLogger(ctx)

	typ, err := command.ParseType(req.CommandType)
	if err != nil {
		return errorResponse(req, err), nil
	}
	cmd, err := wire.UnmarshalCommand(req.CommandData)
	if err != nil {
		return errorResponse(req, err), nil
	}
	cmd.Type = typ

	if req.DeadlineMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMillis)*time.Millisecond)
		defer cancel()
	}

	env, err := s.ch.Enqueue(ctx, cmd)
	if err != nil {
		return errorResponse(req, err), nil
	}
	res, err := env.Wait(ctx)
	if err != nil {
		logCommandError(log, req, err)
		return errorResponse(req, err), nil
	}

	data, err := wire.MarshalResult(res)
	if err != nil {
		return errorResponse(req, err), nil
	}
	return &wire.CommandResponse{
		Success:       true,
		ResultData:    data,
		CorrelationID: req.CorrelationID,
	}, nil
}

// HealthCheck reports liveness without touching the writer loop.
func (s *service) HealthCheck(_ context.Context, _ *wire.HealthRequest) (*wire.HealthResponse, error) {
	h := s.proc.Health()
	return &wire.HealthResponse{
		Healthy:             h.Healthy,
		UptimeSeconds:       h.UptimeSeconds,
		CommandsProcessed:   h.CommandsProcessed,
		PersistenceDegraded: h.PersistenceDegraded,
	}, nil
}

func errorResponse(req *wire.CommandRequest, err error) *wire.CommandResponse {
	return &wire.CommandResponse{
		Success:       false,
		ErrorKind:     errtypes.Kind(err),
		ErrorMessage:  err.Error(),
		CorrelationID: req.CorrelationID,
	}
}

func logCommandError(log *zerolog.Logger, req *wire.CommandRequest, err error) {
	log.Debug().Err(err).
		Str("type", req.CommandType).
		Str("correlation_id", req.CorrelationID).
		Msg("command failed")
}
