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

// arbord is the per-tenant access-control backend. The supervisor
// spawns one per tenant with --tenant and --port; it hydrates the
// tenant graph from the store and serves the engine RPCs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/cs3org/arbor/pkg/appctx"
	"github.com/cs3org/arbor/pkg/config"
	"github.com/cs3org/arbor/pkg/grace"
	"github.com/cs3org/arbor/pkg/hydrate"
	"github.com/cs3org/arbor/pkg/log"
	"github.com/cs3org/arbor/pkg/rgrpc"

	// load the registered grpc services
	_ "github.com/cs3org/arbor/internal/grpc/services/engine"
)

// exit codes of the backend; the supervisor treats any nonzero code as
// a failed backend.
const (
	exitConfig  = 1
	exitStartup = 2
	exitCorrupt = 4
)

var (
	configFlag = flag.String("c", "", "set configuration file")
	tenantFlag = flag.String("tenant", "", "tenant id this backend serves")
	portFlag   = flag.String("port", "", "grpc listen port")
)

func main() {
	flag.Parse()

	c, err := parseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	logger, err := log.New(&c.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(exitConfig)
	}
	*logger = logger.With().Str("tenant", c.Tenant).Logger()

	watcher := grace.NewWatcher(append([]grace.Option{grace.WithLogger(*logger)}, pidOption(c)...)...)
	if err := watcher.WritePID(); err != nil {
		logger.Error().Err(err).Msg("error writing pid file")
		os.Exit(exitStartup)
	}

	services, err := rgrpc.InitServices(grpcServices(c))
	if err != nil {
		logger.Error().Err(err).Msg("error starting services")
		var corrupt *hydrate.ErrCorrupt
		if errors.As(err, &corrupt) {
			watcher.Exit(exitCorrupt)
		}
		watcher.Exit(exitStartup)
	}

	server, err := rgrpc.NewServer(
		rgrpc.WithLogger(*logger),
		rgrpc.WithServices(services),
		rgrpc.WithListenAddress(c.Network, c.Address),
		rgrpc.WithUnaryServerInterceptors(appctx.NewUnaryInterceptors(*logger, c.Tenant)),
	)
	if err != nil {
		logger.Error().Err(err).Msg("error creating grpc server")
		watcher.Exit(exitStartup)
	}

	lns, err := watcher.GetListeners([]grace.Server{server})
	if err != nil {
		logger.Error().Err(err).Msg("error getting listeners")
		watcher.Exit(exitStartup)
	}

	go func() {
		if err := server.Start(lns[0]); err != nil {
			logger.Error().Err(err).Msg("error starting grpc server")
			watcher.Exit(exitStartup)
		}
	}()

	watcher.TrapSignals()
}

func parseConfig() (*config.Backend, error) {
	raw, err := config.ReadFile(*configFlag)
	if err != nil {
		return nil, err
	}
	c, err := config.ParseBackend(raw)
	if err != nil {
		return nil, err
	}
	// flags win over file and environment
	if *tenantFlag != "" {
		c.Tenant = *tenantFlag
	}
	if *portFlag != "" {
		c.Address = "localhost:" + *portFlag
	}
	return c, nil
}

func pidOption(c *config.Backend) []grace.Option {
	if c.Core.PIDFile == "" {
		return nil
	}
	return []grace.Option{grace.WithPIDFile(c.Core.PIDFile)}
}

// grpcServices merges the backend settings into the engine service
// section so a bare config file still yields a working backend.
func grpcServices(c *config.Backend) map[string]map[string]interface{} {
	services := c.GRPCServices
	if services == nil {
		services = map[string]map[string]interface{}{}
	}
	engine, ok := services["engine"]
	if !ok {
		engine = map[string]interface{}{}
		services["engine"] = engine
	}
	defaults := map[string]interface{}{
		"tenant":            c.Tenant,
		"store_driver":      c.StoreDriver,
		"connection_string": c.ConnectionString,
		"queue_size":        c.QueueSize,
		"failure_threshold": c.FailureThreshold,
		"failure_window":    c.FailureWindow,
	}
	for k, v := range defaults {
		if _, ok := engine[k]; !ok {
			engine[k] = v
		}
	}
	return services
}
