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

// arborgwd is the multi-tenant gateway. It resolves the tenant of each
// request, keeps one arbord backend running per active tenant and
// routes commands to it over the engine RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/cs3org/arbor/internal/http/services/authgw"
	"github.com/cs3org/arbor/pkg/cfg"
	"github.com/cs3org/arbor/pkg/config"
	"github.com/cs3org/arbor/pkg/gateway"
	"github.com/cs3org/arbor/pkg/grace"
	"github.com/cs3org/arbor/pkg/log"
	"github.com/cs3org/arbor/pkg/rhttp"
	"github.com/cs3org/arbor/pkg/supervisor"
)

var configFlag = flag.String("c", "", "set configuration file")

func main() {
	flag.Parse()

	c, err := parseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.New(&c.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}

	watcher := grace.NewWatcher(
		grace.WithLogger(*logger),
		grace.WithPIDFile(pidFile(c)),
	)
	if err := watcher.WritePID(); err != nil {
		logger.Error().Err(err).Msg("error writing pid file")
		os.Exit(1)
	}

	supConf := &supervisor.Config{}
	if err := cfg.Decode(c.Supervisor, supConf); err != nil {
		logger.Error().Err(err).Msg("error decoding supervisor configuration")
		watcher.Exit(1)
	}
	runner := &supervisor.ExecRunner{
		Command:              c.BackendCommand,
		Args:                 c.BackendArgs,
		BaseConnectionString: c.BaseConnectionString,
	}
	sup := supervisor.New(supConf, runner, supervisor.RPCProber{}, supervisor.WithLogger(*logger))

	probeCtx, stopProbing := context.WithCancel(context.Background())
	go sup.Run(probeCtx)
	watcher.AddCleanup(func() {
		stopProbing()
		sup.Shutdown(context.Background())
	})

	gwConf := &gateway.Config{}
	if err := cfg.Decode(c.Gateway, gwConf); err != nil {
		logger.Error().Err(err).Msg("error decoding gateway configuration")
		watcher.Exit(1)
	}
	gw := gateway.New(gwConf, sup, gateway.WithLogger(*logger))

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", authgw.New(gw, *logger))

	server := rhttp.New(
		cors.AllowAll().Handler(router),
		rhttp.WithLogger(*logger),
		rhttp.WithListenAddress("tcp", c.Address),
	)

	lns, err := watcher.GetListeners([]grace.Server{server})
	if err != nil {
		logger.Error().Err(err).Msg("error getting listeners")
		watcher.Exit(1)
	}

	go func() {
		if err := server.Start(lns[0]); err != nil {
			logger.Error().Err(err).Msg("error starting http server")
			watcher.Exit(1)
		}
	}()

	watcher.TrapSignals()
}

func parseConfig() (*config.Router, error) {
	raw, err := config.ReadFile(*configFlag)
	if err != nil {
		return nil, err
	}
	return config.ParseRouter(raw)
}

func pidFile(c *config.Router) string {
	if c.Core.PIDFile != "" {
		return c.Core.PIDFile
	}
	return path.Join(os.TempDir(), "arborgwd.pid")
}
