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

// Package metrics registers the prometheus collectors of the engine.
// The counters also back the HealthCheck RPC fields.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsProcessed counts commands completed by the writer loop,
	// partitioned by command type and outcome.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbor",
		Name:      "commands_processed_total",
		Help:      "Commands completed by the tenant writer loop.",
	}, []string{"type", "outcome"})

	// PersistFailures counts write-behind persistence failures after
	// retries were exhausted.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbor",
		Name:      "persist_failures_total",
		Help:      "Write-behind persistence failures after retry exhaustion.",
	})

	// PersistRetries counts individual persistence attempts that failed
	// and were retried.
	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbor",
		Name:      "persist_retries_total",
		Help:      "Persistence attempts that failed and were retried.",
	})

	// PersistenceDegraded is 1 while the persistence failure rate is
	// above the configured threshold.
	PersistenceDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbor",
		Name:      "persistence_degraded",
		Help:      "1 while the persistence failure rate exceeds the threshold.",
	})

	// BackendRestarts counts tenant backend processes respawned by the
	// supervisor.
	BackendRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbor",
		Name:      "backend_restarts_total",
		Help:      "Tenant backend processes respawned by the supervisor.",
	}, []string{"tenant"})

	// GatewayRequests counts requests routed by the gateway, by tenant
	// and wire error kind ("" for success).
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbor",
		Name:      "gateway_requests_total",
		Help:      "Requests routed to tenant backends.",
	}, []string{"tenant", "error_kind"})
)
