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

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backendToml = `
[core]
pid_file = "/tmp/arbord.pid"

[log]
level = "debug"
mode = "json"

[backend]
tenant = "acme"
address = "localhost:19007"
store_driver = "sql"
connection_string = "arbor_{TenantId}.db"
queue_size = 500

[grpc.services.engine]
queue_size = 500
`

func TestParseBackend(t *testing.T) {
	raw, err := Read(strings.NewReader(backendToml))
	require.NoError(t, err)

	c, err := ParseBackend(raw)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/arbord.pid", c.Core.PIDFile)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Mode)
	assert.Equal(t, "acme", c.Tenant)
	assert.Equal(t, "localhost:19007", c.Address)
	assert.Equal(t, "sql", c.StoreDriver)
	assert.Equal(t, "arbor_acme.db", c.ConnectionString)
	assert.Equal(t, 500, c.QueueSize)
	require.Contains(t, c.GRPCServices, "engine")
}

func TestParseBackendDefaults(t *testing.T) {
	c, err := ParseBackend(map[string]interface{}{})
	require.NoError(t, err)

	assert.Equal(t, "tcp", c.Network)
	assert.Equal(t, "localhost:19000", c.Address)
	assert.Equal(t, "memory", c.StoreDriver)
	assert.Equal(t, 10000, c.QueueSize)
	assert.InDelta(t, 0.1, c.FailureThreshold, 1e-9)
	assert.Equal(t, 60, c.FailureWindow)
}

func TestParseBackendEnvOverrides(t *testing.T) {
	t.Setenv(EnvTenantID, "globex")
	t.Setenv(EnvGRPCPort, "19042")
	t.Setenv(EnvBaseConnectionString, "arbor_{TenantId}.db")

	raw, err := Read(strings.NewReader(backendToml))
	require.NoError(t, err)

	c, err := ParseBackend(raw)
	require.NoError(t, err)

	assert.Equal(t, "globex", c.Tenant)
	assert.Equal(t, "localhost:19042", c.Address)
	assert.Equal(t, "arbor_globex.db", c.ConnectionString)
}

func TestParseRouter(t *testing.T) {
	raw, err := Read(strings.NewReader(`
[log]
level = "warn"

[router]
address = "localhost:9090"
backend_command = "/usr/local/bin/arbord"
base_connection_string = "arbor_{TenantId}.db"

[supervisor]
port_min = 20000
port_max = 20100

[gateway]
breaker_failures = 7
`))
	require.NoError(t, err)

	c, err := ParseRouter(raw)
	require.NoError(t, err)

	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, "localhost:9090", c.Address)
	assert.Equal(t, "/usr/local/bin/arbord", c.BackendCommand)
	assert.Equal(t, "arbor_{TenantId}.db", c.BaseConnectionString)
	assert.Equal(t, int64(20000), c.Supervisor["port_min"])
	assert.Equal(t, int64(7), c.Gateway["breaker_failures"])
}

func TestParseRouterDefaults(t *testing.T) {
	c, err := ParseRouter(map[string]interface{}{})
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", c.Address)
	assert.Equal(t, "arbord", c.BackendCommand)
}

func TestReadFileEmptyPath(t *testing.T) {
	raw, err := ReadFile("")
	require.NoError(t, err)
	assert.Empty(t, raw)
}
