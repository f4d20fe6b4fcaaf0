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

// Package config loads the TOML configuration of the arbord and
// arborgwd daemons. A config file is a set of sections; typed sections
// decode through pkg/cfg, service sections stay free-form maps and are
// decoded by the service they configure.
package config

import (
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/cs3org/arbor/pkg/cfg"
	"github.com/cs3org/arbor/pkg/log"
)

// The environment variables recognized by both daemons. They override
// the corresponding file settings.
const (
	EnvTenantID             = "TENANT_ID"
	EnvGRPCPort             = "GRPC_PORT"
	EnvBaseConnectionString = "BASE_CONNECTION_STRING"
)

// tenantPlaceholder in a connection string is replaced with the tenant
// id, giving every tenant its own database.
const tenantPlaceholder = "{TenantId}"

// Read parses a TOML config stream into its raw sections.
func Read(r io.Reader) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding toml")
	}
	return raw, nil
}

// ReadFile parses the TOML config file at path. An empty path yields
// an empty config so both daemons can run on defaults.
func ReadFile(path string) (map[string]interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: error opening "+path)
	}
	defer f.Close()
	return Read(f)
}

// Section extracts a nested section as a raw map, or nil when absent.
func Section(raw map[string]interface{}, name string) map[string]interface{} {
	v, ok := raw[name]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return m
}

// ServiceSections extracts a two-level section, e.g. grpc service
// configs keyed by service name.
func ServiceSections(raw map[string]interface{}, names ...string) map[string]map[string]interface{} {
	m := raw
	for _, n := range names {
		m = Section(m, n)
		if m == nil {
			return map[string]map[string]interface{}{}
		}
	}
	out := make(map[string]map[string]interface{}, len(m))
	for k, v := range m {
		if s, ok := v.(map[string]interface{}); ok {
			out[k] = s
		}
	}
	return out
}

// Core holds the settings shared by both daemons.
type Core struct {
	PIDFile string `mapstructure:"pid_file"`
}

// Backend is the typed arbord configuration.
type Backend struct {
	Core Core
	Log  log.Conf

	// Tenant is the tenant this backend serves.
	Tenant string `mapstructure:"tenant"`

	// Network and Address are the gRPC listen socket.
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`

	// Store selects the persistence driver; its driver-specific
	// settings live in the raw drivers section.
	StoreDriver      string  `mapstructure:"store_driver"`
	ConnectionString string  `mapstructure:"connection_string"`
	QueueSize        int     `mapstructure:"queue_size"`
	FailureThreshold float64 `mapstructure:"failure_threshold"`
	FailureWindow    int     `mapstructure:"failure_window"`

	// GRPCServices configures the rgrpc service registry.
	GRPCServices map[string]map[string]interface{}
}

// ApplyDefaults fills the zero fields of the core section.
func (c *Backend) ApplyDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Address == "" {
		c.Address = "localhost:19000"
	}
	if c.StoreDriver == "" {
		c.StoreDriver = "memory"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 0.1
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = 60
	}
}

// ParseBackend decodes the raw sections into the arbord config and
// applies the environment overrides.
func ParseBackend(raw map[string]interface{}) (*Backend, error) {
	c := &Backend{}
	if err := cfg.Decode(Section(raw, "core"), &c.Core); err != nil {
		return nil, err
	}
	if err := cfg.Decode(Section(raw, "log"), &c.Log); err != nil {
		return nil, err
	}
	if err := cfg.Decode(Section(raw, "backend"), c); err != nil {
		return nil, err
	}
	c.GRPCServices = ServiceSections(raw, "grpc", "services")

	if t := os.Getenv(EnvTenantID); t != "" {
		c.Tenant = t
	}
	if p := os.Getenv(EnvGRPCPort); p != "" {
		c.Address = "localhost:" + p
	}
	if s := os.Getenv(EnvBaseConnectionString); s != "" {
		c.ConnectionString = s
	}
	c.ConnectionString = strings.ReplaceAll(c.ConnectionString, tenantPlaceholder, c.Tenant)
	c.ApplyDefaults()
	return c, nil
}

// Router is the typed arborgwd configuration. The supervisor and
// gateway sections stay raw maps so their packages decode their own
// knobs.
type Router struct {
	Core Core
	Log  log.Conf

	// Address is the HTTP listen socket.
	Address string `mapstructure:"address"`

	// BackendCommand is the arbord binary spawned per tenant.
	BackendCommand       string   `mapstructure:"backend_command"`
	BackendArgs          []string `mapstructure:"backend_args"`
	BaseConnectionString string   `mapstructure:"base_connection_string"`

	Supervisor map[string]interface{}
	Gateway    map[string]interface{}
}

// ApplyDefaults fills the zero fields.
func (c *Router) ApplyDefaults() {
	if c.Address == "" {
		c.Address = "localhost:8080"
	}
	if c.BackendCommand == "" {
		c.BackendCommand = "arbord"
	}
}

// ParseRouter decodes the raw sections into the arborgwd config and
// applies the environment overrides.
func ParseRouter(raw map[string]interface{}) (*Router, error) {
	c := &Router{}
	if err := cfg.Decode(Section(raw, "core"), &c.Core); err != nil {
		return nil, err
	}
	if err := cfg.Decode(Section(raw, "log"), &c.Log); err != nil {
		return nil, err
	}
	if err := cfg.Decode(Section(raw, "router"), c); err != nil {
		return nil, err
	}
	c.Supervisor = Section(raw, "supervisor")
	c.Gateway = Section(raw, "gateway")

	if s := os.Getenv(EnvBaseConnectionString); s != "" {
		c.BaseConnectionString = s
	}
	c.ApplyDefaults()
	return c, nil
}
