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

package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/cs3org/arbor/pkg/errtypes"
)

// TenantHeader carries an explicit tenant id and wins over every other
// resolution source.
const TenantHeader = "X-Tenant-ID"

// reserved subdomains that never name a tenant.
var reservedSubdomains = map[string]struct{}{
	"www": {},
	"api": {},
}

// ResolveTenant extracts the tenant id from an incoming request. The
// sources are checked in order: header, subdomain, /tenants/ path
// prefix, tenantId query parameter.
func ResolveTenant(r *http.Request) (string, error) {
	if t := r.Header.Get(TenantHeader); t != "" {
		return t, nil
	}
	if t := tenantFromHost(r.Host); t != "" {
		return t, nil
	}
	if t := tenantFromPath(r.URL.Path); t != "" {
		return t, nil
	}
	if t := r.URL.Query().Get("tenantId"); t != "" {
		return t, nil
	}
	return "", errtypes.InvalidArgument("no tenant in request")
}

func tenantFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	if _, reserved := reservedSubdomains[labels[0]]; reserved {
		return ""
	}
	return labels[0]
}

func tenantFromPath(path string) string {
	const prefix = "/tenants/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
