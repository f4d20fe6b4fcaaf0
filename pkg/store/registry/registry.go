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

// Package registry holds the registered store drivers.
package registry

import (
	"context"

	"github.com/cs3org/arbor/pkg/errtypes"
	"github.com/cs3org/arbor/pkg/store"
)

// NewFunc is the function store drivers register at init time. The
// tenant the store is scoped to travels in the config map.
type NewFunc func(ctx context.Context, m map[string]interface{}) (store.Store, error)

// NewFuncs is a map containing all the registered store drivers.
var NewFuncs = map[string]NewFunc{}

// Register registers a new store driver new function. Not safe for
// concurrent use, safe for use from package init.
func Register(name string, f NewFunc) {
	NewFuncs[name] = f
}

// New returns a store built by the driver with the given name.
func New(ctx context.Context, name string, m map[string]interface{}) (store.Store, error) {
	f, ok := NewFuncs[name]
	if !ok {
		return nil, errtypes.NotFound("store driver " + name)
	}
	return f(ctx, m)
}
