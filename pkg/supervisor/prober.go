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

package supervisor

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cs3org/arbor/pkg/wire"
)

// RPCProber probes a backend with the HealthCheck RPC on a short-lived
// connection.
type RPCProber struct{}

// Probe dials the endpoint and asks for health.
func (RPCProber) Probe(ctx context.Context, endpoint string) error {
	conn, err := grpc.Dial(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return errors.Wrap(err, "dialing "+endpoint)
	}
	defer conn.Close()

	resp, err := wire.NewEngineClient(conn).HealthCheck(ctx, &wire.HealthRequest{})
	if err != nil {
		return errors.Wrap(err, "health check on "+endpoint)
	}
	if !resp.Healthy {
		return errors.New("backend at " + endpoint + " reports unhealthy")
	}
	return nil
}
