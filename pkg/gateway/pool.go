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
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cs3org/arbor/pkg/wire"
)

// ClientPool hands out engine clients per backend endpoint.
type ClientPool interface {
	Get(endpoint string) (wire.EngineClient, error)
	// Evict drops the cached connection of an endpoint, closing it.
	Evict(endpoint string)
}

type pooledConn struct {
	conn   *grpc.ClientConn
	client wire.EngineClient
}

// Pool memoizes one shared gRPC connection per endpoint. Idle
// connections are evicted and closed after a TTL; per-request streams
// multiplex over the shared connection.
type Pool struct {
	mu    sync.Mutex
	cache *ttlcache.Cache
}

// NewPool builds a pool evicting connections idle longer than ttl.
func NewPool(ttl time.Duration) *Pool {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(ttl)
	cache.SetCacheSizeLimit(1024)
	cache.SetExpirationCallback(func(_ string, value interface{}) {
		if pc, ok := value.(*pooledConn); ok {
			_ = pc.conn.Close()
		}
	})
	return &Pool{cache: cache}
}

// Get returns the shared client for the endpoint, dialing on first use.
func (p *Pool) Get(endpoint string) (wire.EngineClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, err := p.cache.Get(endpoint); err == nil {
		return v.(*pooledConn).client, nil
	}

	conn, err := grpc.Dial(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: dialing "+endpoint)
	}
	pc := &pooledConn{conn: conn, client: wire.NewEngineClient(conn)}
	_ = p.cache.Set(endpoint, pc)
	return pc.client, nil
}

// Evict closes and forgets the endpoint's connection, e.g. after its
// backend was torn down.
func (p *Pool) Evict(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, err := p.cache.Get(endpoint); err == nil {
		if pc, ok := v.(*pooledConn); ok {
			_ = pc.conn.Close()
		}
	}
	_ = p.cache.Remove(endpoint)
}

// Close drops every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Close()
}
