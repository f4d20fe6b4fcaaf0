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

package appctx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// NewUnaryInterceptors returns the default interceptor chain of the
// backend: context enrichment with logger and tenant, then rpc trace
// logging.
func NewUnaryInterceptors(log zerolog.Logger, tenant string) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		contextInterceptor(log, tenant),
		traceInterceptor(),
	}
}

func contextInterceptor(log zerolog.Logger, tenant string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = WithLogger(ctx, &log)
		ctx = WithTenant(ctx, tenant)
		return handler(ctx, req)
	}
}

func traceInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		res, err := handler(ctx, req)
		GetLogger(ctx).Trace().
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("rpc")
		return res, err
	}
}
