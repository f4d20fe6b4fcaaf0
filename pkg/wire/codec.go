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

package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Name is the codec name, used as the gRPC content-subtype.
const Name = "arbor"

// EngineService is the fully qualified gRPC service name.
const EngineService = "arbor.engine.v1.Engine"

func init() {
	encoding.RegisterCodec(Codec{})
}

type message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec serializes the wire messages of this package for gRPC.
type Codec struct{}

// Name returns the codec name.
func (Codec) Name() string { return Name }

// Marshal encodes a wire message.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("wire: codec cannot marshal %T", v)
	}
	return m.Marshal()
}

// Unmarshal decodes a wire message.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("wire: codec cannot unmarshal %T", v)
	}
	return m.Unmarshal(data)
}

// EngineServer is the server contract of the engine service.
type EngineServer interface {
	ExecuteCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	HealthCheck(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
}

func executeCommandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).ExecuteCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + EngineService + "/ExecuteCommand",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).ExecuteCommand(ctx, req.(*CommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func healthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + EngineService + "/HealthCheck",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).HealthCheck(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// EngineServiceDesc describes the engine service for registration.
var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: EngineService,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteCommand", Handler: executeCommandHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arbor/engine/v1/engine.proto",
}

// RegisterEngineServer registers the engine service on a gRPC server.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&EngineServiceDesc, srv)
}

// EngineClient is the client contract of the engine service.
type EngineClient interface {
	ExecuteCommand(ctx context.Context, req *CommandRequest, opts ...grpc.CallOption) (*CommandResponse, error)
	HealthCheck(ctx context.Context, req *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type engineClient struct {
	cc grpc.ClientConnInterface
}

// NewEngineClient builds an engine client on an established connection.
// Calls are pinned to this package's codec via the content-subtype.
func NewEngineClient(cc grpc.ClientConnInterface) EngineClient {
	return &engineClient{cc: cc}
}

func (c *engineClient) ExecuteCommand(ctx context.Context, req *CommandRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	out := new(CommandResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Name)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+EngineService+"/ExecuteCommand", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *engineClient) HealthCheck(ctx context.Context, req *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Name)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+EngineService+"/HealthCheck", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
