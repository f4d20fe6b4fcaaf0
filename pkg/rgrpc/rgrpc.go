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

// Package rgrpc provides the gRPC server shell of the tenant backend.
// Services register themselves at init time and are instantiated from
// their config section by name.
package rgrpc

import (
	"fmt"
	"io"
	"net"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/cs3org/arbor/pkg/wire"
)

// UnaryInterceptors is a map of registered unary grpc interceptors.
var UnaryInterceptors = map[string]NewUnaryInterceptor{}

// NewUnaryInterceptor is the type that unary interceptors need to register.
type NewUnaryInterceptor func(m map[string]interface{}) (grpc.UnaryServerInterceptor, int, error)

// RegisterUnaryInterceptor registers a new unary interceptor.
func RegisterUnaryInterceptor(name string, newFunc NewUnaryInterceptor) {
	UnaryInterceptors[name] = newFunc
}

// Services is a map of service name and its new function.
var Services = map[string]NewService{}

// Register registers a new gRPC service with name and new function.
func Register(name string, newFunc NewService) {
	Services[name] = newFunc
}

// NewService is the function that gRPC services need to register at init time.
type NewService func(conf map[string]interface{}) (Service, error)

// Service represents a grpc service.
type Service interface {
	Register(ss *grpc.Server)
	io.Closer
}

// InitServices instantiates the configured services from the registry.
func InitServices(services map[string]map[string]interface{}) (map[string]Service, error) {
	s := make(map[string]Service)
	for name, cfg := range services {
		newFunc, ok := Services[name]
		if !ok {
			return nil, fmt.Errorf("rgrpc: grpc service %s does not exist", name)
		}
		svc, err := newFunc(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "rgrpc: grpc service %s could not be started", name)
		}
		s[name] = svc
	}
	return s, nil
}

// Server is a gRPC server.
type Server struct {
	UnaryServerInterceptors []grpc.UnaryServerInterceptor

	s        *grpc.Server
	listener net.Listener
	log      zerolog.Logger
	services map[string]Service
	network  string
	address  string
}

// NewServer returns a new Server.
func NewServer(o ...Option) (*Server, error) {
	server := &Server{
		network: "tcp",
		address: "localhost:19000",
	}
	for _, oo := range o {
		oo(server)
	}
	return server, nil
}

// Start starts the server.
func (s *Server) Start(ln net.Listener) error {
	if err := s.initServices(); err != nil {
		return errors.Wrap(err, "unable to register services")
	}

	s.listener = ln
	s.log.Info().Msgf("grpc server listening at %s:%s", s.Network(), s.Address())
	if err := s.s.Serve(s.listener); err != nil {
		return errors.Wrap(err, "serve failed")
	}
	return nil
}

func (s *Server) initServices() error {
	unaryChain := grpc_middleware.ChainUnaryServer(s.UnaryServerInterceptors...)
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(unaryChain),
		grpc.ForceServerCodec(wire.Codec{}),
	)

	for _, svc := range s.services {
		svc.Register(grpcServer)
	}

	s.s = grpcServer
	return nil
}

func (s *Server) cleanupServices() {
	for name, svc := range s.services {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Msgf("error closing service %q", name)
		} else {
			s.log.Info().Msgf("service %q correctly closed", name)
		}
	}
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.cleanupServices()
	s.s.Stop()
	return nil
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() error {
	s.cleanupServices()
	s.s.GracefulStop()
	return nil
}

// Network returns the network type.
func (s *Server) Network() string {
	if s.listener != nil {
		return s.listener.Addr().Network()
	}
	return s.network
}

// Address returns the network address.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
