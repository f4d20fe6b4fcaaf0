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

// Package rhttp provides the HTTP server shell of the gateway daemon.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Server wraps a net/http server behind the grace.Server contract.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        zerolog.Logger
	network    string
	address    string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithListenAddress sets the listen socket.
func WithListenAddress(network, address string) Option {
	return func(s *Server) {
		s.network = network
		s.address = address
	}
}

// New builds an HTTP server serving the given handler.
func New(h http.Handler, opts ...Option) *Server {
	s := &Server{
		httpServer: &http.Server{Handler: h},
		log:        zerolog.Nop(),
		network:    "tcp",
		address:    "localhost:8080",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start serves on the given listener until the server is stopped.
func (s *Server) Start(ln net.Listener) error {
	s.listener = ln
	s.log.Info().Msgf("http server listening at %s:%s", s.Network(), s.Address())
	err := s.httpServer.Serve(ln)
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "serve failed")
}

// Stop aborts all active connections.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// GracefulStop drains active connections with a deadline.
func (s *Server) GracefulStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
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
