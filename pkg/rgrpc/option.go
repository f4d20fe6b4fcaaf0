package rgrpc

import (
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

type Option func(*Server)

func WithServices(services map[string]Service) Option {
	return func(s *Server) {
		s.services = services
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.log = logger
	}
}

func WithUnaryServerInterceptors(in []grpc.UnaryServerInterceptor) Option {
	return func(s *Server) {
		s.UnaryServerInterceptors = in
	}
}

func WithListenAddress(network, address string) Option {
	return func(s *Server) {
		s.network = network
		s.address = address
	}
}
