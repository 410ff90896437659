package statusrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/fkchat/fkchat/pkg/log"
)

// Server hosts a TokenAPI implementation over gRPC.
type Server struct {
	impl   TokenAPI
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer creates the gRPC server with request logging installed.
func NewServer(impl TokenAPI) *Server {
	logger := log.WithComponent("status-rpc")
	return &Server{
		impl:   impl,
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))),
		logger: logger,
	}
}

// Start listens on addr and serves until Stop. Blocks.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.grpc.RegisterService(&ServiceDesc, s.impl)

	s.logger.Info().Str("addr", addr).Msg("status RPC listening")
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// LoggingInterceptor logs each unary call with its latency and outcome.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Dur("elapsed", time.Since(start)).
			Msg("rpc handled")
		return resp, err
	}
}
