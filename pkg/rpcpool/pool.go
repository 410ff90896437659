package rpcpool

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/log"
)

const defaultStubs = 4

// Pool is a fixed-size set of client connections to one target.
type Pool struct {
	target string
	conns  []*grpc.ClientConn
	next   atomic.Uint64
	logger zerolog.Logger
}

// Dial creates cfg.StubsPerService connections to target. extra dial
// options are appended after the pool's own; tests use them to reroute
// onto in-memory listeners.
func Dial(target string, cfg config.RPCConfig, extra ...grpc.DialOption) (*Pool, error) {
	size := cfg.StubsPerService
	if size <= 0 {
		size = defaultStubs
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: cfg.PermitWithoutCalls,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.ConnectTimeout,
		}),
	}
	opts = append(opts, extra...)

	p := &Pool{
		target: target,
		conns:  make([]*grpc.ClientConn, 0, size),
		logger: log.WithComponent("rpcpool").With().Str("target", target).Logger(),
	}
	for i := 0; i < size; i++ {
		conn, err := grpc.NewClient(target, opts...)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to dial %s: %w", target, err)
		}
		conn.Connect()
		p.conns = append(p.conns, conn)
	}

	p.logger.Info().Int("stubs", size).Msg("rpc pool established")
	return p, nil
}

// Pick returns the next connection round-robin.
func (p *Pool) Pick() grpc.ClientConnInterface {
	return p.conn()
}

// Conn is Pick with the concrete type, for callers that need conn state.
func (p *Pool) Conn() *grpc.ClientConn {
	return p.conn()
}

func (p *Pool) conn() *grpc.ClientConn {
	n := p.next.Add(1) - 1
	return p.conns[n%uint64(len(p.conns))]
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int { return len(p.conns) }

// Close tears down every connection, returning the joined errors.
func (p *Pool) Close() error {
	var errs []error
	for _, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
