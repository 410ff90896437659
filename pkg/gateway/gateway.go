package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/statusrpc"
	"github.com/fkchat/fkchat/pkg/types"
)

// ErrAlreadyRunning is returned by Start on a running gateway.
var ErrAlreadyRunning = errors.New("gateway already running")

// resetGrantTTL is how long an authorized password reset stays usable.
const resetGrantTTL = 5 * time.Minute

// UserStore is the account repository the handlers need. *Users
// satisfies it.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*types.User, error)
	FindByEmail(ctx context.Context, email string) (*types.User, error)
	Create(ctx context.Context, user *types.User) error
	UpdatePassword(ctx context.Context, email, digest string) (int64, error)
}

// CodeStore is the slice of the kv store the handlers need.
// *kvstore.Store satisfies it.
type CodeStore interface {
	GenerateAndStoreCode(ctx context.Context, email string) (string, error)
	VerifyCode(ctx context.Context, email, code string) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// StatusClient is the slice of the status service the gateway uses.
// *statusrpc.Client satisfies it.
type StatusClient interface {
	GenerateToken(ctx context.Context, userUUID, deviceID string) (*statusrpc.GenerateTokenResponse, error)
	RevokeToken(ctx context.Context, userUUID string) (*statusrpc.RevokeTokenResponse, error)
}

// Gateway serves the account HTTP API.
type Gateway struct {
	cfg     config.GateConfig
	users   UserStore
	codes   CodeStore
	status  StatusClient
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	running  atomic.Bool
	server   *http.Server
	listener net.Listener
}

// New wires a gateway; Start binds the listener.
func New(cfg config.GateConfig, users UserStore, codes CodeStore, status StatusClient) *Gateway {
	logger := log.WithComponent("gateway")
	g := &Gateway{
		cfg:    cfg,
		users:  users,
		codes:  codes,
		status: status,
		logger: logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "status-rpc",
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	g.server = &http.Server{
		Handler:      g.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return g
}

func (g *Gateway) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.observe)

	r.Post("/get_verify_code", g.handleGetVerifyCode)
	r.Post("/register_user", g.handleRegisterUser)
	r.Post("/login_user", g.handleLoginUser)
	r.Post("/authenticate_reset_pwd", g.handleAuthenticateResetPwd)
	r.Post("/reset_password", g.handleResetPassword)
	return r
}

// observe logs each request and feeds the HTTP metrics.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path).Observe(elapsed.Seconds())
		g.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

// Start binds the listener and serves in the background. Non-blocking.
func (g *Gateway) Start() error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	lis, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		g.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.ListenAddr, err)
	}
	g.listener = lis

	go func() {
		if err := g.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("gateway serve failed")
		}
	}()

	g.logger.Info().Str("addr", g.cfg.ListenAddr).Msg("gateway listening")
	return nil
}

// Stop drains in-flight requests and closes the listener. Idempotent.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down gateway: %w", err)
	}
	g.logger.Info().Msg("gateway stopped")
	return nil
}

// generateToken runs the status call through the circuit breaker so a
// dead status service fails logins fast instead of queueing them.
func (g *Gateway) generateToken(ctx context.Context, userUUID, deviceID string) (*statusrpc.GenerateTokenResponse, error) {
	out, err := g.breaker.Execute(func() (any, error) {
		return g.status.GenerateToken(ctx, userUUID, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*statusrpc.GenerateTokenResponse), nil
}

func resetGrantKey(email string) string {
	return "reset_grant:" + email
}
