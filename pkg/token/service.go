package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fkchat/fkchat/pkg/kvstore"
	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/statusrpc"
)

const userTokenPrefix = "user_token:"

// TokenStore is the slice of the kv store the service needs. *kvstore.Store
// satisfies it.
type TokenStore interface {
	StoreToken(ctx context.Context, token, userUUID string, ttl time.Duration) error
	LookupToken(ctx context.Context, token string) (string, error)
	RevokeToken(ctx context.Context, token string) error
	PurgeStrayTokens(ctx context.Context) (int, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Claims is the JWT payload. The user uuid travels as the registered
// subject; dev binds the token to the device that requested it.
type Claims struct {
	DeviceID string `json:"dev"`
	jwt.RegisteredClaims
}

// Options configures the service.
type Options struct {
	Secret          string
	TokenTTL        time.Duration
	ReportGrace     time.Duration // silence window before a server is inactive
	CleanupInterval time.Duration // stray token purge cadence
}

// Service implements statusrpc.TokenAPI.
type Service struct {
	secret   []byte
	ttl      time.Duration
	grace    time.Duration
	cleanup  time.Duration
	kv       TokenStore
	registry *Registry
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ statusrpc.TokenAPI = (*Service)(nil)

// NewService wires the token service over kv and registry.
func NewService(kv TokenStore, registry *Registry, opts Options) (*Service, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.ReportGrace <= 0 {
		opts.ReportGrace = 90 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}

	return &Service{
		secret:   []byte(opts.Secret),
		ttl:      opts.TokenTTL,
		grace:    opts.ReportGrace,
		cleanup:  opts.CleanupInterval,
		kv:       kv,
		registry: registry,
		logger:   log.WithComponent("token"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the registry sweep and token cleanup loops.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.sweepLoop()
	go s.cleanupLoop()
}

// Stop terminates the background loops.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// GenerateToken mints a device-bound JWT, records it as the user's single
// active token and picks the least loaded chat server.
func (s *Service) GenerateToken(ctx context.Context, req *statusrpc.GenerateTokenRequest) (*statusrpc.GenerateTokenResponse, error) {
	if req.UserUUID == "" || req.ClientDeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "user uuid and device id are required")
	}

	server, err := s.registry.SelectBest()
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		DeviceID: req.ClientDeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.UserUUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to sign token: %v", err)
	}

	// One active token per user: drop the previous one before recording
	// the replacement.
	if prev, err := s.kv.Get(ctx, userTokenKey(req.UserUUID)); err == nil && prev != "" {
		if err := s.kv.RevokeToken(ctx, prev); err != nil {
			s.logger.Warn().Err(err).Str("user_uuid", req.UserUUID).Msg("failed to revoke previous token")
		}
	}

	if err := s.kv.StoreToken(ctx, signed, req.UserUUID, s.ttl); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to store token: %v", err)
	}
	if err := s.kv.Set(ctx, userTokenKey(req.UserUUID), signed, s.ttl); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to index token: %v", err)
	}

	metrics.TokensIssued.Inc()
	s.logger.Info().
		Str("user_uuid", req.UserUUID).
		Str("chat_server", server.ID).
		Time("expires_at", expiresAt).
		Msg("token issued")

	return &statusrpc.GenerateTokenResponse{
		Token:      signed,
		ExpiresAt:  expiresAt.Unix(),
		ChatServer: server.Info(),
	}, nil
}

// ValidateToken checks signature, expiry, the active record and the
// device binding. Failures come back as Valid=false, not RPC errors, so
// callers can distinguish a bad token from a broken status service.
func (s *Service) ValidateToken(ctx context.Context, req *statusrpc.ValidateTokenRequest) (*statusrpc.ValidateTokenResponse, error) {
	claims, err := s.parse(req.Token)
	if err != nil {
		metrics.TokenValidations.WithLabelValues("invalid").Inc()
		return &statusrpc.ValidateTokenResponse{Valid: false, Message: "invalid or expired token"}, nil
	}

	recorded, err := s.kv.LookupToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			metrics.TokenValidations.WithLabelValues("revoked").Inc()
			return &statusrpc.ValidateTokenResponse{Valid: false, Message: "token revoked"}, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to look up token: %v", err)
	}
	if recorded != claims.Subject {
		metrics.TokenValidations.WithLabelValues("invalid").Inc()
		return &statusrpc.ValidateTokenResponse{Valid: false, Message: "token record mismatch"}, nil
	}
	if claims.DeviceID != req.ClientDeviceID {
		metrics.TokenValidations.WithLabelValues("device_mismatch").Inc()
		return &statusrpc.ValidateTokenResponse{Valid: false, Message: "device mismatch"}, nil
	}

	metrics.TokenValidations.WithLabelValues("valid").Inc()
	return &statusrpc.ValidateTokenResponse{Valid: true, UserUUID: claims.Subject}, nil
}

// RevokeToken invalidates the user's active token, if any.
func (s *Service) RevokeToken(ctx context.Context, req *statusrpc.RevokeTokenRequest) (*statusrpc.RevokeTokenResponse, error) {
	current, err := s.kv.Get(ctx, userTokenKey(req.UserUUID))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return &statusrpc.RevokeTokenResponse{Revoked: false}, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to look up user token: %v", err)
	}

	if err := s.kv.RevokeToken(ctx, current); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to revoke token: %v", err)
	}
	if err := s.kv.Del(ctx, userTokenKey(req.UserUUID)); err != nil {
		s.logger.Warn().Err(err).Str("user_uuid", req.UserUUID).Msg("failed to drop user token index")
	}

	s.logger.Info().Str("user_uuid", req.UserUUID).Msg("token revoked")
	return &statusrpc.RevokeTokenResponse{Revoked: true}, nil
}

// RegisterChatServer adds the server to the placement registry.
func (s *Service) RegisterChatServer(ctx context.Context, req *statusrpc.RegisterChatServerRequest) (*statusrpc.RegisterChatServerResponse, error) {
	if req.ServerID == "" || req.Host == "" || req.Port <= 0 {
		return nil, status.Error(codes.InvalidArgument, "server id, host and port are required")
	}

	s.registry.Register(req.ServerID, req.Host, req.Port, req.Zone, req.MaxConnections)
	return &statusrpc.RegisterChatServerResponse{
		Accepted:              true,
		ReportIntervalSeconds: int64(s.grace.Seconds()) / 3,
	}, nil
}

// ReportLoad refreshes one server's load. Unknown servers get NotFound so
// they re-register after a status restart.
func (s *Service) ReportLoad(ctx context.Context, req *statusrpc.ReportLoadRequest) (*statusrpc.ReportLoadResponse, error) {
	if err := s.registry.ReportLoad(req.ServerID, req.CurrentLoad); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &statusrpc.ReportLoadResponse{Acknowledged: true}, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("malformed claims")
	}
	return claims, nil
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.grace / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.registry.Sweep(s.grace); n > 0 {
				s.logger.Warn().Int("demoted", n).Msg("registry sweep demoted servers")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.kv.PurgeStrayTokens(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("stray token purge failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

func userTokenKey(userUUID string) string {
	return userTokenPrefix + userUUID
}
