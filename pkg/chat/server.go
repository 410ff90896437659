package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/protocol"
	"github.com/fkchat/fkchat/pkg/statusrpc"
	"github.com/fkchat/fkchat/pkg/workerpool"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("chat server already running")

// reapInterval is how often closed sessions are swept from the registry.
const reapInterval = 5 * time.Minute

// registerRetryInterval paces registration attempts against the status
// service when it is unreachable.
const registerRetryInterval = 5 * time.Second

// StatusClient is the slice of the status service the chat server uses.
// *statusrpc.Client satisfies it.
type StatusClient interface {
	ValidateToken(ctx context.Context, token, deviceID string) (*statusrpc.ValidateTokenResponse, error)
	RegisterChatServer(ctx context.Context, req *statusrpc.RegisterChatServerRequest) (*statusrpc.RegisterChatServerResponse, error)
	ReportLoad(ctx context.Context, serverID string, currentLoad int64) (*statusrpc.ReportLoadResponse, error)
}

// Server owns the acceptor and the live-session registry of one
// chat-server process.
type Server struct {
	cfg    config.ChatConfig
	status StatusClient
	pool   *workerpool.Pool
	logger zerolog.Logger

	running   atomic.Bool
	listener  net.Listener
	connCount atomic.Int64

	mu       sync.RWMutex
	sessions map[string]*Session

	reapEvery time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewServer wires a chat server; Start binds the acceptor.
func NewServer(cfg config.ChatConfig, status StatusClient, pool *workerpool.Pool) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 30 * time.Second
	}
	return &Server{
		cfg:       cfg,
		status:    status,
		pool:      pool,
		logger:    log.WithComponent("chat").With().Str("server_id", cfg.ServerID).Logger(),
		sessions:  make(map[string]*Session),
		reapEvery: reapInterval,
	}
}

// Start binds the acceptor and launches the accept, reap and report
// loops. Non-blocking; fails if the server is already running or the
// listen address cannot be bound.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = lis
	s.stopCh = make(chan struct{})

	s.wg.Add(3)
	go s.acceptLoop()
	go s.reapLoop()
	go s.reportLoop()

	s.logger.Info().
		Str("addr", s.cfg.ListenAddr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("chat server listening")
	return nil
}

// Stop closes the acceptor, stops every live session and joins the
// background loops. Idempotent.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	_ = s.listener.Close()

	// Snapshot under the lock, stop outside it: Stop re-enters the
	// registry through unregister.
	s.mu.RLock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.RUnlock()
	for _, sess := range live {
		sess.Stop()
	}

	s.wg.Wait()
	s.logger.Info().Msg("chat server stopped")
}

// ConnectionCount reports live connections, authenticated or not.
func (s *Server) ConnectionCount() int64 { return s.connCount.Load() }

// CurrentLoadPercent reports connection count against capacity.
func (s *Server) CurrentLoadPercent() int {
	pct := int(s.connCount.Load()) * 100 / s.cfg.MaxConnections
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Get returns the live session for userUUID.
func (s *Server) Get(userUUID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userUUID]
	if !ok || sess.Closed() {
		return nil, false
	}
	return sess, true
}

// SendTo delivers msg to one user. Returns false when the user has no
// live session here.
func (s *Server) SendTo(userUUID string, msg *protocol.ChatMessageBody) bool {
	sess, ok := s.Get(userUUID)
	if !ok {
		s.logger.Warn().Str("user_uuid", userUUID).Msg("send_to: user offline")
		return false
	}
	sess.Send(protocol.ChatMessage, msg)
	return true
}

// Broadcast delivers msg to every live session except the sender.
// Closed entries found along the way are reaped afterwards.
func (s *Server) Broadcast(from *Session, msg *protocol.ChatMessageBody) {
	var dead []string
	s.mu.RLock()
	for uuid, sess := range s.sessions {
		if sess == from {
			continue
		}
		if sess.Closed() {
			dead = append(dead, uuid)
			continue
		}
		sess.Send(protocol.ChatMessage, msg)
	}
	s.mu.RUnlock()

	if len(dead) > 0 {
		s.reapUUIDs(dead)
	}
}

// sessionHub implementation.

func (s *Server) validate(ctx context.Context, token, deviceID string) (*statusrpc.ValidateTokenResponse, error) {
	return s.status.ValidateToken(ctx, token, deviceID)
}

// register indexes sess under userUUID. An existing live session for the
// same user is preempted: notified, then closed outside the lock.
func (s *Server) register(userUUID string, sess *Session) {
	s.mu.Lock()
	old := s.sessions[userUUID]
	s.sessions[userUUID] = sess
	s.mu.Unlock()

	if old != nil && old != sess && !old.Closed() {
		s.logger.Info().Str("user_uuid", userUUID).Msg("duplicate login, preempting previous session")
		// sendAndStop lets the notification drain before the close.
		old.sendAndStop(protocol.SystemNotification, protocol.SystemNotificationBody{
			Event:   "duplicate_login",
			Message: "account signed in from another device",
		})
	}
}

// unregister removes sess only if it is still the indexed session, so a
// preempted session cannot evict its replacement.
func (s *Server) unregister(userUUID string, sess *Session) {
	s.mu.Lock()
	if s.sessions[userUUID] == sess {
		delete(s.sessions, userUUID)
	}
	s.mu.Unlock()
}

// route dispatches an inbound chat message: targeted delivery inline,
// broadcast fan-out through the worker pool.
func (s *Server) route(from *Session, msg *protocol.ChatMessageBody) {
	if msg.Target != "" {
		s.SendTo(msg.Target, msg)
		return
	}
	if !s.pool.Post(func() { s.Broadcast(from, msg) }, workerpool.PriorityNormal) {
		// Pool is stopping; deliver inline rather than drop.
		s.Broadcast(from, msg)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if s.connCount.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection limit reached, rejecting")
			_ = conn.Close()
			continue
		}

		s.connCount.Add(1)
		metrics.ChatSessions.Inc()
		sess := newSession(conn, s.pool.NextContext(), s)
		sess.onClose = func(*Session) {
			s.connCount.Add(-1)
			metrics.ChatSessions.Dec()
		}
		sess.Start()
	}
}

func (s *Server) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reap()
		case <-s.stopCh:
			return
		}
	}
}

// reap sweeps registry entries whose session has closed.
func (s *Server) reap() {
	var dead []string
	s.mu.RLock()
	for uuid, sess := range s.sessions {
		if sess.Closed() {
			dead = append(dead, uuid)
		}
	}
	s.mu.RUnlock()

	if len(dead) > 0 {
		s.reapUUIDs(dead)
		s.logger.Info().Int("reaped", len(dead)).Msg("stale sessions reaped")
	}
}

func (s *Server) reapUUIDs(uuids []string) {
	s.mu.Lock()
	for _, uuid := range uuids {
		if sess, ok := s.sessions[uuid]; ok && sess.Closed() {
			delete(s.sessions, uuid)
		}
	}
	s.mu.Unlock()
}

// reportLoop registers with the status service, retrying until it is
// reachable, then reports the session count on the configured interval.
// A NotFound reply means the status process restarted; re-register.
func (s *Server) reportLoop() {
	defer s.wg.Done()

	if !s.registerWithStatus() {
		return
	}

	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := s.status.ReportLoad(ctx, s.cfg.ServerID, s.connCount.Load())
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("load report failed")
				if status.Code(err) == codes.NotFound && !s.registerWithStatus() {
					return
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) registerWithStatus() bool {
	req := &statusrpc.RegisterChatServerRequest{
		ServerID:       s.cfg.ServerID,
		Host:           s.cfg.AdvertiseHost,
		Port:           s.cfg.AdvertisePort,
		Zone:           s.cfg.Zone,
		MaxConnections: s.cfg.MaxConnections,
	}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := s.status.RegisterChatServer(ctx, req)
		cancel()
		if err == nil {
			s.logger.Info().Msg("registered with status service")
			return true
		}
		s.logger.Warn().Err(err).Msg("registration failed, retrying")

		select {
		case <-time.After(registerRetryInterval):
		case <-s.stopCh:
			return false
		}
	}
}
