package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/protocol"
	"github.com/fkchat/fkchat/pkg/statusrpc"
	"github.com/fkchat/fkchat/pkg/workerpool"
)

// Session timing and back-pressure limits.
const (
	// AuthTimeout is how long an unauthenticated connection may live.
	AuthTimeout = 8 * time.Second
	// HeartbeatTimeout closes an authenticated session that stops beating.
	HeartbeatTimeout = 90 * time.Second
	// MaxWriteQueue bounds the outbound frame FIFO; overflow drops frames.
	MaxWriteQueue = 100
)

// errSessionStopped aborts the parser drain after the session has closed.
var errSessionStopped = errors.New("session stopped")

// sessionHub is what a session needs from its server: token validation,
// the session index and message routing. Tests substitute a fake.
type sessionHub interface {
	validate(ctx context.Context, token, deviceID string) (*statusrpc.ValidateTokenResponse, error)
	register(userUUID string, s *Session)
	unregister(userUUID string, s *Session)
	route(from *Session, msg *protocol.ChatMessageBody)
}

// Session speaks the framed protocol on one socket. The reader goroutine
// owns the parser; writes are serialized through the session's io context
// so frames leave the socket in enqueue order.
type Session struct {
	id     string
	conn   net.Conn
	parser *protocol.Parser
	hub    sessionHub
	ioCtx  *workerpool.Context
	logger zerolog.Logger

	authenticated atomic.Bool
	closed        atomic.Bool
	userUUID      string // written once before authenticated flips true
	deviceID      string

	timer            *time.Timer
	authTimeout      time.Duration
	heartbeatTimeout time.Duration

	sendMu    sync.Mutex
	sendQueue [][]byte
	sending   bool
	dropped   atomic.Int64

	onClose   func(*Session)
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(conn net.Conn, ioCtx *workerpool.Context, hub sessionHub) *Session {
	id := uuid.New().String()[:8]
	return &Session{
		id:               id,
		conn:             conn,
		parser:           protocol.NewParser(),
		hub:              hub,
		ioCtx:            ioCtx,
		logger:           log.WithComponent("session").With().Str("session_id", id).Logger(),
		authTimeout:      AuthTimeout,
		heartbeatTimeout: HeartbeatTimeout,
	}
}

// Start arms the auth timer and begins the read loop.
func (s *Session) Start() {
	s.timer = time.AfterFunc(s.authTimeout, s.onTimeout)
	s.wg.Add(1)
	go s.readLoop()
	s.logger.Debug().Str("remote", s.conn.RemoteAddr().String()).Msg("session started")
}

// Stop closes the session. Idempotent; safe from any goroutine.
func (s *Session) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	// Half-close first so queued peer data is not reset, then close.
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = s.conn.Close()

	if s.authenticated.Load() {
		s.hub.unregister(s.userUUID, s)
	}
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	s.logger.Debug().Msg("session stopped")
}

// Closed reports whether Stop has run.
func (s *Session) Closed() bool { return s.closed.Load() }

// Authenticated reports whether the auth handshake completed.
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// UserUUID is valid once Authenticated returns true.
func (s *Session) UserUUID() string {
	if !s.authenticated.Load() {
		return ""
	}
	return s.userUUID
}

// DroppedFrames counts outbound frames lost to queue overflow.
func (s *Session) DroppedFrames() int64 { return s.dropped.Load() }

// Send frames body as msgType and enqueues it. Overflow drops the frame
// and logs; errors never propagate to callers.
func (s *Session) Send(msgType protocol.MessageType, body any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			s.logger.Error().Err(err).Stringer("type", msgType).Msg("failed to marshal frame body")
			return
		}
	}
	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Stringer("type", msgType).Msg("failed to encode frame")
		return
	}
	metrics.FramesTotal.WithLabelValues("out", msgType.String()).Inc()
	s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) {
	s.sendMu.Lock()
	if s.closed.Load() {
		s.sendMu.Unlock()
		return
	}
	if len(s.sendQueue) >= MaxWriteQueue {
		s.sendMu.Unlock()
		s.dropped.Add(1)
		metrics.FramesDropped.Inc()
		s.logger.Warn().Msg("write queue full, frame dropped")
		return
	}
	s.sendQueue = append(s.sendQueue, frame)
	schedule := !s.sending
	if schedule {
		s.sending = true
	}
	s.sendMu.Unlock()

	if schedule && !s.ioCtx.Post(s.drainWrites) {
		// Pool is stopping; flush on a plain goroutine so the frame is
		// not silently stranded.
		go s.drainWrites()
	}
}

// sendAndStop enqueues a final frame and schedules Stop behind it on the
// io context. The context is serial, so the frame drains to the socket
// before the close runs.
func (s *Session) sendAndStop(msgType protocol.MessageType, body any) {
	s.Send(msgType, body)
	if !s.ioCtx.Post(s.Stop) {
		s.Stop()
	}
}

// drainWrites writes queued frames until the queue empties. Only one
// drain runs at a time (the sending flag), which preserves frame order.
func (s *Session) drainWrites() {
	for {
		s.sendMu.Lock()
		if len(s.sendQueue) == 0 || s.closed.Load() {
			s.sending = false
			s.sendMu.Unlock()
			return
		}
		frame := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		s.sendMu.Unlock()

		if _, err := s.conn.Write(frame); err != nil {
			s.sendMu.Lock()
			s.sending = false
			s.sendMu.Unlock()
			if !s.closed.Load() {
				s.logger.Warn().Err(err).Msg("write failed")
				s.Stop()
			}
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		buf := s.parser.Buffer()
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.parser.Advance(n)
			if derr := s.parser.Drain(s.handleFrame); derr != nil {
				if !errors.Is(derr, errSessionStopped) {
					s.logger.Warn().Err(derr).Msg("protocol violation")
					s.sendAndStop(protocol.ErrorMessage, protocol.ErrorBody{Error: "Invalid message header"})
				}
				return
			}
		}
		if err != nil {
			if !s.closed.Load() {
				s.logger.Debug().Err(err).Msg("read ended")
				s.Stop()
			}
			return
		}
	}
}

func (s *Session) onTimeout() {
	if s.closed.Load() {
		return
	}
	if s.authenticated.Load() {
		s.logger.Warn().Str("user_uuid", s.userUUID).Msg("heartbeat timeout")
	} else {
		s.logger.Warn().Msg("auth timeout")
	}
	s.Stop()
}

func (s *Session) handleFrame(h protocol.Header, body []byte) error {
	if s.closed.Load() {
		return errSessionStopped
	}
	metrics.FramesTotal.WithLabelValues("in", h.Type.String()).Inc()
	if !s.authenticated.Load() {
		return s.handlePreAuth(h, body)
	}

	switch h.Type {
	case protocol.Heartbeat:
		s.timer.Reset(s.heartbeatTimeout)
		var hb protocol.HeartbeatBody
		_ = json.Unmarshal(body, &hb)
		s.Send(protocol.Heartbeat, protocol.HeartbeatBody{
			Timestamp: time.Now().Unix(),
			Status:    "ok",
			Sequence:  hb.Sequence,
		})
	case protocol.ChatMessage:
		var msg protocol.ChatMessageBody
		if err := json.Unmarshal(body, &msg); err != nil {
			s.Send(protocol.ErrorMessage, protocol.ErrorBody{Error: "Unknown message type"})
			return nil
		}
		msg.Sender = s.userUUID
		if msg.MessageID == "" {
			msg.MessageID = uuid.New().String()
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().Unix()
		}
		s.hub.route(s, &msg)
	default:
		s.Send(protocol.ErrorMessage, protocol.ErrorBody{Error: "Unknown message type"})
	}
	return nil
}

func (s *Session) handlePreAuth(h protocol.Header, body []byte) error {
	if h.Type != protocol.AuthRequest {
		s.sendAndStop(protocol.ErrorMessage, protocol.ErrorBody{Error: "Not authenticated"})
		return errSessionStopped
	}

	var req protocol.AuthRequestBody
	if err := json.Unmarshal(body, &req); err != nil || req.Token == "" || req.ClientDeviceID == "" {
		s.sendAndStop(protocol.AuthResponse, protocol.AuthResponseBody{
			Success: false,
			Message: "missing token or device id",
		})
		return errSessionStopped
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	resp, err := s.hub.validate(ctx, req.Token, req.ClientDeviceID)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Msg("token validation RPC failed")
		s.sendAndStop(protocol.AuthResponse, protocol.AuthResponseBody{
			Success: false,
			Message: "authentication service unavailable",
		})
		return errSessionStopped
	}
	if !resp.Valid {
		s.sendAndStop(protocol.AuthResponse, protocol.AuthResponseBody{
			Success: false,
			Message: resp.Message,
		})
		return errSessionStopped
	}

	s.userUUID = resp.UserUUID
	s.deviceID = req.ClientDeviceID
	s.authenticated.Store(true)
	s.hub.register(s.userUUID, s)
	s.timer.Reset(s.heartbeatTimeout)

	s.logger.Info().Str("user_uuid", s.userUUID).Msg("session authenticated")
	s.Send(protocol.AuthResponse, protocol.AuthResponseBody{
		Success:  true,
		Message:  "authenticated",
		UserUUID: s.userUUID,
	})
	return nil
}
