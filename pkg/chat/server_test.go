package chat

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/protocol"
	"github.com/fkchat/fkchat/pkg/statusrpc"
)

// fakeStatus validates tokens from a table and counts registry traffic.
type fakeStatus struct {
	mu            sync.Mutex
	tokens        map[string]*statusrpc.ValidateTokenResponse
	registrations int
	reports       []int64
	reportErr     error // returned once, then cleared
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{tokens: map[string]*statusrpc.ValidateTokenResponse{
		"tok-u1": {Valid: true, UserUUID: "u-1"},
		"tok-u2": {Valid: true, UserUUID: "u-2"},
	}}
}

func (f *fakeStatus) ValidateToken(ctx context.Context, token, deviceID string) (*statusrpc.ValidateTokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp, ok := f.tokens[token]; ok {
		return resp, nil
	}
	return &statusrpc.ValidateTokenResponse{Valid: false, Message: "token revoked"}, nil
}

func (f *fakeStatus) RegisterChatServer(ctx context.Context, req *statusrpc.RegisterChatServerRequest) (*statusrpc.RegisterChatServerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	return &statusrpc.RegisterChatServerResponse{Accepted: true, ReportIntervalSeconds: 30}, nil
}

func (f *fakeStatus) ReportLoad(ctx context.Context, serverID string, currentLoad int64) (*statusrpc.ReportLoadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		err := f.reportErr
		f.reportErr = nil
		return nil, err
	}
	f.reports = append(f.reports, currentLoad)
	return &statusrpc.ReportLoadResponse{Acknowledged: true}, nil
}

func (f *fakeStatus) registrationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations
}

func (f *fakeStatus) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func startTestServer(t *testing.T, mutate func(*config.ChatConfig)) (*Server, *fakeStatus, string) {
	t.Helper()
	cfg := config.ChatConfig{
		ServerID:       "chat-test",
		ListenAddr:     "127.0.0.1:0",
		AdvertiseHost:  "127.0.0.1",
		AdvertisePort:  9500,
		Zone:           "test",
		MaxConnections: 64,
		ReportInterval: time.Hour, // tests shorten this explicitly
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fs := newFakeStatus()
	srv := NewServer(cfg, fs, newTestPool(t))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, fs, srv.listener.Addr().String()
}

func dialAndAuth(t *testing.T, addr, token string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	writeFrame(t, conn, protocol.AuthRequest, protocol.AuthRequestBody{
		Token:          token,
		ClientDeviceID: "dev-a",
	})
	h, body := readFrame(t, conn)
	require.Equal(t, protocol.AuthResponse, h.Type)
	var resp protocol.AuthResponseBody
	require.NoError(t, json.Unmarshal(body, &resp))
	require.True(t, resp.Success)
	return conn
}

func TestStartRejectsSecondStart(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)
	assert.ErrorIs(t, srv.Start(), ErrAlreadyRunning)

	srv.Stop()
	srv.Stop() // idempotent
}

func TestEndToEndAuthRegistersSession(t *testing.T) {
	srv, _, addr := startTestServer(t, nil)

	dialAndAuth(t, addr, "tok-u1")

	sess, ok := srv.Get("u-1")
	require.True(t, ok)
	assert.Equal(t, "u-1", sess.UserUUID())
	assert.EqualValues(t, 1, srv.ConnectionCount())
}

func TestBroadcastSkipsSender(t *testing.T) {
	_, _, addr := startTestServer(t, nil)

	alice := dialAndAuth(t, addr, "tok-u1")
	bob := dialAndAuth(t, addr, "tok-u2")

	writeFrame(t, alice, protocol.ChatMessage, protocol.ChatMessageBody{Content: "hi all"})

	h, body := readFrame(t, bob)
	assert.Equal(t, protocol.ChatMessage, h.Type)
	var msg protocol.ChatMessageBody
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "hi all", msg.Content)
	assert.Equal(t, "u-1", msg.Sender)

	// The sender must not hear its own broadcast.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	hdr := make([]byte, protocol.HeaderSize)
	_, err := alice.Read(hdr)
	assert.Error(t, err)
}

func TestTargetedDelivery(t *testing.T) {
	_, _, addr := startTestServer(t, nil)

	alice := dialAndAuth(t, addr, "tok-u1")
	bob := dialAndAuth(t, addr, "tok-u2")

	writeFrame(t, alice, protocol.ChatMessage, protocol.ChatMessageBody{
		Content: "psst",
		Target:  "u-2",
	})

	h, body := readFrame(t, bob)
	assert.Equal(t, protocol.ChatMessage, h.Type)
	var msg protocol.ChatMessageBody
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "psst", msg.Content)
	assert.Equal(t, "u-1", msg.Sender)
	assert.Equal(t, "u-2", msg.Target)
}

func TestDuplicateLoginPreemptsOldSession(t *testing.T) {
	srv, _, addr := startTestServer(t, nil)

	first := dialAndAuth(t, addr, "tok-u1")
	second := dialAndAuth(t, addr, "tok-u1")

	// The preempted connection gets a notification, then closes.
	h, body := readFrame(t, first)
	assert.Equal(t, protocol.SystemNotification, h.Type)
	var note protocol.SystemNotificationBody
	require.NoError(t, json.Unmarshal(body, &note))
	assert.Equal(t, "duplicate_login", note.Event)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	hdr := make([]byte, protocol.HeaderSize)
	_, err := first.Read(hdr)
	assert.Error(t, err)

	// The replacement stays indexed and reachable.
	sess, ok := srv.Get("u-1")
	require.True(t, ok)
	assert.False(t, sess.Closed())

	writeFrame(t, second, protocol.Heartbeat, protocol.HeartbeatBody{Timestamp: time.Now().Unix()})
	h, _ = readFrame(t, second)
	assert.Equal(t, protocol.Heartbeat, h.Type)
}

// The replacement is indexed before the preempted session finishes
// closing, so the preempted session's teardown must never evict the
// replacement from the registry.
func TestPreemptedSessionCannotEvictReplacement(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)
	pool := newTestPool(t)

	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	old := newSession(s1, pool.NextContext(), srv)
	repl := newSession(s2, pool.NextContext(), srv)

	srv.register("u-dup", old)
	srv.register("u-dup", repl) // preempts old

	srv.unregister("u-dup", old)

	sess, ok := srv.Get("u-dup")
	require.True(t, ok)
	assert.Same(t, repl, sess)
}

func TestAdmissionControl(t *testing.T) {
	srv, _, addr := startTestServer(t, func(cfg *config.ChatConfig) {
		cfg.MaxConnections = 1
	})

	dialAndAuth(t, addr, "tok-u1")
	require.EqualValues(t, 1, srv.ConnectionCount())

	over, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer over.Close()

	require.NoError(t, over.SetReadDeadline(time.Now().Add(2*time.Second)))
	hdr := make([]byte, protocol.HeaderSize)
	_, err = over.Read(hdr)
	assert.Error(t, err, "over-limit connection must be closed without a session")
}

func TestDisconnectFreesCapacity(t *testing.T) {
	srv, _, addr := startTestServer(t, func(cfg *config.ChatConfig) {
		cfg.MaxConnections = 1
	})

	conn := dialAndAuth(t, addr, "tok-u1")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	dialAndAuth(t, addr, "tok-u2")
	assert.EqualValues(t, 1, srv.ConnectionCount())
}

func TestLoadReportingAndReregistration(t *testing.T) {
	_, fs, addr := startTestServer(t, func(cfg *config.ChatConfig) {
		cfg.ReportInterval = 20 * time.Millisecond
	})

	require.Eventually(t, func() bool { return fs.registrationCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	dialAndAuth(t, addr, "tok-u1")
	require.Eventually(t, func() bool { return fs.reportCount() >= 2 }, 2*time.Second, 10*time.Millisecond)

	// A NotFound report means the status process lost its registry;
	// the server must re-register.
	fs.mu.Lock()
	fs.reportErr = status.Error(codes.NotFound, "chat server not registered")
	fs.mu.Unlock()

	require.Eventually(t, func() bool { return fs.registrationCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestReapRemovesClosedSessions(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)

	// Plant a session that closed without deregistering, as after a
	// registry replacement.
	client, server := net.Pipe()
	defer client.Close()
	ghost := newSession(server, newTestPool(t).NextContext(), srv)
	ghost.closed.Store(true)

	srv.mu.Lock()
	srv.sessions["u-ghost"] = ghost
	srv.mu.Unlock()

	srv.reap()

	_, ok := srv.Get("u-ghost")
	assert.False(t, ok)
	srv.mu.RLock()
	_, present := srv.sessions["u-ghost"]
	srv.mu.RUnlock()
	assert.False(t, present)
}

func TestStopClosesLiveSessions(t *testing.T) {
	srv, _, addr := startTestServer(t, nil)

	conn := dialAndAuth(t, addr, "tok-u1")
	srv.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	hdr := make([]byte, protocol.HeaderSize)
	_, err := conn.Read(hdr)
	assert.Error(t, err)

	// New connections are refused once the acceptor is gone.
	if c, err := net.Dial("tcp", addr); err == nil {
		c.Close()
	}
}

func TestCurrentLoadPercent(t *testing.T) {
	srv, _, addr := startTestServer(t, func(cfg *config.ChatConfig) {
		cfg.MaxConnections = 4
	})

	assert.Equal(t, 0, srv.CurrentLoadPercent())
	dialAndAuth(t, addr, "tok-u1")
	assert.Equal(t, 25, srv.CurrentLoadPercent())
}
