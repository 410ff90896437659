package statusrpc

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeTokenAPI records the last request of each method and replies with
// canned responses.
type fakeTokenAPI struct {
	lastGenerate *GenerateTokenRequest
	lastValidate *ValidateTokenRequest
	lastReport   *ReportLoadRequest
	generateErr  error
}

func (f *fakeTokenAPI) GenerateToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error) {
	f.lastGenerate = req
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &GenerateTokenResponse{
		Token:     "tok-" + req.UserUUID,
		ExpiresAt: 1234567890,
		ChatServer: types.ChatServerInfo{
			Host: "10.0.0.5",
			Port: 9500,
			Zone: "z1",
		},
	}, nil
}

func (f *fakeTokenAPI) ValidateToken(ctx context.Context, req *ValidateTokenRequest) (*ValidateTokenResponse, error) {
	f.lastValidate = req
	if req.Token == "good" {
		return &ValidateTokenResponse{Valid: true, UserUUID: "u-1"}, nil
	}
	return &ValidateTokenResponse{Valid: false, Message: "token mismatch"}, nil
}

func (f *fakeTokenAPI) RevokeToken(ctx context.Context, req *RevokeTokenRequest) (*RevokeTokenResponse, error) {
	return &RevokeTokenResponse{Revoked: true}, nil
}

func (f *fakeTokenAPI) RegisterChatServer(ctx context.Context, req *RegisterChatServerRequest) (*RegisterChatServerResponse, error) {
	return &RegisterChatServerResponse{Accepted: true, ReportIntervalSeconds: 30}, nil
}

func (f *fakeTokenAPI) ReportLoad(ctx context.Context, req *ReportLoadRequest) (*ReportLoadResponse, error) {
	f.lastReport = req
	return &ReportLoadResponse{Acknowledged: true}, nil
}

// startBufServer serves impl over an in-memory listener and returns a
// connected client.
func startBufServer(t *testing.T, impl TokenAPI) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(log.WithComponent("test"))))
	srv.RegisterService(&ServiceDesc, impl)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn, 2*time.Second)
}

func TestGenerateTokenRoundTrip(t *testing.T) {
	impl := &fakeTokenAPI{}
	client := startBufServer(t, impl)

	resp, err := client.GenerateToken(context.Background(), "u-42", "device-a")
	require.NoError(t, err)

	assert.Equal(t, "tok-u-42", resp.Token)
	assert.Equal(t, int64(1234567890), resp.ExpiresAt)
	assert.Equal(t, "10.0.0.5", resp.ChatServer.Host)
	assert.Equal(t, 9500, resp.ChatServer.Port)

	require.NotNil(t, impl.lastGenerate)
	assert.Equal(t, "u-42", impl.lastGenerate.UserUUID)
	assert.Equal(t, "device-a", impl.lastGenerate.ClientDeviceID)
}

func TestValidateTokenOutcomes(t *testing.T) {
	impl := &fakeTokenAPI{}
	client := startBufServer(t, impl)

	resp, err := client.ValidateToken(context.Background(), "good", "device-a")
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, "u-1", resp.UserUUID)

	resp, err = client.ValidateToken(context.Background(), "bad", "device-a")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "token mismatch", resp.Message)
}

func TestRevokeAndRegisterAndReport(t *testing.T) {
	impl := &fakeTokenAPI{}
	client := startBufServer(t, impl)

	rev, err := client.RevokeToken(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, rev.Revoked)

	reg, err := client.RegisterChatServer(context.Background(), &RegisterChatServerRequest{
		ServerID:       "chat-1",
		Host:           "10.0.0.5",
		Port:           9500,
		Zone:           "z1",
		MaxConnections: 10000,
	})
	require.NoError(t, err)
	assert.True(t, reg.Accepted)
	assert.Equal(t, int64(30), reg.ReportIntervalSeconds)

	rep, err := client.ReportLoad(context.Background(), "chat-1", 512)
	require.NoError(t, err)
	assert.True(t, rep.Acknowledged)
	require.NotNil(t, impl.lastReport)
	assert.Equal(t, int64(512), impl.lastReport.CurrentLoad)
}

func TestHandlerErrorPropagates(t *testing.T) {
	impl := &fakeTokenAPI{generateErr: status.Error(codes.Unavailable, "registry has no active servers")}
	client := startBufServer(t, impl)

	_, err := client.GenerateToken(context.Background(), "u-1", "d-1")
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}

	in := &ValidateTokenRequest{Token: "abc", ClientDeviceID: "dev"}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(ValidateTokenRequest)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in, out)
	assert.Equal(t, CodecName, c.Name())
}
