package statusrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// ConnPicker yields a connection for one call. *rpcpool.Pool implements
// it; singleConn adapts a bare connection for tests and one-off clients.
type ConnPicker interface {
	Pick() grpc.ClientConnInterface
}

type singleConn struct {
	conn grpc.ClientConnInterface
}

func (s singleConn) Pick() grpc.ClientConnInterface { return s.conn }

// Client is the typed caller side of the token service. Every call gets
// its own deadline derived from callTimeout.
type Client struct {
	conns   ConnPicker
	timeout time.Duration
}

// NewClient wraps one established connection.
func NewClient(conn grpc.ClientConnInterface, callTimeout time.Duration) *Client {
	return NewPooledClient(singleConn{conn: conn}, callTimeout)
}

// NewPooledClient draws a connection from picker for each call.
func NewPooledClient(picker ConnPicker, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Client{conns: picker, timeout: callTimeout}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conns.Pick().Invoke(ctx, method, req, resp, callOptions()...)
}

// GenerateToken issues a token for userUUID bound to deviceID and picks
// the chat server the client should use.
func (c *Client) GenerateToken(ctx context.Context, userUUID, deviceID string) (*GenerateTokenResponse, error) {
	out := new(GenerateTokenResponse)
	err := c.invoke(ctx, MethodGenerateToken, &GenerateTokenRequest{
		UserUUID:       userUUID,
		ClientDeviceID: deviceID,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateToken checks token for the presenting device.
func (c *Client) ValidateToken(ctx context.Context, token, deviceID string) (*ValidateTokenResponse, error) {
	out := new(ValidateTokenResponse)
	err := c.invoke(ctx, MethodValidateToken, &ValidateTokenRequest{
		Token:          token,
		ClientDeviceID: deviceID,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeToken invalidates the user's active token.
func (c *Client) RevokeToken(ctx context.Context, userUUID string) (*RevokeTokenResponse, error) {
	out := new(RevokeTokenResponse)
	if err := c.invoke(ctx, MethodRevokeToken, &RevokeTokenRequest{UserUUID: userUUID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterChatServer announces a chat server to the status service.
func (c *Client) RegisterChatServer(ctx context.Context, req *RegisterChatServerRequest) (*RegisterChatServerResponse, error) {
	out := new(RegisterChatServerResponse)
	if err := c.invoke(ctx, MethodRegisterChatServer, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportLoad refreshes the chat server's session count.
func (c *Client) ReportLoad(ctx context.Context, serverID string, currentLoad int64) (*ReportLoadResponse, error) {
	out := new(ReportLoadResponse)
	err := c.invoke(ctx, MethodReportLoad, &ReportLoadRequest{
		ServerID:    serverID,
		CurrentLoad: currentLoad,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
