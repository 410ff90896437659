package statusrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/fkchat/fkchat/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fkchat.status.v1.TokenService"

// Full method paths, used by clients and interceptors.
const (
	MethodGenerateToken      = "/" + ServiceName + "/GenerateToken"
	MethodValidateToken      = "/" + ServiceName + "/ValidateToken"
	MethodRevokeToken        = "/" + ServiceName + "/RevokeToken"
	MethodRegisterChatServer = "/" + ServiceName + "/RegisterChatServer"
	MethodReportLoad         = "/" + ServiceName + "/ReportLoad"
)

// GenerateTokenRequest asks for a login token bound to one device.
type GenerateTokenRequest struct {
	UserUUID       string `json:"user_uuid"`
	ClientDeviceID string `json:"client_device_id"`
}

// GenerateTokenResponse carries the signed token and the chat server the
// client should connect to.
type GenerateTokenResponse struct {
	Token      string               `json:"token"`
	ExpiresAt  int64                `json:"expires_at"`
	ChatServer types.ChatServerInfo `json:"chat_server"`
}

// ValidateTokenRequest checks a token presented by a connecting client.
type ValidateTokenRequest struct {
	Token          string `json:"token"`
	ClientDeviceID string `json:"client_device_id"`
}

type ValidateTokenResponse struct {
	Valid    bool   `json:"valid"`
	UserUUID string `json:"user_uuid,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RevokeTokenRequest invalidates the active token of one user.
type RevokeTokenRequest struct {
	UserUUID string `json:"user_uuid"`
}

type RevokeTokenResponse struct {
	Revoked bool `json:"revoked"`
}

// RegisterChatServerRequest announces a chat server to the registry.
type RegisterChatServerRequest struct {
	ServerID       string `json:"server_id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Zone           string `json:"zone"`
	MaxConnections int    `json:"max_connections"`
}

type RegisterChatServerResponse struct {
	Accepted bool `json:"accepted"`
	// ReportIntervalSeconds tells the chat server how often to call
	// ReportLoad before it is marked inactive.
	ReportIntervalSeconds int64 `json:"report_interval_seconds"`
}

// ReportLoadRequest refreshes a chat server's session count.
type ReportLoadRequest struct {
	ServerID    string `json:"server_id"`
	CurrentLoad int64  `json:"current_load"`
}

type ReportLoadResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// TokenAPI is the server-side contract of the status service.
type TokenAPI interface {
	GenerateToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error)
	ValidateToken(ctx context.Context, req *ValidateTokenRequest) (*ValidateTokenResponse, error)
	RevokeToken(ctx context.Context, req *RevokeTokenRequest) (*RevokeTokenResponse, error)
	RegisterChatServer(ctx context.Context, req *RegisterChatServerRequest) (*RegisterChatServerResponse, error)
	ReportLoad(ctx context.Context, req *ReportLoadRequest) (*ReportLoadResponse, error)
}

// ServiceDesc wires TokenAPI into grpc.Server. Hand-written because the
// service exchanges JSON messages rather than generated protobuf.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenAPI)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GenerateToken", Handler: generateTokenHandler},
		{MethodName: "ValidateToken", Handler: validateTokenHandler},
		{MethodName: "RevokeToken", Handler: revokeTokenHandler},
		{MethodName: "RegisterChatServer", Handler: registerChatServerHandler},
		{MethodName: "ReportLoad", Handler: reportLoadHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fkchat/status/v1/token_service.json",
}

func generateTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GenerateTokenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenAPI).GenerateToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGenerateToken}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(TokenAPI).GenerateToken(ctx, req.(*GenerateTokenRequest))
	})
}

func validateTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateTokenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenAPI).ValidateToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodValidateToken}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(TokenAPI).ValidateToken(ctx, req.(*ValidateTokenRequest))
	})
}

func revokeTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RevokeTokenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenAPI).RevokeToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRevokeToken}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(TokenAPI).RevokeToken(ctx, req.(*RevokeTokenRequest))
	})
}

func registerChatServerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterChatServerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenAPI).RegisterChatServer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRegisterChatServer}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(TokenAPI).RegisterChatServer(ctx, req.(*RegisterChatServerRequest))
	})
}

func reportLoadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReportLoadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenAPI).ReportLoad(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodReportLoad}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(TokenAPI).ReportLoad(ctx, req.(*ReportLoadRequest))
	})
}
