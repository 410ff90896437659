/*
Package statusrpc defines the gRPC surface of the status service.

The service is fkchat.status.v1.TokenService. Messages travel as JSON
frames over gRPC: a codec registered under the "json" content-subtype
replaces generated protobuf messages, so the request and reply types in
this package are plain structs with json tags.

Topology:

	gate-server  --GenerateToken/ValidateToken/RevokeToken-->  status-server
	chat-server  --ValidateToken/RegisterChatServer/ReportLoad-->  status-server

Server wraps grpc.Server and accepts any TokenAPI implementation;
Client wraps a single grpc.ClientConn. Connection pooling lives in
pkg/rpcpool.
*/
package statusrpc
