/*
Package rpcpool maintains a fixed set of pre-dialed gRPC client
connections per target service.

Dialing happens once at startup; callers take connections round-robin
with Pick, so concurrent RPC fan-out spreads across TCP connections
instead of multiplexing one. Keepalive pings keep idle connections from
being dropped by middleboxes between calls.
*/
package rpcpool
