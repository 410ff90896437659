/*
Package gateway implements the HTTP front door for account operations:
verification codes, registration, login and password reset.

Every endpoint speaks the same envelope. Requests carry a service type
tag and an operation payload; responses mirror the HTTP status into the
body so thin clients can switch on one field:

	{"request_service_type": "Login", "data": {...}}
	{"response_status_code": 200, "message": "ok", "data": {...}}

	         ┌──────────────┐   mapper    ┌─────────┐
	  HTTP ─▶│   Gateway    │────────────▶│  MySQL  │
	         │  (chi mux)   │             └─────────┘
	         │              │   kvstore   ┌─────────┐
	         │              │────────────▶│  Redis  │
	         │              │             └─────────┘
	         │              │  statusrpc  ┌─────────┐
	         │              │─(breaker)──▶│ Status  │
	         └──────────────┘             └─────────┘

Login is the only path that depends on the status service; that call
runs through a circuit breaker so a status outage degrades logins to
fast 503s instead of piling up blocked requests.
*/
package gateway
