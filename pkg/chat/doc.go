/*
Package chat implements the chat server: a TCP acceptor with admission
control, the per-connection session FSM and the live-session registry.

	           ┌──────────────── chat-server ────────────────┐
	 client ──▶│ acceptor ──▶ Session (AwaitingAuth)          │
	           │                 │ AUTH_REQUEST               │
	           │                 ▼ ValidateToken (status RPC) │
	           │              Session (Authenticated)         │
	           │                 │                            │
	           │   registry[user_uuid] ◀─ register            │
	           │   broadcast / send_to ──▶ other sessions     │
	           └──────────────────────────────────────────────┘

Each session is bound to one worker-pool context; outbound frames drain
through that context one write at a time, so a session's frames leave
the socket in enqueue order. The registry holds sessions by user uuid;
a second login for the same uuid preempts the first (the old session is
notified and closed). Closed sessions left in the registry are reaped
periodically.

The server registers itself with the status service at startup and
reports its session count on an interval; the status side demotes
servers whose reports stop.
*/
package chat
