/*
Package token implements the status service: login token issuance and
validation, plus the chat server registry used for load-based placement.

Tokens are HS256 JWTs carrying the user uuid (sub) and the client device
id (dev). A token is valid only while its record exists in the kv store,
so revocation and duplicate-login preemption are immediate regardless of
the JWT expiry. One active token per user: issuing a new token revokes
the previous one.

The registry tracks chat servers by their periodic load reports. Servers
that miss reports for longer than the grace window are marked inactive
and skipped by selection.

	gate-server ──GenerateToken──▶ Service ──SelectBest──▶ Registry
	chat-server ──ValidateToken──▶ Service ──record check──▶ kv store
	chat-server ──ReportLoad─────▶ Registry
*/
package token
