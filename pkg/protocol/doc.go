/*
Package protocol implements the fkchat framed wire protocol.

Each frame is a fixed 24-byte header followed by an opaque body of up to
1 MiB (UTF-8 JSON by convention). All multi-byte integers are little-endian
on the wire:

	offset  size  field
	0       4     magic      0x464B4348 ("FKCH")
	4       2     version    1
	6       2     type       message type tag
	8       4     length     body bytes
	12      8     timestamp  seconds since epoch
	20      4     reserved

The package provides the frame codec (EncodeFrame / DecodeHeader) and an
incremental Parser that consumes bytes as they arrive from the socket,
dispatching complete frames in wire order. No frame is dispatched until it
is fully present, and any header violation (bad magic, unsupported version,
oversize body) aborts the drain so the owning session can close.
*/
package protocol
