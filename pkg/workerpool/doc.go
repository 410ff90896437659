/*
Package workerpool provides a parallel execution substrate with priority
admission and load-balanced dispatch.

A Pool owns W execution contexts, each drained by a single worker
goroutine, and three bounded priority channels (high, normal, low). One
dispatcher goroutine per priority receives tasks and forwards them to a
round-robin-chosen context:

	     Post(task, prio)
	          │
	  ┌───────▼────────┐
	  │ priority chans │  high / normal / low, bounded
	  └───────┬────────┘
	          │ dispatcher per channel
	  ┌───────▼────────┐
	  │    contexts    │  one worker goroutine each, FIFO
	  └────────────────┘

Work bound to a single context is serialised, which is what the chat layer
relies on for per-session housekeeping. Task panics are recovered and
logged; Stop drains and joins everything and is idempotent.
*/
package workerpool
