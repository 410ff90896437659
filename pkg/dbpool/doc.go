/*
Package dbpool manages a fixed-size pool of raw MySQL driver connections.

The pool dials its connections eagerly, hands them out with Fetch/Release
(waiting with an optional timeout when exhausted), and runs a monitor that
retires connections past their lifetime or idle budget, pings the rest and
tops the pool back up. ExecuteWithConnection and ExecuteTransaction are
scoped-acquisition helpers that guarantee release on every exit path and
invalidate the connection on error.

Each connection keeps an LRU cache of prepared statements. Exec and Query
take the complete, ordered bind list for the statement, so a caller that
assembled SET and WHERE parameters performs exactly one bind pass.
*/
package dbpool
