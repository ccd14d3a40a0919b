// Package writepath implements the seven-step write operation from
// spec.md §4.I: shard-ownership check, authorization, content-addressing,
// local put, then replication fanout bounded by a short synchronous
// acceptance window. If fanout has not finished within the window, Store
// still returns — replication keeps running in its own goroutine and the
// persisted replication state converges to "complete" asynchronously.
package writepath
