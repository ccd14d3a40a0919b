// Package replication selects replica targets deterministically (rendezvous
// hashing over cid‖peerId), fans writes out to them in parallel, tracks
// confirmed/failed nodes in an HMAC-tagged durable ledger, and exposes the
// narrow verifyWithPeers/isSafeToDelete queries GC needs without depending
// on GC's package (avoiding a cyclic import, same as the teacher keeps
// internal/cluster free of internal/coordinator).
//
// Incoming (server-side) replication pushes run through Intake's ordered
// check pipeline before anything touches local storage.
package replication
