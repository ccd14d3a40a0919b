// Package cidhash provides the content-addressing and tamper-evidence
// primitives every other vault component is built on:
//
//   - CIDOf / VerifyCID: SHA-256 content hashing and constant-time
//     verification that a blob matches its claimed CID.
//   - Integrity: a per-node HMAC key used to stamp and verify on-disk state
//     records (currently the replication-state table), so that an actor with
//     filesystem access but not the node's secret cannot silently forge
//     replication confirmations.
//
// Nothing in this package touches the filesystem layout of blobs themselves
// (that's internal/blobstore) or the network (that's internal/transport).
// Apart from LoadOrCreateSecret, which reads or creates the node secret file,
// it is pure, allocation-light, and safe to call from any goroutine.
package cidhash
