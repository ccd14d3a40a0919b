// Package peers tracks the active peer federation: the authoritative peer
// list (refreshed from the on-chain registry), rolling per-peer
// observations (latency, success/failure counts), the misbehavior ledger and
// ban state machine, and the weighted 0-100 reputation score consumed by
// upload/download target selection.
//
// Banned peers always score 0 and are excluded from both upload and download
// selection; a permanent ban (cid_mismatch, corrupt_blob, or a third
// invalid_proof) is never lifted, while soft bans expire at BanUntil.
package peers
