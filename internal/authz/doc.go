// Package authz gates every write with an ordered pipeline: required
// fields, app registry, freshness, content-hash binding, replay, EIP-191
// signature recovery, and a type-specific on-chain check, followed by nonce
// recording. Order matters — each step's error kind and Reason sub-code are
// defined in spec.md §7, and a step never runs once an earlier one has
// failed.
//
// The stricter historical variant of message authorization is implemented:
// beyond the threadId hash matching, the sender must be one of the
// participants.
package authz
