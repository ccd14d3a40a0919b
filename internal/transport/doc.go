// Package transport provides the peer-to-peer dial surface: pushing a
// replicated blob, fetching a blob, probing existence, and checking health.
// HTTP is the only implementation owned here (the P2P protocol proper is an
// external collaborator); Loopback is an in-memory double for tests.
package transport
