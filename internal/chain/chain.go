// Package chain defines the on-chain registry client contract consumed by
// the authorization oracle and peer registry. The real client (talking to
// whatever chain the deployment authorizes writes against) is an external
// collaborator per spec.md §1/§4.J; this package owns only the interface and
// a deterministic in-memory double used by tests.
package chain

import "context"

// GroupInfo is the subset of an on-chain group record the oracle needs.
type GroupInfo struct {
	Owner string
	Token string
}

// NodeRecord is the subset of an on-chain node-registration record the peer
// registry needs to validate an incoming peer.
type NodeRecord struct {
	NodeID    string
	Endpoint  string
	PublicKey string
	Active    bool

	// ShardRanges is the node's self-declared shard ownership, in the same
	// "0-255,512-767" spec shardmap.ParseOwnership accepts. Replication
	// target selection uses this to decide whether a *candidate peer* — not
	// this node — owns the CID's shard.
	ShardRanges string
}

// Client is the read/write surface the vault needs from the on-chain
// registries: app/member authorization, node registration, and post/message
// existence checks used by the P2P replication intake's CID authorization
// step.
type Client interface {
	// IsNodeActive reports whether the node identified by nodeIDHash (the
	// hash of a peer's public key) is registered and active.
	IsNodeActive(ctx context.Context, nodeIDHash string) (bool, error)

	// GetNode returns the on-chain record for nodeIDHash.
	GetNode(ctx context.Context, nodeIDHash string) (NodeRecord, error)

	// IsMember reports whether sender holds membership in the group
	// identified by groupToken.
	IsMember(ctx context.Context, sender, groupToken string) (bool, error)

	// GetGroupByToken resolves a group token to its on-chain group record
	// (used by token_distribution authorization to check ownership).
	GetGroupByToken(ctx context.Context, tokenAddress string) (GroupInfo, error)

	// GetPostByCID reports whether a non-media post/comment record
	// referencing cid exists on-chain.
	GetPostByCID(ctx context.Context, cid string) (exists bool, err error)

	// GetMessageByCID reports whether a message record referencing cid
	// exists on-chain.
	GetMessageByCID(ctx context.Context, cid string) (exists bool, err error)

	// RegisterNode registers this node's public presence on-chain. Used only
	// by explicit registration tasks, never by the write path.
	RegisterNode(ctx context.Context, rec NodeRecord) error
}
