// Package writepath composes the shard, authorization, content-addressing,
// blob storage, and replication components into the single write
// operation exposed to callers. See doc.go.
package writepath

import (
	"context"
	"time"

	"github.com/hashd/vault/internal/authz"
	"github.com/hashd/vault/internal/blobstore"
	"github.com/hashd/vault/internal/cidhash"
	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/replication"
	"github.com/hashd/vault/internal/shardmap"
	"github.com/hashd/vault/internal/transport"
	"github.com/hashd/vault/internal/vaulterr"
)

// defaultAcceptanceWindow bounds how long Store blocks waiting for replication
// fanout to finish before returning with a (possibly incomplete)
// replicationStatus, per spec.md §4.I step 6.
const defaultAcceptanceWindow = 2 * time.Second

// ReplicationStatus reports target/confirmed counts for a write.
type ReplicationStatus struct {
	Target    int
	Confirmed int
	Complete  bool
}

// Result is the write pipeline's return value.
type Result struct {
	Success           bool
	CID               string
	Timestamp         time.Time
	ReplicationStatus ReplicationStatus
}

// Pipeline wires together the components a write touches, in order:
// shardmap ownership, authz, cidhash, blobstore, replication.
type Pipeline struct {
	Shards            *shardmap.AtomicMap
	Oracle            *authz.Oracle
	Blobs             *blobstore.Store
	Registry          *peers.Registry
	Transport         transport.Transport
	ReplState         *replication.Store
	ReplicationFactor int
	PerPeerTimeout    time.Duration
	AcceptanceWindow  time.Duration
	IsBlocked         func(cid string) bool // optional local content blocklist
	SelfNodeID        string                // this node's own chain-registered id, sent to peers as replication metadata

	// DisableReplication skips the replicate step entirely, per
	// config's replicationEnabled[true] setting. False (the zero value) keeps
	// replication on, so a Pipeline built without setting this field still
	// replicates — only an explicit opt-out turns it off.
	DisableReplication bool
}

// Store runs the full write pipeline for ciphertext and returns once either
// replication completes, the acceptance window elapses, or an error
// terminates the write early. Replication continues in the background past
// the acceptance window if not yet complete.
func (p *Pipeline) Store(ctx context.Context, ciphertext []byte, mime string, rec authz.Record, extras blobstore.Extras) (Result, *vaulterr.Error) {
	cid := cidhash.CIDOf(ciphertext)

	m := p.Shards.Load()
	owns, err := m.OwnsCID(cid)
	if err != nil {
		return Result{}, vaulterr.Newf(vaulterr.Internal, "shard ownership check failed: %v", err)
	}
	if !owns {
		return Result{}, vaulterr.New(vaulterr.ShardMismatch, "this node does not own the shard for this cid")
	}

	authRes := p.Oracle.Authorize(ctx, rec, ciphertext)
	if !authRes.Authorized {
		if authRes.Err != nil {
			return Result{}, authRes.Err
		}
		return Result{}, vaulterr.New(vaulterr.InvalidAuthorization, "authorization denied")
	}

	if p.IsBlocked != nil && p.IsBlocked(cid) {
		return Result{}, vaulterr.New(vaulterr.ContentBlocked, "cid is blocklisted")
	}

	if putErr := p.Blobs.Put(cid, ciphertext, mime, extras); putErr != nil {
		if ve, ok := putErr.(*vaulterr.Error); ok {
			return Result{}, ve
		}
		return Result{}, vaulterr.Newf(vaulterr.Internal, "blob put failed: %v", putErr)
	}

	if p.DisableReplication {
		return Result{Success: true, CID: cid, Timestamp: time.Now(), ReplicationStatus: ReplicationStatus{Complete: true}}, nil
	}

	status := p.replicate(ctx, cid, ciphertext, mime, rec.Sender, extras.ContentType)
	return Result{Success: true, CID: cid, Timestamp: time.Now(), ReplicationStatus: status}, nil
}

func (p *Pipeline) replicate(ctx context.Context, cid string, ciphertext []byte, mime, sender, contentType string) ReplicationStatus {
	r := p.ReplicationFactor
	if r <= 0 {
		r = 3
	}
	perPeerTimeout := p.PerPeerTimeout
	if perPeerTimeout <= 0 {
		perPeerTimeout = 5 * time.Second
	}
	window := p.AcceptanceWindow
	if window <= 0 {
		window = defaultAcceptanceWindow
	}

	candidates := p.Registry.All()
	scorer := replication.NewScorer(p.Registry)
	m := p.Shards.Load()
	byNode := make(map[string]peers.Info, len(candidates))
	for _, c := range candidates {
		byNode[c.NodeID] = c
	}
	// shardOwner answers whether the *candidate peer* — not this node, whose
	// ownership was already checked in Store — owns cid's shard, using each
	// peer's self-declared ShardRanges.
	shardOwner := func(nodeID string) bool {
		info, ok := byNode[nodeID]
		if !ok {
			return false
		}
		return info.OwnsShardForCID(cid, m.ShardCount())
	}
	targets, _ := replication.SelectTargets(cid, candidates, scorer, shardOwner, nil, r)
	targetIDs := make([]string, len(targets))
	for i, t := range targets {
		targetIDs[i] = t.NodeID
	}
	if p.ReplState != nil {
		_, _ = p.ReplState.NewOrUpdate(cid, r, targetIDs)
	}

	// meta travels to the receiving peer's incoming-replication intake, which
	// needs the sending node's identity (to check it is registered-active)
	// and the content type (media skips the on-chain CID check in favor of
	// a bare sender field, per spec.md §4.F).
	meta := map[string]string{
		"PeerNodeIDHash": p.SelfNodeID,
		"ContentType":    contentType,
		"Sender":         sender,
	}

	resultCh := make(chan replication.FanoutResult, 1)
	go func() {
		bg := context.Background()
		res := replication.Fanout(bg, p.Transport, p.Registry, targets, cid, ciphertext, mime, meta, perPeerTimeout)
		if p.ReplState != nil {
			_, _ = p.ReplState.ApplyFanout(cid, res)
		}
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		return ReplicationStatus{Target: r, Confirmed: len(res.Confirmed), Complete: len(res.Confirmed) >= r}
	case <-time.After(window):
		return ReplicationStatus{Target: r, Confirmed: 0, Complete: false}
	case <-ctx.Done():
		return ReplicationStatus{Target: r, Confirmed: 0, Complete: false}
	}
}
