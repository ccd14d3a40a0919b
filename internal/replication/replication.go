// Package replication implements deterministic replica target selection,
// parallel fanout with reputation feedback, and the persisted, HMAC-tagged
// replication state described in spec.md §3/§4.F. See doc.go.
package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/transport"
)

// ExclusionReason explains why a candidate peer was not selected as a
// replication target.
type ExclusionReason string

const (
	ExcludedReputation    ExclusionReason = "reputation"
	ExcludedShard         ExclusionReason = "shard"
	ExcludedPriorFailure  ExclusionReason = "prior-failure"
)

// Excluded is one skipped candidate and why.
type Excluded struct {
	NodeID string
	Reason ExclusionReason
}

// reputationFloor is the minimum peers.Score below which a candidate is
// never selected as a replication target.
const reputationFloor = 20.0

// rendezvousHash scores peerID as a replication target for cid using
// highest-random-weight (rendezvous) hashing: the peer with the highest
// hash "owns" the key, deterministically and without a central directory,
// per spec.md §4.F.
func rendezvousHash(cid, peerID string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(cid)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(peerID)
	return h.Sum64()
}

// SelectTargets returns the deterministic rendezvous-hash ordering of
// candidates for cid, restricted to the first r peers that clear the
// reputation floor, own the CID's shard, and have not previously failed
// for this CID. Every skipped candidate is recorded in excluded with its
// reason.
func SelectTargets(cid string, candidates []peers.Info, registry *Scorer, shardOwner func(nodeID string) bool, priorFailures map[string]bool, r int) (selected []peers.Info, excluded []Excluded) {
	type scored struct {
		info peers.Info
		hash uint64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{info: c, hash: rendezvousHash(cid, c.NodeID)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].hash > ranked[j].hash })

	for _, c := range ranked {
		if priorFailures[c.info.NodeID] {
			excluded = append(excluded, Excluded{NodeID: c.info.NodeID, Reason: ExcludedPriorFailure})
			continue
		}
		if !shardOwner(c.info.NodeID) {
			excluded = append(excluded, Excluded{NodeID: c.info.NodeID, Reason: ExcludedShard})
			continue
		}
		if registry.Score(c.info.NodeID) < reputationFloor {
			excluded = append(excluded, Excluded{NodeID: c.info.NodeID, Reason: ExcludedReputation})
			continue
		}
		selected = append(selected, c.info)
		if len(selected) == r {
			break
		}
	}
	return selected, excluded
}

// Scorer is the narrow read-only view of peers.Registry that target
// selection needs, kept separate from *peers.Registry so this package does
// not need the whole registry API surface.
type Scorer struct {
	registry *peers.Registry
}

// NewScorer wraps a peers.Registry for use by SelectTargets.
func NewScorer(r *peers.Registry) *Scorer { return &Scorer{registry: r} }

// Score returns nodeID's shard-agnostic reputation score (0 if banned).
func (s *Scorer) Score(nodeID string) float64 {
	return s.registry.Score(nodeID, false)
}

// FanoutResult is the outcome of one round of parallel replication fanout.
type FanoutResult struct {
	Confirmed []string
	Failed    []string
}

// Fanout dials every target in parallel with the given per-peer timeout and
// pushes the blob, recording reputation reward/penalty on the registry as a
// side effect.
func Fanout(ctx context.Context, t transport.Transport, registry *peers.Registry, targets []peers.Info, cid string, ciphertext []byte, mime string, meta map[string]string, perPeerTimeout time.Duration) FanoutResult {
	type outcome struct {
		nodeID string
		ok     bool
	}
	results := make(chan outcome, len(targets))
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(p peers.Info) {
			defer wg.Done()
			peerCtx, cancel := context.WithTimeout(ctx, perPeerTimeout)
			defer cancel()
			start := time.Now()
			ok, err := t.Replicate(peerCtx, transport.Peer{NodeID: p.NodeID, Endpoint: p.Endpoint}, cid, ciphertext, mime, meta)
			if err != nil {
				registry.RecordFailure(p.NodeID, peers.EventTimeout)
				results <- outcome{nodeID: p.NodeID, ok: false}
				return
			}
			if !ok {
				registry.RecordFailure(p.NodeID, peers.EventGenericFailure)
				results <- outcome{nodeID: p.NodeID, ok: false}
				return
			}
			registry.RecordSuccess(p.NodeID, time.Since(start))
			results <- outcome{nodeID: p.NodeID, ok: true}
		}(target)
	}
	wg.Wait()
	close(results)

	var res FanoutResult
	for o := range results {
		if o.ok {
			res.Confirmed = append(res.Confirmed, o.nodeID)
		} else {
			res.Failed = append(res.Failed, o.nodeID)
		}
	}
	return res
}

// VerifyWithPeers performs a HEAD-style existence probe against every given
// peer and returns how many confirm possession of cid. GC's safety decision
// uses this count, never the locally-claimed replication state — spec.md's
// R6.10 invariant.
func VerifyWithPeers(ctx context.Context, t transport.Transport, candidates []peers.Info, cid string, perPeerTimeout time.Duration) int {
	type outcome struct{ has bool }
	results := make(chan outcome, len(candidates))
	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p peers.Info) {
			defer wg.Done()
			peerCtx, cancel := context.WithTimeout(ctx, perPeerTimeout)
			defer cancel()
			has, err := t.ProbeHas(peerCtx, transport.Peer{NodeID: p.NodeID, Endpoint: p.Endpoint}, cid)
			results <- outcome{has: err == nil && has}
		}(p)
	}
	wg.Wait()
	close(results)

	count := 0
	for o := range results {
		if o.has {
			count++
		}
	}
	return count
}

// IsSafeToDelete reports whether cid has at least r independently-verified
// replicas among candidates, per spec.md's GC safety rule.
func IsSafeToDelete(ctx context.Context, t transport.Transport, candidates []peers.Info, cid string, r int, perPeerTimeout time.Duration) bool {
	return VerifyWithPeers(ctx, t, candidates, cid, perPeerTimeout) >= r
}
