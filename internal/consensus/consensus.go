// Package consensus implements the read path's hedged multi-replica fetch,
// majority-hash tally, and anti-censorship retry, plus the bounded audit log
// of disputes and censorship events that backs them. See doc.go.
package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/transport"
	"github.com/hashd/vault/internal/vaulterr"
)

// Tier is a permanence classification published by the engine; it is not
// per-CID engine state but a policy lookup table (spec.md §4.G).
type Tier string

const (
	TierEphemeral  Tier = "ephemeral"
	TierPersistent Tier = "persistent"
	TierArchival   Tier = "archival"
)

// TierPolicy is the replication factor and GC eligibility for a Tier.
type TierPolicy struct {
	ReplicationFactor int
	GCAllowed         bool
}

// TierPolicies is the fixed lookup table from spec.md §4.G.
var TierPolicies = map[Tier]TierPolicy{
	TierEphemeral:  {ReplicationFactor: 2, GCAllowed: true},
	TierPersistent: {ReplicationFactor: 3, GCAllowed: false},
	TierArchival:   {ReplicationFactor: 7, GCAllowed: false},
}

// FetchResult is the outcome of fetchWithConsensus.
type FetchResult struct {
	CID            string
	Bytes          []byte
	Consensus      bool
	DisputedNodes  []string
	CensoringNodes []string
	WinningHash    string
	SampleCount    int
}

type hashTally struct {
	count          int
	nodes          []string
	sampleBytes    []byte
}

// FetchWithConsensus dials every replica in replicaSet concurrently with
// perPeerTimeout, tallies the SHA-256 of each successful response, and
// declares consensus when the top hash has count ≥ 2 or count exceeds
// ⌈N/2⌉ for a replica set of N. Disputes and censorship are recorded to log.
func FetchWithConsensus(ctx context.Context, t transport.Transport, log *AuditLog, cid string, replicaSet []peers.Info, perPeerTimeout time.Duration) (FetchResult, *vaulterr.Error) {
	type reply struct {
		nodeID string
		bytes  []byte
		err    error
	}
	replies := make(chan reply, len(replicaSet))
	var wg sync.WaitGroup
	for _, p := range replicaSet {
		wg.Add(1)
		go func(p peers.Info) {
			defer wg.Done()
			peerCtx, cancel := context.WithTimeout(ctx, perPeerTimeout)
			defer cancel()
			b, err := t.FetchBlob(peerCtx, transport.Peer{NodeID: p.NodeID, Endpoint: p.Endpoint}, cid)
			replies <- reply{nodeID: p.NodeID, bytes: b, err: err}
		}(p)
	}
	wg.Wait()
	close(replies)

	tally := make(map[string]*hashTally)
	var censoring []string
	successfulNodes := 0
	for r := range replies {
		if r.err != nil || r.bytes == nil {
			censoring = append(censoring, r.nodeID)
			continue
		}
		successfulNodes++
		sum := sha256.Sum256(r.bytes)
		h := hex.EncodeToString(sum[:])
		e, ok := tally[h]
		if !ok {
			e = &hashTally{sampleBytes: r.bytes}
			tally[h] = e
		}
		e.count++
		e.nodes = append(e.nodes, r.nodeID)
	}

	if len(tally) == 0 {
		return FetchResult{CID: cid, CensoringNodes: censoring}, vaulterr.New(vaulterr.ConsensusFailed, "no replica returned the blob")
	}

	winningHash, winner := pickWinner(tally)
	n := len(replicaSet)
	hasConsensus := winner.count >= 2 || float64(winner.count) > math.Ceil(float64(n)*0.5)

	var disputed []string
	for h, e := range tally {
		if h == winningHash {
			continue
		}
		disputed = append(disputed, e.nodes...)
	}
	sort.Strings(disputed)
	sort.Strings(censoring)

	if len(tally) >= 2 {
		hashes := make([]string, 0, len(tally))
		for h := range tally {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)
		log.Append(Entry{
			Kind:    EntryDispute,
			CID:     cid,
			At:      time.Now(),
			Dispute: &DisputeRecord{ConflictingHashes: hashes, Resolution: "pending"},
		})
	}
	for _, nodeID := range censoring {
		log.Append(Entry{
			Kind:      EntryCensorship,
			CID:       cid,
			At:        time.Now(),
			Censorship: &CensorshipEvent{NodeID: nodeID},
		})
	}

	if !hasConsensus {
		return FetchResult{CID: cid, DisputedNodes: disputed, CensoringNodes: censoring, SampleCount: successfulNodes}, vaulterr.New(vaulterr.ConsensusFailed, "no quorum among responding replicas")
	}

	return FetchResult{
		CID:            cid,
		Bytes:          winner.sampleBytes,
		Consensus:      true,
		DisputedNodes:  disputed,
		CensoringNodes: censoring,
		WinningHash:    winningHash,
		SampleCount:    successfulNodes,
	}, nil
}

func pickWinner(tally map[string]*hashTally) (string, *hashTally) {
	var bestHash string
	var best *hashTally
	// Deterministic iteration: sort candidate hashes first so ties resolve
	// the same way across repeated calls with identical input.
	hashes := make([]string, 0, len(tally))
	for h := range tally {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		e := tally[h]
		if best == nil || e.count > best.count {
			bestHash, best = h, e
		}
	}
	return bestHash, best
}

// FetchWithAntiCensorship retries fetchWithConsensus up to maxRetries times,
// each round drawing a randomized sample from a reputation-weighted
// candidate pool, and evicting disputing/censoring nodes from the pool
// between rounds.
func FetchWithAntiCensorship(ctx context.Context, t transport.Transport, registry *peers.Registry, log *AuditLog, cid string, shardOwners map[string]bool, sampleSize, maxRetries int, perPeerTimeout time.Duration) (FetchResult, *vaulterr.Error) {
	pool := registry.RankForShard(shardOwners)
	excluded := make(map[string]bool)

	var lastErr *vaulterr.Error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		candidates := make([]peers.Ranked, 0, len(pool))
		for _, p := range pool {
			if !excluded[p.Info.NodeID] {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			break
		}
		sample := weightedSample(candidates, sampleSize)
		replicaSet := make([]peers.Info, len(sample))
		for i, c := range sample {
			replicaSet[i] = c.Info
		}

		res, err := FetchWithConsensus(ctx, t, log, cid, replicaSet, perPeerTimeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		for _, nodeID := range res.DisputedNodes {
			excluded[nodeID] = true
		}
		for _, nodeID := range res.CensoringNodes {
			excluded[nodeID] = true
		}
	}
	return FetchResult{CID: cid}, lastErr
}

// weightedSample draws up to n entries from ranked, biased toward higher
// scores: each draw picks one not-yet-chosen candidate with probability
// proportional to its score plus one, repeated without replacement until n
// are chosen, so higher-reputation peers are more likely to be chosen without
// always picking the exact same top-n set.
func weightedSample(ranked []peers.Ranked, n int) []peers.Ranked {
	if n >= len(ranked) {
		out := make([]peers.Ranked, len(ranked))
		copy(out, ranked)
		return out
	}
	weights := make([]float64, len(ranked))
	total := 0.0
	for i, r := range ranked {
		w := r.Score + 1 // avoid zero-weight dead peers being unpickable forever
		weights[i] = w
		total += w
	}
	chosen := make(map[int]bool, n)
	out := make([]peers.Ranked, 0, n)
	for len(out) < n && len(chosen) < len(ranked) {
		roll := rand.Float64() * total
		idx := -1
		cum := 0.0
		for i, w := range weights {
			if chosen[i] {
				continue
			}
			cum += w
			if roll <= cum {
				idx = i
				break
			}
		}
		if idx == -1 {
			for i := range ranked {
				if !chosen[i] {
					idx = i
					break
				}
			}
		}
		chosen[idx] = true
		out = append(out, ranked[idx])
		total -= weights[idx]
	}
	return out
}
