// Package peers implements the peer registry, rolling observations, the
// misbehavior ledger and ban state machine, and the 0-100 reputation score
// used by replication target selection and consensus sampling. See doc.go.
package peers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashd/vault/internal/chain"
	"github.com/hashd/vault/internal/shardmap"
)

// observationIdleTTL is how long a peer observation is kept with no activity
// before it is treated as stale and evicted.
const observationIdleTTL = 24 * time.Hour

// Info is the authoritative record for a registered peer, refreshed from the
// on-chain node list.
type Info struct {
	NodeID    string
	Endpoint  string
	PublicKey string
	Active    bool

	// ShardRanges is the peer's self-declared shard ownership spec (see
	// chain.NodeRecord.ShardRanges), used by replication target selection to
	// check a *candidate's* shard ownership rather than this node's own.
	ShardRanges string
}

// OwnsShardForCID reports whether this peer's declared ShardRanges covers
// cid's shard under shardCount total shards. An unparseable or empty spec
// reports false rather than erroring, since a peer that has not declared
// ownership should not be treated as a replication target for any shard.
func (i Info) OwnsShardForCID(cid string, shardCount int) bool {
	owns, err := shardmap.OwnsCIDForSpec(i.ShardRanges, cid, shardCount)
	return err == nil && owns
}

// Observation is the per-peer rolling record described in spec.md §3.
type Observation struct {
	LastSeen    time.Time
	CachedAt    time.Time
	AvgLatency  time.Duration
	SuccessCount uint64
	FailureCount uint64
}

func (o Observation) successRate() float64 {
	total := o.SuccessCount + o.FailureCount
	if total == 0 {
		return 0
	}
	return float64(o.SuccessCount) / float64(total)
}

// Misbehavior is the per-peer ledger driving the ban state machine.
type Misbehavior struct {
	BanUntil       time.Time
	InvalidProofs  int
	CIDMismatches  int
	CorruptBlobs   int
	Timeouts       int
	PermanentBan   bool
	recentFailures []time.Time // rolling 30s window for the "≥3 failures" rule
}

// Event enumerates the misbehavior events the state machine reacts to.
type Event int

const (
	EventInvalidProof Event = iota
	EventCIDMismatch
	EventCorruptBlob
	EventTimeout
	EventGenericFailure // any other failed interaction, feeds the 30s rule only
)

const rollingFailureWindow = 30 * time.Second

// Registry tracks the known peer set plus local observations and misbehavior
// for each. It is constructed with an explicit chain.Client dependency
// (no package-level singleton), per the source system's redesign note about
// singleton services with hidden globals.
type Registry struct {
	chainClient chain.Client
	selfShards  func(cid string) bool // optional shard-ownership predicate for shardRelevance scoring

	mu      sync.RWMutex
	peers   map[string]Info
	obs     map[string]*Observation
	misb    map[string]*Misbehavior
}

// NewRegistry constructs an empty Registry backed by chainClient.
func NewRegistry(chainClient chain.Client) *Registry {
	return &Registry{
		chainClient: chainClient,
		peers:       make(map[string]Info),
		obs:         make(map[string]*Observation),
		misb:        make(map[string]*Misbehavior),
	}
}

// SetShardRelevance stores a shard-ownership predicate on the registry.
// Score does not consult it: the shardRelevance component comes from Score's
// shardOwner argument (100 when true, 50 otherwise).
func (r *Registry) SetShardRelevance(fn func(peerID string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		r.selfShards = nil
		return
	}
	r.selfShards = func(cid string) bool { return fn(cid) }
}

// Refresh replaces the registry's peer list with a freshly-seeded set, e.g.
// from an authoritative external peer-list source. It does not clear
// observations or misbehavior for peers that remain present.
func (r *Registry) Refresh(list []Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]Info, len(list))
	for _, p := range list {
		next[p.NodeID] = p
	}
	r.peers = next
}

// VerifyAndAdd checks nodeIDHash against the chain registry and, if active,
// adds/updates it in the registry. Used by the incoming-replication intake
// path (spec.md §4.F) to validate a peer is registered-active before
// accepting data from it.
func (r *Registry) VerifyAndAdd(ctx context.Context, nodeIDHash string) (bool, error) {
	active, err := r.chainClient.IsNodeActive(ctx, nodeIDHash)
	if err != nil || !active {
		return false, err
	}
	rec, err := r.chainClient.GetNode(ctx, nodeIDHash)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.peers[rec.NodeID] = Info{NodeID: rec.NodeID, Endpoint: rec.Endpoint, PublicKey: rec.PublicKey, Active: rec.Active, ShardRanges: rec.ShardRanges}
	r.mu.Unlock()
	return true, nil
}

// All returns a snapshot of every known peer.
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *Registry) observation(peerID string) *Observation {
	o, ok := r.obs[peerID]
	if !ok {
		o = &Observation{}
		r.obs[peerID] = o
	}
	return o
}

func (r *Registry) misbehavior(peerID string) *Misbehavior {
	m, ok := r.misb[peerID]
	if !ok {
		m = &Misbehavior{}
		r.misb[peerID] = m
	}
	return m
}

// RecordSuccess logs a successful interaction with peerID at the given
// latency, updating its rolling observation.
func (r *Registry) RecordSuccess(peerID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.observation(peerID)
	o.SuccessCount++
	o.LastSeen = time.Now()
	o.CachedAt = o.LastSeen
	if o.AvgLatency == 0 {
		o.AvgLatency = latency
	} else {
		// exponential moving average, smoothing factor 0.2
		o.AvgLatency = o.AvgLatency + (latency-o.AvgLatency)/5
	}
}

// RecordFailure logs a failed interaction and applies the misbehavior state
// machine for the given event kind.
func (r *Registry) RecordFailure(peerID string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.observation(peerID)
	o.FailureCount++
	o.LastSeen = time.Now()

	m := r.misbehavior(peerID)
	now := time.Now()
	m.recentFailures = append(m.recentFailures, now)
	m.recentFailures = pruneOlderThan(m.recentFailures, now.Add(-rollingFailureWindow))

	switch event {
	case EventInvalidProof:
		m.InvalidProofs++
		switch m.InvalidProofs {
		case 1:
			m.BanUntil = maxTime(m.BanUntil, now.Add(10*time.Minute))
		case 2:
			m.BanUntil = maxTime(m.BanUntil, now.Add(time.Hour))
		default:
			m.PermanentBan = true
		}
	case EventCIDMismatch:
		m.CIDMismatches++
		m.PermanentBan = true
	case EventCorruptBlob:
		m.CorruptBlobs++
		m.PermanentBan = true
	case EventTimeout:
		m.Timeouts++
		// Timeouts never ban by themselves; they still count toward the
		// rolling-window rule below and decay score via reliability.
	case EventGenericFailure:
		// only feeds the rolling-window rule
	}

	if !m.PermanentBan && len(m.recentFailures) >= 3 {
		m.BanUntil = maxTime(m.BanUntil, now.Add(10*time.Minute))
	}
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// IsBanned reports whether peerID is currently banned, permanently or
// otherwise.
func (r *Registry) IsBanned(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.misb[peerID]
	if !ok {
		return false
	}
	return m.PermanentBan || time.Now().Before(m.BanUntil)
}

// EvictIdle removes observations that have been idle past observationIdleTTL,
// bounding the registry's memory footprint for peers that have churned out of
// the federation.
func (r *Registry) EvictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, o := range r.obs {
		if now.Sub(o.LastSeen) > observationIdleTTL {
			delete(r.obs, id)
			evicted++
		}
	}
	return evicted
}
