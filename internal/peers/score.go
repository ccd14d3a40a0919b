package peers

import (
	"sort"
	"time"
)

// Score weights, fixed per spec.md §9's open question: implementers may
// expose them as tunables but the defaults are not reconfigurable here.
const (
	WeightFreshness      = 0.40
	WeightLatency        = 0.20
	WeightReliability    = 0.20
	WeightCapacity       = 0.10
	WeightShardRelevance = 0.10
)

const (
	freshnessHorizon = time.Hour
	latencyHorizon   = 5000 * time.Millisecond
	defaultCapacity  = 50.0
)

// Score computes peerID's 0-100 reputation score for the given shard
// relevance (whether the peer owns the shard the caller cares about right
// now — this varies per call, so it isn't cached on the Observation).
func (r *Registry) Score(peerID string, shardOwner bool) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.misb[peerID]; ok {
		if m.PermanentBan || time.Now().Before(m.BanUntil) {
			return 0
		}
	}

	o, ok := r.obs[peerID]
	if !ok {
		o = &Observation{}
	}

	freshness := freshnessScore(o.LastSeen)
	latency := latencyScore(o.AvgLatency)
	reliability := o.successRate() * 100
	capacity := defaultCapacity
	shardRelevance := 50.0
	if shardOwner {
		shardRelevance = 100.0
	}

	return WeightFreshness*freshness +
		WeightLatency*latency +
		WeightReliability*reliability +
		WeightCapacity*capacity +
		WeightShardRelevance*shardRelevance
}

func freshnessScore(lastSeen time.Time) float64 {
	if lastSeen.IsZero() {
		return 0
	}
	age := time.Since(lastSeen)
	if age <= 0 {
		return 100
	}
	if age >= freshnessHorizon {
		return 0
	}
	return 100 * (1 - float64(age)/float64(freshnessHorizon))
}

func latencyScore(avg time.Duration) float64 {
	if avg <= 0 {
		return 0 // no latency sample recorded yet
	}
	if avg >= latencyHorizon {
		return 0
	}
	return 100 * (1 - float64(avg)/float64(latencyHorizon))
}

// Ranked is a peer with its computed score, returned by selection helpers.
type Ranked struct {
	Info  Info
	Score float64
}

// RankForShard scores and sorts every known, non-banned peer descending by
// score against the given shard-ownership predicate, used by both upload and
// download selection (spec.md §4.E: "identical algorithm; callers decide
// hedge width").
func (r *Registry) RankForShard(shardOwners map[string]bool) []Ranked {
	all := r.All()
	out := make([]Ranked, 0, len(all))
	for _, p := range all {
		if r.IsBanned(p.NodeID) {
			continue
		}
		out = append(out, Ranked{Info: p, Score: r.Score(p.NodeID, shardOwners[p.NodeID])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TopN returns the top n peers from a RankForShard-style ranking, for upload
// or download selection. Callers pick n (the hedge width for reads, R for
// writes).
func TopN(ranked []Ranked, n int) []Ranked {
	if n >= len(ranked) {
		return ranked
	}
	if n < 0 {
		n = 0
	}
	return ranked[:n]
}
