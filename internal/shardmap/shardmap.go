// Package shardmap implements the CID-to-shard function and per-node
// shard-range ownership used to decide placement and routing. See doc.go.
package shardmap

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hashd/vault/internal/cidhash"
)

// DefaultShardCount is the network-wide default shard count (spec default).
const DefaultShardCount = 1024

// maxExplicitShards bounds how many shard IDs the ranges of one ownership
// spec may expand to in total, so a malformed config ("0-999999999") cannot
// exhaust memory.
const maxExplicitShards = 1 << 20

// Range is an inclusive [Start, End] span of shard IDs.
type Range struct {
	Start int
	End   int
}

func (r Range) contains(id int) bool { return id >= r.Start && id <= r.End }

// ShardKey derives the shard key for cid: the first 4 bytes of the hex-decoded
// CID, interpreted as a big-endian unsigned integer, modulo shardCount.
func ShardKey(cid string, shardCount int) (int, error) {
	if shardCount <= 0 {
		return 0, fmt.Errorf("shardmap: shardCount must be positive, got %d", shardCount)
	}
	norm, err := cidhash.NormalizeCID(cid)
	if err != nil {
		return 0, err
	}
	raw, err := hex.DecodeString(norm[:8]) // first 4 bytes = 8 hex chars
	if err != nil || len(raw) != 4 {
		return 0, cidhash.ErrInvalidCID
	}
	v := binary.BigEndian.Uint32(raw)
	return int(v % uint32(shardCount)), nil
}

// Map is an immutable snapshot of one node's shard ownership. New snapshots
// replace old ones atomically (see AtomicMap) rather than being mutated in
// place, so readers never observe a half-updated ownership set — the
// "dynamic config mutation" pattern is modelled as atomic snapshot swap, not
// lock-protected in-place edits.
type Map struct {
	ranges     []Range
	explicit   map[int]struct{}
	shardCount int
}

// NewMap builds a Map for shardCount total shards, owning the given ranges
// and explicit shard IDs (either may be nil/empty).
func NewMap(shardCount int, ranges []Range, explicit []int) *Map {
	m := &Map{shardCount: shardCount, ranges: append([]Range(nil), ranges...)}
	if len(explicit) > 0 {
		m.explicit = make(map[int]struct{}, len(explicit))
		for _, id := range explicit {
			m.explicit[id] = struct{}{}
		}
	}
	return m
}

// ParseOwnership parses the mixed "0-255,512-767" / "0,1,2,3" shard-ownership
// syntax from config into ranges and an explicit ID set. Entries are
// comma-separated; each entry is either "start-end" or a bare integer.
func ParseOwnership(spec string) ([]Range, []int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil, nil
	}
	var ranges []Range
	var explicit []int
	total := 0
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			if len(bounds) != 2 {
				return nil, nil, fmt.Errorf("shardmap: malformed range %q", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
			if err != nil {
				return nil, nil, fmt.Errorf("shardmap: malformed range start %q: %w", part, err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err != nil {
				return nil, nil, fmt.Errorf("shardmap: malformed range end %q: %w", part, err)
			}
			if end < start {
				return nil, nil, fmt.Errorf("shardmap: range end before start %q", part)
			}
			total += end - start + 1
			if total > maxExplicitShards {
				return nil, nil, fmt.Errorf("shardmap: ownership spec expands past %d shards", maxExplicitShards)
			}
			ranges = append(ranges, Range{Start: start, End: end})
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, nil, fmt.Errorf("shardmap: malformed shard id %q: %w", part, err)
		}
		explicit = append(explicit, id)
	}
	return ranges, explicit, nil
}

// OwnsShard reports whether this Map's node owns shard key k.
func (m *Map) OwnsShard(k int) bool {
	if m == nil {
		return false
	}
	if _, ok := m.explicit[k]; ok {
		return true
	}
	for _, r := range m.ranges {
		if r.contains(k) {
			return true
		}
	}
	return false
}

// OwnsCID reports whether this Map's node owns the shard that cid hashes to.
func (m *Map) OwnsCID(cid string) (bool, error) {
	k, err := ShardKey(cid, m.shardCount)
	if err != nil {
		return false, err
	}
	return m.OwnsShard(k), nil
}

// ShardCount returns the total shard count this Map was constructed with.
func (m *Map) ShardCount() int { return m.shardCount }

// CoveredShards returns the number of distinct shard IDs owned by this Map.
// Used purely for observability/distribution statistics.
func (m *Map) CoveredShards() int {
	seen := make(map[int]struct{})
	for id := range m.explicit {
		seen[id] = struct{}{}
	}
	for _, r := range m.ranges {
		for id := r.Start; id <= r.End; id++ {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// Ranges returns a defensive copy of the owned ranges, sorted by Start, for
// reporting (e.g. the /shards HTTP surface).
func (m *Map) Ranges() []Range {
	out := append([]Range(nil), m.ranges...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// ExplicitShards returns a sorted defensive copy of the explicit shard IDs.
func (m *Map) ExplicitShards() []int {
	out := make([]int, 0, len(m.explicit))
	for id := range m.explicit {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// OwnsCIDForSpec parses a "0-255,512-767" / "0,1,2,3" ownership spec (the
// same syntax ParseOwnership accepts) and reports whether the resulting
// ownership set covers cid's shard. It lets a caller holding only a remote
// peer's serialized shard-ownership string (e.g. from the on-chain node
// record or the peer registry) answer the same question AtomicMap answers
// for the local node, without that peer publishing a full Map.
func OwnsCIDForSpec(spec, cid string, shardCount int) (bool, error) {
	ranges, explicit, err := ParseOwnership(spec)
	if err != nil {
		return false, err
	}
	return NewMap(shardCount, ranges, explicit).OwnsCID(cid)
}

// AtomicMap is a concurrency-safe holder for the current ownership snapshot,
// allowing a reshard/reconfigure operation to publish a new Map without
// readers ever observing a torn update.
type AtomicMap struct {
	ptr atomic.Pointer[Map]
}

// NewAtomicMap wraps an initial Map.
func NewAtomicMap(m *Map) *AtomicMap {
	a := &AtomicMap{}
	a.ptr.Store(m)
	return a
}

// Load returns the current Map snapshot.
func (a *AtomicMap) Load() *Map { return a.ptr.Load() }

// Store atomically replaces the current Map snapshot.
func (a *AtomicMap) Store(m *Map) { a.ptr.Store(m) }

// Distribution reports coverage statistics for N random/sampled CIDs already
// bucketed into shard keys by the caller, used by shard-distribution property
// tests (spec.md §8's "coveredShards ≥ 0.8·min(N, shardCount)" law).
// AvgNodesPerShard is left to the caller to fill in (it requires the
// cluster-wide node→shard assignment, which this single-node package does not
// have visibility into); Analyze only computes the single-node statistics.
type Distribution struct {
	CoveredShards    int
	MaxShardCount    int
	AvgNodesPerShard float64
}

// Analyze computes distribution statistics over a slice of shard keys.
func Analyze(keys []int, shardCount int) Distribution {
	counts := make(map[int]int)
	for _, k := range keys {
		counts[k]++
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	return Distribution{
		CoveredShards: len(counts),
		MaxShardCount: max,
	}
}
