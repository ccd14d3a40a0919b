// Package gc implements blob garbage collection: candidate scoring,
// retention-mode filtering, an ordered safety pipeline, and pinned-space
// reservation accounting. See doc.go.
package gc

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashd/vault/internal/blobstore"
	"github.com/hashd/vault/internal/vaulterr"
)

// RetentionMode selects which filter(s) GC applies to candidates.
type RetentionMode string

const (
	RetentionTime   RetentionMode = "time"
	RetentionSize   RetentionMode = "size"
	RetentionHybrid RetentionMode = "hybrid"
)

// SkipReason names why a GC candidate was not deleted.
type SkipReason string

const (
	SkipPinned               SkipReason = "pinned"
	SkipShardMismatch        SkipReason = "shard_mismatch"
	SkipInsufficientReplicas SkipReason = "insufficient_replicas"
	SkipNoMetadata           SkipReason = "no_metadata"
	SkipInvalidProof         SkipReason = "invalid_proof"
)

// Config is the node-local GC policy, drawn from spec.md §6's enumerated
// gc* settings.
type Config struct {
	RetentionMode        RetentionMode
	MaxStorageBytes       int64
	MaxBlobAgeDays        int
	MinFreeDiskBytes      int64
	ReservedForPinnedBytes int64
	VerifyReplicas        bool
	VerifyProofs          bool
	ReplicationFactor     int
}

// Candidate is one blob under GC consideration.
type Candidate struct {
	CID          string
	AgeDays      float64
	IdleDays     float64
	SizeBytes    int64
	Pinned       bool
	Priority     float64
	ReplicatedTo []string // persisted replication.replicatedTo, used when live verification is disabled
}

// Report summarizes the outcome of a single Run.
type Report struct {
	DryRun                      bool
	Deleted                     []string
	FreedBytes                  int64
	SkippedPinned               int
	SkippedInsufficientReplicas int
	SkippedShardMismatch        int
	SkippedNoMetadata           int
	SkippedInvalidProof         int
}

// ReplicaChecker is the narrow replication-package surface GC needs to
// decide safety — deliberately not a dependency on *replication.Engine, to
// avoid import cycles and to keep GC's test doubles trivial.
type ReplicaChecker interface {
	// VerifiedReplicaCount returns how many peers (other than this node)
	// independently confirm holding cid.
	VerifiedReplicaCount(ctx context.Context, cid string) int
}

// ProofChecker is the narrow surface GC needs from an external storage-proof
// service (spec.md §4.J) to verify a blob's proof before deleting it. Proof
// primitives are an external collaborator this repo does not implement, so a
// Collector with VerifyProofs set but no ProofChecker wired simply skips the
// proof check rather than blocking every candidate on a service that does
// not exist here.
type ProofChecker interface {
	VerifyProof(ctx context.Context, cid string) (bool, error)
}

// Collector runs GC passes against a Store, using shardOwns to decide
// shard ownership and checker to decide replication safety.
type Collector struct {
	store        *blobstore.Store
	shardOwns    func(cid string) bool
	checker      ReplicaChecker
	proofChecker ProofChecker
	cfg          Config

	running atomic.Bool
}

// NewCollector constructs a Collector.
func NewCollector(store *blobstore.Store, shardOwns func(cid string) bool, checker ReplicaChecker, cfg Config) *Collector {
	return &Collector{store: store, shardOwns: shardOwns, checker: checker, cfg: cfg}
}

// SetProofChecker installs the optional proof-verification collaborator
// consulted when cfg.VerifyProofs is true. Safe to leave unset.
func (c *Collector) SetProofChecker(pc ProofChecker) {
	c.proofChecker = pc
}

// Run executes one GC pass. It refuses to run concurrently with itself,
// returning GC_ALREADY_RUNNING if re-entered while a prior pass is still in
// flight.
func (c *Collector) Run(ctx context.Context, dryRun bool) (Report, *vaulterr.Error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, vaulterr.New(vaulterr.GCAlreadyRunning, "a GC pass is already running")
	}
	defer c.running.Store(false)

	candidates, err := c.buildCandidates()
	if err != nil {
		return Report{}, vaulterr.Newf(vaulterr.Internal, "gc: build candidates: %v", err)
	}

	selected := c.filterByRetention(candidates)
	sort.Slice(selected, func(i, j int) bool { return selected[i].Priority > selected[j].Priority })

	stats, statErr := c.store.Stats()
	if statErr != nil {
		return Report{}, vaulterr.Newf(vaulterr.Internal, "gc: read stats: %v", statErr)
	}
	reservationFloor := c.cfg.MaxStorageBytes - c.cfg.ReservedForPinnedBytes
	used := stats.TotalSize
	pinnedSize := stats.PinnedSize

	report := Report{DryRun: dryRun}
	for _, cand := range selected {
		if ctx.Err() != nil {
			break
		}
		reason, ok := c.safetyCheck(ctx, cand)
		if !ok {
			switch reason {
			case SkipPinned:
				report.SkippedPinned++
			case SkipShardMismatch:
				report.SkippedShardMismatch++
			case SkipInsufficientReplicas:
				report.SkippedInsufficientReplicas++
			case SkipNoMetadata:
				report.SkippedNoMetadata++
			case SkipInvalidProof:
				report.SkippedInvalidProof++
			}
			continue
		}

		// Pinned-reservation floor: a free-space-triggered deletion must
		// never push (used - pinnedSize) below (maxStorage - reserved).
		// A candidate past the age limit in time or hybrid mode is not
		// free-space-triggered and is not held back by the floor.
		timeMode := c.cfg.RetentionMode == RetentionTime || c.cfg.RetentionMode == RetentionHybrid
		expired := timeMode && cand.AgeDays > float64(c.cfg.MaxBlobAgeDays)
		if !expired && used-pinnedSize <= reservationFloor {
			continue
		}

		if !dryRun {
			if delErr := c.store.Delete(cand.CID); delErr != nil {
				continue
			}
		}
		report.Deleted = append(report.Deleted, cand.CID)
		report.FreedBytes += cand.SizeBytes
		used -= cand.SizeBytes
	}
	return report, nil
}

func (c *Collector) buildCandidates() ([]Candidate, error) {
	cids, err := c.store.List()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Candidate, 0, len(cids))
	for _, cid := range cids {
		meta, err := c.store.GetMetadata(cid)
		if err != nil {
			continue
		}
		ageDays := now.Sub(meta.CreatedAt).Hours() / 24
		idleDays := now.Sub(meta.Metrics.LastAccessed).Hours() / 24
		if meta.Metrics.LastAccessed.IsZero() {
			idleDays = ageDays
		}
		cand := Candidate{
			CID:          cid,
			AgeDays:      ageDays,
			IdleDays:     idleDays,
			SizeBytes:    int64(meta.Size),
			Pinned:       meta.Pinned,
			ReplicatedTo: meta.Replication.ReplicatedTo,
		}
		cand.Priority = priorityOf(cand)
		out = append(out, cand)
	}
	return out, nil
}

func priorityOf(c Candidate) float64 {
	if c.Pinned {
		return -1000
	}
	const mib = 1024 * 1024
	return 10*c.AgeDays + 5*c.IdleDays + float64(c.SizeBytes)/mib
}

func (c *Collector) filterByRetention(candidates []Candidate) []Candidate {
	switch c.cfg.RetentionMode {
	case RetentionTime:
		return c.filterByTime(candidates)
	case RetentionSize:
		return c.filterBySize(candidates)
	case RetentionHybrid:
		byTime := c.filterByTime(candidates)
		bySize := c.filterBySize(candidates)
		seen := make(map[string]bool, len(byTime)+len(bySize))
		out := make([]Candidate, 0, len(byTime)+len(bySize))
		for _, cand := range append(byTime, bySize...) {
			if !seen[cand.CID] {
				seen[cand.CID] = true
				out = append(out, cand)
			}
		}
		return out
	default:
		return c.filterBySize(candidates)
	}
}

func (c *Collector) filterByTime(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Pinned {
			out = append(out, cand) // kept so skips are counted
			continue
		}
		if cand.AgeDays > float64(c.cfg.MaxBlobAgeDays) {
			out = append(out, cand)
		}
	}
	return out
}

func (c *Collector) filterBySize(candidates []Candidate) []Candidate {
	stats, err := c.store.Stats()
	if err != nil {
		return nil
	}
	freeDisk, fdErr := c.store.FreeDisk()

	excess := stats.TotalSize - c.cfg.MaxStorageBytes
	lowOnDisk := fdErr == nil && c.cfg.MinFreeDiskBytes > 0 && int64(freeDisk) < c.cfg.MinFreeDiskBytes
	overReservation := (stats.TotalSize - stats.PinnedSize) > (c.cfg.MaxStorageBytes - c.cfg.ReservedForPinnedBytes)

	if excess <= 0 && !lowOnDisk && !overReservation {
		// Still include pinned so their skip is counted consistently with
		// the time-mode filter and hybrid unions.
		out := make([]Candidate, 0)
		for _, cand := range candidates {
			if cand.Pinned {
				out = append(out, cand)
			}
		}
		return out
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	target := excess
	if target < 0 {
		target = 0
	}
	var cumulative int64
	out := make([]Candidate, 0, len(sorted))
	for _, cand := range sorted {
		if cand.Pinned {
			out = append(out, cand)
			continue
		}
		if cumulative >= target && !lowOnDisk && !overReservation {
			continue
		}
		out = append(out, cand)
		cumulative += cand.SizeBytes
	}
	return out
}

func (c *Collector) safetyCheck(ctx context.Context, cand Candidate) (SkipReason, bool) {
	if _, err := c.store.GetMetadata(cand.CID); err != nil || !c.store.HasBlob(cand.CID) {
		return SkipNoMetadata, false
	}
	if cand.Pinned {
		return SkipPinned, false
	}
	if c.shardOwns != nil && !c.shardOwns(cand.CID) {
		return SkipShardMismatch, false
	}
	needed := c.cfg.ReplicationFactor - 1
	if needed < 0 {
		needed = 0
	}
	if c.cfg.VerifyReplicas && c.checker != nil {
		if c.checker.VerifiedReplicaCount(ctx, cand.CID) < needed {
			return SkipInsufficientReplicas, false
		}
	} else {
		// Live verification is off (or no checker is wired): fall back to
		// the persisted replication.replicatedTo count rather than skipping
		// the safety check outright. Absent replicatedTo is treated as
		// insufficient, never as implicitly safe.
		if len(cand.ReplicatedTo) < needed {
			return SkipInsufficientReplicas, false
		}
	}

	if c.cfg.VerifyProofs && c.proofChecker != nil {
		ok, err := c.proofChecker.VerifyProof(ctx, cand.CID)
		if err != nil || !ok {
			return SkipInvalidProof, false
		}
	}
	return "", true
}
