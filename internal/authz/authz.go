// Package authz implements the write-path authorization oracle: an ordered
// pipeline of checks (required fields, app registry, freshness, content
// binding, replay, signature recovery, on-chain authorization, nonce
// recording) that decides whether a write is permitted. See doc.go.
package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hashd/vault/internal/chain"
	"github.com/hashd/vault/internal/vaulterr"
)

// RecordType enumerates the authorization record types the oracle handles.
type RecordType string

const (
	GroupPost        RecordType = "group_post"
	GroupComment     RecordType = "group_comment"
	Message          RecordType = "message"
	TokenDistribution RecordType = "token_distribution"
)

// Record is the write-side AuthorizationRecord from spec.md §3. It is never
// persisted; it exists only for the duration of a single write's
// authorization check.
type Record struct {
	Type        RecordType
	Sender      string
	Signature   string
	Timestamp   time.Time
	Nonce       string
	ContentHash string
	AppID       string
	ContentType string

	// Type-specific context, selected by Type: only the fields for that type
	// are populated (ThreadID and Participants together for a message).
	GroupPostsAddress string
	ThreadID          string
	Participants      []string
	TokenAddress      string
}

// Result is the oracle's verdict, returned for every authorization check
// regardless of outcome.
type Result struct {
	Authorized bool
	Sender     string
	Err        *vaulterr.Error
	Details    map[string]any
}

// Policy holds the node-local authorization policy knobs from spec.md §6.
type Policy struct {
	RequireAppRegistry bool
	AllowedApps        []string // substring / "*" match against appId
}

const (
	freshnessSkew    = 5 * time.Minute
	replayWindow     = 10 * time.Minute
	onChainCacheTTL  = time.Hour
	appAuthCacheTTL  = time.Minute
	nonceCacheSize   = 100_000
	onChainCacheSize = 50_000
	appAuthCacheSize = 10_000
)

// Oracle is the authorization oracle. It is constructed with an explicit
// chain.Client dependency — no package-level singleton — per the source
// system's redesign note.
type Oracle struct {
	chain  chain.Client
	policy Policy

	replayCache  *lru.LRU[string, time.Time] // key: sender|nonce
	onChainCache *lru.LRU[string, bool]      // key: cid|mediaFlag
	appAuthCache *lru.LRU[string, bool]      // key: appId|sender

	mu sync.Mutex // guards replay-cache check-then-insert
}

// New constructs an Oracle backed by c and configured with policy.
func New(c chain.Client, policy Policy) *Oracle {
	return &Oracle{
		chain:        c,
		policy:       policy,
		replayCache:  lru.NewLRU[string, time.Time](nonceCacheSize, nil, replayWindow),
		onChainCache: lru.NewLRU[string, bool](onChainCacheSize, nil, onChainCacheTTL),
		appAuthCache: lru.NewLRU[string, bool](appAuthCacheSize, nil, appAuthCacheTTL),
	}
}

// Authorize runs the full ordered pipeline against rec and the candidate
// ciphertext, returning a Result. Every negative branch surfaces a specific
// vaulterr.Kind with a machine-readable Reason sub-code.
func (o *Oracle) Authorize(ctx context.Context, rec Record, ciphertext []byte) Result {
	if err := o.checkRequiredFields(rec); err != nil {
		return Result{Err: err}
	}
	if err := o.checkAppRegistry(ctx, rec); err != nil {
		return Result{Err: err}
	}
	if err := checkFreshness(rec); err != nil {
		return Result{Err: err}
	}
	if err := checkContentBinding(rec, ciphertext); err != nil {
		return Result{Err: err}
	}
	if err := o.checkReplay(rec); err != nil {
		return Result{Err: err}
	}
	if err := checkSignature(rec); err != nil {
		return Result{Err: err}
	}
	if err := o.checkOnChain(ctx, rec); err != nil {
		return Result{Err: err}
	}
	o.recordNonce(rec)
	return Result{Authorized: true, Sender: rec.Sender}
}

func (o *Oracle) checkRequiredFields(rec Record) *vaulterr.Error {
	if rec.AppID == "" || rec.ContentType == "" {
		return vaulterr.New(vaulterr.InvalidRequest, "appId and contentType are required").WithReason("missing_fields")
	}
	switch rec.Type {
	case GroupPost, GroupComment:
		if rec.GroupPostsAddress == "" {
			return vaulterr.New(vaulterr.InvalidRequest, "groupPostsAddress is required").WithReason("missing_fields")
		}
	case Message:
		if rec.ThreadID == "" || len(rec.Participants) == 0 {
			return vaulterr.New(vaulterr.InvalidRequest, "threadId and participants are required").WithReason("missing_fields")
		}
	case TokenDistribution:
		if rec.TokenAddress == "" {
			return vaulterr.New(vaulterr.InvalidRequest, "tokenAddress is required").WithReason("missing_fields")
		}
	default:
		return vaulterr.Newf(vaulterr.InvalidRequest, "unknown authorization type %q", rec.Type).WithReason("missing_fields")
	}
	if rec.Sender == "" || rec.Signature == "" || rec.Nonce == "" || rec.ContentHash == "" {
		return vaulterr.New(vaulterr.InvalidRequest, "sender, signature, nonce and contentHash are required").WithReason("missing_fields")
	}
	return nil
}

func (o *Oracle) checkAppRegistry(ctx context.Context, rec Record) *vaulterr.Error {
	if len(o.policy.AllowedApps) > 0 && !appAllowed(o.policy.AllowedApps, rec.AppID) {
		return vaulterr.New(vaulterr.InvalidAuthorization, "appId is not in the allowed app list").WithReason("app_not_allowed")
	}

	key := rec.AppID + "|" + rec.Sender
	if ok, hit := o.appAuthCache.Get(key); hit {
		if !ok {
			return vaulterr.New(vaulterr.InvalidAuthorization, "app is not authorized for sender").WithReason("app_not_authorized")
		}
		return nil
	}

	// The app registry itself is an on-chain concept covered by the same
	// chain.Client surface used for on-chain record checks; absent a
	// dedicated registry lookup in Client, a node with requireAppRegistry
	// set relies on the allowedApps list above as its registry. A node
	// without that policy accepts any well-formed appId.
	if o.policy.RequireAppRegistry && len(o.policy.AllowedApps) == 0 {
		o.appAuthCache.Add(key, false)
		return vaulterr.New(vaulterr.InvalidAuthorization, "app registry unavailable and requireAppRegistry is set").WithReason("app_registry_unavailable")
	}
	o.appAuthCache.Add(key, true)
	return nil
}

func appAllowed(allowed []string, appID string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.Contains(appID, a) {
			return true
		}
	}
	return false
}

func checkFreshness(rec Record) *vaulterr.Error {
	skew := rec.Timestamp.Sub(time.Now())
	if skew < 0 {
		skew = -skew
	}
	if skew > freshnessSkew {
		return vaulterr.New(vaulterr.InvalidAuthorization, "timestamp is outside the allowed skew window").WithReason("timestamp_skew")
	}
	return nil
}

func checkContentBinding(rec Record, ciphertext []byte) *vaulterr.Error {
	sum := sha256.Sum256(ciphertext)
	want := hex.EncodeToString(sum[:])
	if !strings.EqualFold(rec.ContentHash, want) {
		return vaulterr.New(vaulterr.CIDMismatch, "contentHash does not match SHA-256(ciphertext)").WithReason("content_hash_mismatch")
	}
	return nil
}

func (o *Oracle) checkReplay(rec Record) *vaulterr.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := rec.Sender + "|" + rec.Nonce
	if _, hit := o.replayCache.Get(key); hit {
		return vaulterr.New(vaulterr.Forbidden, "nonce has already been used by this sender").WithReason("nonce_replay")
	}
	return nil
}

func (o *Oracle) recordNonce(rec Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayCache.Add(rec.Sender+"|"+rec.Nonce, time.Now())
}

func checkSignature(rec Record) *vaulterr.Error {
	addr, err := RecoverSigner(rec)
	if err != nil {
		return vaulterr.Newf(vaulterr.InvalidAuthorization, "signature recovery failed: %v", err).WithReason("signature_mismatch")
	}
	if !strings.EqualFold(addr, rec.Sender) {
		return vaulterr.New(vaulterr.InvalidAuthorization, "recovered signer does not match sender").WithReason("signature_mismatch")
	}
	return nil
}

func (o *Oracle) checkOnChain(ctx context.Context, rec Record) *vaulterr.Error {
	switch rec.Type {
	case GroupPost, GroupComment:
		isMember, err := o.chain.IsMember(ctx, rec.Sender, rec.GroupPostsAddress)
		if err != nil {
			return vaulterr.Newf(vaulterr.Internal, "group membership lookup failed: %v", err)
		}
		if !isMember {
			return vaulterr.New(vaulterr.Forbidden, "sender is not a member of the posting group").WithReason("not_member")
		}
		return nil
	case Message:
		if len(rec.Participants) < 2 {
			return vaulterr.New(vaulterr.InvalidAuthorization, "message requires at least two participants").WithReason("threadId_mismatch")
		}
		want, err := RecomputeThreadID(rec.Participants)
		if err != nil {
			return vaulterr.Newf(vaulterr.InvalidAuthorization, "threadId recomputation failed: %v", err).WithReason("threadId_mismatch")
		}
		if !strings.EqualFold(want, rec.ThreadID) {
			return vaulterr.New(vaulterr.InvalidAuthorization, "threadId does not match recomputed value").WithReason("threadId_mismatch")
		}
		// Stricter historical variant (spec.md §9 open question): require the
		// sender to actually be one of the participants, not merely that the
		// threadId hashes match.
		if !containsFold(rec.Participants, rec.Sender) {
			return vaulterr.New(vaulterr.Forbidden, "sender is not a participant of the thread").WithReason("not_member")
		}
		return nil
	case TokenDistribution:
		group, err := o.chain.GetGroupByToken(ctx, rec.TokenAddress)
		if err != nil {
			return vaulterr.Newf(vaulterr.Internal, "group lookup by token failed: %v", err)
		}
		if !strings.EqualFold(group.Owner, rec.Sender) {
			return vaulterr.New(vaulterr.Forbidden, "sender does not own the distributing group").WithReason("not_member")
		}
		return nil
	default:
		return vaulterr.Newf(vaulterr.InvalidRequest, "unknown authorization type %q", rec.Type)
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// VerifyCIDOnChain checks whether cid is referenced by an authorized
// on-chain record: for non-media content, a post or message record must
// exist; media is signature-authorized only, so it is always accepted here
// (the upstream signature check already gated the write). Results are
// cached for an hour, positive and negative alike.
func (o *Oracle) VerifyCIDOnChain(ctx context.Context, cid string, isMedia bool) (bool, error) {
	key := fmt.Sprintf("%s|%v", cid, isMedia)
	if ok, hit := o.onChainCache.Get(key); hit {
		return ok, nil
	}
	if isMedia {
		o.onChainCache.Add(key, true)
		return true, nil
	}
	exists, err := o.chain.GetPostByCID(ctx, cid)
	if err != nil {
		return false, err
	}
	if !exists {
		exists, err = o.chain.GetMessageByCID(ctx, cid)
		if err != nil {
			return false, err
		}
	}
	o.onChainCache.Add(key, exists)
	return exists, nil
}
