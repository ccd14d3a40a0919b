// Package integration exercises the vault's components wired together the
// same way cmd/vaultd composes them, covering the end-to-end scenarios from
// the node's design notes. Unlike a multi-process cluster, a single vault
// node is a self-contained binary, so these tests wire the composition
// in-process rather than spawning subprocess binaries.
package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashd/vault/internal/authz"
	"github.com/hashd/vault/internal/blobstore"
	"github.com/hashd/vault/internal/chain"
	"github.com/hashd/vault/internal/consensus"
	"github.com/hashd/vault/internal/gc"
	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/shardmap"
	"github.com/hashd/vault/internal/transport"
	"github.com/hashd/vault/internal/vaulterr"
	"github.com/hashd/vault/internal/writepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personalSignHash(rec authz.Record) []byte {
	msg := authz.BuildMessage(rec)
	full := []byte("\x19Ethereum Signed Message:\n" + itoa(len(msg)) + msg)
	return crypto.Keccak256(full)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// newSignedMessageRecord builds a "message" authorization record whose
// threadId matches the sorted participants, satisfying the stricter
// sender-membership variant of message authorization.
func newSignedMessageRecord(t *testing.T, ciphertext []byte, other string) authz.Record {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	participants := []string{sender, other}
	threadID, err := authz.RecomputeThreadID(participants)
	require.NoError(t, err)

	sum := sha256.Sum256(ciphertext)
	rec := authz.Record{
		Type:         authz.Message,
		Sender:       sender,
		Timestamp:    time.Now(),
		Nonce:        "e2e-nonce-1",
		ContentHash:  hex.EncodeToString(sum[:]),
		AppID:        "hashd",
		ContentType:  "message",
		Participants: participants,
		ThreadID:     threadID,
	}
	sig, err := crypto.Sign(personalSignHash(rec), priv)
	require.NoError(t, err)
	rec.Signature = "0x" + hex.EncodeToString(sig)
	return rec
}

func newPipeline(t *testing.T, shardRanges []shardmap.Range, replicationFactor int) (*writepath.Pipeline, *chain.Mock) {
	t.Helper()
	dir := t.TempDir()
	store, err := blobstore.Open(blobstore.Config{DataDir: dir})
	require.NoError(t, err)

	mock := chain.NewMock()
	oracle := authz.New(mock, authz.Policy{})
	registry := peers.NewRegistry(mock)
	registry.Refresh([]peers.Info{
		{NodeID: "peer-1", Endpoint: "http://peer-1", ShardRanges: "0-1023"},
		{NodeID: "peer-2", Endpoint: "http://peer-2", ShardRanges: "0-1023"},
		{NodeID: "peer-3", Endpoint: "http://peer-3", ShardRanges: "0-1023"},
	})
	for _, id := range []string{"peer-1", "peer-2", "peer-3"} {
		registry.RecordSuccess(id, time.Millisecond)
	}

	m := shardmap.NewMap(1024, shardRanges, nil)
	return &writepath.Pipeline{
		Shards:            shardmap.NewAtomicMap(m),
		Oracle:            oracle,
		Blobs:             store,
		Registry:          registry,
		Transport:         transport.NewLoopback(),
		ReplicationFactor: replicationFactor,
		PerPeerTimeout:    time.Second,
		AcceptanceWindow:  2 * time.Second,
	}, mock
}

// Scenario 1: happy write with a full-range shard owner and R=3.
func TestHappyWrite(t *testing.T) {
	p, _ := newPipeline(t, []shardmap.Range{{Start: 0, End: 1023}}, 3)
	ciphertext := []byte("hello")
	rec := newSignedMessageRecord(t, ciphertext, "0x00000000000000000000000000000000000bEEF")

	res, err := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.Nil(t, err, "%v", err)
	assert.True(t, res.Success)
	sum := sha256.Sum256(ciphertext)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.CID)
	assert.Equal(t, 3, res.ReplicationStatus.Target)
}

// Scenario 2: a node that does not own the CID's shard rejects the write.
func TestShardRejection(t *testing.T) {
	p, _ := newPipeline(t, []shardmap.Range{{Start: 0, End: 255}}, 3)

	var ciphertext []byte
	for i := 0; ; i++ {
		candidate := []byte("hello-" + itoa(i))
		key, err := shardmap.ShardKey(sha256Hex(candidate), 1024)
		require.NoError(t, err)
		if key > 255 {
			ciphertext = candidate
			break
		}
	}

	rec := newSignedMessageRecord(t, ciphertext, "0x00000000000000000000000000000000000bEEF")
	_, verr := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.NotNil(t, verr)
	assert.Equal(t, vaulterr.ShardMismatch, verr.Kind)
}

// Scenario 3: resubmitting an identical signed request within the replay
// window is rejected on the second attempt.
func TestReplayRejected(t *testing.T) {
	p, _ := newPipeline(t, []shardmap.Range{{Start: 0, End: 1023}}, 1)
	ciphertext := []byte("hello again")
	rec := newSignedMessageRecord(t, ciphertext, "0x00000000000000000000000000000000000bEEF")

	_, err := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.Nil(t, err)

	_, err2 := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.NotNil(t, err2)
	assert.Equal(t, "nonce_replay", err2.Reason)
}

// Scenario 4: a pinned blob survives a GC run even when storage is over its
// configured max, while an unpinned blob of equal size is collected.
func TestPinnedSurvivesGC(t *testing.T) {
	dir := t.TempDir()
	store, err := blobstore.Open(blobstore.Config{DataDir: dir})
	require.NoError(t, err)

	pinnedCT := []byte("pinned-blob-contents")
	pinnedCID := sha256Hex(pinnedCT)
	require.NoError(t, store.Put(pinnedCID, pinnedCT, "text/plain", blobstore.Extras{}))
	require.NoError(t, store.Pin(pinnedCID))

	unpinnedCT := []byte("unpinned-blob-contents")
	unpinnedCID := sha256Hex(unpinnedCT)
	require.NoError(t, store.Put(unpinnedCID, unpinnedCT, "text/plain", blobstore.Extras{}))

	checker := allReplicasSatisfied{}
	shardOwns := func(string) bool { return true }
	coll := gc.NewCollector(store, shardOwns, checker, gc.Config{
		RetentionMode:     gc.RetentionSize,
		MaxStorageBytes:   1, // force everything over budget except what's pinned
		ReplicationFactor: 1,
	})

	report, verr := coll.Run(context.Background(), false)
	require.Nil(t, verr)
	assert.Equal(t, 1, report.SkippedPinned)
	assert.Len(t, report.Deleted, 1)
	assert.True(t, store.HasBlob(pinnedCID))
	assert.False(t, store.HasBlob(unpinnedCID))
}

type allReplicasSatisfied struct{}

func (allReplicasSatisfied) VerifiedReplicaCount(context.Context, string) int { return 3 }

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Scenario 5: of three peers, two agree on a hash and one returns a
// different blob entirely; consensus picks the majority hash and records a
// dispute against the lone dissenter.
func TestConsensusWithALiar(t *testing.T) {
	lo := transport.NewLoopback()
	agreed := []byte("agreed content")
	lying := []byte("a completely different blob")

	p1 := transport.Peer{NodeID: "peer-1", Endpoint: "http://peer-1"}
	p2 := transport.Peer{NodeID: "peer-2", Endpoint: "http://peer-2"}
	p3 := transport.Peer{NodeID: "peer-3", Endpoint: "http://peer-3"}
	cid := sha256Hex(agreed)
	lo.Seed(p1, cid, agreed)
	lo.Seed(p2, cid, agreed)
	lo.Seed(p3, cid, lying)

	log := consensus.NewAuditLog()
	replicaSet := []peers.Info{
		{NodeID: p1.NodeID, Endpoint: p1.Endpoint},
		{NodeID: p2.NodeID, Endpoint: p2.Endpoint},
		{NodeID: p3.NodeID, Endpoint: p3.Endpoint},
	}
	res, verr := consensus.FetchWithConsensus(context.Background(), lo, log, cid, replicaSet, time.Second)
	require.Nil(t, verr)
	assert.True(t, res.Consensus)
	assert.Equal(t, agreed, res.Bytes)
	assert.Contains(t, res.DisputedNodes, "peer-3")
	assert.Equal(t, 1, log.Len())
}

// Scenario 6: of five peers, three censor the read (reject or time out) and
// two agree on the correct bytes; the read still reaches consensus and every
// censoring peer is recorded in the audit log.
func TestAntiCensorshipRetry(t *testing.T) {
	lo := transport.NewLoopback()
	content := []byte("censorship resistant payload")
	cid := sha256Hex(content)

	registry := peers.NewRegistry(chain.NewMock())
	var infos []peers.Info
	for i := 1; i <= 5; i++ {
		id := "peer-" + itoa(i)
		infos = append(infos, peers.Info{NodeID: id, Endpoint: "http://" + id})
		registry.RecordSuccess(id, time.Millisecond) // seed a baseline score for all
	}
	registry.Refresh(infos)

	for i, info := range infos {
		peer := transport.Peer{NodeID: info.NodeID, Endpoint: info.Endpoint}
		if i < 3 {
			lo.SetReject(peer, cid, true)
		} else {
			lo.Seed(peer, cid, content)
		}
	}

	log := consensus.NewAuditLog()
	shardOwners := map[string]bool{}
	for _, info := range infos {
		shardOwners[info.NodeID] = true
	}

	// sampleSize covers the whole pool so the censoring minority cannot
	// starve the honest majority out of a single round.
	res, verr := consensus.FetchWithAntiCensorship(context.Background(), lo, registry, log, cid, shardOwners, len(infos), 2, 200*time.Millisecond)
	require.Nil(t, verr, "%v", verr)
	assert.Equal(t, content, res.Bytes)
	assert.ElementsMatch(t, []string{"peer-1", "peer-2", "peer-3"}, res.CensoringNodes)
	assert.GreaterOrEqual(t, log.Len(), 3)
}
