package writepath

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
	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/shardmap"
	"github.com/hashd/vault/internal/transport"
	"github.com/hashd/vault/internal/vaulterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownAllShards(t *testing.T) *shardmap.AtomicMap {
	t.Helper()
	m := shardmap.NewMap(1024, []shardmap.Range{{Start: 0, End: 1023}}, nil)
	return shardmap.NewAtomicMap(m)
}

func signedGroupPostRecord(t *testing.T, ciphertext []byte) authz.Record {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	sum := sha256.Sum256(ciphertext)
	rec := authz.Record{
		Type:              authz.GroupPost,
		Sender:            crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		Timestamp:         time.Now(),
		Nonce:             "nonce-store-1",
		ContentHash:       hex.EncodeToString(sum[:]),
		AppID:             "hashd",
		ContentType:       "text/plain",
		GroupPostsAddress: "0xGroupToken",
	}
	hash := personalSignHash(rec)
	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)
	rec.Signature = "0x" + hex.EncodeToString(sig)
	return rec
}

// personalSignHash duplicates the package-private hash authz uses, since
// tests live outside that package; BuildMessage is exported for exactly
// this reason.
func personalSignHash(rec authz.Record) []byte {
	msg := authz.BuildMessage(rec)
	prefixed := "\x19Ethereum Signed Message:\n"
	full := []byte(prefixed + itoa(len(msg)) + msg)
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

func newTestPipeline(t *testing.T) (*Pipeline, *chain.Mock) {
	t.Helper()
	dir := t.TempDir()
	store, err := blobstore.Open(blobstore.Config{DataDir: dir})
	require.NoError(t, err)

	mock := chain.NewMock()
	oracle := authz.New(mock, authz.Policy{})
	registry := peers.NewRegistry(mock)
	registry.Refresh([]peers.Info{{NodeID: "p1", Endpoint: "http://p1"}, {NodeID: "p2", Endpoint: "http://p2"}, {NodeID: "p3", Endpoint: "http://p3"}})
	registry.RecordSuccess("p1", time.Millisecond)
	registry.RecordSuccess("p2", time.Millisecond)
	registry.RecordSuccess("p3", time.Millisecond)

	lo := transport.NewLoopback()

	return &Pipeline{
		Shards:            ownAllShards(t),
		Oracle:            oracle,
		Blobs:             store,
		Registry:          registry,
		Transport:         lo,
		ReplState:         nil,
		ReplicationFactor: 2,
		PerPeerTimeout:    time.Second,
		AcceptanceWindow:  2 * time.Second,
	}, mock
}

func TestStoreHappyPath(t *testing.T) {
	p, mock := newTestPipeline(t)
	ciphertext := []byte("hello from the write path")
	rec := signedGroupPostRecord(t, ciphertext)
	mock.SetMember(rec.GroupPostsAddress, rec.Sender, true)

	res, err := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.Nil(t, err, "%v", err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.CID)
	assert.Equal(t, 2, res.ReplicationStatus.Target)
	assert.True(t, p.Blobs.HasBlob(res.CID))
}

func TestStoreRejectsShardMismatch(t *testing.T) {
	p, mock := newTestPipeline(t)
	empty := shardmap.NewMap(1024, nil, nil)
	p.Shards = shardmap.NewAtomicMap(empty)

	ciphertext := []byte("out of shard")
	rec := signedGroupPostRecord(t, ciphertext)
	mock.SetMember(rec.GroupPostsAddress, rec.Sender, true)

	_, err := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.NotNil(t, err)
	assert.Equal(t, vaulterr.ShardMismatch, err.Kind)
}

func TestStoreRejectsBlockedContent(t *testing.T) {
	p, mock := newTestPipeline(t)
	ciphertext := []byte("blocked content")
	rec := signedGroupPostRecord(t, ciphertext)
	mock.SetMember(rec.GroupPostsAddress, rec.Sender, true)
	p.IsBlocked = func(cid string) bool { return true }

	_, err := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.NotNil(t, err)
	assert.Equal(t, vaulterr.ContentBlocked, err.Kind)
}

func TestStoreRejectsUnauthorized(t *testing.T) {
	p, _ := newTestPipeline(t)
	ciphertext := []byte("no membership")
	rec := signedGroupPostRecord(t, ciphertext)
	// sender never granted membership

	_, err := p.Store(context.Background(), ciphertext, "text/plain", rec, blobstore.Extras{})
	require.NotNil(t, err)
	assert.Equal(t, "not_member", err.Reason)
}
