package authz

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashd/vault/internal/chain"
	"github.com/hashd/vault/internal/vaulterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signRecord(t *testing.T, priv *ecdsa.PrivateKey, rec Record) Record {
	t.Helper()
	hash := personalSignHash(BuildMessage(rec))
	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)
	rec.Signature = "0x" + hex.EncodeToString(sig)
	return rec
}

func baseRecord(t *testing.T, priv *ecdsa.PrivateKey, ciphertext []byte) Record {
	t.Helper()
	sum := sha256.Sum256(ciphertext)
	rec := Record{
		Type:              GroupPost,
		Sender:            crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		Timestamp:         time.Now(),
		Nonce:             "nonce-1",
		ContentHash:       hex.EncodeToString(sum[:]),
		AppID:             "hashd",
		ContentType:       "text/plain",
		GroupPostsAddress: "0xGroupToken",
	}
	return signRecord(t, priv, rec)
}

func TestAuthorizeHappyPathGroupPost(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext := []byte("hello world")

	mock := chain.NewMock()
	o := New(mock, Policy{})
	rec := baseRecord(t, priv, ciphertext)
	mock.SetMember(rec.GroupPostsAddress, rec.Sender, true)

	res := o.Authorize(context.Background(), rec, ciphertext)
	require.Nil(t, res.Err, "%v", res.Err)
	assert.True(t, res.Authorized)
	assert.Equal(t, rec.Sender, res.Sender)
}

func TestAuthorizeRejectsStaleTimestamp(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext := []byte("hi")
	mock := chain.NewMock()
	o := New(mock, Policy{})

	sum := sha256.Sum256(ciphertext)
	rec := Record{
		Type:              GroupPost,
		Sender:            crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		Timestamp:         time.Now().Add(-1 * time.Hour),
		Nonce:             "n",
		ContentHash:       hex.EncodeToString(sum[:]),
		AppID:             "hashd",
		ContentType:       "text/plain",
		GroupPostsAddress: "0xGroupToken",
	}
	rec = signRecord(t, priv, rec)

	res := o.Authorize(context.Background(), rec, ciphertext)
	require.NotNil(t, res.Err)
	assert.Equal(t, vaulterr.InvalidAuthorization, res.Err.Kind)
	assert.Equal(t, "timestamp_skew", res.Err.Reason)
}

func TestAuthorizeRejectsContentHashMismatch(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext := []byte("hello world")
	mock := chain.NewMock()
	o := New(mock, Policy{})
	rec := baseRecord(t, priv, ciphertext)

	res := o.Authorize(context.Background(), rec, []byte("tampered"))
	require.NotNil(t, res.Err)
	assert.Equal(t, vaulterr.CIDMismatch, res.Err.Kind)
}

func TestAuthorizeRejectsReplayedNonce(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext := []byte("hello world")
	mock := chain.NewMock()
	o := New(mock, Policy{})
	rec := baseRecord(t, priv, ciphertext)
	mock.SetMember(rec.GroupPostsAddress, rec.Sender, true)

	first := o.Authorize(context.Background(), rec, ciphertext)
	require.True(t, first.Authorized)

	second := o.Authorize(context.Background(), rec, ciphertext)
	require.NotNil(t, second.Err)
	assert.Equal(t, "nonce_replay", second.Err.Reason)
}

func TestAuthorizeRejectsNonMember(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext := []byte("hello world")
	mock := chain.NewMock()
	o := New(mock, Policy{})
	rec := baseRecord(t, priv, ciphertext)
	// not added as a member

	res := o.Authorize(context.Background(), rec, ciphertext)
	require.NotNil(t, res.Err)
	assert.Equal(t, "not_member", res.Err.Reason)
}

func TestAuthorizeMessageRequiresThreadIDAndMembership(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	other := "0x1111111111111111111111111111111111111111"
	participants := []string{sender, other}

	threadID, err := RecomputeThreadID(participants)
	require.NoError(t, err)

	ciphertext := []byte("msg body")
	sum := sha256.Sum256(ciphertext)
	rec := Record{
		Type:         Message,
		Sender:       sender,
		Timestamp:    time.Now(),
		Nonce:        "n1",
		ContentHash:  hex.EncodeToString(sum[:]),
		AppID:        "hashd",
		ContentType:  "message",
		ThreadID:     threadID,
		Participants: participants,
	}
	rec = signRecord(t, priv, rec)

	mock := chain.NewMock()
	o := New(mock, Policy{})
	res := o.Authorize(context.Background(), rec, ciphertext)
	require.Nil(t, res.Err, "%v", res.Err)
	assert.True(t, res.Authorized)
}

func TestAuthorizeMessageRejectsNonParticipantSender(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	a := "0x1111111111111111111111111111111111111111"
	b := "0x2222222222222222222222222222222222222222"
	participants := []string{a, b}

	threadID, err := RecomputeThreadID(participants)
	require.NoError(t, err)

	ciphertext := []byte("msg body")
	sum := sha256.Sum256(ciphertext)
	rec := Record{
		Type:         Message,
		Sender:       sender, // not in participants
		Timestamp:    time.Now(),
		Nonce:        "n2",
		ContentHash:  hex.EncodeToString(sum[:]),
		AppID:        "hashd",
		ContentType:  "message",
		ThreadID:     threadID,
		Participants: participants,
	}
	rec = signRecord(t, priv, rec)

	mock := chain.NewMock()
	o := New(mock, Policy{})
	res := o.Authorize(context.Background(), rec, ciphertext)
	require.NotNil(t, res.Err)
	assert.Equal(t, "not_member", res.Err.Reason)
}

func TestAuthorizeRejectsDisallowedApp(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext := []byte("hello world")
	mock := chain.NewMock()
	o := New(mock, Policy{AllowedApps: []string{"other-app"}})
	rec := baseRecord(t, priv, ciphertext)

	res := o.Authorize(context.Background(), rec, ciphertext)
	require.NotNil(t, res.Err)
	assert.Equal(t, "app_not_allowed", res.Err.Reason)
}

func TestVerifyCIDOnChainMediaAlwaysTrue(t *testing.T) {
	mock := chain.NewMock()
	o := New(mock, Policy{})
	ok, err := o.VerifyCIDOnChain(context.Background(), "deadbeef", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyCIDOnChainNonMediaChecksPostsThenMessages(t *testing.T) {
	mock := chain.NewMock()
	mock.SetPostExists("cid-1", true)
	o := New(mock, Policy{})
	ok, err := o.VerifyCIDOnChain(context.Background(), "cid-1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok2, err := o.VerifyCIDOnChain(context.Background(), "cid-unknown", false)
	require.NoError(t, err)
	assert.False(t, ok2)
}
