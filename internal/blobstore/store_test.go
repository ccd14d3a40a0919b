package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashd/vault/internal/cidhash"
	"github.com/hashd/vault/internal/vaulterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{DataDir: dir, Capacity: 1 << 20, MaxBlobSize: 1 << 16})
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello world")
	cid := cidhash.CIDOf(data)

	require.NoError(t, s.Put(cid, data, "text/plain", Extras{}))

	got, meta, err := s.Get(cid)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, cid, meta.CID)
	assert.Equal(t, len(data), meta.Size)
	assert.Equal(t, 1, meta.Version)
	assert.False(t, meta.Pinned)
	assert.Equal(t, uint64(1), meta.Metrics.RetrievalCount)

	_, meta2, err := s.Get(cid)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta2.Metrics.RetrievalCount)
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("idempotent")
	cid := cidhash.CIDOf(data)

	require.NoError(t, s.Put(cid, data, "text/plain", Extras{}))
	require.NoError(t, s.Put(cid, data, "text/plain", Extras{}))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlobCount)
}

func TestPutRejectsOverCapacity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{DataDir: dir, Capacity: 10, MaxBlobSize: 1 << 16})
	require.NoError(t, err)

	data := []byte("this is definitely over ten bytes")
	cid := cidhash.CIDOf(data)
	err = s.Put(cid, data, "text/plain", Extras{})
	require.Error(t, err)
	var vErr *vaulterr.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, vaulterr.StorageFull, vErr.Kind)
}

func TestPutRejectsOversizedBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{DataDir: dir, Capacity: 0, MaxBlobSize: 4})
	require.NoError(t, err)

	data := []byte("too big")
	cid := cidhash.CIDOf(data)
	err = s.Put(cid, data, "text/plain", Extras{})
	require.Error(t, err)
	var vErr *vaulterr.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, vaulterr.PayloadTooLarge, vErr.Kind)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Get(cidhash.CIDOf([]byte("missing")))
	require.Error(t, err)
	var vErr *vaulterr.Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, vaulterr.BlobNotFound, vErr.Kind)
}

func TestPinUnpinListPinned(t *testing.T) {
	s := newTestStore(t)
	data := []byte("pin me")
	cid := cidhash.CIDOf(data)
	require.NoError(t, s.Put(cid, data, "text/plain", Extras{}))

	require.NoError(t, s.Pin(cid))
	pinned, err := s.ListPinned()
	require.NoError(t, err)
	assert.Contains(t, pinned, cid)

	require.NoError(t, s.Unpin(cid))
	pinned, err = s.ListPinned()
	require.NoError(t, err)
	assert.NotContains(t, pinned, cid)
}

func TestDeleteRemovesBlobAndMetadata(t *testing.T) {
	s := newTestStore(t)
	data := []byte("delete me")
	cid := cidhash.CIDOf(data)
	require.NoError(t, s.Put(cid, data, "text/plain", Extras{}))

	require.NoError(t, s.Delete(cid))
	assert.False(t, s.HasBlob(cid))

	_, _, err := s.Get(cid)
	require.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Delete(cidhash.CIDOf([]byte("never existed"))))
}

func TestVerifyIntegrityCleanThenDetectsMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("integrity check")
	cid := cidhash.CIDOf(data)
	require.NoError(t, s.Put(cid, data, "text/plain", Extras{}))

	report, err := s.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, report.OrphanBlobs)
	assert.Empty(t, report.OrphanMetadata)
	assert.Empty(t, report.HashMismatches)
	assert.Equal(t, 1, report.Checked)

	// Corrupt the underlying blob file directly to simulate bit rot.
	require.NoError(t, os.WriteFile(filepath.Join(s.dataDir, "blobs", cid+".enc"), []byte("corrupted"), 0o644))

	report, err = s.VerifyIntegrity()
	require.NoError(t, err)
	assert.Contains(t, report.HashMismatches, cid)
}
