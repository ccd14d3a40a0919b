// Package blobstore implements the on-disk ciphertext+metadata store: atomic
// writes, pin flags, access metrics, and free-space accounting. See doc.go.
package blobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashd/vault/internal/cidhash"
	"github.com/hashd/vault/internal/vaulterr"
)

// metadataVersion is the schema version written into every metadata record.
const metadataVersion = 1

// Replication mirrors the replication-facing subset of a blob's metadata that
// the store itself is allowed to see and mutate on confirmation callbacks.
// The full replication-state table (targets, failures, HMAC tag) lives in
// internal/replication; this is only the denormalized summary persisted
// alongside the blob for quick inspection (e.g. the /blobs listing).
type Replication struct {
	FromPeer      string    `json:"fromPeer,omitempty"`
	ReplicatedAt  time.Time `json:"replicatedAt,omitempty"`
	ReplicatedTo  []string  `json:"replicatedTo"`
}

// Metrics tracks per-blob access statistics, updated on every Get.
type Metrics struct {
	LastAccessed   time.Time     `json:"lastAccessed,omitempty"`
	AvgLatency     time.Duration `json:"avgLatency"`
	RetrievalCount uint64        `json:"retrievalCount"`
}

// Metadata is the persisted per-CID record described in spec.md §3.
type Metadata struct {
	CreatedAt     time.Time   `json:"createdAt"`
	CID           string      `json:"cid"`
	MimeType      string      `json:"mimeType"`
	IntegrityHash string      `json:"integrityHash,omitempty"`
	ContentType   string      `json:"contentType,omitempty"`
	GuildID       string      `json:"guildId,omitempty"`
	Size          int         `json:"size"`
	Version       int         `json:"version"`
	Pinned        bool        `json:"pinned"`
	Compressed    bool        `json:"compressed"`
	Replication   Replication `json:"replication"`
	Metrics       Metrics     `json:"metrics"`
}

// Extras carries the optional ingest-time fields a caller may supply to put.
type Extras struct {
	ContentType string
	GuildID     string
	Compressed  bool
}

// Stats summarizes the whole store for the /health and /gc/status surfaces.
type Stats struct {
	BlobCount   int
	TotalSize   int64
	PinnedSize  int64
	PinnedCount int
}

// Store is the on-disk, content-addressed blob store. One Store instance per
// node data directory; the directory layout is:
//
//	<dataDir>/blobs/<cid>.enc    — ciphertext
//	<dataDir>/meta/<cid>.json    — metadata record
//
// All mutating operations take a per-CID entry lock (fine-grained, not a
// single store-wide mutex) so unrelated CIDs never serialize on each other,
// matching the concurrency model's "BlobStore directory is single-writer per
// CID" requirement.
type Store struct {
	dataDir  string
	blobsDir string
	metaDir  string

	capacity    int64 // bytes; 0 means unbounded
	maxBlobSize int64 // bytes; 0 means unbounded

	mu         sync.RWMutex // protects cachedSize and the locks map
	cachedSize int64
	locks      map[string]*sync.Mutex
}

// Config configures a new Store.
type Config struct {
	DataDir     string
	Capacity    int64
	MaxBlobSize int64
}

// Open creates the on-disk layout under cfg.DataDir (if absent) and returns a
// ready-to-use Store, computing the initial cached size from existing blobs.
func Open(cfg Config) (*Store, error) {
	blobsDir := filepath.Join(cfg.DataDir, "blobs")
	metaDir := filepath.Join(cfg.DataDir, "meta")
	for _, d := range []string{cfg.DataDir, blobsDir, metaDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("blobstore: create %s: %w", d, err)
		}
	}
	s := &Store{
		dataDir:     cfg.DataDir,
		blobsDir:    blobsDir,
		metaDir:     metaDir,
		capacity:    cfg.Capacity,
		maxBlobSize: cfg.MaxBlobSize,
		locks:       make(map[string]*sync.Mutex),
	}
	if err := s.rebuildCachedSize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildCachedSize() error {
	entries, err := os.ReadDir(s.blobsDir)
	if err != nil {
		return fmt.Errorf("blobstore: scan blobs dir: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	s.mu.Lock()
	s.cachedSize = total
	s.mu.Unlock()
	return nil
}

func (s *Store) blobPath(cid string) string { return filepath.Join(s.blobsDir, cid+".enc") }
func (s *Store) metaPath(cid string) string { return filepath.Join(s.metaDir, cid+".json") }

// entryLock returns (creating if necessary) the per-CID mutex serializing
// writes to that CID, so concurrent duplicate writes for the same CID
// coalesce rather than racing on temp-file names.
func (s *Store) entryLock(cid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[cid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[cid] = l
	}
	return l
}

// HasBlob reports whether cid is present, without reading its content.
func (s *Store) HasBlob(cid string) bool {
	_, err := os.Stat(s.blobPath(cid))
	return err == nil
}

// Put atomically writes bytes under cid with the given mime type and extras.
// It is idempotent: if cid is already present, Put is a no-op and returns
// nil. Rejects with STORAGE_FULL when the projected total size would exceed
// capacity.
func (s *Store) Put(cid string, data []byte, mime string, extras Extras) error {
	if s.maxBlobSize > 0 && int64(len(data)) > s.maxBlobSize {
		return vaulterr.Newf(vaulterr.PayloadTooLarge, "blob size %d exceeds max %d", len(data), s.maxBlobSize)
	}

	lock := s.entryLock(cid)
	lock.Lock()
	defer lock.Unlock()

	if s.HasBlob(cid) {
		return nil // idempotent
	}

	s.mu.RLock()
	projected := s.cachedSize + int64(len(data))
	capacity := s.capacity
	s.mu.RUnlock()
	if capacity > 0 && projected > capacity {
		return vaulterr.New(vaulterr.StorageFull, "projected size exceeds capacity")
	}

	if err := s.writeAtomic(s.blobPath(cid), data); err != nil {
		return fmt.Errorf("blobstore: write blob: %w", err)
	}

	meta := Metadata{
		CID:         cid,
		Size:        len(data),
		MimeType:    mime,
		CreatedAt:   time.Now().UTC(),
		Version:     metadataVersion,
		Pinned:      false,
		ContentType: extras.ContentType,
		GuildID:     extras.GuildID,
		Compressed:  extras.Compressed,
		Replication: Replication{ReplicatedTo: []string{}},
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("blobstore: marshal metadata: %w", err)
	}
	if err := s.writeAtomic(s.metaPath(cid), metaBytes); err != nil {
		_ = os.Remove(s.blobPath(cid))
		return fmt.Errorf("blobstore: write metadata: %w", err)
	}

	s.mu.Lock()
	s.cachedSize += int64(len(data))
	s.mu.Unlock()
	return nil
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename, so readers never observe a partial write.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Get returns the ciphertext bytes and metadata for cid, incrementing its
// retrieval count and updating lastAccessed as a side effect.
func (s *Store) Get(cid string) ([]byte, Metadata, error) {
	lock := s.entryLock(cid)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.blobPath(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, vaulterr.New(vaulterr.BlobNotFound, "cid not found: "+cid)
		}
		return nil, Metadata{}, fmt.Errorf("blobstore: read blob: %w", err)
	}
	meta, err := s.readMetadataLocked(cid)
	if err != nil {
		return nil, Metadata{}, err
	}

	meta.Metrics.RetrievalCount++
	meta.Metrics.LastAccessed = time.Now().UTC()
	if err := s.writeMetadataLocked(cid, meta); err != nil {
		return nil, Metadata{}, err
	}

	return data, meta, nil
}

func (s *Store) readMetadataLocked(cid string) (Metadata, error) {
	raw, err := os.ReadFile(s.metaPath(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, vaulterr.New(vaulterr.BlobNotFound, "metadata not found: "+cid)
		}
		return Metadata{}, fmt.Errorf("blobstore: read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("blobstore: decode metadata: %w", err)
	}
	return meta, nil
}

func (s *Store) writeMetadataLocked(cid string, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("blobstore: marshal metadata: %w", err)
	}
	return s.writeAtomic(s.metaPath(cid), raw)
}

// GetMetadata returns the metadata record for cid without touching access
// metrics or reading the blob body.
func (s *Store) GetMetadata(cid string) (Metadata, error) {
	lock := s.entryLock(cid)
	lock.Lock()
	defer lock.Unlock()
	return s.readMetadataLocked(cid)
}

// Patch mutates select metadata fields via fn and persists the result.
type Patch func(*Metadata)

// UpdateMetadata applies patch to cid's metadata record and persists it.
func (s *Store) UpdateMetadata(cid string, patch Patch) error {
	lock := s.entryLock(cid)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMetadataLocked(cid)
	if err != nil {
		return err
	}
	patch(&meta)
	return s.writeMetadataLocked(cid, meta)
}

// Delete removes the blob and then its metadata, under the CID's entry lock.
// The two removals are separate filesystem operations: if the second fails,
// the metadata file stays behind without its blob. It is not an error to
// delete a CID that is already absent.
func (s *Store) Delete(cid string) error {
	lock := s.entryLock(cid)
	lock.Lock()
	defer lock.Unlock()

	info, statErr := os.Stat(s.blobPath(cid))
	if err := os.Remove(s.blobPath(cid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete blob: %w", err)
	}
	if err := os.Remove(s.metaPath(cid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete metadata: %w", err)
	}
	if statErr == nil {
		s.mu.Lock()
		s.cachedSize -= info.Size()
		if s.cachedSize < 0 {
			s.cachedSize = 0
		}
		s.mu.Unlock()
	}
	return nil
}

// List returns the CIDs of every blob currently stored.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.blobsDir)
	if err != nil {
		return nil, fmt.Errorf("blobstore: list: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".enc"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			out = append(out, name[:len(name)-len(suffix)])
		}
	}
	return out, nil
}

// Stats computes aggregate statistics over the store.
func (s *Store) Stats() (Stats, error) {
	cids, err := s.List()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, cid := range cids {
		meta, err := s.GetMetadata(cid)
		if err != nil {
			continue
		}
		st.BlobCount++
		st.TotalSize += int64(meta.Size)
		if meta.Pinned {
			st.PinnedCount++
			st.PinnedSize += int64(meta.Size)
		}
	}
	return st, nil
}

// Pin marks cid as pinned, making it immune to GC.
func (s *Store) Pin(cid string) error {
	return s.UpdateMetadata(cid, func(m *Metadata) { m.Pinned = true })
}

// Unpin clears the pinned flag on cid.
func (s *Store) Unpin(cid string) error {
	return s.UpdateMetadata(cid, func(m *Metadata) { m.Pinned = false })
}

// ListPinned returns the CIDs of every pinned blob.
func (s *Store) ListPinned() ([]string, error) {
	cids, err := s.List()
	if err != nil {
		return nil, err
	}
	var pinned []string
	for _, cid := range cids {
		meta, err := s.GetMetadata(cid)
		if err != nil {
			continue
		}
		if meta.Pinned {
			pinned = append(pinned, cid)
		}
	}
	return pinned, nil
}

// FreeDisk reports the free bytes available on the filesystem backing
// dataDir, using the OS's statfs-family call. This is the one place in the
// store that reaches past the standard library's portable I/O layer: no
// library in the retrieval pack wraps free-space queries, they all call the
// OS directly, so this mirrors that idiom rather than vendoring a disk-usage
// package.
func (s *Store) FreeDisk() (uint64, error) {
	return freeDisk(s.dataDir)
}

// DataDir returns the root data directory this store was opened with.
func (s *Store) DataDir() string { return s.dataDir }

// IntegrityReport is the result of VerifyIntegrity: blobs whose bytes no
// longer match their CID, blob and metadata files missing their partner, and
// the number of blobs checked. Producing it deletes nothing.
type IntegrityReport struct {
	OrphanBlobs      []string
	OrphanMetadata   []string
	HashMismatches   []string
	Checked          int
}

// VerifyIntegrity scans the store, re-hashing every blob against its CID and
// cross-checking the blob/metadata pairing invariant.
func (s *Store) VerifyIntegrity() (IntegrityReport, error) {
	var report IntegrityReport

	blobEntries, err := os.ReadDir(s.blobsDir)
	if err != nil {
		return report, fmt.Errorf("blobstore: scan blobs: %w", err)
	}
	metaEntries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return report, fmt.Errorf("blobstore: scan meta: %w", err)
	}

	blobCIDs := make(map[string]struct{}, len(blobEntries))
	for _, e := range blobEntries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".enc"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			blobCIDs[name[:len(name)-len(suffix)]] = struct{}{}
		}
	}
	metaCIDs := make(map[string]struct{}, len(metaEntries))
	for _, e := range metaEntries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			metaCIDs[name[:len(name)-len(suffix)]] = struct{}{}
		}
	}

	for cid := range blobCIDs {
		if _, ok := metaCIDs[cid]; !ok {
			report.OrphanBlobs = append(report.OrphanBlobs, cid)
		}
	}
	for cid := range metaCIDs {
		if _, ok := blobCIDs[cid]; !ok {
			report.OrphanMetadata = append(report.OrphanMetadata, cid)
		}
	}

	for cid := range blobCIDs {
		if _, ok := metaCIDs[cid]; !ok {
			continue
		}
		report.Checked++
		data, err := os.ReadFile(s.blobPath(cid))
		if err != nil {
			continue
		}
		if !cidhash.VerifyCID(cid, data) {
			report.HashMismatches = append(report.HashMismatches, cid)
		}
	}
	return report, nil
}
