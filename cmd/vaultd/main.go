// Package main implements vaultd, the HASHD Vault storage node.
//
// The node is a peer in a content-addressed blob storage federation,
// responsible for:
//   - Storing and serving ciphertext blobs for the shard range it owns
//   - Authorizing writes against on-chain group/message/token rules
//   - Replicating accepted writes to other shard-owning peers
//   - Serving reads through hedged, consensus-checked multi-peer fetch
//   - Garbage-collecting blobs past their retention policy
//
// Configuration is entirely environment-variable driven; see
// internal/config for the full enumerated list and defaults.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashd/vault/internal/authz"
	"github.com/hashd/vault/internal/blobstore"
	"github.com/hashd/vault/internal/blocklist"
	"github.com/hashd/vault/internal/chain"
	"github.com/hashd/vault/internal/cidhash"
	"github.com/hashd/vault/internal/config"
	"github.com/hashd/vault/internal/consensus"
	"github.com/hashd/vault/internal/gc"
	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/replication"
	"github.com/hashd/vault/internal/shardmap"
	"github.com/hashd/vault/internal/transport"
	"github.com/hashd/vault/internal/vaulterr"
	"github.com/hashd/vault/internal/writepath"
)

// logFatal is a variable so tests can intercept fatal initialization paths
// without terminating the test process, the same indirection the teacher's
// cmd/node uses.
var logFatal = log.Fatalf

func main() {
	cfg := config.Load()
	if err := cfg.CheckDataDirSafety(); err != nil {
		logFatal("vaultd: %v", err)
	}

	srv, err := build(cfg)
	if err != nil {
		logFatal("vaultd: init failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go srv.healthMonitor.Start(context.Background())

	go func() {
		log.Printf("vaultd[%s] listening on %s", cfg.NodeID, httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("vaultd: listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	srv.healthMonitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("vaultd: shutdown error: %v", err)
	}
	log.Println("vaultd stopped")
}

// server holds every wired component and exposes the §6 HTTP surface.
type server struct {
	cfg           config.Config
	store         *blobstore.Store
	oracle        *authz.Oracle
	registry      *peers.Registry
	shards        *shardmap.AtomicMap
	pipeline      *writepath.Pipeline
	collector     *gc.Collector
	auditLog      *consensus.AuditLog
	transport     transport.Transport
	replState     *replication.Store
	healthMonitor *peers.HealthMonitor
	intake        *replication.Intake
	startedAt     time.Time
}

func build(cfg config.Config) (*server, error) {
	ranges, explicit, err := cfg.ParseShardRanges()
	if err != nil {
		return nil, err
	}
	shards := shardmap.NewAtomicMap(shardmap.NewMap(cfg.ShardCount, ranges, explicit))

	store, err := blobstore.Open(blobstore.Config{
		DataDir:     cfg.DataDir,
		Capacity:    cfg.MaxStorageBytes(),
		MaxBlobSize: cfg.MaxBlobSizeBytes(),
	})
	if err != nil {
		return nil, err
	}

	secret, err := cidhash.LoadOrCreateSecret(filepath.Join(cfg.DataDir, "node-secret.key"))
	if err != nil {
		return nil, err
	}
	integrity := cidhash.NewIntegrity(secret)

	replState, discarded, err := replication.OpenStore(filepath.Join(cfg.DataDir, "replication-state.json"), integrity)
	if err != nil {
		return nil, err
	}
	if discarded > 0 {
		log.Printf("vaultd: discarded %d replication-state entries with invalid integrity tags", discarded)
	}

	chainClient := chain.NewMock() // real chain.Client wiring is an external collaborator
	registry := peers.NewRegistry(chainClient)
	seed, err := config.LoadStaticPeerSeed(cfg.PeerSeedFile)
	if err != nil {
		return nil, err
	}
	if len(seed) > 0 {
		registry.Refresh(seed)
	}
	oracle := authz.New(chainClient, authz.Policy{RequireAppRegistry: cfg.RequireAppRegistry, AllowedApps: cfg.AllowedApps})

	if cfg.RequireAppRegistry && len(cfg.AllowedApps) == 0 {
		return nil, vaulterr.New(vaulterr.InvalidAuthorization, "requireAppRegistry is set but no allowedApps configured")
	}

	t := transport.NewHTTP()
	shardOwns := func(cid string) bool {
		owns, err := shards.Load().OwnsCID(cid)
		return err == nil && owns
	}

	blockedSeed, err := blocklist.LoadFile(cfg.BlockedCIDsFile)
	if err != nil {
		return nil, err
	}
	blocked := blocklist.NewList(blockedSeed)

	pipeline := &writepath.Pipeline{
		Shards:             shards,
		Oracle:             oracle,
		Blobs:              store,
		Registry:           registry,
		Transport:          t,
		ReplState:          replState,
		ReplicationFactor:  cfg.ReplicationFactor,
		PerPeerTimeout:     time.Duration(cfg.ReplicationTimeoutMs) * time.Millisecond,
		SelfNodeID:         cfg.NodeID,
		DisableReplication: !cfg.ReplicationEnabled,
	}
	if cfg.EnableBlockedContent {
		pipeline.IsBlocked = blocked.Contains
	}

	intake := replication.NewIntake(registry, store, oracle, nil, blocked.Contains, cfg.EnableBlockedContent)

	checker := gcReplicaChecker{transport: t, registry: registry}
	collector := gc.NewCollector(store, shardOwns, checker, gc.Config{
		RetentionMode:          cfg.GCRetentionMode,
		MaxStorageBytes:        cfg.GCMaxStorageBytes(),
		MaxBlobAgeDays:         cfg.GCMaxBlobAgeDays,
		MinFreeDiskBytes:       cfg.GCMinFreeDiskBytes(),
		ReservedForPinnedBytes: cfg.GCReservedForPinnedBytes(),
		VerifyReplicas:         cfg.GCVerifyReplicas,
		VerifyProofs:           cfg.GCVerifyProofs,
		ReplicationFactor:      cfg.ReplicationFactor,
	})

	healthMonitor := peers.NewHealthMonitor(registry, t, 30*time.Second, log.Default())

	return &server{
		cfg:           cfg,
		store:         store,
		oracle:        oracle,
		registry:      registry,
		shards:        shards,
		pipeline:      pipeline,
		collector:     collector,
		auditLog:      consensus.NewAuditLog(),
		transport:     t,
		replState:     replState,
		healthMonitor: healthMonitor,
		intake:        intake,
		startedAt:     time.Now(),
	}, nil
}

// gcReplicaChecker adapts the replication package's peer-verification
// helper to gc.ReplicaChecker. It probes every peer in the registry and does
// not filter out this node's own ID.
type gcReplicaChecker struct {
	transport transport.Transport
	registry  *peers.Registry
}

func (c gcReplicaChecker) VerifiedReplicaCount(ctx context.Context, cid string) int {
	return replication.VerifyWithPeers(ctx, c.transport, c.registry.All(), cid, 2*time.Second)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/blobs", s.handleListBlobs)
	mux.HandleFunc("/blob/", s.handleBlob)
	mux.HandleFunc("/store", s.handleStore)
	mux.HandleFunc("/gc/status", s.handleGCStatus)
	mux.HandleFunc("/admin/gc", s.handleGCTrigger)
	mux.HandleFunc("/pin/list", s.handlePinList)
	mux.HandleFunc("/pin/", s.handlePin)
	mux.HandleFunc("/internal/replicate/", s.handleReplicateIntake)
	mux.HandleFunc("/proofs/", s.handleProofsUnavailable)
	return mux
}

func writeError(w http.ResponseWriter, verr *vaulterr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(verr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     verr.Kind,
		"message":   verr.Message,
		"details":   verr.Details,
		"timestamp": verr.Timestamp,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeError(w, vaulterr.Newf(vaulterr.Internal, "stats: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"uptime":    time.Since(s.startedAt).String(),
		"blobCount": stats.BlobCount,
		"totalSize": stats.TotalSize,
	})
}

func (s *server) handleShards(w http.ResponseWriter, _ *http.Request) {
	m := s.shards.Load()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"shardCount":     m.ShardCount(),
		"ranges":         m.Ranges(),
		"explicitShards": m.ExplicitShards(),
		"coveredShards":  m.CoveredShards(),
	})
}

func (s *server) handleListBlobs(w http.ResponseWriter, _ *http.Request) {
	cids, err := s.store.List()
	if err != nil {
		writeError(w, vaulterr.Newf(vaulterr.Internal, "list: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"blobs": cids})
}

func (s *server) handleBlob(w http.ResponseWriter, r *http.Request) {
	cid := strings.TrimPrefix(r.URL.Path, "/blob/")
	if !cidhash.IsValidFormat(cid) {
		writeError(w, vaulterr.New(vaulterr.InvalidRequest, "malformed cid"))
		return
	}
	data, meta, err := s.store.Get(cid)
	if err == nil && cidhash.VerifyCID(cid, data) {
		w.Header().Set("Content-Type", meta.MimeType)
		_, _ = w.Write(data)
		return
	}
	// Local miss or corrupt local copy: fall back to consensus fetch among
	// the registry's known peers rather than ever serving partial ciphertext.
	candidates := s.registry.All()
	res, verr := consensus.FetchWithConsensus(r.Context(), s.transport, s.auditLog, cid, candidates, 3*time.Second)
	if verr != nil {
		writeError(w, verr)
		return
	}
	w.Write(res.Bytes)
}

func (s *server) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, vaulterr.New(vaulterr.InvalidRequest, "POST required"))
		return
	}
	var req struct {
		Ciphertext   []byte   `json:"ciphertext"`
		MimeType     string   `json:"mimeType"`
		Type         string   `json:"type"`
		Sender       string   `json:"sender"`
		Signature    string   `json:"signature"`
		Timestamp    int64    `json:"timestamp"`
		Nonce        string   `json:"nonce"`
		ContentHash  string   `json:"contentHash"`
		AppID        string   `json:"appId"`
		ContentType  string   `json:"contentType"`
		Context      string   `json:"context"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vaulterr.Newf(vaulterr.InvalidRequest, "decode request: %v", err))
		return
	}

	rec := authz.Record{
		Type:         authz.RecordType(req.Type),
		Sender:       req.Sender,
		Signature:    req.Signature,
		Timestamp:    time.Unix(req.Timestamp, 0),
		Nonce:        req.Nonce,
		ContentHash:  req.ContentHash,
		AppID:        req.AppID,
		ContentType:  req.ContentType,
		Participants: req.Participants,
	}
	switch rec.Type {
	case authz.GroupPost, authz.GroupComment:
		rec.GroupPostsAddress = req.Context
	case authz.Message:
		rec.ThreadID = req.Context
	case authz.TokenDistribution:
		rec.TokenAddress = req.Context
	}

	res, verr := s.pipeline.Store(r.Context(), req.Ciphertext, req.MimeType, rec, blobstore.Extras{ContentType: req.ContentType})
	if verr != nil {
		writeError(w, verr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(res)
}

func (s *server) handleGCStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"gcEnabled": s.cfg.GCEnabled, "retentionMode": s.cfg.GCRetentionMode})
}

func (s *server) handleGCTrigger(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	report, verr := s.collector.Run(r.Context(), dryRun)
	if verr != nil {
		writeError(w, verr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *server) handlePinList(w http.ResponseWriter, _ *http.Request) {
	cids, err := s.store.ListPinned()
	if err != nil {
		writeError(w, vaulterr.Newf(vaulterr.Internal, "list pinned: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pinned": cids})
}

func (s *server) handlePin(w http.ResponseWriter, r *http.Request) {
	cid := strings.TrimPrefix(r.URL.Path, "/pin/")
	if !cidhash.IsValidFormat(cid) {
		writeError(w, vaulterr.New(vaulterr.InvalidRequest, "malformed cid"))
		return
	}
	var err error
	switch r.Method {
	case http.MethodPost:
		err = s.store.Pin(cid)
	case http.MethodDelete:
		err = s.store.Unpin(cid)
	default:
		writeError(w, vaulterr.New(vaulterr.InvalidRequest, "POST or DELETE required"))
		return
	}
	if err != nil {
		writeError(w, vaulterr.Newf(vaulterr.Internal, "pin: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleReplicateIntake is the server side of peer-to-peer replication push,
// matching the request shape transport.HTTP.Replicate sends: ciphertext as
// the body, mime type in Content-Type, and the rest of the intake metadata
// in X-Vault-prefixed headers.
func (s *server) handleReplicateIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, vaulterr.New(vaulterr.InvalidRequest, "PUT required"))
		return
	}
	cid := strings.TrimPrefix(r.URL.Path, "/internal/replicate/")
	if !cidhash.IsValidFormat(cid) {
		writeError(w, vaulterr.New(vaulterr.InvalidRequest, "malformed cid"))
		return
	}
	ciphertext, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, vaulterr.Newf(vaulterr.InvalidRequest, "read body: %v", err))
		return
	}

	req := replication.IntakeRequest{
		PeerNodeIDHash: r.Header.Get("X-Vault-PeerNodeIDHash"),
		CID:            cid,
		Ciphertext:     ciphertext,
		MimeType:       r.Header.Get("Content-Type"),
		ContentType:    r.Header.Get("X-Vault-ContentType"),
		Sender:         r.Header.Get("X-Vault-Sender"),
	}
	if verr := s.intake.Accept(r.Context(), req); verr != nil {
		writeError(w, verr)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleProofsUnavailable responds to the proof-primitive endpoints, which
// are an external collaborator's responsibility per spec.md §4.J — this
// node only reserves the route shape.
func (s *server) handleProofsUnavailable(w http.ResponseWriter, _ *http.Request) {
	writeError(w, vaulterr.New(vaulterr.Internal, "proof primitives are served by a separate collaborator, not this node"))
}
