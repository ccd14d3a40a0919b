// Package transport defines the peer-to-peer transport contract used by the
// replication engine and consensus read path, plus an HTTP-based
// implementation. The P2P protocol itself (preferred per spec.md §4.F) is an
// external collaborator; this package only needs an HTTP fallback to be a
// complete, runnable system, in the same spirit as the teacher's
// internal/cluster package providing the only concrete peer-communication
// code in that repo.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Peer identifies a remote vault node reachable over this transport.
type Peer struct {
	NodeID   string
	Endpoint string // base URL, e.g. "http://10.0.0.4:3004"
}

// Health is the result of a liveness probe against a peer.
type Health struct {
	Status string
	Err    error
}

// Transport is the narrow interface the replication engine and consensus
// read path depend on, so they never need to know whether a given peer is
// reached over the P2P protocol or the HTTP fallback.
type Transport interface {
	// Replicate pushes a blob to peer. ok is false (with no error) if the
	// peer explicitly rejected the blob; err is non-nil for transport-level
	// failures (timeouts, connection refused, etc).
	Replicate(ctx context.Context, peer Peer, cid string, ciphertext []byte, mime string, meta map[string]string) (ok bool, err error)

	// FetchBlob retrieves cid from peer. A nil slice with a nil error means
	// the peer does not have the blob.
	FetchBlob(ctx context.Context, peer Peer, cid string) ([]byte, error)

	// ProbeHas performs a cheap existence check, used by GC's
	// verifyWithPeers and by the replication engine's replica re-check.
	ProbeHas(ctx context.Context, peer Peer, cid string) (bool, error)

	// Health checks basic liveness of peer.
	Health(ctx context.Context, peer Peer) Health
}

// HTTP is the stdlib-only HTTP fallback transport. It mirrors the request
// shape of the teacher's internal/cluster.PostJSON helper (JSON body in,
// JSON body out, context-bound deadline) generalized to binary blob payloads,
// which need a distinct content-type rather than a JSON envelope.
type HTTP struct {
	Client *http.Client
}

// NewHTTP returns an HTTP transport with a sensible default client timeout;
// callers should still pass a context with its own deadline per spec.md's
// "every outbound request has an explicit deadline" rule — the client
// timeout here is only a backstop.
func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTP) Replicate(ctx context.Context, peer Peer, cid string, ciphertext []byte, mime string, meta map[string]string) (bool, error) {
	url := fmt.Sprintf("%s/internal/replicate/%s", peer.Endpoint, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(ciphertext))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", mime)
	for k, v := range meta {
		req.Header.Set("X-Vault-"+k, v)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return true, nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return false, nil
	}
	return false, fmt.Errorf("transport: replicate to %s: status %d", peer.NodeID, resp.StatusCode)
}

func (h *HTTP) FetchBlob(ctx context.Context, peer Peer, cid string) ([]byte, error) {
	url := fmt.Sprintf("%s/blob/%s", peer.Endpoint, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: fetch from %s: status %d", peer.NodeID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (h *HTTP) ProbeHas(ctx context.Context, peer Peer, cid string) (bool, error) {
	url := fmt.Sprintf("%s/blob/%s", peer.Endpoint, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (h *HTTP) Health(ctx context.Context, peer Peer) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.Endpoint+"/health", nil)
	if err != nil {
		return Health{Err: err}
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return Health{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Status == "" {
		body.Status = "healthy"
	}
	return Health{Status: body.Status}
}

// Loopback is an in-process Transport double backed by a set of peer-keyed
// blob maps, used by unit and integration tests in place of real network
// calls — the transport equivalent of chain.Mock.
type Loopback struct {
	byPeer  map[string]map[string][]byte
	reject  map[string]map[string]bool
	healthy map[string]bool
}

// NewLoopback returns an empty Loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		byPeer:  make(map[string]map[string][]byte),
		reject:  make(map[string]map[string]bool),
		healthy: make(map[string]bool),
	}
}

// Seed pre-populates peer with cid/ciphertext, as if a prior replication had
// already succeeded.
func (l *Loopback) Seed(peer Peer, cid string, ciphertext []byte) {
	if l.byPeer[peer.NodeID] == nil {
		l.byPeer[peer.NodeID] = make(map[string][]byte)
	}
	l.byPeer[peer.NodeID][cid] = ciphertext
}

// SetReject forces Replicate to peer for cid to fail without a transport
// error, simulating an application-level rejection.
func (l *Loopback) SetReject(peer Peer, cid string, reject bool) {
	if l.reject[peer.NodeID] == nil {
		l.reject[peer.NodeID] = make(map[string]bool)
	}
	l.reject[peer.NodeID][cid] = reject
}

// SetHealthy controls what Health reports for peer.
func (l *Loopback) SetHealthy(peer Peer, healthy bool) {
	l.healthy[peer.NodeID] = healthy
}

func (l *Loopback) Replicate(_ context.Context, peer Peer, cid string, ciphertext []byte, _ string, _ map[string]string) (bool, error) {
	if l.reject[peer.NodeID][cid] {
		return false, nil
	}
	l.Seed(peer, cid, ciphertext)
	return true, nil
}

func (l *Loopback) FetchBlob(_ context.Context, peer Peer, cid string) ([]byte, error) {
	return l.byPeer[peer.NodeID][cid], nil
}

func (l *Loopback) ProbeHas(_ context.Context, peer Peer, cid string) (bool, error) {
	_, ok := l.byPeer[peer.NodeID][cid]
	return ok, nil
}

func (l *Loopback) Health(_ context.Context, peer Peer) Health {
	if l.healthy[peer.NodeID] {
		return Health{Status: "healthy"}
	}
	return Health{Status: "unhealthy", Err: fmt.Errorf("peer %s marked unhealthy", peer.NodeID)}
}
