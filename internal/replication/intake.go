package replication

import (
	"context"

	"github.com/hashd/vault/internal/authz"
	"github.com/hashd/vault/internal/blobstore"
	"github.com/hashd/vault/internal/cidhash"
	"github.com/hashd/vault/internal/peers"
	"github.com/hashd/vault/internal/vaulterr"
)

// IntakeRequest is an incoming peer-to-peer replication push.
type IntakeRequest struct {
	PeerNodeIDHash string
	CID            string
	Ciphertext     []byte
	MimeType       string
	ContentType    string
	Sender         string
}

// Intake implements the server side of incoming replication: the ordered
// check pipeline from spec.md §4.F (blocklist, registered-active, CID
// blocklist, hash verification, on-chain CID authorization) followed by a
// local put.
type Intake struct {
	registry       *peers.Registry
	store          *blobstore.Store
	oracle         *authz.Oracle
	blockedPeers   func(nodeIDHash string) bool
	blockedCIDs    func(cid string) bool
	contentBlocked bool
}

// NewIntake constructs an Intake. blockedPeers/blockedCIDs may be nil, in
// which case nothing is blocklisted.
func NewIntake(registry *peers.Registry, store *blobstore.Store, oracle *authz.Oracle, blockedPeers, blockedCIDs func(string) bool, enableBlockedContent bool) *Intake {
	return &Intake{
		registry:       registry,
		store:          store,
		oracle:         oracle,
		blockedPeers:   blockedPeers,
		blockedCIDs:    blockedCIDs,
		contentBlocked: enableBlockedContent,
	}
}

// Accept runs req through the incoming-replication pipeline and, if every
// check passes, stores the blob locally.
func (in *Intake) Accept(ctx context.Context, req IntakeRequest) *vaulterr.Error {
	if in.blockedPeers != nil && in.blockedPeers(req.PeerNodeIDHash) {
		return vaulterr.New(vaulterr.Forbidden, "peer is blocklisted").WithReason("peer_blocked")
	}

	active, err := in.registry.VerifyAndAdd(ctx, req.PeerNodeIDHash)
	if err != nil {
		return vaulterr.Newf(vaulterr.Internal, "peer registration lookup failed: %v", err)
	}
	if !active {
		return vaulterr.New(vaulterr.Forbidden, "peer is not a registered, active node").WithReason("peer_not_registered")
	}

	if in.contentBlocked && in.blockedCIDs != nil && in.blockedCIDs(req.CID) {
		return vaulterr.New(vaulterr.ContentBlocked, "cid is blocklisted").WithReason("content_blocked")
	}

	if !cidhash.VerifyCID(req.CID, req.Ciphertext) {
		return vaulterr.New(vaulterr.CIDMismatch, "ciphertext does not hash to the claimed cid")
	}

	isMedia := req.ContentType == "media"
	if isMedia {
		if req.Sender == "" {
			return vaulterr.New(vaulterr.InvalidAuthorization, "media replication requires sender metadata").WithReason("missing_fields")
		}
	} else if in.oracle != nil {
		ok, err := in.oracle.VerifyCIDOnChain(ctx, req.CID, false)
		if err != nil {
			return vaulterr.Newf(vaulterr.Internal, "on-chain cid verification failed: %v", err)
		}
		if !ok {
			return vaulterr.New(vaulterr.InvalidAuthorization, "cid is not referenced by an authorized on-chain record").WithReason("not_authorized")
		}
	}

	extras := blobstore.Extras{ContentType: req.ContentType}
	if err := in.store.Put(req.CID, req.Ciphertext, req.MimeType, extras); err != nil {
		if ve, ok := err.(*vaulterr.Error); ok {
			return ve
		}
		return vaulterr.Newf(vaulterr.Internal, "local put failed: %v", err)
	}
	return nil
}
