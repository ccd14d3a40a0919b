// Package consensus implements the vault's read path: hedged concurrent
// fetch across a CID's replica set, SHA-256 hash tallying to decide
// consensus, and a bounded audit log of disputes (≥2 distinct hashes) and
// censorship events (a replica that should hold the CID returned nothing).
// FetchWithAntiCensorship adds reputation-weighted retry, evicting
// disputing or censoring nodes from the candidate pool between rounds.
//
// Permanence tiers (ephemeral/persistent/archival) are a published policy
// table here (TierPolicies), not engine state. The write path and GC do not
// read it: they take their replication factor and eligibility rules from
// their own configuration.
package consensus
