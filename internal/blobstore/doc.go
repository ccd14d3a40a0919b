// Package blobstore is the on-disk ciphertext+metadata store for one vault
// node's local shard of the keyspace.
//
// Layout under a data directory:
//
//	blobs/<cid>.enc   — raw ciphertext bytes
//	meta/<cid>.json   — metadata record (schema version 1)
//
// Every file write (the blob and metadata written by Put, and the metadata
// rewritten by UpdateMetadata and Get) goes through a temp file in the
// destination directory followed by os.Rename, so a reader never observes a
// half-written blob or metadata record; a crash mid-write leaves an orphaned
// .tmp-* file rather than a corrupt one. Put writes the blob before its
// metadata, and Delete removes the blob before its metadata, so a crash
// between the two steps leaves an orphan that VerifyIntegrity reports.
//
// The store is single-writer per CID: concurrent Put/Delete/UpdateMetadata
// calls for the same CID are serialized through a per-entry mutex, while
// operations on different CIDs proceed independently.
package blobstore
