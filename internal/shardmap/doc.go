// Package shardmap maps content identifiers to shard keys and tracks which
// shard ranges a given node owns.
//
// Ownership is expressed as either an explicit set of shard IDs or an
// ordered list of inclusive [start,end] ranges (the config syntax allows
// mixing both). Config reloads publish a brand-new *Map through AtomicMap
// rather than mutating an existing one in place, so a reader never observes
// a partially-applied ownership change.
package shardmap
