// Package gc scores, filters, and deletes blobs past their retention
// policy. A single-execution guard refuses re-entrant runs; a per-candidate
// safety pipeline (metadata present, not pinned, shard still owned,
// replication satisfied) gates every deletion, and a pinned-reservation
// floor bounds how much free-space-triggered collection may reclaim.
// Dry-run produces the identical report without touching disk.
package gc
