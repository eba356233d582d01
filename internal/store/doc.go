// Package store provides SQLite-backed durable storage for lockstep.
//
// A worker process keeps its thread logs here; the coordinator keeps its
// checkpoint catalog and barrier history. Both use the same schema so a
// single file can serve an in-process cluster.
//
// # Patterns
//
// Atomic flush:
//   - AppendEntries writes a whole flush batch in one transaction
//   - Each batch must continue every thread's durable sequence without a gap
//
// Logical ordering:
//   - Log reads are ORDER BY thread_id, seq; never by insertion time
//   - Catalog and history reads are ORDER BY seq (autoincrement)
//
// Integrity:
//   - Every log row carries the xxhash64 checksum of its persisted record
//     encoding, verified on read
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: a flushed log must survive power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
