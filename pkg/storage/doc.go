// Package storage persists fleet state in a single BoltDB file: one
// bucket per entity plus index buckets for name lookups and the
// monotonic audit sequence. The audit bucket is append-only by
// construction; the Store interface exposes no update or delete for
// it.
package storage
