// Package evcache implements an ephemeral vector cache: entries carry text
// content, optional metadata and an optional embedding vector, expire after a
// time-to-live, and are searchable by vector similarity while they live.
//
// The Manager is the single entry point. Writes append embeddings to an
// approximate-nearest-neighbor index; because the index cannot delete
// individual vectors, a periodic cleanup pass drops expired entries and
// rebuilds the index from the survivors (an O(live entries) operation,
// amortized across the cleanup interval). Search results are always filtered
// against the entry table, so expired entries are never returned even when
// their vectors still occupy stale index slots.
package evcache
