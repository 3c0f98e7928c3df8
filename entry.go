package evcache

import (
	"time"
)

// Entry is a single cached item. Content, Metadata and Embedding are
// immutable after creation; only ExpiresAt moves, and only forward via
// Manager.Extend.
type Entry struct {
	// ID is the opaque unique identifier, generated at insertion.
	// IDs are never reused, even after eviction.
	ID string `json:"id"`

	// Content is the cached text payload.
	Content string `json:"content"`

	// Metadata holds arbitrary key/value annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Embedding is the optional vector; its length equals the manager's
	// configured dimension.
	Embedding []float32 `json:"embedding,omitempty"`

	// CreatedAt is the insertion timestamp.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the timestamp after which the entry is gone.
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the entry is expired at the given instant.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime at the given instant, 0 when expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiredAt(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// clone returns a defensive copy safe to hand to callers.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.Embedding != nil {
		cp.Embedding = append([]float32(nil), e.Embedding...)
	}
	return &cp
}

// sizeEstimate approximates the entry's resident memory in bytes. Used for
// memory accounting and the memory-bytes metric; intentionally rough.
func (e *Entry) sizeEstimate() int64 {
	size := int64(128) // struct + map overhead
	size += int64(len(e.ID))
	size += int64(len(e.Content))
	size += int64(len(e.Embedding)) * 4
	for k, v := range e.Metadata {
		size += int64(len(k)) + 16
		if s, ok := v.(string); ok {
			size += int64(len(s))
		}
	}
	return size
}

// SearchResult is a ranked similarity match.
type SearchResult struct {
	// ID is the identifier of the matched entry.
	ID string

	// Score is the distance between the query and the entry's embedding.
	// Smaller is closer for L2-style metrics.
	Score float32

	// Entry is a copy of the matched entry.
	Entry *Entry
}
