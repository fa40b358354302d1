// Package history keeps the most recent finalized texts for context-aware
// correction. A bounded in-memory cache answers reads; a Persister mirrors it
// to durable storage in the background.
package history

import (
	"context"
	"time"
)

// Record is one finalized utterance.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Original  string    `json:"original,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Duration is the audio length in seconds, when known.
	Duration *float64 `json:"duration,omitempty"`
	Language string   `json:"language"`
}

// Persister is the durable side of the store. Recent returns records
// timestamp-descending.
type Persister interface {
	Insert(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Prune removes everything but the keep most recent records.
	Prune(ctx context.Context, keep int) (int64, error)
	DeleteAll(ctx context.Context) error
	Close() error
}
