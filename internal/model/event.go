package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is one measurement produced from a single database row (or, for
// two-columns queries, from the whole result set). Immutable once created.
//
// Field values are restricted to the scalar types that survive both SQL
// drivers and JSON: string, int64, float64, bool, or nil.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Fields    map[string]any `json:"fields"`
}

// Batch is an ordered group of events sealed for a single publish attempt.
// The ID is assigned at seal time and stays stable across retries, so the
// downstream pipeline can deduplicate re-delivered batches.
// A sealed batch is never mutated.
type Batch struct {
	ID       uuid.UUID `json:"id"`
	SealedAt time.Time `json:"sealed_at"`
	Events   []Event   `json:"events"`
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }
