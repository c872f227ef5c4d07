package sqlpulse

import (
	"time"

	"github.com/google/uuid"
)

// Event mirrors the agent's event wire format for collection-endpoint
// implementers. Field values are string, int64/float64 (JSON number), bool,
// or nil.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Fields    map[string]any `json:"fields"`
}

// Batch mirrors the agent's batch wire format. The ID is assigned when the
// batch is sealed and stays stable across delivery retries, which is what
// makes receiver-side de-duplication possible.
type Batch struct {
	ID       uuid.UUID `json:"id"`
	SealedAt time.Time `json:"sealed_at"`
	Events   []Event   `json:"events"`
}
