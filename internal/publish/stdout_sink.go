package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

// StdoutSink writes one JSON line per batch. Meant for development and for
// piping into other tools; encoding failures are permanent since retrying
// the same payload cannot help.
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a sink writing to w, usually os.Stdout.
func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(w)}
}

func (s *StdoutSink) Publish(_ context.Context, batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(batch); err != nil {
		return Permanent(fmt.Errorf("publish: encode batch %s: %w", batch.ID, err))
	}
	return nil
}
