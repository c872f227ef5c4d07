// Package sqlpulse provides server-side helpers for building a collection
// endpoint that receives event batches from sqlpulse agents.
//
// Mount a Receiver where the agents' SQLPULSE_SINK_URL points:
//
//	rcv := sqlpulse.NewReceiver(store.AppendBatch, sqlpulse.WithToken("secret"))
//	mux.Handle("POST /v1/events", rcv)
//
// Response codes follow the agent's retry contract: 2xx acknowledges the
// batch, 4xx tells the agent to discard it, and 5xx tells the agent to retry
// with backoff. Agents deliver at least once, so the Receiver acknowledges
// batch IDs it has already accepted without invoking the handler again.
package sqlpulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxBodyBytes caps the request body. An agent batch holds at most a
// few hundred events, far below this.
const DefaultMaxBodyBytes = 8 << 20

// DefaultDedupWindow is how many recently accepted batch IDs are remembered.
const DefaultDedupWindow = 1024

// BatchHandler processes one accepted batch. Returning an error answers the
// agent with a 500, which makes it retry the same batch later; the handler
// will see the same batch ID again.
type BatchHandler func(r *http.Request, batch Batch) error

// Receiver is an http.Handler implementing the agent's delivery contract.
// Safe for concurrent use.
type Receiver struct {
	handler      BatchHandler
	token        string
	maxBodyBytes int64

	mu     sync.Mutex
	seen   map[uuid.UUID]struct{}
	order  []uuid.UUID
	window int
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithToken requires "Authorization: Bearer <token>" on every request.
// An empty token leaves the endpoint open.
func WithToken(token string) Option {
	return func(r *Receiver) { r.token = token }
}

// WithDedupWindow sets how many recent batch IDs are remembered for
// de-duplication. Zero disables it and every delivery reaches the handler,
// retries included.
func WithDedupWindow(n int) Option {
	return func(r *Receiver) { r.window = n }
}

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Receiver) { r.maxBodyBytes = n }
}

// NewReceiver builds a Receiver delivering accepted batches to handler.
func NewReceiver(handler BatchHandler, opts ...Option) *Receiver {
	r := &Receiver{
		handler:      handler,
		maxBodyBytes: DefaultMaxBodyBytes,
		window:       DefaultDedupWindow,
		seen:         make(map[uuid.UUID]struct{}),
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is accepted")
		return
	}
	if rc.token != "" && r.Header.Get("Authorization") != "Bearer "+rc.token {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	body := http.MaxBytesReader(w, r.Body, rc.maxBodyBytes)
	var batch Batch
	if err := json.NewDecoder(body).Decode(&batch); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
		return
	}
	if batch.ID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	if rc.alreadySeen(batch.ID) {
		// A retry of a batch this receiver already accepted: acknowledge so
		// the agent stops redelivering, without handing it down again.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := rc.handler(r, batch); err != nil {
		rc.forget(batch.ID)
		writeError(w, http.StatusInternalServerError, "handler failed, retry later")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// alreadySeen records id and reports whether it was already present. The
// memory is bounded: the oldest ID falls out once the window is full.
func (rc *Receiver) alreadySeen(id uuid.UUID) bool {
	if rc.window <= 0 {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.seen[id]; ok {
		return true
	}
	rc.seen[id] = struct{}{}
	rc.order = append(rc.order, id)
	if len(rc.order) > rc.window {
		oldest := rc.order[0]
		rc.order = rc.order[1:]
		delete(rc.seen, oldest)
	}
	return false
}

// forget drops id so the agent's retry of a failed batch is not mistaken for
// a duplicate of a successful one.
func (rc *Receiver) forget(id uuid.UUID) {
	if rc.window <= 0 {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.seen[id]; !ok {
		return
	}
	delete(rc.seen, id)
	for i, v := range rc.order {
		if v == id {
			rc.order = append(rc.order[:i], rc.order[i+1:]...)
			break
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
