package collector

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// normalize maps a driver value onto the scalar set events carry: string,
// int64, float64, bool, or nil. Text content is parsed into the narrowest
// scalar that fits. The second return is false for driver-specific types
// that have no scalar rendering; the caller drops the row.
func normalize(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case int64, float64, bool:
		return x, true
	case time.Time:
		return x.Format(time.RFC3339), true
	case []byte:
		return parseScalar(string(x)), true
	case string:
		return parseScalar(x), true
	default:
		return nil, false
	}
}

func parseScalar(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// numericValue reports v as a float64 plus whether it started life integral.
func numericValue(v any) (f float64, integer bool, ok bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true, true
	case float64:
		return x, false, true
	default:
		return 0, false, false
	}
}

type deltaObservation struct {
	value   float64
	integer bool
	at      time.Time
}

// deltaTracker remembers the previous observation of every delta column so
// consecutive runs can be turned into per-second rates. Keys are scoped to
// entry plus column, so two queries selecting the same column name do not
// share state.
type deltaTracker struct {
	mu    sync.Mutex
	state map[string]deltaObservation
}

func newDeltaTracker() *deltaTracker {
	return &deltaTracker{state: make(map[string]deltaObservation)}
}

// observe records value under key and returns the per-second rate since the
// previous observation. ok is false on the first observation, after a counter
// reset (value went down), and when no time has passed. Integer observations
// produce an integer rate, rounded half away from zero.
func (d *deltaTracker) observe(key string, value any, at time.Time) (rate any, ok bool) {
	f, integer, numeric := numericValue(value)
	if !numeric {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.state[key]
	d.state[key] = deltaObservation{value: f, integer: integer, at: at}
	if !seen {
		return nil, false
	}

	elapsed := at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return nil, false
	}
	if f < prev.value {
		return nil, false
	}

	r := (f - prev.value) / elapsed
	if integer && prev.integer {
		return int64(math.Round(r)), true
	}
	return r, true
}
