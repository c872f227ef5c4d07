package collector

import (
	"context"
	"fmt"
	"time"
)

// QueryError reports a query that the database rejected or could not be
// reached for. Never fatal: the run is recorded as a failure and the next
// tick tries again.
type QueryError struct {
	Entry string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("collector: query %q: %v", e.Entry, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TimeoutError reports a query cancelled at its deadline. The in-flight
// statement is torn down through the context; the run counts as a failure.
type TimeoutError struct {
	Entry string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("collector: query %q exceeded %s", e.Entry, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
