package out

import (
	"context"
	"time"
)

// QuotaCounter reserves units against a per-key budget that resets every window.
// Reserve is atomic: concurrent callers can never push the window past budget.
type QuotaCounter interface {
	Reserve(ctx context.Context, key string, cost, budget int, window time.Duration) (QuotaDecision, error)
}

type QuotaDecision struct {
	Allowed bool
	// Used is the window total after this call.
	Used       int
	RetryAfter time.Duration
}
