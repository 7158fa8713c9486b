// Package mailsync implements the mailbox sync engine: backfill, history
// deltas, label reconciliation and the quota admission in front of them.
package mailsync

import (
	"context"
	"fmt"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
)

// =============================================================================
// Quota Admission
// =============================================================================

const (
	DefaultQuotaUnits  = 250
	DefaultQuotaWindow = time.Second
)

// Admission reserves Gmail quota units per link before every provider call.
type Admission struct {
	counter out.QuotaCounter
	budget  int
	window  time.Duration
}

func NewAdmission(counter out.QuotaCounter, budget int, window time.Duration) *Admission {
	if budget <= 0 {
		budget = DefaultQuotaUnits
	}
	if window <= 0 {
		window = DefaultQuotaWindow
	}
	return &Admission{counter: counter, budget: budget, window: window}
}

// Admit returns nil when op fits in the link's current window. A rejection
// is a retryable QUOTA_EXCEEDED carrying the time left in the window.
func (a *Admission) Admit(ctx context.Context, linkID string, op domain.Operation) error {
	cost, ok := op.Cost()
	if !ok {
		return apperr.Internal(fmt.Sprintf("no quota cost for operation %q", op))
	}
	if cost > a.budget {
		// 어떤 윈도우에서도 통과 불가
		return apperr.ConfigError(fmt.Sprintf("operation %s costs %d units, budget is %d", op, cost, a.budget))
	}

	decision, err := a.counter.Reserve(ctx, linkID, cost, a.budget, a.window)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternalError, "quota counter unavailable", true)
	}
	if !decision.Allowed {
		return apperr.QuotaExceeded(linkID, decision.RetryAfter).WithDetail("operation", string(op))
	}
	return nil
}
