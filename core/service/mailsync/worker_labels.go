package mailsync

import (
	"context"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/rs/zerolog"
)

// =============================================================================
// Label Reconciler
// =============================================================================

// LabelReconciler converges the stored label set to the provider's.
type LabelReconciler struct {
	deps *Deps
	log  zerolog.Logger
}

// ReconcileResult counts the rows written by one run.
type ReconcileResult struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Changed reports whether the run wrote anything.
func (r ReconcileResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

func NewLabelReconciler(deps *Deps) *LabelReconciler {
	return &LabelReconciler{
		deps: deps,
		log:  deps.Logger.With().Str("component", "labels").Logger(),
	}
}

func (r *LabelReconciler) Reconcile(ctx context.Context, linkID string) (ReconcileResult, error) {
	var result ReconcileResult

	link, err := r.deps.loadLink(ctx, linkID)
	if err != nil {
		return result, err
	}
	if !link.CanSync() {
		return result, nil
	}
	ts, err := r.deps.tokenSource(ctx, link)
	if err != nil {
		return result, err
	}
	if err := r.deps.Quota.Admit(ctx, linkID, domain.OpLabelsList); err != nil {
		return result, err
	}

	remote, err := r.deps.Provider.ListLabels(ctx, ts)
	if err != nil {
		return result, err
	}
	stored, err := r.deps.Store.Labels().ListLabels(ctx, linkID)
	if err != nil {
		return result, err
	}

	upserts, deletes, result := diffLabels(linkID, remote, stored)
	if !result.Changed() {
		return result, nil
	}

	err = r.deps.Store.WithTx(ctx, func(tx out.Tx) error {
		if len(deletes) > 0 {
			if _, err := tx.Labels().DeleteLabels(ctx, linkID, deletes); err != nil {
				return err
			}
		}
		if len(upserts) > 0 {
			return tx.Labels().UpsertLabels(ctx, upserts)
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	r.log.Info().
		Str("link_id", linkID).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Int("deleted", result.Deleted).
		Msg("labels reconciled")
	return result, nil
}

// diffLabels compares by provider label id. Updated rows keep their local id.
func diffLabels(linkID string, remote []out.ProviderLabel, stored []*domain.Label) ([]*domain.Label, []string, ReconcileResult) {
	var result ReconcileResult

	byID := make(map[string]*domain.Label, len(stored))
	for _, l := range stored {
		byID[l.ProviderLabelID] = l
	}

	seen := make(map[string]bool, len(remote))
	var upserts []*domain.Label
	for i := range remote {
		want := MapLabel(linkID, &remote[i])
		if seen[want.ProviderLabelID] {
			continue
		}
		seen[want.ProviderLabelID] = true

		have, ok := byID[want.ProviderLabelID]
		switch {
		case !ok:
			result.Inserted++
		case have.SameAs(want):
			continue
		default:
			want.ID = have.ID
			want.CreatedAt = have.CreatedAt
			result.Updated++
		}
		upserts = append(upserts, want)
	}

	var deletes []string
	for _, l := range stored {
		if !seen[l.ProviderLabelID] {
			deletes = append(deletes, l.ProviderLabelID)
		}
	}
	result.Deleted = len(deletes)
	return upserts, deletes, result
}
