package mailsync

import (
	"context"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"

	"github.com/rs/zerolog"
)

// =============================================================================
// History Delta Syncer
// =============================================================================

// HistorySyncer applies mailbox changes since the link's history cursor.
// The delta and the cursor advance commit together; the advance is a CAS so
// concurrent syncs of one link serialize on the cursor.
type HistorySyncer struct {
	deps  *Deps
	coord *Coordinator
	log   zerolog.Logger
}

// HistoryResult summarizes one sync run.
type HistoryResult struct {
	Pages     int
	Changes   int
	Upserted  int
	Deleted   int
	Cursor    uint64
	NewLabels bool
}

func NewHistorySyncer(deps *Deps, coord *Coordinator) *HistorySyncer {
	return &HistorySyncer{
		deps:  deps,
		coord: coord,
		log:   deps.Logger.With().Str("component", "history").Logger(),
	}
}

func (h *HistorySyncer) Sync(ctx context.Context, linkID string) (*HistoryResult, error) {
	link, err := h.deps.loadLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if !link.CanSync() {
		return &HistoryResult{}, nil
	}
	if !link.HasCursor() {
		return nil, apperr.SyncRequired(linkID, "link has no history cursor, backfill required")
	}

	ts, err := h.deps.tokenSource(ctx, link)
	if err != nil {
		return nil, err
	}

	since := link.Cursor()
	result := &HistoryResult{Cursor: since}
	log := h.log.With().Str("link_id", linkID).Uint64("since", since).Logger()

	// =========================================================================
	// 1. 모든 페이지 수집
	// =========================================================================
	var changes []domain.HistoryChange
	next := since
	pageToken := ""
	for {
		if err := h.deps.Quota.Admit(ctx, linkID, domain.OpHistoryList); err != nil {
			return nil, err
		}
		page, err := h.deps.Provider.ListHistory(ctx, ts, since, pageToken)
		if err != nil {
			if out.IsProviderCode(err, out.ProviderErrSyncRequired) {
				return nil, h.resync(ctx, linkID, err)
			}
			return nil, err
		}
		result.Pages++
		changes = append(changes, page.Changes...)
		if page.HistoryID > next {
			next = page.HistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	delta := domain.FoldHistory(changes)
	if delta.MaxHistoryID > next {
		next = delta.MaxHistoryID
	}
	result.Changes = len(changes)
	if next == since && len(delta.Order) == 0 {
		return result, nil
	}

	// =========================================================================
	// 2. 필요한 메시지 본문 조회
	// =========================================================================
	existing, err := h.deps.Store.Mail().GetMessagesByProviderIDs(ctx, linkID, delta.Order)
	if err != nil {
		return nil, err
	}

	fetched := make(map[string]*domain.Message)
	for _, id := range delta.Order {
		md := delta.Messages[id]
		if md.Deleted {
			continue
		}
		if !md.NeedsFetch && existing[id] != nil {
			continue
		}

		if err := h.deps.Quota.Admit(ctx, linkID, domain.OpMessagesGet); err != nil {
			return nil, err
		}
		pm, err := h.deps.Provider.GetMessage(ctx, ts, id)
		if err != nil {
			if isNotFound(err) {
				// 창 이후 삭제됨
				md.Deleted = true
				continue
			}
			return nil, err
		}
		fetched[id] = MapMessage(linkID, pm)
	}

	unknownLabels, err := h.unknownLabels(ctx, linkID, delta, fetched)
	if err != nil {
		return nil, err
	}

	// =========================================================================
	// 3. 한 트랜잭션으로 적용 + 커서 CAS
	// =========================================================================
	upserted, deleted := 0, 0
	err = h.deps.Store.WithTx(ctx, func(tx out.Tx) error {
		upserted, deleted = 0, 0
		touched := make(map[string]bool)

		for _, id := range delta.Order {
			md := delta.Messages[id]
			old := existing[id]
			if old != nil {
				touched[old.ProviderThreadID] = true
			}

			switch {
			case md.Deleted:
				ok, err := tx.Mail().DeleteMessage(ctx, linkID, id)
				if err != nil {
					return err
				}
				if ok {
					deleted++
				}
				touched[md.ThreadID] = true

			case fetched[id] != nil:
				m := fetched[id]
				if err := tx.Mail().UpsertMessage(ctx, m); err != nil {
					return err
				}
				upserted++
				touched[m.ProviderThreadID] = true

			case old != nil:
				m := *old
				m.ApplyLabels(md.ApplyTo(old.LabelIDs))
				if md.HistoryID > m.HistoryID {
					m.HistoryID = md.HistoryID
				}
				if err := tx.Mail().UpsertMessage(ctx, &m); err != nil {
					return err
				}
				upserted++
			}
		}

		for threadID := range touched {
			if err := refreshThread(ctx, tx, linkID, threadID); err != nil {
				return err
			}
		}

		if next == since {
			return nil
		}
		expected := since
		ok, err := tx.Links().AdvanceCursor(ctx, linkID, &expected, next)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.CursorConflict(linkID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Upserted, result.Deleted, result.Cursor = upserted, deleted, next

	if len(unknownLabels) > 0 {
		result.NewLabels = true
		if err := h.deps.enqueue(ctx, domain.NewQueueMessage(linkID, "", &domain.LabelReconcile{})); err != nil {
			log.Warn().Err(err).Strs("labels", unknownLabels).Msg("failed to enqueue label reconcile")
		}
	}

	log.Info().
		Int("pages", result.Pages).
		Int("changes", result.Changes).
		Int("upserted", upserted).
		Int("deleted", deleted).
		Uint64("cursor", next).
		Msg("history applied")
	return result, nil
}

// resync starts a fresh backfill when the cursor fell out of the provider's
// history window. The cursor is left alone; completion reseeds it.
func (h *HistorySyncer) resync(ctx context.Context, linkID string, cause error) error {
	h.log.Warn().Err(cause).Str("link_id", linkID).Msg("history cursor expired, starting full backfill")

	if _, err := h.coord.Start(ctx, linkID, nil); err != nil {
		h.log.Error().Err(err).Str("link_id", linkID).Msg("failed to start resync backfill")
	}
	return apperr.SyncRequired(linkID, "history cursor expired, full backfill started").WithError(cause)
}

// unknownLabels returns label ids referenced by the delta that are not stored.
func (h *HistorySyncer) unknownLabels(ctx context.Context, linkID string, delta *domain.HistoryDelta, fetched map[string]*domain.Message) ([]string, error) {
	refs := delta.ReferencedLabels()
	for _, m := range fetched {
		refs = append(refs, m.LabelIDs...)
	}
	if len(refs) == 0 {
		return nil, nil
	}

	stored, err := h.deps.Store.Labels().ListLabels(ctx, linkID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(stored))
	for _, l := range stored {
		known[l.ProviderLabelID] = true
	}

	var unknown []string
	seen := make(map[string]bool)
	for _, id := range refs {
		if !known[id] && !seen[id] {
			seen[id] = true
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}
