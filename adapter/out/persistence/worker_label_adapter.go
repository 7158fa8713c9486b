package persistence

import (
	"context"
	"strings"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/google/uuid"
)

// LabelAdapter implements out.LabelRepository.
type LabelAdapter struct {
	base
}

var _ out.LabelRepository = (*LabelAdapter)(nil)

// labelUpsertChunk rows per multi-row INSERT.
const labelUpsertChunk = 50

type labelEntity struct {
	ID                    string    `db:"id"`
	LinkID                string    `db:"link_id"`
	ProviderLabelID       string    `db:"provider_label_id"`
	Name                  string    `db:"name"`
	Type                  string    `db:"type"`
	LabelListVisibility   string    `db:"label_list_visibility"`
	MessageListVisibility string    `db:"message_list_visibility"`
	ColorText             string    `db:"color_text"`
	ColorBackground       string    `db:"color_background"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

const labelColumns = `id, link_id, provider_label_id, name, type, label_list_visibility,
	message_list_visibility, color_text, color_background, created_at, updated_at`

func (e *labelEntity) toDomain() *domain.Label {
	return &domain.Label{
		ID:                    e.ID,
		LinkID:                e.LinkID,
		ProviderLabelID:       e.ProviderLabelID,
		Name:                  e.Name,
		Type:                  domain.LabelType(e.Type),
		LabelListVisibility:   e.LabelListVisibility,
		MessageListVisibility: e.MessageListVisibility,
		ColorText:             e.ColorText,
		ColorBackground:       e.ColorBackground,
		CreatedAt:             e.CreatedAt.UTC(),
		UpdatedAt:             e.UpdatedAt.UTC(),
	}
}

func (a *LabelAdapter) ListLabels(ctx context.Context, linkID string) ([]*domain.Label, error) {
	var entities []labelEntity
	if err := a.sel(ctx, "list labels", &entities, `
		SELECT `+labelColumns+` FROM labels WHERE link_id = ? ORDER BY provider_label_id`,
		linkID); err != nil {
		return nil, err
	}
	labels := make([]*domain.Label, 0, len(entities))
	for i := range entities {
		labels = append(labels, entities[i].toDomain())
	}
	return labels, nil
}

// UpsertLabels writes labels with multi-row INSERT ... ON CONFLICT statements.
func (a *LabelAdapter) UpsertLabels(ctx context.Context, labels []*domain.Label) error {
	ts := now()
	for start := 0; start < len(labels); start += labelUpsertChunk {
		end := start + labelUpsertChunk
		if end > len(labels) {
			end = len(labels)
		}
		batch := labels[start:end]

		rows := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*11)
		for _, l := range batch {
			if l.ID == "" {
				l.ID = uuid.New().String()
			}
			if l.CreatedAt.IsZero() {
				l.CreatedAt = ts
			}
			l.UpdatedAt = ts
			rows = append(rows, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, l.ID, l.LinkID, l.ProviderLabelID, l.Name, string(l.Type),
				l.LabelListVisibility, l.MessageListVisibility, l.ColorText, l.ColorBackground,
				l.CreatedAt.UTC(), ts)
		}

		if _, err := a.exec(ctx, "upsert labels", `
			INSERT INTO labels (`+labelColumns+`)
			VALUES `+strings.Join(rows, ", ")+`
			ON CONFLICT (link_id, provider_label_id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				label_list_visibility = excluded.label_list_visibility,
				message_list_visibility = excluded.message_list_visibility,
				color_text = excluded.color_text,
				color_background = excluded.color_background,
				updated_at = excluded.updated_at`,
			args...); err != nil {
			return err
		}
	}
	return nil
}

func (a *LabelAdapter) DeleteLabels(ctx context.Context, linkID string, providerLabelIDs []string) (int64, error) {
	var total int64
	for _, ids := range chunk(providerLabelIDs, inListChunk) {
		n, err := a.execIn(ctx, "delete labels", `
			DELETE FROM labels WHERE link_id = ? AND provider_label_id IN (?)`,
			linkID, ids)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
