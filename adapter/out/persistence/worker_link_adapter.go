// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/crypto"
	"mailsync/pkg/logger"

	"github.com/google/uuid"
)

// LinkAdapter implements out.LinkRepository.
type LinkAdapter struct {
	base
	enc *crypto.Encryptor
}

var _ out.LinkRepository = (*LinkAdapter)(nil)

type linkEntity struct {
	ID           string        `db:"id"`
	UserID       string        `db:"user_id"`
	Provider     string        `db:"provider"`
	Email        string        `db:"email"`
	HistoryID    sql.NullInt64 `db:"history_id"`
	SyncEnabled  bool          `db:"sync_enabled"`
	AccessToken  string        `db:"access_token"`
	RefreshToken string        `db:"refresh_token"`
	TokenExpiry  sql.NullTime  `db:"token_expiry"`
	DisabledAt   sql.NullTime  `db:"disabled_at"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

const linkColumns = `id, user_id, provider, email, history_id, sync_enabled,
	access_token, refresh_token, token_expiry, disabled_at, created_at, updated_at`

func (e *linkEntity) toDomain() *domain.Link {
	link := &domain.Link{
		ID:           e.ID,
		UserID:       e.UserID,
		Provider:     domain.Provider(e.Provider),
		Email:        e.Email,
		SyncEnabled:  e.SyncEnabled,
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		DisabledAt:   fromNullTime(e.DisabledAt),
		CreatedAt:    e.CreatedAt.UTC(),
		UpdatedAt:    e.UpdatedAt.UTC(),
		HistoryID:    fromNullUint(e.HistoryID),
	}
	if e.TokenExpiry.Valid {
		link.TokenExpiry = e.TokenExpiry.Time.UTC()
	}
	return link
}

// encryptToken encrypts a token if encryption is enabled
func (a *LinkAdapter) encryptToken(token string) (string, error) {
	if a.enc == nil || token == "" {
		return token, nil
	}
	return a.enc.Encrypt(token)
}

// decryptToken decrypts a token if it appears to be encrypted
func (a *LinkAdapter) decryptToken(token string) string {
	if a.enc == nil || !crypto.IsEncrypted(token) {
		return token
	}
	plain, err := a.enc.Decrypt(token)
	if err != nil {
		logger.Warn("link token decrypt failed: %v", err)
		return ""
	}
	return plain
}

func (a *LinkAdapter) GetLink(ctx context.Context, id string) (*domain.Link, error) {
	var e linkEntity
	if err := a.get(ctx, "get link", &e, `SELECT `+linkColumns+` FROM links WHERE id = ?`, id); err != nil {
		return nil, err
	}
	link := e.toDomain()
	link.AccessToken = a.decryptToken(link.AccessToken)
	link.RefreshToken = a.decryptToken(link.RefreshToken)
	return link, nil
}

func (a *LinkAdapter) ListSyncable(ctx context.Context) ([]*domain.Link, error) {
	var entities []linkEntity
	query := `SELECT ` + linkColumns + ` FROM links
		WHERE sync_enabled = ? AND history_id IS NOT NULL
		ORDER BY created_at`
	if err := a.sel(ctx, "list syncable links", &entities, query, true); err != nil {
		return nil, err
	}

	links := make([]*domain.Link, 0, len(entities))
	for i := range entities {
		link := entities[i].toDomain()
		link.AccessToken = a.decryptToken(link.AccessToken)
		link.RefreshToken = a.decryptToken(link.RefreshToken)
		links = append(links, link)
	}
	return links, nil
}

// CreateLink must run inside WithTx so the disable and the insert commit together.
func (a *LinkAdapter) CreateLink(ctx context.Context, link *domain.Link) error {
	ts := now()
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = ts
	}
	link.UpdatedAt = ts

	if link.SyncEnabled {
		if _, err := a.exec(ctx, "disable previous links", `
			UPDATE links SET sync_enabled = ?, disabled_at = ?, updated_at = ?
			WHERE user_id = ? AND provider = ? AND sync_enabled = ?`,
			false, ts, ts, link.UserID, string(link.Provider), true); err != nil {
			return err
		}
	}

	access, err := a.encryptToken(link.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := a.encryptToken(link.RefreshToken)
	if err != nil {
		return err
	}

	_, err = a.exec(ctx, "create link", `
		INSERT INTO links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.UserID, string(link.Provider), link.Email, toNullableUint(link.HistoryID), link.SyncEnabled,
		access, refresh, toNullableTime(&link.TokenExpiry), toNullableTime(link.DisabledAt),
		link.CreatedAt.UTC(), link.UpdatedAt)
	return err
}

func (a *LinkAdapter) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	access, err := a.encryptToken(accessToken)
	if err != nil {
		return err
	}
	refresh, err := a.encryptToken(refreshToken)
	if err != nil {
		return err
	}

	// 빈 refresh token 은 기존 값 유지
	n, err := a.execAffected(ctx, "update link tokens", `
		UPDATE links SET access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_expiry = ?, updated_at = ?
		WHERE id = ?`,
		access, refresh, refresh, toNullableTime(&expiry), now(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *LinkAdapter) AdvanceCursor(ctx context.Context, id string, expected *uint64, next uint64) (bool, error) {
	var (
		n   int64
		err error
	)
	if expected == nil {
		n, err = a.execAffected(ctx, "advance cursor", `
			UPDATE links SET history_id = ?, updated_at = ?
			WHERE id = ? AND history_id IS NULL`,
			int64(next), now(), id)
	} else {
		n, err = a.execAffected(ctx, "advance cursor", `
			UPDATE links SET history_id = ?, updated_at = ?
			WHERE id = ? AND history_id = ?`,
			int64(next), now(), id, int64(*expected))
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *LinkAdapter) SeedCursor(ctx context.Context, id string, historyID uint64) (bool, error) {
	return a.AdvanceCursor(ctx, id, nil, historyID)
}

func (a *LinkAdapter) DisableLink(ctx context.Context, id string) error {
	ts := now()
	n, err := a.execAffected(ctx, "disable link", `
		UPDATE links SET sync_enabled = ?, disabled_at = COALESCE(disabled_at, ?), updated_at = ?
		WHERE id = ?`,
		false, ts, ts, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLink removes the link; messages, threads and labels cascade.
func (a *LinkAdapter) DeleteLink(ctx context.Context, id string) error {
	n, err := a.execAffected(ctx, "delete link", `DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
