package persistence

import (
	"context"
	"database/sql"
	"time"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/crypto"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Store - sqlx 기반 out.Store 구현 (Postgres / SQLite)
// =============================================================================

type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	enc     *crypto.Encryptor
	repos
}

var _ out.Store = (*Store)(nil)

// NewStore wraps db. callTimeout bounds every statement (0 disables it).
// OAuth tokens are stored encrypted when enc is non-nil.
func NewStore(db *sqlx.DB, callTimeout time.Duration, enc *crypto.Encryptor) *Store {
	return &Store{
		db:      db,
		timeout: callTimeout,
		enc:     enc,
		repos:   newRepos(db, callTimeout, enc),
	}
}

// DB exposes the pool for health reporting.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn in one transaction. fn's error is returned unchanged after
// rollback so callers keep its classification.
func (s *Store) WithTx(ctx context.Context, fn func(tx out.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.DatabaseError("begin tx", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(newRepos(tx, s.timeout, s.enc)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.DatabaseError("commit tx", err)
	}
	return nil
}

// repos binds every adapter to one executor (pool or tx).
type repos struct {
	links  *LinkAdapter
	jobs   *BackfillAdapter
	mail   *MailAdapter
	labels *LabelAdapter
}

func newRepos(db sqlx.ExtContext, timeout time.Duration, enc *crypto.Encryptor) repos {
	b := base{db: db, timeout: timeout}
	return repos{
		links:  &LinkAdapter{base: b, enc: enc},
		jobs:   &BackfillAdapter{base: b},
		mail:   &MailAdapter{base: b},
		labels: &LabelAdapter{base: b},
	}
}

func (r repos) Links() out.LinkRepository    { return r.links }
func (r repos) Jobs() out.BackfillRepository { return r.jobs }
func (r repos) Mail() out.MailRepository     { return r.mail }
func (r repos) Labels() out.LabelRepository  { return r.labels }

// =============================================================================
// base - 공통 쿼리 헬퍼
// =============================================================================

type base struct {
	db      sqlx.ExtContext
	timeout time.Duration
}

func (b base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b base) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.db.ExecContext(ctx, b.db.Rebind(query), args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return res, nil
}

// execAffected returns the number of rows the statement touched.
func (b base) execAffected(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := b.exec(ctx, op, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr(op, err)
	}
	return n, nil
}

func (b base) get(ctx context.Context, op string, dest any, query string, args ...any) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return wrapErr(op, sqlx.GetContext(ctx, b.db, dest, b.db.Rebind(query), args...))
}

func (b base) sel(ctx context.Context, op string, dest any, query string, args ...any) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return wrapErr(op, sqlx.SelectContext(ctx, b.db, dest, b.db.Rebind(query), args...))
}

// selIn expands slice args with sqlx.In before running sel.
func (b base) selIn(ctx context.Context, op string, dest any, query string, args ...any) error {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return wrapErr(op, err)
	}
	return b.sel(ctx, op, dest, q, expanded...)
}

func (b base) execIn(ctx context.Context, op, query string, args ...any) (int64, error) {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return 0, wrapErr(op, err)
	}
	return b.execAffected(ctx, op, q, expanded...)
}

func now() time.Time {
	return time.Now().UTC()
}

// =============================================================================
// Nullable / JSON helpers
// =============================================================================

func toNullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func toNullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func fromNullInt(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

func toNullableUint(u *uint64) any {
	if u == nil {
		return nil
	}
	return int64(*u)
}

func fromNullUint(i sql.NullInt64) *uint64 {
	if !i.Valid {
		return nil
	}
	v := uint64(i.Int64)
	return &v
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// chunk splits ids so IN lists stay within driver parameter limits.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
