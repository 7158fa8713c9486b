package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresQueue is a table queue. Receivers lease rows with
// FOR UPDATE SKIP LOCKED and push visible_at forward by the visibility
// timeout; an expired lease makes the row visible again.
type PostgresQueue struct {
	db         *sqlx.DB
	table      string
	block      time.Duration
	visibility time.Duration
	nackDelay  time.Duration
	poll       time.Duration
	log        zerolog.Logger
}

var _ out.Queue = (*PostgresQueue)(nil)

type pgQueueRow struct {
	ID       int64  `db:"id"`
	Payload  string `db:"payload"`
	Attempts int    `db:"attempts"`
}

func NewPostgresQueue(ctx context.Context, opts Options) (*PostgresQueue, error) {
	opts.setDefaults()

	db, err := sqlx.ConnectContext(ctx, "postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres queue: %w", err)
	}
	db.SetMaxOpenConns(10)

	q := &PostgresQueue{
		db:         db,
		table:      pq.QuoteIdentifier("queue_" + sanitizeName(opts.Stream)),
		block:      opts.Block,
		visibility: opts.Visibility,
		nackDelay:  opts.NackDelay,
		poll:       250 * time.Millisecond,
		log:        opts.Logger.With().Str("component", "pg_queue").Logger(),
	}
	if err := q.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + q.table + ` (
			id           BIGSERIAL PRIMARY KEY,
			kind         TEXT NOT NULL,
			dedupe_key   TEXT NOT NULL,
			payload      TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			visible_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			dead_reason  TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(unquoted(q.table)+"_visible") +
			` ON ` + q.table + ` (visible_at) WHERE dead_reason IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate queue table: %w", err)
		}
	}
	return nil
}

func unquoted(ident string) string {
	if s, err := strconv.Unquote(ident); err == nil {
		return s
	}
	return ident
}

func (q *PostgresQueue) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO `+q.table+` (kind, dedupe_key, payload) VALUES ($1, $2, $3)`,
		string(msg.Kind()), msg.DedupeKey(), string(data))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.table, err)
	}
	return nil
}

// ReceiveBatch polls until rows are leased or the block time passes.
func (q *PostgresQueue) ReceiveBatch(ctx context.Context, max int) ([]*out.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(q.block)

	for {
		batch, err := q.lease(ctx, max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *PostgresQueue) lease(ctx context.Context, max int) ([]*out.Delivery, error) {
	var rows []pgQueueRow
	err := q.db.SelectContext(ctx, &rows, `
		UPDATE `+q.table+` SET attempts = attempts + 1,
			visible_at = now() + ($1::text || ' milliseconds')::interval
		WHERE id IN (
			SELECT id FROM `+q.table+`
			WHERE dead_reason IS NULL AND visible_at <= now()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, attempts`,
		q.visibility.Milliseconds(), max)
	if err != nil {
		return nil, err
	}

	batch := make([]*out.Delivery, 0, len(rows))
	for _, r := range rows {
		msg, decodeErr := decodeDelivery([]byte(r.Payload))
		batch = append(batch, &out.Delivery{
			ID:        strconv.FormatInt(r.ID, 10),
			Message:   msg,
			DecodeErr: decodeErr,
			Attempts:  r.Attempts,
			Handle:    r.ID,
		})
	}
	return batch, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, d *out.Delivery) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM `+q.table+` WHERE id = $1`, d.Handle)
	return err
}

// Nack makes the row visible again after retry.Delay (nack delay when zero).
// A deferred nack gives back the attempt taken by the lease.
func (q *PostgresQueue) Nack(ctx context.Context, d *out.Delivery, retry out.Retry) error {
	delay := retry.Delay
	if delay <= 0 {
		delay = q.nackDelay
	}
	refund := 0
	if retry.Deferred {
		refund = 1
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+` SET visible_at = now() + ($1::text || ' milliseconds')::interval,
			attempts = GREATEST(attempts - $2, 0)
		WHERE id = $3`,
		delay.Milliseconds(), refund, d.Handle)
	return err
}

// DeadLetter keeps the row for inspection but never leases it again.
func (q *PostgresQueue) DeadLetter(ctx context.Context, d *out.Delivery, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+` SET dead_reason = $1 WHERE id = $2`, reason, d.Handle)
	if err == nil {
		q.log.Warn().Str("id", d.ID).Str("reason", reason).Msg("message dead-lettered")
	}
	return err
}

// Depth counts rows that are not dead-lettered.
func (q *PostgresQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+q.table+` WHERE dead_reason IS NULL`)
	return n, err
}

func (q *PostgresQueue) Close() error { return q.db.Close() }
