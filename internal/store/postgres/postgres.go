// Package postgres implements store.Store on PostgreSQL via the pgx stdlib
// driver. Row shapes mirror the sqlite driver: contexts are stored as a JSON
// body plus indexed columns used for filtering and the version CAS.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    creator_id  TEXT NOT NULL,
    version     BIGINT NOT NULL,
    body        JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_contexts_status ON contexts(status, updated_at);
CREATE TABLE IF NOT EXISTS users (
    id                 TEXT PRIMARY KEY,
    nickname           TEXT NOT NULL DEFAULT '',
    active             BOOLEAN NOT NULL DEFAULT TRUE,
    banned             BOOLEAN NOT NULL DEFAULT FALSE,
    current_context_id TEXT NOT NULL DEFAULT '',
    metadata           JSONB NOT NULL DEFAULT '{}',
    created_at         TIMESTAMPTZ NOT NULL,
    last_active        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS quotas (
    user_id             TEXT PRIMARY KEY,
    total_quota         BIGINT NOT NULL,
    used                BIGINT NOT NULL,
    daily_limit         BIGINT NOT NULL,
    daily_used          BIGINT NOT NULL,
    daily_reset         TIMESTAMPTZ NOT NULL,
    minute_limit        BIGINT NOT NULL,
    minute_count        BIGINT NOT NULL,
    minute_window_start TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bans (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    reason     TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    issued_at  TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    active     BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bans_user ON bans(user_id, issued_at);
`

// New connects with the given DSN, applies the schema and returns a Store.
func New(ctx context.Context, dsn string) (store.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &pgStore{db: db}, nil
}

type pgStore struct{ db *sql.DB }

func (s *pgStore) Contexts() store.Contexts { return &contexts{db: s.db} }
func (s *pgStore) Users() store.Users       { return &users{db: s.db} }
func (s *pgStore) Quotas() store.Quotas     { return &quotas{db: s.db} }
func (s *pgStore) Bans() store.Bans         { return &bans{db: s.db} }

func (s *pgStore) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *pgStore) Close() error                         { return s.db.Close() }

// --- Contexts ---

type contexts struct{ db *sql.DB }

func (c *contexts) Create(ctx context.Context, m *model.Context) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
        INSERT INTO contexts (id, kind, status, creator_id, version, body, updated_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, m.ID, string(m.Kind), string(m.Status), m.CreatorID, m.Version, string(body), m.UpdatedAt.UTC(), nullTime(m.ExpiresAt))
	return err
}

func (c *contexts) Get(ctx context.Context, id string) (*model.Context, error) {
	var body string
	var version int64
	row := c.db.QueryRowContext(ctx, `SELECT body, version FROM contexts WHERE id = $1`, id)
	if err := row.Scan(&body, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	var out model.Context
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	out.Version = version
	return &out, nil
}

func (c *contexts) Update(ctx context.Context, m *model.Context) error {
	next := *m
	next.Version = m.Version + 1
	body, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `
        UPDATE contexts
        SET kind=$1, status=$2, version=$3, body=$4, updated_at=$5, expires_at=$6
        WHERE id=$7 AND version=$8
    `, string(next.Kind), string(next.Status), next.Version, string(body),
		next.UpdatedAt.UTC(), nullTime(next.ExpiresAt), next.ID, m.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		row := c.db.QueryRowContext(ctx, `SELECT 1 FROM contexts WHERE id=$1`, next.ID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			return scanErr
		}
		return model.ErrConcurrentModification
	}
	m.Version = next.Version
	return nil
}

func (c *contexts) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM contexts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (c *contexts) List(ctx context.Context, f store.ContextFilter) ([]*model.Context, error) {
	q := `SELECT body, version FROM contexts WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Kind != "" {
		q += ` AND kind = ` + arg(string(f.Kind))
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + arg(string(f.Statuses[0]))
		for _, st := range f.Statuses[1:] {
			q += `,` + arg(string(st))
		}
		q += `)`
	}
	if f.ExpiresBefore != nil {
		q += ` AND expires_at IS NOT NULL AND expires_at < ` + arg(f.ExpiresBefore.UTC())
	}
	if f.UpdatedBefore != nil {
		if f.CursorID != "" {
			ts := arg(f.UpdatedBefore.UTC())
			q += ` AND (updated_at < ` + ts + ` OR (updated_at = ` + ts + ` AND id < ` + arg(f.CursorID) + `))`
		} else {
			q += ` AND updated_at < ` + arg(f.UpdatedBefore.UTC())
		}
	}
	q += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []*model.Context
	for rows.Next() {
		var body string
		var version int64
		if err := rows.Scan(&body, &version); err != nil {
			return nil, err
		}
		var m model.Context
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, err
		}
		m.Version = version
		if f.Participant != "" && !m.HasParticipant(f.Participant) {
			continue
		}
		res = append(res, &m)
	}
	return res, rows.Err()
}

// --- Users ---

type users struct{ db *sql.DB }

func (u *users) Get(ctx context.Context, id string) (*model.User, error) {
	var out model.User
	var meta string
	row := u.db.QueryRowContext(ctx, `
        SELECT id, nickname, active, banned, current_context_id, metadata, created_at, last_active
        FROM users WHERE id=$1
    `, id)
	if err := row.Scan(&out.ID, &out.Nickname, &out.Active, &out.Banned, &out.CurrentContextID, &meta, &out.CreatedAt, &out.LastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &out.Metadata); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *users) Put(ctx context.Context, m *model.User) error {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = u.db.ExecContext(ctx, `
        INSERT INTO users (id, nickname, active, banned, current_context_id, metadata, created_at, last_active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO UPDATE SET
            nickname=EXCLUDED.nickname,
            active=EXCLUDED.active,
            banned=EXCLUDED.banned,
            current_context_id=EXCLUDED.current_context_id,
            metadata=EXCLUDED.metadata,
            last_active=EXCLUDED.last_active
    `, m.ID, m.Nickname, m.Active, m.Banned, m.CurrentContextID, string(raw), m.CreatedAt.UTC(), m.LastActive.UTC())
	return err
}

func (u *users) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := u.db.ExecContext(ctx, `UPDATE users SET last_active=$1 WHERE id=$2`, at.UTC(), id)
	return err
}

// --- Quotas ---

type quotas struct{ db *sql.DB }

func (q *quotas) Get(ctx context.Context, userID string) (*model.TokenQuota, error) {
	var out model.TokenQuota
	row := q.db.QueryRowContext(ctx, `
        SELECT user_id, total_quota, used, daily_limit, daily_used, daily_reset,
               minute_limit, minute_count, minute_window_start
        FROM quotas WHERE user_id=$1
    `, userID)
	if err := row.Scan(&out.UserID, &out.TotalQuota, &out.Used, &out.DailyLimit, &out.DailyUsed,
		&out.DailyReset, &out.MinuteLimit, &out.MinuteCount, &out.MinuteWindowStart); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (q *quotas) Put(ctx context.Context, m *model.TokenQuota) error {
	_, err := q.db.ExecContext(ctx, `
        INSERT INTO quotas (user_id, total_quota, used, daily_limit, daily_used, daily_reset,
                            minute_limit, minute_count, minute_window_start)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (user_id) DO UPDATE SET
            total_quota=EXCLUDED.total_quota,
            used=EXCLUDED.used,
            daily_limit=EXCLUDED.daily_limit,
            daily_used=EXCLUDED.daily_used,
            daily_reset=EXCLUDED.daily_reset,
            minute_limit=EXCLUDED.minute_limit,
            minute_count=EXCLUDED.minute_count,
            minute_window_start=EXCLUDED.minute_window_start
    `, m.UserID, m.TotalQuota, m.Used, m.DailyLimit, m.DailyUsed, m.DailyReset.UTC(),
		m.MinuteLimit, m.MinuteCount, m.MinuteWindowStart.UTC())
	return err
}

// --- Bans ---

type bans struct{ db *sql.DB }

func (b *bans) Create(ctx context.Context, m *model.BanRecord) error {
	_, err := b.db.ExecContext(ctx, `
        INSERT INTO bans (id, user_id, reason, details, issued_at, expires_at, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `, m.ID, m.UserID, string(m.Reason), m.Details, m.IssuedAt.UTC(), nullTime(m.ExpiresAt), m.Active)
	return err
}

func (b *bans) Update(ctx context.Context, m *model.BanRecord) error {
	res, err := b.db.ExecContext(ctx, `
        UPDATE bans SET reason=$1, details=$2, expires_at=$3, active=$4 WHERE id=$5
    `, string(m.Reason), m.Details, nullTime(m.ExpiresAt), m.Active, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (b *bans) ActiveBan(ctx context.Context, userID string) (*model.BanRecord, error) {
	row := b.db.QueryRowContext(ctx, `
        SELECT id, user_id, reason, details, issued_at, expires_at, active
        FROM bans WHERE user_id=$1 AND active
        ORDER BY issued_at DESC LIMIT 1
    `, userID)
	return scanBan(row)
}

func (b *bans) ListByUser(ctx context.Context, userID string, limit int) ([]*model.BanRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := b.db.QueryContext(ctx, `
        SELECT id, user_id, reason, details, issued_at, expires_at, active
        FROM bans WHERE user_id=$1 ORDER BY issued_at DESC LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []*model.BanRecord
	for rows.Next() {
		rec, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanBan(row rowScanner) (*model.BanRecord, error) {
	var out model.BanRecord
	var reason string
	var expires sql.NullTime
	if err := row.Scan(&out.ID, &out.UserID, &reason, &out.Details, &out.IssuedAt, &expires, &out.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	out.Reason = model.BanReason(reason)
	if expires.Valid {
		t := expires.Time
		out.ExpiresAt = &t
	}
	return &out, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
