// Package sqlite implements store.Store on modernc.org/sqlite. The schema is
// created on open so a fresh file is immediately usable.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    creator_id  TEXT NOT NULL,
    version     INTEGER NOT NULL,
    body        TEXT NOT NULL,
    updated_at  TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_contexts_status ON contexts(status, updated_at);
CREATE TABLE IF NOT EXISTS users (
    id                 TEXT PRIMARY KEY,
    nickname           TEXT NOT NULL DEFAULT '',
    active             INTEGER NOT NULL DEFAULT 1,
    banned             INTEGER NOT NULL DEFAULT 0,
    current_context_id TEXT NOT NULL DEFAULT '',
    metadata           TEXT NOT NULL DEFAULT '{}',
    created_at         TIMESTAMP NOT NULL,
    last_active        TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS quotas (
    user_id             TEXT PRIMARY KEY,
    total_quota         INTEGER NOT NULL,
    used                INTEGER NOT NULL,
    daily_limit         INTEGER NOT NULL,
    daily_used          INTEGER NOT NULL,
    daily_reset         TIMESTAMP NOT NULL,
    minute_limit        INTEGER NOT NULL,
    minute_count        INTEGER NOT NULL,
    minute_window_start TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS bans (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    reason     TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    issued_at  TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    active     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bans_user ON bans(user_id, issued_at);
`

// Open opens (or creates) a SQLite database at the given path with WAL mode
// enabled and the schema applied.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New opens path and returns a Store backed by it.
func New(path string) (store.Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection (used by tests and the factory).
func NewWithDB(db *sql.DB) store.Store { return &sqliteStore{db: db} }

type sqliteStore struct{ db *sql.DB }

func (s *sqliteStore) Contexts() store.Contexts { return &contexts{db: s.db} }
func (s *sqliteStore) Users() store.Users       { return &users{db: s.db} }
func (s *sqliteStore) Quotas() store.Quotas     { return &quotas{db: s.db} }
func (s *sqliteStore) Bans() store.Bans         { return &bans{db: s.db} }

func (s *sqliteStore) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqliteStore) Close() error                         { return s.db.Close() }

// --- Contexts ---

type contexts struct{ db *sql.DB }

func (c *contexts) Create(ctx context.Context, m *model.Context) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
        INSERT INTO contexts (id, kind, status, creator_id, version, body, updated_at, expires_at)
        VALUES (?,?,?,?,?,?,?,?)
    `, m.ID, string(m.Kind), string(m.Status), m.CreatorID, m.Version, string(body), m.UpdatedAt.UTC(), nullTime(m.ExpiresAt))
	return err
}

func (c *contexts) Get(ctx context.Context, id string) (*model.Context, error) {
	var body string
	var version int64
	row := c.db.QueryRowContext(ctx, `SELECT body, version FROM contexts WHERE id = ?`, id)
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
        SET kind=?, status=?, version=?, body=?, updated_at=?, expires_at=?
        WHERE id=? AND version=?
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
		// Either the row is gone or another writer bumped the version.
		var exists int
		row := c.db.QueryRowContext(ctx, `SELECT 1 FROM contexts WHERE id=?`, next.ID)
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
	res, err := c.db.ExecContext(ctx, `DELETE FROM contexts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (c *contexts) List(ctx context.Context, f store.ContextFilter) ([]*model.Context, error) {
	q := `SELECT body, version FROM contexts WHERE 1=1`
	var args []any
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (?` // first placeholder
		args = append(args, string(f.Statuses[0]))
		for _, st := range f.Statuses[1:] {
			q += `,?`
			args = append(args, string(st))
		}
		q += `)`
	}
	if f.ExpiresBefore != nil {
		q += ` AND expires_at IS NOT NULL AND expires_at < ?`
		args = append(args, f.ExpiresBefore.UTC())
	}
	if f.UpdatedBefore != nil {
		if f.CursorID != "" {
			q += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
			args = append(args, f.UpdatedBefore.UTC(), f.UpdatedBefore.UTC(), f.CursorID)
		} else {
			q += ` AND updated_at < ?`
			args = append(args, f.UpdatedBefore.UTC())
		}
	}
	q += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
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
		// Participant membership lives in the JSON body, so filter here
		// rather than in SQL.
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
	var active, banned int
	var meta string
	row := u.db.QueryRowContext(ctx, `
        SELECT id, nickname, active, banned, current_context_id, metadata, created_at, last_active
        FROM users WHERE id=?
    `, id)
	if err := row.Scan(&out.ID, &out.Nickname, &active, &banned, &out.CurrentContextID, &meta, &out.CreatedAt, &out.LastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	out.Active = active != 0
	out.Banned = banned != 0
	if err := json.Unmarshal([]byte(meta), &out.Metadata); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *users) Put(ctx context.Context, m *model.User) error {
	meta, err := json.Marshal(orEmpty(m.Metadata))
	if err != nil {
		return err
	}
	_, err = u.db.ExecContext(ctx, `
        INSERT INTO users (id, nickname, active, banned, current_context_id, metadata, created_at, last_active)
        VALUES (?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            nickname=excluded.nickname,
            active=excluded.active,
            banned=excluded.banned,
            current_context_id=excluded.current_context_id,
            metadata=excluded.metadata,
            last_active=excluded.last_active
    `, m.ID, m.Nickname, boolInt(m.Active), boolInt(m.Banned), m.CurrentContextID, string(meta), m.CreatedAt.UTC(), m.LastActive.UTC())
	return err
}

func (u *users) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := u.db.ExecContext(ctx, `UPDATE users SET last_active=? WHERE id=?`, at.UTC(), id)
	return err
}

// --- Quotas ---

type quotas struct{ db *sql.DB }

func (q *quotas) Get(ctx context.Context, userID string) (*model.TokenQuota, error) {
	var out model.TokenQuota
	row := q.db.QueryRowContext(ctx, `
        SELECT user_id, total_quota, used, daily_limit, daily_used, daily_reset,
               minute_limit, minute_count, minute_window_start
        FROM quotas WHERE user_id=?
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
        VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT(user_id) DO UPDATE SET
            total_quota=excluded.total_quota,
            used=excluded.used,
            daily_limit=excluded.daily_limit,
            daily_used=excluded.daily_used,
            daily_reset=excluded.daily_reset,
            minute_limit=excluded.minute_limit,
            minute_count=excluded.minute_count,
            minute_window_start=excluded.minute_window_start
    `, m.UserID, m.TotalQuota, m.Used, m.DailyLimit, m.DailyUsed, m.DailyReset.UTC(),
		m.MinuteLimit, m.MinuteCount, m.MinuteWindowStart.UTC())
	return err
}

// --- Bans ---

type bans struct{ db *sql.DB }

func (b *bans) Create(ctx context.Context, m *model.BanRecord) error {
	_, err := b.db.ExecContext(ctx, `
        INSERT INTO bans (id, user_id, reason, details, issued_at, expires_at, active)
        VALUES (?,?,?,?,?,?,?)
    `, m.ID, m.UserID, string(m.Reason), m.Details, m.IssuedAt.UTC(), nullTime(m.ExpiresAt), boolInt(m.Active))
	return err
}

func (b *bans) Update(ctx context.Context, m *model.BanRecord) error {
	res, err := b.db.ExecContext(ctx, `
        UPDATE bans SET reason=?, details=?, expires_at=?, active=? WHERE id=?
    `, string(m.Reason), m.Details, nullTime(m.ExpiresAt), boolInt(m.Active), m.ID)
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
        FROM bans WHERE user_id=? AND active=1
        ORDER BY issued_at DESC LIMIT 1
    `, userID)
	rec, err := scanBan(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *bans) ListByUser(ctx context.Context, userID string, limit int) ([]*model.BanRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := b.db.QueryContext(ctx, `
        SELECT id, user_id, reason, details, issued_at, expires_at, active
        FROM bans WHERE user_id=? ORDER BY issued_at DESC LIMIT ?
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
	var active int
	if err := row.Scan(&out.ID, &out.UserID, &reason, &out.Details, &out.IssuedAt, &expires, &active); err != nil {
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
	out.Active = active != 0
	return &out, nil
}

// --- helpers ---

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
