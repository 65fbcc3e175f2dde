// Package quota enforces per-user token budgets at total, daily and
// per-minute granularity. All mutations for one user run under a striped
// per-user lock, so a check and a consume for the same user never interleave.
package quota

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/store"
)

const lockStripes = 64

// Ledger tracks token consumption against the durable quota store. The
// minute window is tumbling: it covers [start, start+1m) and the counter
// resets when a read or write lands past the window end.
type Ledger struct {
	store store.Store
	cfg   *config.Config
	log   zerolog.Logger
	nowFn func() time.Time
	locks [lockStripes]sync.Mutex
}

// NewLedger builds a Ledger over the given store.
func NewLedger(s store.Store, cfg *config.Config, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: s,
		cfg:   cfg,
		log:   log.With().Str("component", "quota").Logger(),
		nowFn: time.Now,
	}
}

// WithClock overrides the time source for window tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.nowFn = now
	return l
}

func (l *Ledger) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.locks[h.Sum32()%lockStripes]
}

// Get returns the user's quota record, creating it with the configured
// defaults on first sight. Windows are rolled before returning.
func (l *Ledger) Get(ctx context.Context, userID string) (*model.TokenQuota, error) {
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()
	return l.loadLocked(ctx, userID)
}

func (l *Ledger) loadLocked(ctx context.Context, userID string) (*model.TokenQuota, error) {
	q, err := l.store.Quotas().Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		now := l.nowFn().UTC()
		q = &model.TokenQuota{
			UserID:            userID,
			TotalQuota:        l.cfg.TotalQuota,
			DailyLimit:        l.cfg.DailyLimit,
			DailyReset:        nextMidnight(now),
			MinuteLimit:       l.cfg.MinuteLimit,
			MinuteWindowStart: now.Truncate(time.Minute),
		}
		if err := l.store.Quotas().Put(ctx, q); err != nil {
			return nil, err
		}
		return q, nil
	}
	if l.rollWindows(q) {
		if err := l.store.Quotas().Put(ctx, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// rollWindows resets the daily and minute counters when their boundaries
// have been crossed. Reports whether anything changed.
func (l *Ledger) rollWindows(q *model.TokenQuota) bool {
	now := l.nowFn().UTC()
	changed := false
	if !now.Before(q.DailyReset) {
		q.DailyUsed = 0
		q.DailyReset = nextMidnight(now)
		changed = true
	}
	if now.Sub(q.MinuteWindowStart) >= time.Minute {
		q.MinuteCount = 0
		q.MinuteWindowStart = now.Truncate(time.Minute)
		changed = true
	}
	return changed
}

// CheckQuota reports whether the user can afford estimatedCost against both
// the total and the daily budget. Read-only.
func (l *Ledger) CheckQuota(ctx context.Context, userID string, estimatedCost int) (bool, error) {
	q, err := l.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return q.Remaining() >= estimatedCost && q.DailyRemaining() >= estimatedCost, nil
}

// CheckMinuteLimit reports whether the current minute window still has
// request headroom.
func (l *Ledger) CheckMinuteLimit(ctx context.Context, userID string) (bool, error) {
	q, err := l.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return q.MinuteCount < q.MinuteLimit, nil
}

// CheckDailyLimit reports whether today's budget has anything left.
func (l *Ledger) CheckDailyLimit(ctx context.Context, userID string) (bool, error) {
	q, err := l.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return q.DailyRemaining() > 0, nil
}

// Consume records actualCost against the user's budgets and counts one
// request in the minute window. It never drives used past granted: when the
// cost does not fit it fails with ErrQuotaExceeded and changes nothing.
func (l *Ledger) Consume(ctx context.Context, userID string, actualCost int) error {
	if actualCost < 0 {
		return model.Invalid("cost must not be negative")
	}
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	q, err := l.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	if q.Used+actualCost > q.TotalQuota || q.DailyUsed+actualCost > q.DailyLimit {
		return model.ErrQuotaExceeded
	}
	q.Used += actualCost
	q.DailyUsed += actualCost
	q.MinuteCount++
	return l.store.Quotas().Put(ctx, q)
}

// AddQuota grants extra total budget. Administrative, always permitted.
func (l *Ledger) AddQuota(ctx context.Context, userID string, amount int) (*model.TokenQuota, error) {
	if amount <= 0 {
		return nil, model.Invalid("grant must be positive")
	}
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	q, err := l.loadLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	q.TotalQuota += amount
	if err := l.store.Quotas().Put(ctx, q); err != nil {
		return nil, err
	}
	l.log.Info().Str("user_id", userID).Int("amount", amount).Msg("quota granted")
	return q, nil
}

// ResetDaily zeroes today's usage. Administrative.
func (l *Ledger) ResetDaily(ctx context.Context, userID string) error {
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	q, err := l.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	q.DailyUsed = 0
	q.DailyReset = nextMidnight(l.nowFn().UTC())
	return l.store.Quotas().Put(ctx, q)
}

// ResetUser restores the user to a fresh record with configured defaults.
// Administrative.
func (l *Ledger) ResetUser(ctx context.Context, userID string) error {
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := l.nowFn().UTC()
	q := &model.TokenQuota{
		UserID:            userID,
		TotalQuota:        l.cfg.TotalQuota,
		DailyLimit:        l.cfg.DailyLimit,
		DailyReset:        nextMidnight(now),
		MinuteLimit:       l.cfg.MinuteLimit,
		MinuteWindowStart: now.Truncate(time.Minute),
	}
	if err := l.store.Quotas().Put(ctx, q); err != nil {
		return err
	}
	l.log.Info().Str("user_id", userID).Msg("quota reset")
	return nil
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
