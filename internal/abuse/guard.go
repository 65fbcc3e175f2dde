// Package abuse watches per-user activity for flooding, oversized requests,
// spam bursts and repeated content, and issues bans when a rule trips.
// Detection windows are in-memory; ban records are durable.
package abuse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/store"
)

// Activity is one observed message event.
type Activity struct {
	At     time.Time
	Tokens int
	Text   string
}

// Status is the answer to "may this user talk right now".
type Status struct {
	Banned           bool
	Reason           model.BanReason
	RemainingSeconds *int // nil when permanent or not banned
}

// Guard evaluates abuse rules over sliding windows of recent activity.
type Guard struct {
	store store.Store
	cfg   *config.Config
	log   zerolog.Logger
	nowFn func() time.Time

	mu       sync.Mutex
	activity map[string][]Activity
}

// NewGuard builds a Guard over the given store.
func NewGuard(s store.Store, cfg *config.Config, log zerolog.Logger) *Guard {
	return &Guard{
		store:    s,
		cfg:      cfg,
		log:      log.With().Str("component", "abuse").Logger(),
		nowFn:    time.Now,
		activity: make(map[string][]Activity),
	}
}

// WithClock overrides the time source for window tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.nowFn = now
	return g
}

// CheckStatus reports whether userID is currently banned. A ban whose expiry
// has passed is lifted on the spot.
func (g *Guard) CheckStatus(ctx context.Context, userID string) (*Status, error) {
	ban, err := g.store.Bans().ActiveBan(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &Status{}, nil
		}
		return nil, err
	}
	now := g.nowFn()
	if !ban.InEffect(now) {
		ban.Active = false
		if uerr := g.store.Bans().Update(ctx, ban); uerr != nil {
			g.log.Warn().Err(uerr).Str("user_id", userID).Msg("failed to lift elapsed ban")
		}
		return &Status{}, nil
	}
	return &Status{
		Banned:           true,
		Reason:           ban.Reason,
		RemainingSeconds: ban.RemainingSeconds(now),
	}, nil
}

// RecordActivity feeds one message event into the detection windows.
func (g *Guard) RecordActivity(userID string, a Activity) {
	if a.At.IsZero() {
		a.At = g.nowFn()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	window := append(g.activity[userID], a)
	g.activity[userID] = g.prune(window, a.At)
}

// prune drops events older than the widest detection window.
func (g *Guard) prune(window []Activity, now time.Time) []Activity {
	widest := g.cfg.FloodWindow
	for _, w := range []time.Duration{g.cfg.SpamWindow, g.cfg.RepeatWindow, time.Minute} {
		if w > widest {
			widest = w
		}
	}
	cut := now.Add(-widest)
	i := 0
	for i < len(window) && window[i].At.Before(cut) {
		i++
	}
	return window[i:]
}

// DetectAbuse evaluates all rules for userID and, when one trips, issues an
// automatic time-limited ban. Returns the triggered reason or "".
func (g *Guard) DetectAbuse(ctx context.Context, userID string) (model.BanReason, error) {
	now := g.nowFn()

	g.mu.Lock()
	window := g.prune(g.activity[userID], now)
	g.activity[userID] = window
	reason, details := g.evaluate(window, now)
	g.mu.Unlock()

	if reason == "" {
		return "", nil
	}
	dur := g.cfg.AutoBanDuration
	if _, err := g.BanUser(ctx, userID, reason, &dur, details); err != nil {
		return reason, err
	}
	return reason, nil
}

func (g *Guard) evaluate(window []Activity, now time.Time) (model.BanReason, string) {
	var (
		floodCount  int
		spamCount   int
		tokensInMin int
	)
	repeats := make(map[string]int)
	floodCut := now.Add(-g.cfg.FloodWindow)
	spamCut := now.Add(-g.cfg.SpamWindow)
	repeatCut := now.Add(-g.cfg.RepeatWindow)
	minuteCut := now.Add(-time.Minute)

	for _, a := range window {
		if !a.At.Before(floodCut) {
			floodCount++
		}
		if !a.At.Before(spamCut) {
			spamCount++
		}
		if !a.At.Before(minuteCut) {
			tokensInMin += a.Tokens
		}
		if a.Tokens > g.cfg.TokenBurstLimit {
			return model.BanResourceAbuse, "single request token burst"
		}
		if !a.At.Before(repeatCut) {
			key := normalize(a.Text)
			if key != "" {
				repeats[key]++
			}
		}
	}

	switch {
	case floodCount > g.cfg.FloodThreshold:
		return model.BanFlood, "request flood"
	case tokensInMin > g.cfg.TokenRateLimit:
		return model.BanResourceAbuse, "token rate over limit"
	case spamCount > g.cfg.SpamThreshold:
		return model.BanSpam, "message spam burst"
	}
	for _, n := range repeats {
		if n >= g.cfg.RepeatThreshold {
			return model.BanRepetition, "repeated content"
		}
	}
	return "", ""
}

// BanUser issues a ban. duration nil means permanent. Administrative callers
// pass their own reason; DetectAbuse uses the triggered rule's.
func (g *Guard) BanUser(ctx context.Context, userID string, reason model.BanReason, duration *time.Duration, details string) (*model.BanRecord, error) {
	if userID == "" {
		return nil, model.Invalid("user id is required")
	}
	now := g.nowFn().UTC()
	rec := &model.BanRecord{
		ID:       model.NewBanID(),
		UserID:   userID,
		Reason:   reason,
		Details:  details,
		IssuedAt: now,
		Active:   true,
	}
	if duration != nil {
		exp := now.Add(*duration)
		rec.ExpiresAt = &exp
	}
	if err := g.store.Bans().Create(ctx, rec); err != nil {
		return nil, err
	}
	evt := g.log.Warn().
		Str("user_id", userID).
		Str("reason", string(reason))
	if duration != nil {
		evt = evt.Dur("duration", *duration)
	}
	evt.Msg("user banned")
	return rec, nil
}

// UnbanUser lifts every active ban for userID. Records are retained for
// audit with the active flag cleared.
func (g *Guard) UnbanUser(ctx context.Context, userID string) error {
	records, err := g.store.Bans().ListByUser(ctx, userID, 100)
	if err != nil {
		return err
	}
	lifted := 0
	for _, rec := range records {
		if !rec.Active {
			continue
		}
		rec.Active = false
		if err := g.store.Bans().Update(ctx, rec); err != nil {
			return err
		}
		lifted++
	}
	if lifted == 0 {
		return model.ErrNotFound
	}
	g.log.Info().Str("user_id", userID).Int("lifted", lifted).Msg("user unbanned")
	return nil
}

// History returns the user's recent ban records, newest first.
func (g *Guard) History(ctx context.Context, userID string, limit int) ([]*model.BanRecord, error) {
	return g.store.Bans().ListByUser(ctx, userID, limit)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
