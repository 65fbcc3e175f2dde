// Package conversation owns the context lifecycle: creation, mutation under
// optimistic locking, expiry sweeps and the hybrid cache/store read path.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/cache"
	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/store"
)

// Manager coordinates all context reads and writes. It holds no context
// copies of its own; the store is the source of truth and the cache is a
// write-through/read-through layer in front of it.
type Manager struct {
	store store.Store
	cache cache.Cache
	cfg   *config.Config
	log   zerolog.Logger
	nowFn func() time.Time
}

// NewManager builds a Manager. Pass cache.Noop{} to disable caching.
func NewManager(s store.Store, c cache.Cache, cfg *config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		store: s,
		cache: c,
		cfg:   cfg,
		log:   log.With().Str("component", "conversation").Logger(),
		nowFn: time.Now,
	}
}

// WithClock overrides the time source. Tests use it to drive expiry.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.nowFn = now
	return m
}

// CreateContext validates and persists a new conversation.
func (m *Manager) CreateContext(ctx context.Context, kind model.ContextKind, name, creatorID string, participants []string) (*model.Context, error) {
	c, err := model.NewContext(model.NewContextID(), kind, name, creatorID, participants,
		m.cfg.MaxMessages, m.cfg.MaxParticipants, m.nowFn().UTC(), m.cfg.ContextTTL)
	if err != nil {
		return nil, err
	}
	if err := m.store.Contexts().Create(ctx, c); err != nil {
		return nil, err
	}
	m.cacheSet(ctx, c)
	m.log.Info().
		Str("context_id", c.ID).
		Str("kind", string(c.Kind)).
		Str("creator_id", creatorID).
		Int("participants", len(c.Participants)).
		Msg("context created")
	return c, nil
}

// GetContext returns the context by id, reading through the cache. A context
// whose TTL has elapsed is transitioned to EXPIRED on the spot; a DELETED
// context behaves as absent.
func (m *Manager) GetContext(ctx context.Context, id string) (*model.Context, error) {
	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.StatusDeleted {
		return nil, model.ErrNotFound
	}
	if c.ExpiredAt(m.nowFn()) && c.Status.CanTransition(model.StatusExpired) {
		expired, err := m.UpdateContext(ctx, id, func(cc *model.Context) error {
			if cc.ExpiredAt(m.nowFn()) && cc.Status.CanTransition(model.StatusExpired) {
				cc.Status = model.StatusExpired
			}
			return nil
		})
		if err == nil {
			return expired, nil
		}
		// Someone else already moved it; fall through with what we have.
	}
	return c, nil
}

// UpdateContext applies fn under optimistic locking. On a version conflict it
// re-reads and retries up to the configured bound, then surfaces
// ErrConcurrentModification. fn sees a fresh copy on every attempt.
func (m *Manager) UpdateContext(ctx context.Context, id string, fn func(*model.Context) error) (*model.Context, error) {
	retries := m.cfg.UpdateRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		// Always read the store here: the cache may lag behind the
		// version counter.
		c, err := m.store.Contexts().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Status == model.StatusDeleted {
			return nil, model.ErrNotFound
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		c.UpdatedAt = m.nowFn().UTC()
		if err := m.store.Contexts().Update(ctx, c); err != nil {
			if errors.Is(err, model.ErrConcurrentModification) {
				lastErr = err
				continue
			}
			return nil, err
		}
		m.cacheSet(ctx, c)
		return c, nil
	}
	m.log.Warn().Str("context_id", id).Int("retries", retries).Msg("update lost the version race")
	return nil, lastErr
}

// AddParticipant adds userID to the context. Adding an existing participant
// is a no-op; exceeding the configured cap fails with ErrCapacityExceeded.
func (m *Manager) AddParticipant(ctx context.Context, id, userID string) (*model.Context, error) {
	if userID == "" {
		return nil, model.Invalid("participant id must not be empty")
	}
	return m.UpdateContext(ctx, id, func(c *model.Context) error {
		if c.HasParticipant(userID) {
			return nil
		}
		if m.cfg.MaxParticipants > 0 && len(c.Participants)+1 > m.cfg.MaxParticipants {
			return model.CapacityExceeded("context allows at most %d participants", m.cfg.MaxParticipants)
		}
		c.Participants = append(c.Participants, userID)
		return nil
	})
}

// RemoveParticipant removes userID. When the creator leaves, or the last
// participant leaves, the conversation is over: the context is marked
// EXPIRED and the retention sweep archives it later.
func (m *Manager) RemoveParticipant(ctx context.Context, id, userID string) (*model.Context, error) {
	return m.UpdateContext(ctx, id, func(c *model.Context) error {
		if !c.HasParticipant(userID) {
			return model.ErrNotFound
		}
		kept := c.Participants[:0]
		for _, p := range c.Participants {
			if p != userID {
				kept = append(kept, p)
			}
		}
		c.Participants = kept
		if (userID == c.CreatorID || len(c.Participants) == 0) && c.Status.CanTransition(model.StatusExpired) {
			c.Status = model.StatusExpired
		}
		return nil
	})
}

// AddMessage appends msg, evicting the oldest entries past the cap. The
// first message activates a CREATED context.
func (m *Manager) AddMessage(ctx context.Context, id string, msg model.ChatMessage) (*model.Context, error) {
	if msg.Text == "" {
		return nil, model.Invalid("message text must not be empty")
	}
	return m.UpdateContext(ctx, id, func(c *model.Context) error {
		switch c.Status {
		case model.StatusCreated:
			c.Status = model.StatusActive
		case model.StatusActive:
		default:
			return model.Invalid("context %s is %s and does not accept messages", c.ID, c.Status)
		}
		c.AppendMessage(msg)
		return nil
	})
}

// Pause moves an ACTIVE context to PAUSED.
func (m *Manager) Pause(ctx context.Context, id string) (*model.Context, error) {
	return m.transition(ctx, id, model.StatusPaused)
}

// Resume moves a PAUSED context back to ACTIVE.
func (m *Manager) Resume(ctx context.Context, id string) (*model.Context, error) {
	return m.transition(ctx, id, model.StatusActive)
}

func (m *Manager) transition(ctx context.Context, id string, next model.ContextStatus) (*model.Context, error) {
	return m.UpdateContext(ctx, id, func(c *model.Context) error {
		if c.Status == next {
			return nil
		}
		if !c.Status.CanTransition(next) {
			return model.Invalid("cannot move context from %s to %s", c.Status, next)
		}
		c.Status = next
		return nil
	})
}

// Terminate deletes the context on explicit user request and clears any
// participant's current-context reference to it. The row is kept (status
// DELETED) until the retention sweep purges it.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	c, err := m.UpdateContext(ctx, id, func(c *model.Context) error {
		if !c.Status.CanTransition(model.StatusDeleted) {
			return model.Invalid("cannot delete context in status %s", c.Status)
		}
		c.Status = model.StatusDeleted
		return nil
	})
	if err != nil {
		return err
	}
	if cerr := m.cache.Delete(ctx, c.ID); cerr != nil {
		m.log.Debug().Err(cerr).Str("context_id", c.ID).Msg("cache delete failed")
	}
	for _, p := range c.Participants {
		u, uerr := m.store.Users().Get(ctx, p)
		if uerr != nil || u.CurrentContextID != c.ID {
			continue
		}
		u.CurrentContextID = ""
		if uerr := m.store.Users().Put(ctx, u); uerr != nil {
			m.log.Warn().Err(uerr).Str("user_id", p).Msg("failed to clear current context ref")
		}
	}
	m.log.Info().Str("context_id", id).Msg("context terminated")
	return nil
}

// GetUserContext resolves the user's current context. Returns ErrNotFound
// when the user has none or the referenced context is no longer live.
func (m *Manager) GetUserContext(ctx context.Context, userID string) (*model.Context, error) {
	u, err := m.store.Users().Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.CurrentContextID == "" {
		return nil, model.ErrNotFound
	}
	c, err := m.GetContext(ctx, u.CurrentContextID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case model.StatusCreated, model.StatusActive, model.StatusPaused:
		return c, nil
	default:
		return nil, model.ErrNotFound
	}
}

// CreateGroupContext creates the GROUP context bound to a transport group
// id. The binding lives in metadata and is resolved by GetGroupContext.
func (m *Manager) CreateGroupContext(ctx context.Context, groupID, name, creatorID string, participants []string) (*model.Context, error) {
	if groupID == "" {
		return nil, model.Invalid("group id is required")
	}
	c, err := model.NewContext(model.NewContextID(), model.KindGroup, name, creatorID, participants,
		m.cfg.MaxMessages, m.cfg.MaxParticipants, m.nowFn().UTC(), m.cfg.ContextTTL)
	if err != nil {
		return nil, err
	}
	c.Metadata["group_id"] = groupID
	if err := m.store.Contexts().Create(ctx, c); err != nil {
		return nil, err
	}
	m.cacheSet(ctx, c)
	m.log.Info().Str("context_id", c.ID).Str("group_id", groupID).Msg("group context created")
	return c, nil
}

// GetGroupContext resolves the live context bound to a transport group id,
// or ErrNotFound.
func (m *Manager) GetGroupContext(ctx context.Context, groupID string) (*model.Context, error) {
	it := m.ListActive("", model.KindGroup)
	for {
		c, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, model.ErrNotFound
		}
		if c.Metadata["group_id"] == groupID {
			return c, nil
		}
	}
}

// EnsureUser returns the user record for userID, creating it on first
// contact and refreshing last-active.
func (m *Manager) EnsureUser(ctx context.Context, userID, nickname string) (*model.User, error) {
	if userID == "" {
		return nil, model.Invalid("user id is required")
	}
	now := m.nowFn().UTC()
	u, err := m.store.Users().Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		u = &model.User{
			ID:         userID,
			Nickname:   nickname,
			Active:     true,
			CreatedAt:  now,
			LastActive: now,
		}
		if err := m.store.Users().Put(ctx, u); err != nil {
			return nil, err
		}
		m.log.Info().Str("user_id", userID).Msg("user registered")
		return u, nil
	}
	u.LastActive = now
	if nickname != "" && nickname != u.Nickname {
		u.Nickname = nickname
		if err := m.store.Users().Put(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	}
	if err := m.store.Users().Touch(ctx, userID, now); err != nil {
		return nil, err
	}
	return u, nil
}

// SetUserContext points the user's current-context reference at contextID.
// An empty contextID clears it.
func (m *Manager) SetUserContext(ctx context.Context, userID, contextID string) error {
	u, err := m.store.Users().Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.CurrentContextID == contextID {
		return nil
	}
	u.CurrentContextID = contextID
	return m.store.Users().Put(ctx, u)
}

// listPageSize bounds one store round-trip for iteration and sweeps.
const listPageSize = 100

// ActiveIter walks live contexts newest-first, one store page at a time. It
// is finite and restartable: build a new iterator to start over.
type ActiveIter struct {
	m        *Manager
	filter   store.ContextFilter
	buf      []*model.Context
	cursor   *time.Time
	cursorID string
	done     bool
}

// ListActive returns an iterator over CREATED/ACTIVE/PAUSED contexts,
// optionally narrowed by participant and kind.
func (m *Manager) ListActive(participant string, kind model.ContextKind) *ActiveIter {
	return &ActiveIter{
		m: m,
		filter: store.ContextFilter{
			Participant: participant,
			Kind:        kind,
			Statuses:    []model.ContextStatus{model.StatusCreated, model.StatusActive, model.StatusPaused},
			Limit:       listPageSize,
		},
	}
}

// Next yields the next context. ok is false when the sequence is exhausted.
func (it *ActiveIter) Next(ctx context.Context) (c *model.Context, ok bool, err error) {
	for len(it.buf) == 0 && !it.done {
		f := it.filter
		f.UpdatedBefore = it.cursor
		f.CursorID = it.cursorID
		page, err := it.m.store.Contexts().List(ctx, f)
		if err != nil {
			return nil, false, err
		}
		if len(page) == 0 {
			it.done = true
			break
		}
		last := page[len(page)-1]
		cur := last.UpdatedAt
		it.cursor = &cur
		it.cursorID = last.ID
		it.buf = page
	}
	if len(it.buf) == 0 {
		return nil, false, nil
	}
	c, it.buf = it.buf[0], it.buf[1:]
	return c, true, nil
}

// CleanupExpired runs one maintenance sweep: live contexts past their TTL
// become EXPIRED, EXPIRED contexts past the retention grace become ARCHIVED,
// and DELETED rows past the grace are purged. Each context is transitioned
// under its own CAS write, so concurrent sweeps are safe and repeated sweeps
// are idempotent.
func (m *Manager) CleanupExpired(ctx context.Context) (expired, archived, purged int, err error) {
	now := m.nowFn().UTC()

	live := []model.ContextStatus{model.StatusCreated, model.StatusActive, model.StatusPaused}
	snapshot, err := m.listAll(ctx, store.ContextFilter{Statuses: live, ExpiresBefore: &now})
	if err != nil {
		return 0, 0, 0, err
	}
	for _, c := range snapshot {
		_, uerr := m.UpdateContext(ctx, c.ID, func(cc *model.Context) error {
			if !cc.ExpiredAt(now) || !cc.Status.CanTransition(model.StatusExpired) {
				return errSkip
			}
			cc.Status = model.StatusExpired
			return nil
		})
		switch {
		case uerr == nil:
			expired++
		case errors.Is(uerr, errSkip), errors.Is(uerr, model.ErrNotFound), errors.Is(uerr, model.ErrConcurrentModification):
			// Another sweep or a live turn got there first.
		default:
			return expired, archived, purged, uerr
		}
	}

	graceCut := now.Add(-m.cfg.RetentionGrace)
	aged, err := m.listAll(ctx, store.ContextFilter{
		Statuses:      []model.ContextStatus{model.StatusExpired},
		ExpiresBefore: &graceCut,
	})
	if err != nil {
		return expired, archived, purged, err
	}
	for _, c := range aged {
		_, uerr := m.UpdateContext(ctx, c.ID, func(cc *model.Context) error {
			if cc.Status != model.StatusExpired {
				return errSkip
			}
			cc.Status = model.StatusArchived
			return nil
		})
		switch {
		case uerr == nil:
			archived++
		case errors.Is(uerr, errSkip), errors.Is(uerr, model.ErrNotFound), errors.Is(uerr, model.ErrConcurrentModification):
		default:
			return expired, archived, purged, uerr
		}
	}

	updCut := now.Add(-m.cfg.RetentionGrace)
	dead, err := m.listAll(ctx, store.ContextFilter{
		Statuses:      []model.ContextStatus{model.StatusDeleted},
		UpdatedBefore: &updCut,
	})
	if err != nil {
		return expired, archived, purged, err
	}
	for _, c := range dead {
		derr := m.store.Contexts().Delete(ctx, c.ID)
		switch {
		case derr == nil:
			purged++
			_ = m.cache.Delete(ctx, c.ID)
		case errors.Is(derr, model.ErrNotFound):
		default:
			return expired, archived, purged, derr
		}
	}

	if expired+archived+purged > 0 {
		m.log.Info().
			Int("expired", expired).
			Int("archived", archived).
			Int("purged", purged).
			Msg("cleanup sweep finished")
	}
	return expired, archived, purged, nil
}

var errSkip = errors.New("skip")

func (m *Manager) listAll(ctx context.Context, f store.ContextFilter) ([]*model.Context, error) {
	var out []*model.Context
	f.Limit = listPageSize
	for {
		page, err := m.store.Contexts().List(ctx, f)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		last := page[len(page)-1]
		cur := last.UpdatedAt
		f.UpdatedBefore = &cur
		f.CursorID = last.ID
	}
}

func (m *Manager) load(ctx context.Context, id string) (*model.Context, error) {
	if raw, err := m.cache.Get(ctx, id); err == nil {
		var c model.Context
		if jerr := json.Unmarshal(raw, &c); jerr == nil {
			return &c, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		_ = m.cache.Delete(ctx, id)
	}
	c, err := m.store.Contexts().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cacheSet(ctx, c)
	return c, nil
}

// cacheSet writes through with a TTL matching the context's remaining
// logical lifetime, so the cache never shows a context past its expiry.
func (m *Manager) cacheSet(ctx context.Context, c *model.Context) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	ttl := m.cfg.ContextTTL
	if c.ExpiresAt != nil {
		ttl = c.ExpiresAt.Sub(m.nowFn())
		if ttl <= 0 {
			_ = m.cache.Delete(ctx, c.ID)
			return
		}
	}
	if err := m.cache.Set(ctx, c.ID, raw, ttl); err != nil {
		m.log.Debug().Err(err).Str("context_id", c.ID).Msg("cache write failed")
	}
}
