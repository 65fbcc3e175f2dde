// Package storetest holds a conformance suite run against every store.Store
// implementation. Driver packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/store"
)

// Factory returns a fresh, empty store for one subtest. Cleanup is the
// caller's job via t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract against the given factory.
func Run(t *testing.T, newStore Factory) {
	t.Run("ContextCRUD", func(t *testing.T) { testContextCRUD(t, newStore(t)) })
	t.Run("ContextCAS", func(t *testing.T) { testContextCAS(t, newStore(t)) })
	t.Run("ContextList", func(t *testing.T) { testContextList(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Quotas", func(t *testing.T) { testQuotas(t, newStore(t)) })
	t.Run("Bans", func(t *testing.T) { testBans(t, newStore(t)) })
	t.Run("HealthPing", func(t *testing.T) {
		require.NoError(t, newStore(t).HealthPing(context.Background()))
	})
}

func newTestContext(t *testing.T, id, creator string, kind model.ContextKind) *model.Context {
	t.Helper()
	c, err := model.NewContext(id, kind, "test", creator, []string{creator}, 200, 20, time.Now().UTC().Truncate(time.Second), 24*time.Hour)
	require.NoError(t, err)
	return c
}

func testContextCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	cs := s.Contexts()

	_, err := cs.Get(ctx, "ctx_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	c := newTestContext(t, model.NewContextID(), "u1", model.KindPrivate)
	c.Messages = []model.ChatMessage{{
		ID: model.NewMessageID(), SenderID: "u1", Role: model.RoleUser,
		Text: "hello", Timestamp: time.Now().UTC().Truncate(time.Second),
	}}
	require.NoError(t, cs.Create(ctx, c))

	got, err := cs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, model.StatusCreated, got.Status)
	assert.Equal(t, []string{"u1"}, got.Participants)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text)
	assert.EqualValues(t, 1, got.Version)

	got.Status = model.StatusActive
	got.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, cs.Update(ctx, got))
	assert.EqualValues(t, 2, got.Version)

	again, err := cs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, again.Status)
	assert.EqualValues(t, 2, again.Version)

	require.NoError(t, cs.Delete(ctx, c.ID))
	_, err = cs.Get(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, cs.Delete(ctx, c.ID), model.ErrNotFound)
}

func testContextCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	cs := s.Contexts()

	c := newTestContext(t, model.NewContextID(), "u1", model.KindGroup)
	require.NoError(t, cs.Create(ctx, c))

	// Two readers load version 1; only the first write lands.
	a, err := cs.Get(ctx, c.ID)
	require.NoError(t, err)
	b, err := cs.Get(ctx, c.ID)
	require.NoError(t, err)

	a.Status = model.StatusActive
	require.NoError(t, cs.Update(ctx, a))

	b.Name = "stale write"
	err = cs.Update(ctx, b)
	assert.ErrorIs(t, err, model.ErrConcurrentModification)

	missing := newTestContext(t, model.NewContextID(), "u1", model.KindGroup)
	assert.ErrorIs(t, cs.Update(ctx, missing), model.ErrNotFound)
}

func testContextList(t *testing.T, s store.Store) {
	ctx := context.Background()
	cs := s.Contexts()
	base := time.Now().UTC().Truncate(time.Second)

	mk := func(i int, kind model.ContextKind, status model.ContextStatus, parts []string) *model.Context {
		c := newTestContext(t, model.NewContextID(), parts[0], kind)
		c.Participants = parts
		c.Status = status
		c.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		exp := base.Add(time.Duration(i) * time.Hour)
		c.ExpiresAt = &exp
		require.NoError(t, cs.Create(ctx, c))
		return c
	}

	mk(1, model.KindPrivate, model.StatusActive, []string{"alice"})
	g := mk(2, model.KindGroup, model.StatusActive, []string{"alice", "bob"})
	mk(3, model.KindGroup, model.StatusPaused, []string{"bob"})
	mk(4, model.KindPrivate, model.StatusExpired, []string{"carol"})

	all, err := cs.List(ctx, store.ContextFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	// Newest first.
	assert.Equal(t, base.Add(4*time.Minute).Unix(), all[0].UpdatedAt.Unix())

	groups, err := cs.List(ctx, store.ContextFilter{Kind: model.KindGroup})
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	active, err := cs.List(ctx, store.ContextFilter{Statuses: []model.ContextStatus{model.StatusActive}})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	bobs, err := cs.List(ctx, store.ContextFilter{Participant: "bob"})
	require.NoError(t, err)
	assert.Len(t, bobs, 2)

	bobGroupActive, err := cs.List(ctx, store.ContextFilter{
		Participant: "bob",
		Kind:        model.KindGroup,
		Statuses:    []model.ContextStatus{model.StatusActive},
	})
	require.NoError(t, err)
	require.Len(t, bobGroupActive, 1)
	assert.Equal(t, g.ID, bobGroupActive[0].ID)

	cutoff := base.Add(150 * time.Minute)
	expiring, err := cs.List(ctx, store.ContextFilter{ExpiresBefore: &cutoff})
	require.NoError(t, err)
	assert.Len(t, expiring, 2)

	// Cursor paging: page size 2, newest first, resume with UpdatedBefore.
	page1, err := cs.List(ctx, store.ContextFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	cursor := page1[len(page1)-1].UpdatedAt
	page2, err := cs.List(ctx, store.ContextFilter{Limit: 2, UpdatedBefore: &cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, page2[0].UpdatedAt.Before(cursor))

	// Rows sharing one UpdatedAt must not be skipped across a page
	// boundary: the id cursor breaks the tie.
	tiedAt := base.Add(10 * time.Minute)
	tied := make(map[string]bool)
	for i := 0; i < 3; i++ {
		c := newTestContext(t, model.NewContextID(), "dave", model.KindPrivate)
		c.UpdatedAt = tiedAt
		require.NoError(t, cs.Create(ctx, c))
		tied[c.ID] = true
	}
	seen := make(map[string]bool)
	f := store.ContextFilter{Limit: 2}
	for {
		page, err := cs.List(ctx, f)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			require.False(t, seen[c.ID], "context %s returned twice", c.ID)
			seen[c.ID] = true
		}
		last := page[len(page)-1]
		u := last.UpdatedAt
		f.UpdatedBefore, f.CursorID = &u, last.ID
	}
	assert.Len(t, seen, 7)
	for id := range tied {
		assert.True(t, seen[id], "tied context %s skipped", id)
	}
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	us := s.Users()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := us.Get(ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)

	u := &model.User{
		ID: "u42", Nickname: "答题机", Active: true,
		Metadata:  map[string]string{"source": "qq"},
		CreatedAt: now, LastActive: now,
	}
	require.NoError(t, us.Put(ctx, u))

	got, err := us.Get(ctx, "u42")
	require.NoError(t, err)
	assert.Equal(t, "答题机", got.Nickname)
	assert.True(t, got.Active)
	assert.Equal(t, "qq", got.Metadata["source"])

	// Upsert overwrites.
	u.CurrentContextID = "ctx_abc"
	u.Banned = true
	require.NoError(t, us.Put(ctx, u))
	got, err = us.Get(ctx, "u42")
	require.NoError(t, err)
	assert.Equal(t, "ctx_abc", got.CurrentContextID)
	assert.True(t, got.Banned)

	later := now.Add(time.Hour)
	require.NoError(t, us.Touch(ctx, "u42", later))
	got, err = us.Get(ctx, "u42")
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), got.LastActive.Unix())
}

func testQuotas(t *testing.T, s store.Store) {
	ctx := context.Background()
	qs := s.Quotas()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := qs.Get(ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)

	q := &model.TokenQuota{
		UserID: "u1", TotalQuota: 50000, Used: 120,
		DailyLimit: 5000, DailyUsed: 120, DailyReset: now,
		MinuteLimit: 200, MinuteCount: 3, MinuteWindowStart: now,
	}
	require.NoError(t, qs.Put(ctx, q))

	got, err := qs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50000, got.TotalQuota)
	assert.Equal(t, 120, got.Used)
	assert.Equal(t, 3, got.MinuteCount)

	q.Used = 400
	q.DailyUsed = 400
	require.NoError(t, qs.Put(ctx, q))
	got, err = qs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 400, got.Used)
	assert.Equal(t, 49600, got.Remaining())
}

func testBans(t *testing.T, s store.Store) {
	ctx := context.Background()
	bs := s.Bans()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := bs.ActiveBan(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	exp := now.Add(time.Hour)
	first := &model.BanRecord{
		ID: model.NewBanID(), UserID: "u1", Reason: model.BanFlood,
		Details: "11 requests in 60s", IssuedAt: now.Add(-time.Minute),
		ExpiresAt: &exp, Active: true,
	}
	require.NoError(t, bs.Create(ctx, first))

	second := &model.BanRecord{
		ID: model.NewBanID(), UserID: "u1", Reason: model.BanManual,
		IssuedAt: now, Active: true,
	}
	require.NoError(t, bs.Create(ctx, second))

	active, err := bs.ActiveBan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, model.BanManual, active.Reason)
	assert.Nil(t, active.ExpiresAt)

	// Lifting clears Active but keeps the record.
	second.Active = false
	require.NoError(t, bs.Update(ctx, second))
	active, err = bs.ActiveBan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	history, err := bs.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	missing := &model.BanRecord{ID: "ban_missing", UserID: "u1", Reason: model.BanManual, IssuedAt: now}
	assert.ErrorIs(t, bs.Update(ctx, missing), model.ErrNotFound)
}
