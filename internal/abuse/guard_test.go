package abuse

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/platform/logger"
	"github.com/dialogd/dialogd/internal/store/sqlite"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newGuard(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "abuse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(s, config.NewForTesting(), logger.New("test")).WithClock(clk.Now)
	return g, clk
}

func TestFloodDetection(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	// 10 requests in a minute stay under the threshold.
	for i := 0; i < 10; i++ {
		g.RecordActivity("u1", Activity{Tokens: 5, Text: fmt.Sprintf("msg %d", i)})
		clk.Advance(5 * time.Second)
	}
	reason, err := g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, reason)

	// The 11th within the window trips the rule and bans.
	g.RecordActivity("u1", Activity{Tokens: 5, Text: "one more"})
	reason, err = g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.BanFlood, reason)

	st, err := g.CheckStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Banned)
	assert.Equal(t, model.BanFlood, st.Reason)
	require.NotNil(t, st.RemainingSeconds)
	assert.Greater(t, *st.RemainingSeconds, 0)
}

func TestAutoBanExpires(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	dur := time.Hour
	_, err := g.BanUser(ctx, "u1", model.BanManual, &dur, "test")
	require.NoError(t, err)

	st, err := g.CheckStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Banned)

	clk.Advance(2 * time.Hour)
	st, err = g.CheckStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.Banned)

	// The elapsed ban was lifted, not deleted.
	hist, err := g.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Active)
}

func TestPermanentBanAndUnban(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	_, err := g.BanUser(ctx, "u1", model.BanManual, nil, "by admin")
	require.NoError(t, err)

	clk.Advance(1000 * time.Hour)
	st, err := g.CheckStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Banned)
	assert.Nil(t, st.RemainingSeconds)

	require.NoError(t, g.UnbanUser(ctx, "u1"))
	st, err = g.CheckStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.Banned)

	assert.ErrorIs(t, g.UnbanUser(ctx, "u1"), model.ErrNotFound)
}

func TestTokenBurstDetection(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	g.RecordActivity("u1", Activity{Tokens: 1500, Text: "huge request"})
	reason, err := g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.BanResourceAbuse, reason)
}

func TestTokenRateDetection(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		g.RecordActivity("u1", Activity{Tokens: 900, Text: fmt.Sprintf("big %d", i)})
		clk.Advance(2 * time.Second)
	}
	reason, err := g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.BanResourceAbuse, reason)
}

func TestSpamDetection(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		g.RecordActivity("u1", Activity{Tokens: 1, Text: fmt.Sprintf("quick %d", i)})
		clk.Advance(time.Second)
	}
	reason, err := g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.BanSpam, reason)
}

func TestRepetitionDetection(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.RecordActivity("u1", Activity{Tokens: 2, Text: "  Buy   NOW  "})
		clk.Advance(8 * time.Second)
	}
	reason, err := g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.BanRepetition, reason)
}

func TestWindowsSlideClean(t *testing.T) {
	g, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		g.RecordActivity("u1", Activity{Tokens: 1, Text: fmt.Sprintf("m%d", i)})
	}
	// Wait out every window: old events no longer count.
	clk.Advance(2 * time.Minute)
	g.RecordActivity("u1", Activity{Tokens: 1, Text: "fresh"})
	reason, err := g.DetectAbuse(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, reason)
}
