package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/platform/logger"
	"github.com/dialogd/dialogd/internal/store/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newLedger(t *testing.T, cfg *config.Config) (*Ledger, *fakeClock) {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	return NewLedger(s, cfg, logger.New("test")).WithClock(clk.Now), clk
}

func TestConsumeNeverExceedsGranted(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.TotalQuota = 100
	cfg.DailyLimit = 100
	l, _ := newLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Consume(ctx, "u1", 60))
	err := l.Consume(ctx, "u1", 50)
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)

	// The failed consume changed nothing.
	q, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, q.Used)
	assert.Equal(t, 40, q.Remaining())

	require.NoError(t, l.Consume(ctx, "u1", 40))
	q, err = l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, q.Used)
	assert.Zero(t, q.Remaining())
}

func TestConcurrentConsumeSumsCorrectly(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.TotalQuota = 10000
	cfg.DailyLimit = 10000
	l, _ := newLedger(t, cfg)
	ctx := context.Background()

	const workers = 20
	const perWorker = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				assert.NoError(t, l.Consume(ctx, "u1", 7))
			}
		}()
	}
	wg.Wait()

	q, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker*7, q.Used)
	assert.Equal(t, workers*perWorker, q.MinuteCount)
}

func TestMinuteWindowTumbles(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.MinuteLimit = 10
	l, clk := newLedger(t, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.CheckMinuteLimit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
		require.NoError(t, l.Consume(ctx, "u1", 1))
	}

	// The 11th request within the window is rejected.
	ok, err := l.CheckMinuteLimit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Once the window rolls over the limit opens again.
	clk.Advance(time.Minute)
	ok, err = l.CheckMinuteLimit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	q, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, q.MinuteCount)
}

func TestDailyRollover(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DailyLimit = 50
	l, clk := newLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Consume(ctx, "u1", 50))
	ok, err := l.CheckDailyLimit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, l.Consume(ctx, "u1", 1), model.ErrQuotaExceeded)

	clk.Advance(24 * time.Hour)
	ok, err = l.CheckDailyLimit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Consume(ctx, "u1", 1))

	q, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.DailyUsed)
	// Total usage carries across days.
	assert.Equal(t, 51, q.Used)
}

func TestAdministrativeOverrides(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.TotalQuota = 100
	cfg.DailyLimit = 100
	l, _ := newLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Consume(ctx, "u1", 100))
	ok, err := l.CheckQuota(ctx, "u1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	q, err := l.AddQuota(ctx, "u1", 500)
	require.NoError(t, err)
	assert.Equal(t, 600, q.TotalQuota)
	assert.Equal(t, 500, q.Remaining())

	_, err = l.AddQuota(ctx, "u1", -5)
	assert.ErrorIs(t, err, model.ErrValidation)

	require.NoError(t, l.ResetDaily(ctx, "u1"))
	q, err = l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, q.DailyUsed)
	assert.Equal(t, 100, q.Used)

	require.NoError(t, l.ResetUser(ctx, "u1"))
	q, err = l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, q.Used)
	assert.Equal(t, cfg.TotalQuota, q.TotalQuota)
}
