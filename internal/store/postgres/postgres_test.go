package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/store"
	"github.com/dialogd/dialogd/internal/store/storetest"
)

// Runs only when DIALOGD_TEST_POSTGRES_DSN points at a disposable database.
func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("DIALOGD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIALOGD_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() {
			// Best-effort wipe so subtests start empty.
			ps := s.(*pgStore)
			for _, tbl := range []string{"contexts", "users", "quotas", "bans"} {
				_, _ = ps.db.Exec("DELETE FROM " + tbl)
			}
			_ = s.Close()
		})
		return s
	})
}
