package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/migrate"
)

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(ctx, migrate.SQLite, path)
	require.NoError(t, err)

	_, err = s.Load(ctx, "offline_queue:jobs")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Save(ctx, "offline_queue:jobs", []byte(`[{"a":1}]`)))
	require.NoError(t, s.Save(ctx, "offline_queue:jobs", []byte(`[{"a":2}]`)))
	require.NoError(t, s.Close())

	// migrations are idempotent on reopen
	s2, err := Open(ctx, migrate.SQLite, path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load(ctx, "offline_queue:jobs")
	require.NoError(t, err)
	require.Equal(t, `[{"a":2}]`, string(got))
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), migrate.Postgres, "x")
	require.Error(t, err)
}
