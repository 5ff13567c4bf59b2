package sealed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/storage"
)

func TestSealed_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := storage.NewMemory()

	s, err := New(ctx, inner, "correct horse")
	require.NoError(t, err)

	plain := []byte(`[{"op":{"id":"a"}}]`)
	require.NoError(t, s.Save(ctx, "offline_queue:jobs", plain))

	raw, err := inner.Load(ctx, "offline_queue:jobs")
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"op"`)

	got, err := s.Load(ctx, "offline_queue:jobs")
	require.NoError(t, err)
	require.Equal(t, plain, got)

	_, err = s.Load(ctx, "offline_queue:none")
	require.ErrorIs(t, err, errs.ErrNotFound)

	// reopen with the same passphrase reuses the stored salt
	again, err := New(ctx, inner, "correct horse")
	require.NoError(t, err)
	got, err = again.Load(ctx, "offline_queue:jobs")
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestSealed_WrongPassphrase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := storage.NewMemory()

	_, err := New(ctx, inner, "one")
	require.NoError(t, err)

	_, err = New(ctx, inner, "two")
	require.ErrorIs(t, err, ErrWrongPassphrase)

	_, err = New(ctx, inner, "")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestSealed_TamperAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := storage.NewMemory()
	s, err := New(ctx, inner, "pw")
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "offline_queue:a", []byte("A")))
	require.NoError(t, s.Save(ctx, "offline_queue:b", []byte("B")))

	raw, _ := inner.Load(ctx, "offline_queue:a")
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, inner.Save(ctx, "offline_queue:a", raw))
	_, err = s.Load(ctx, "offline_queue:a")
	require.Error(t, err)

	rawB, _ := inner.Load(ctx, "offline_queue:b")
	require.NoError(t, inner.Save(ctx, "offline_queue:a", rawB))
	_, err = s.Load(ctx, "offline_queue:a")
	require.Error(t, err)
}
