package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// flaky fails Save while fail is set.
type flaky struct {
	*storage.Memory
	mu   sync.Mutex
	fail bool
}

func (f *flaky) Save(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Memory.Save(ctx, key, value)
}

func (f *flaky) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func upd(id, entity string, fields model.Payload) model.Operation {
	return model.Operation{ID: id, Kind: model.OpUpdate, EntityID: entity, TenantID: "t1", Payload: fields}
}

func newTestStore(t *testing.T, st storage.Storage, clk *clock.Fake) *Store {
	t.Helper()
	return NewStore(st, "jobs", clk, zaptest.NewLogger(t))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	v := int64(2)
	neg := int64(-1)
	cases := []struct {
		name string
		op   model.Operation
		ok   bool
	}{
		{"create ok", model.Operation{Kind: model.OpCreate, TenantID: "t", Payload: model.Payload{"a": 1}}, true},
		{"create no payload", model.Operation{Kind: model.OpCreate, TenantID: "t"}, false},
		{"unknown kind", model.Operation{Kind: "upsert", TenantID: "t"}, false},
		{"no tenant", model.Operation{Kind: model.OpDelete, EntityID: "e"}, false},
		{"update no entity", model.Operation{Kind: model.OpUpdate, TenantID: "t", Payload: model.Payload{"a": 1}}, false},
		{"update with version", model.Operation{Kind: model.OpUpdate, TenantID: "t", EntityID: "e", Payload: model.Payload{"a": 1}, ExpectedVersion: &v}, true},
		{"update negative version", model.Operation{Kind: model.OpUpdate, TenantID: "t", EntityID: "e", Payload: model.Payload{"a": 1}, ExpectedVersion: &neg}, false},
		{"delete with version", model.Operation{Kind: model.OpDelete, TenantID: "t", EntityID: "e", ExpectedVersion: &v}, false},
		{"delete ok", model.Operation{Kind: model.OpDelete, TenantID: "t", EntityID: "e"}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.op)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestStore_EnqueueFIFOAndReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	s := newTestStore(t, storage.NewMemory(), clk)

	_, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 1}))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.Enqueue(ctx, upd("b", "e2", model.Payload{"n": 2}))
	require.NoError(t, err)
	clk.Advance(time.Second)

	// same timestamp as b: insertion order breaks the tie
	c := upd("c", "e3", model.Payload{"n": 3})
	c.EnqueuedAt = t0.Add(time.Second)
	_, err = s.Enqueue(ctx, c)
	require.NoError(t, err)

	ids := func() []string {
		var out []string
		for _, e := range s.Entries() {
			out = append(out, e.Op.ID)
		}
		return out
	}
	require.Equal(t, []string{"a", "b", "c"}, ids())

	// fail "a" once, then re-enqueue it: position kept, retry state reset
	head, _ := s.Get("a")
	_, err = s.RecordFailure(ctx, head, errors.New("timeout"), clk.Now(), 0)
	require.NoError(t, err)
	got, _ := s.Get("a")
	require.Equal(t, 1, got.RetryCount)

	replaced, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 10}))
	require.NoError(t, err)
	require.Equal(t, 0, replaced.RetryCount)
	require.Empty(t, replaced.LastError)
	require.Equal(t, t0, replaced.FirstEnqueuedAt)
	require.Equal(t, t0.Add(2*time.Second), replaced.Op.EnqueuedAt)
	require.Equal(t, []string{"a", "b", "c"}, ids())
	require.Equal(t, 3, s.Size())

	oldest, ok := s.OldestTimestamp()
	require.True(t, ok)
	require.Equal(t, t0, oldest)
}

func TestStore_GeneratesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemory(), clock.NewFake(t0))
	e, err := s.Enqueue(context.Background(), model.Operation{Kind: model.OpCreate, TenantID: "t1", Payload: model.Payload{"name": "Ann"}})
	require.NoError(t, err)
	require.Len(t, e.Op.ID, 36)
	require.Equal(t, t0, e.Op.EnqueuedAt)
}

func TestStore_RejectsInvalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemory(), clock.NewFake(t0))
	_, err := s.Enqueue(context.Background(), model.Operation{Kind: model.OpDelete, TenantID: "t1"})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Zero(t, s.Size())
}

func TestStore_PersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	mem := storage.NewMemory()
	s := newTestStore(t, mem, clk)

	ver := int64(4)
	op := upd("a", "e1", model.Payload{"phone": "555-1111"})
	op.ExpectedVersion = &ver
	_, err := s.Enqueue(ctx, op)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = s.Enqueue(ctx, model.Operation{ID: "b", Kind: model.OpDelete, EntityID: "e2", TenantID: "t1"})
	require.NoError(t, err)
	head, _ := s.Get("a")
	_, err = s.RecordFailure(ctx, head, errors.New("503"), clk.Now(), time.Minute)
	require.NoError(t, err)

	reloaded := newTestStore(t, mem, clk)
	require.Equal(t, 2, reloaded.Load(ctx))

	before, after := s.Entries(), reloaded.Entries()
	require.Len(t, after, 2)
	for i := range before {
		require.Equal(t, before[i].Op.ID, after[i].Op.ID)
		require.Equal(t, before[i].Op.Kind, after[i].Op.Kind)
		require.Equal(t, before[i].Op.EntityID, after[i].Op.EntityID)
		require.Equal(t, before[i].Op.TenantID, after[i].Op.TenantID)
		require.Equal(t, before[i].Op.ExpectedVersion, after[i].Op.ExpectedVersion)
		require.Equal(t, before[i].RetryCount, after[i].RetryCount)
		require.Equal(t, before[i].LastError, after[i].LastError)
		require.True(t, before[i].FirstEnqueuedAt.Equal(after[i].FirstEnqueuedAt))
		require.True(t, before[i].NextAttemptAt.Equal(after[i].NextAttemptAt))
		require.Equal(t, before[i].Seq, after[i].Seq)
	}
	require.Equal(t, "555-1111", after[0].Op.Payload["phone"])

	// new entries continue the sequence
	c, err := reloaded.Enqueue(ctx, upd("c", "e3", model.Payload{"x": true}))
	require.NoError(t, err)
	require.Greater(t, c.Seq, after[1].Seq)
}

func TestStore_LoadCorrupt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.Save(ctx, QueueKey("jobs"), []byte("{not json")))

	core, logs := observer.New(zapcore.WarnLevel)
	s := NewStore(mem, "jobs", clock.NewFake(t0), zap.New(core))
	require.Zero(t, s.Load(ctx))
	require.Zero(t, s.Size())
	require.Equal(t, 1, logs.FilterMessage("queue corrupt, starting empty").Len())

	_, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 1}))
	require.NoError(t, err)
}

func TestStore_LoadDropsInvalidRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	raw := `[
	 {"op":{"id":"a","kind":"update","entity_id":"e1","tenant_id":"t1","payload":{"n":1}},"first_enqueued_at":"2024-05-01T08:00:00Z","seq":1},
	 {"op":{"id":"","kind":"update"}},
	 {"op":{"id":"x","kind":"bogus"}},
	 {"op":{"id":"a","kind":"update","entity_id":"e1","tenant_id":"t1","payload":{"n":2}},"first_enqueued_at":"2024-05-01T08:00:00Z","seq":1}
	]`
	require.NoError(t, mem.Save(ctx, QueueKey("jobs"), []byte(raw)))

	s := newTestStore(t, mem, clock.NewFake(t0))
	require.Equal(t, 1, s.Load(ctx))
	e, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, json.Number("2"), e.Op.Payload["n"])
}

func TestStore_LoadKeepsLargeIntegers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	s := newTestStore(t, mem, clock.NewFake(t0))

	// 2^53 + 1 has no exact float64
	var big json.Number = "9007199254740993"
	_, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"serial": big, "qty": 3}))
	require.NoError(t, err)

	reloaded := newTestStore(t, mem, clock.NewFake(t0))
	require.Equal(t, 1, reloaded.Load(ctx))
	e, ok := reloaded.Get("a")
	require.True(t, ok)
	require.Equal(t, big, e.Op.Payload["serial"])
	require.Equal(t, json.Number("3"), e.Op.Payload["qty"])
}

func TestStore_RollbackOnPersistFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &flaky{Memory: storage.NewMemory()}
	s := newTestStore(t, st, clock.NewFake(t0))

	_, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 1}))
	require.NoError(t, err)

	st.setFail(true)
	_, err = s.Enqueue(ctx, upd("b", "e2", model.Payload{"n": 2}))
	require.Error(t, err)
	require.Equal(t, 1, s.Size())

	_, err = s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 99}))
	require.Error(t, err)
	a, _ := s.Get("a")
	require.EqualValues(t, 1, a.Op.Payload["n"])

	require.Error(t, s.RemoveByIDs(ctx, "a"))
	require.Equal(t, 1, s.Size())

	_, err = s.RecordFailure(ctx, a, errors.New("x"), t0, 0)
	require.Error(t, err)
	a, _ = s.Get("a")
	require.Zero(t, a.RetryCount)

	st.setFail(false)
	require.NoError(t, s.RemoveByIDs(ctx, "a", "unknown"))
	require.Zero(t, s.Size())
}

func TestStore_SettleIgnoresReplacedEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), clock.NewFake(t0))

	snap, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 1}))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 2}))
	require.NoError(t, err)

	removed, err := s.Settle(ctx, snap)
	require.NoError(t, err)
	require.False(t, removed)
	require.Equal(t, 1, s.Size())

	_, err = s.RecordFailure(ctx, snap, errors.New("x"), t0, 0)
	require.ErrorIs(t, err, errs.ErrNotFound)

	cur, _ := s.Get("a")
	removed, err = s.Settle(ctx, cur)
	require.NoError(t, err)
	require.True(t, removed)
	require.Zero(t, s.Size())
}

func TestStore_RecordFailureBackoffAndStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), clock.NewFake(t0))

	e, err := s.Enqueue(ctx, upd("a", "e1", model.Payload{"n": 1}))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, model.Operation{ID: "b", Kind: model.OpDelete, EntityID: "e2", TenantID: "t1"})
	require.NoError(t, err)

	e, err = s.RecordFailure(ctx, e, errors.New("boom"), t0, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, e.RetryCount)
	require.Equal(t, "boom", e.LastError)
	require.Equal(t, t0, e.LastAttemptAt)
	require.Equal(t, t0.Add(30*time.Second), e.NextAttemptAt)

	st := s.Status()
	require.Equal(t, 2, st.Size)
	require.Equal(t, t0, st.Oldest)
	require.Equal(t, map[model.OpKind]int{model.OpUpdate: 1, model.OpDelete: 1}, st.ByKind)
}

func TestStore_ConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), clock.NewFake(t0))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Enqueue(ctx, model.Operation{Kind: model.OpCreate, TenantID: "t1", Payload: model.Payload{"i": 1}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 20, s.Size())

	seqs := map[uint64]bool{}
	for _, e := range s.Entries() {
		require.False(t, seqs[e.Seq])
		seqs[e.Seq] = true
	}
}
