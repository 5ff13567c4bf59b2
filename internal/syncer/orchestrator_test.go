package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/connectivity"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/events"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/notify"
	"github.com/and161185/fieldsync/internal/queue"
	"github.com/and161185/fieldsync/internal/service/servicetest"
	"github.com/and161185/fieldsync/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type rig struct {
	mem   *storage.Memory
	store *queue.Store
	svc   *servicetest.Fake
	mon   *connectivity.Monitor
	clk   *clock.Fake
	orch  *Orchestrator

	mu     sync.Mutex
	events []events.Event
	notes  []string
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	log := zaptest.NewLogger(t)
	r := &rig{mem: storage.NewMemory(), svc: servicetest.New(), clk: clock.NewFake(t0)}
	r.store = queue.NewStore(r.mem, "jobs", r.clk, log)
	r.mon = connectivity.NewMonitor(true, nil, nil, r.clk, log)

	bus := events.NewEmitter(log)
	bus.Subscribe(func(e events.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	opts.Bus = bus
	opts.Sink = notify.Func(func(msg string, _ map[string]any) {
		r.mu.Lock()
		r.notes = append(r.notes, msg)
		r.mu.Unlock()
	})
	opts.Clock = r.clk
	opts.Log = log
	r.orch = NewOrchestrator(r.store, r.svc, r.mon, opts)
	return r
}

func (r *rig) enqueue(t *testing.T, op model.Operation) {
	t.Helper()
	if op.TenantID == "" {
		op.TenantID = "t1"
	}
	_, err := r.store.Enqueue(context.Background(), op)
	require.NoError(t, err)
	r.clk.Advance(time.Second)
}

func (r *rig) eventsOf(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *rig) lastNote() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) == 0 {
		return ""
	}
	return r.notes[len(r.notes)-1]
}

func methods(calls []servicetest.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method + ":" + c.EntityID
	}
	return out
}

func TestDrain_FIFOForSameEntity(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{RequireVersion: true})
	r.enqueue(t, model.Operation{ID: "A", Kind: model.OpCreate, EntityID: "e1", Payload: model.Payload{"name": "Ann"}})
	r.enqueue(t, model.Operation{ID: "B", Kind: model.OpUpdate, EntityID: "e1", Payload: model.Payload{"phone": "555"}})

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.SuccessfulCount)
	require.Equal(t, []string{"Create:e1", "Update:e1"}, methods(r.svc.Writes()))
	require.Zero(t, r.store.Size())

	e, _ := r.svc.Entity("e1")
	require.Equal(t, model.Payload{"name": "Ann", "phone": "555"}, e.Data)
	require.Len(t, r.eventsOf(events.Synced), 2)
	require.Equal(t, "2 operations synced successfully. 0 operations failed.", r.lastNote())
}

func TestDrain_IdempotentDelete(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "d1", Kind: model.OpDelete, EntityID: "gone"})
	r.enqueue(t, model.Operation{ID: "d2", Kind: model.OpDelete, EntityID: "gone-too"})
	r.svc.Hook = func(c servicetest.Call) error {
		if c.EntityID == "gone-too" {
			return errs.ErrNotFound
		}
		return nil
	}

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.SuccessfulCount)
	require.Zero(t, res.FailedCount)
	require.Zero(t, r.store.Size())
}

func TestDrain_VersionConflict(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{RequireVersion: true})
	r.svc.Put(model.Entity{ID: "e1", TenantID: "t1", Version: 2, Data: model.Payload{"phone": "555-2222"}})
	v := int64(1)
	r.enqueue(t, model.Operation{ID: "u1", Kind: model.OpUpdate, EntityID: "e1", Payload: model.Payload{"phone": "555-1111"}, ExpectedVersion: &v})

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, model.ConflictVersionMismatch, res.Conflicts[0].Kind)
	require.Equal(t, "u1", res.Conflicts[0].OperationID)
	require.Zero(t, res.FailedCount)
	require.Zero(t, r.store.Size())
	require.Empty(t, r.svc.Writes())
	require.Len(t, r.eventsOf(events.Conflict), 1)
	require.Equal(t, "0 operations synced successfully. 0 operations failed. 1 conflicts need review.", r.lastNote())

	// not retried on the next pass
	res, err = r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
	require.Empty(t, r.svc.Writes())
}

func TestDrain_VersionedWriteRaceBecomesConflict(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{RequireVersion: true})
	r.svc.Put(model.Entity{ID: "e1", TenantID: "t1", Version: 1})
	v := int64(1)
	r.enqueue(t, model.Operation{ID: "u1", Kind: model.OpUpdate, EntityID: "e1", Payload: model.Payload{"a": 1}, ExpectedVersion: &v})

	// another device writes between the check and the update
	r.svc.Hook = func(c servicetest.Call) error {
		if c.Method == "UpdateIfVersion" {
			r.svc.Put(model.Entity{ID: "e1", TenantID: "t1", Version: 2})
		}
		return nil
	}

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, model.ConflictVersionMismatch, res.Conflicts[0].Kind)
	require.Equal(t, int64(2), res.Conflicts[0].RemoteVersion)
}

func TestDrain_MaxRetryEviction(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{MaxRetries: 3})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	r.svc.Hook = func(c servicetest.Call) error {
		if c.Method == "Create" {
			return errors.New("503 service unavailable")
		}
		return nil
	}

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		res, err := r.orch.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.FailedCount)
		require.Empty(t, res.Evicted)
		e, ok := r.store.Get("c1")
		require.True(t, ok)
		require.Equal(t, i, e.RetryCount)
		require.Equal(t, "503 service unavailable", e.LastError)
	}

	res, err := r.orch.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, res.Evicted)
	require.Zero(t, r.store.Size())

	res, err = r.orch.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, res.FailedCount)

	require.Len(t, r.svc.Writes(), 3)
	failed := r.eventsOf(events.Failed)
	require.Len(t, failed, 1)
	require.Equal(t, "c1", failed[0].OperationID)
}

func TestDrain_PermanentErrorEvictsImmediately(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	r.svc.Hook = func(c servicetest.Call) error {
		if c.Method == "Create" {
			return errs.ErrValidation
		}
		return nil
	}

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, res.Evicted)
	require.Zero(t, r.store.Size())
}

func TestDrain_RejectedCredentialsPausePass(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{MaxRetries: 1})
	for _, id := range []string{"c0", "c1", "c2"} {
		r.enqueue(t, model.Operation{ID: id, Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	}
	expired := fmt.Errorf("%w: token expired", errs.ErrUnauthorized)
	r.svc.Hook = func(c servicetest.Call) error { return expired }

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Empty(t, res.Evicted)
	require.Zero(t, res.FailedCount)
	require.Equal(t, 3, r.store.Size())
	for _, id := range []string{"c0", "c1", "c2"} {
		e, ok := r.store.Get(id)
		require.True(t, ok)
		require.Zero(t, e.RetryCount)
	}
	require.Len(t, r.svc.Calls(), 1, "the pass stops at the first rejection")
	require.Empty(t, r.eventsOf(events.Failed))
	require.Equal(t, msgAuthRejected, r.lastNote())

	// a fresh token lets the same queue through
	r.svc.Hook = nil
	res, err = r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.SuccessfulCount)
	require.Zero(t, r.store.Size())
}

func TestDrain_UnversionedUpdateOfMissingEntityIsRetried(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{RequireVersion: true, MaxRetries: 2})
	r.enqueue(t, model.Operation{ID: "u1", Kind: model.OpUpdate, EntityID: "gone", Payload: model.Payload{"a": 1}})

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
	require.Equal(t, 1, res.FailedCount)
	e, ok := r.store.Get("u1")
	require.True(t, ok)
	require.Equal(t, 1, e.RetryCount)

	res, err = r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
	require.Equal(t, []string{"u1"}, res.Evicted)
	require.Zero(t, r.store.Size())
}

func TestDrain_SingleFlight(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	r.enqueue(t, model.Operation{ID: "c2", Kind: model.OpCreate, Payload: model.Payload{"a": 2}})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	r.svc.Hook = func(c servicetest.Call) error {
		if c.Method == "Create" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	}

	done := make(chan model.SyncResult, 1)
	go func() {
		res, _ := r.orch.Drain(context.Background())
		done <- res
	}()
	<-entered

	before, _ := r.mem.Load(context.Background(), queue.QueueKey("jobs"))
	_, err := r.orch.Drain(context.Background())
	require.ErrorIs(t, err, errs.ErrDrainInProgress)
	after, _ := r.mem.Load(context.Background(), queue.QueueKey("jobs"))
	require.Equal(t, before, after)
	require.True(t, r.orch.Running())

	close(release)
	res := <-done
	require.Equal(t, 2, res.SuccessfulCount)
	require.False(t, r.orch.Running())
}

func TestDrain_OfflineRejected(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	r.mon.Set(false)

	_, err := r.orch.Drain(context.Background())
	require.ErrorIs(t, err, errs.ErrOffline)
	require.Empty(t, r.svc.Calls())
	e, _ := r.store.Get("c1")
	require.Zero(t, e.RetryCount)
}

func TestDrain_PersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "1", Kind: model.OpCreate, EntityID: "a", Payload: model.Payload{"n": 1}})
	r.enqueue(t, model.Operation{ID: "2", Kind: model.OpCreate, EntityID: "b", Payload: model.Payload{"n": 2}})
	r.enqueue(t, model.Operation{ID: "3", Kind: model.OpDelete, EntityID: "a"})

	// restart: fresh store over the same storage
	restarted := queue.NewStore(r.mem, "jobs", r.clk, zaptest.NewLogger(t))
	require.Equal(t, 3, restarted.Load(context.Background()))
	orch := NewOrchestrator(restarted, r.svc, r.mon, Options{Clock: r.clk})

	res, err := orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.SuccessfulCount)
	require.Equal(t, []string{"Create:a", "Create:b", "Delete:a"}, methods(r.svc.Writes()))

	again := queue.NewStore(r.mem, "jobs", r.clk, nil)
	require.Zero(t, again.Load(context.Background()))
}

func TestDrain_DefersLaterEntriesOfFailedEntity(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.svc.Put(model.Entity{ID: "e1", TenantID: "t1", Version: 1})
	r.svc.Put(model.Entity{ID: "e2", TenantID: "t1", Version: 1})
	r.enqueue(t, model.Operation{ID: "A", Kind: model.OpUpdate, EntityID: "e1", Payload: model.Payload{"s": "first"}})
	r.enqueue(t, model.Operation{ID: "B", Kind: model.OpUpdate, EntityID: "e1", Payload: model.Payload{"s": "second"}})
	r.enqueue(t, model.Operation{ID: "C", Kind: model.OpUpdate, EntityID: "e2", Payload: model.Payload{"s": "other"}})

	fail := true
	r.svc.Hook = func(c servicetest.Call) error {
		if fail && c.Payload["s"] == "first" {
			return errors.New("timeout")
		}
		return nil
	}

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.SuccessfulCount)
	require.Equal(t, 1, res.FailedCount)
	require.Equal(t, []string{"B"}, res.Deferred)
	require.Equal(t, 2, r.store.Size())

	fail = false
	res, err = r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.SuccessfulCount)
	e1, _ := r.svc.Entity("e1")
	require.Equal(t, "second", e1.Data["s"])
}

func TestDrain_StopsWhenConnectivityDrops(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "1", Kind: model.OpCreate, EntityID: "a", Payload: model.Payload{"n": 1}})
	r.enqueue(t, model.Operation{ID: "2", Kind: model.OpCreate, EntityID: "b", Payload: model.Payload{"n": 2}})
	r.enqueue(t, model.Operation{ID: "3", Kind: model.OpCreate, EntityID: "c", Payload: model.Payload{"n": 3}})

	r.svc.Hook = func(c servicetest.Call) error {
		if c.Method == "Create" && c.EntityID == "a" {
			r.mon.Set(false)
		}
		return nil
	}

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Equal(t, 1, res.SuccessfulCount)
	require.Equal(t, []string{"Create:a"}, methods(r.svc.Writes()))

	// the finished operation's removal is persisted
	reloaded := queue.NewStore(r.mem, "jobs", r.clk, nil)
	require.Equal(t, 2, reloaded.Load(context.Background()))
	_, ok := reloaded.Get("1")
	require.False(t, ok)
}

func TestDrain_BackoffDefersUntilDue(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{RetryBackoff: time.Minute, RetryBackoffMax: 10 * time.Minute, MaxRetries: 5})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	fail := true
	r.svc.Hook = func(c servicetest.Call) error {
		if fail && c.Method == "Create" {
			return errors.New("timeout")
		}
		return nil
	}

	ctx := context.Background()
	_, err := r.orch.Drain(ctx)
	require.NoError(t, err)
	e, _ := r.store.Get("c1")
	require.Equal(t, r.clk.Now().Add(time.Minute), e.NextAttemptAt)

	res, err := r.orch.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, res.Deferred)
	require.Len(t, r.svc.Writes(), 1)

	r.clk.Advance(time.Minute)
	_, err = r.orch.Drain(ctx)
	require.NoError(t, err)
	e, _ = r.store.Get("c1")
	require.Equal(t, 2, e.RetryCount)
	require.Equal(t, r.clk.Now().Add(2*time.Minute), e.NextAttemptAt)

	fail = false
	r.clk.Advance(2 * time.Minute)
	res, err = r.orch.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.SuccessfulCount)
}

func TestOrchestrator_Delay(t *testing.T) {
	t.Parallel()
	o := &Orchestrator{backoff: time.Second, backoffMax: 5 * time.Second}
	require.Equal(t, time.Second, o.delay(1))
	require.Equal(t, 2*time.Second, o.delay(2))
	require.Equal(t, 4*time.Second, o.delay(3))
	require.Equal(t, 5*time.Second, o.delay(4))
	require.Equal(t, 5*time.Second, o.delay(40))

	o.backoff = 0
	require.Zero(t, o.delay(3))
}

func TestDrain_PanicClearsFlag(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"a": 1}})
	r.svc.Hook = func(servicetest.Call) error { panic("driver bug") }

	require.Panics(t, func() { _, _ = r.orch.Drain(context.Background()) })
	require.False(t, r.orch.Running())

	r.svc.Hook = nil
	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.SuccessfulCount)
}

func TestDrain_CreateNaturalKeyConflict(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.svc.NaturalKey = "email"
	r.svc.Put(model.Entity{ID: "e7", TenantID: "t1", Version: 3, Data: model.Payload{"email": "ann@example.com"}})
	r.enqueue(t, model.Operation{ID: "c1", Kind: model.OpCreate, Payload: model.Payload{"email": "ann@example.com", "name": "Ann"}})

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, model.ConflictEntityAlreadyExists, res.Conflicts[0].Kind)
	require.Equal(t, "e7", res.Conflicts[0].EntityID)
	require.Empty(t, r.svc.Writes())
}

func TestDrain_ReenqueueDuringDispatchKeepsNewVersion(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})
	r.svc.Put(model.Entity{ID: "e1", TenantID: "t1", Version: 1})
	r.enqueue(t, model.Operation{ID: "u1", Kind: model.OpUpdate, EntityID: "e1", Payload: model.Payload{"v": 1}})

	r.svc.Hook = func(c servicetest.Call) error {
		if c.Method == "Update" && c.Payload["v"] == 1 {
			_, err := r.store.Enqueue(context.Background(), model.Operation{ID: "u1", Kind: model.OpUpdate, EntityID: "e1", TenantID: "t1", Payload: model.Payload{"v": 2}})
			require.NoError(t, err)
		}
		return nil
	}

	res, err := r.orch.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.SuccessfulCount)
	e, ok := r.store.Get("u1")
	require.True(t, ok)
	require.Equal(t, 2, e.Op.Payload["v"])
}
