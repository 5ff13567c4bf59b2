// Package syncer drains the offline queue against the entity service and
// exposes the engine the device agent is built around.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/conflict"
	"github.com/and161185/fieldsync/internal/connectivity"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/events"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/notify"
	"github.com/and161185/fieldsync/internal/queue"
	"github.com/and161185/fieldsync/internal/service"
)

// DefaultMaxRetries is the number of attempts before an operation is evicted.
const DefaultMaxRetries = 3

const msgAuthRejected = "The server rejected this device's credentials. Sync is paused until you sign in again."

// Options tune the orchestrator. Zero values pick defaults.
type Options struct {
	MaxRetries      int
	RequireVersion  bool
	RetryBackoff    time.Duration // base delay; 0 retries on the next pass
	RetryBackoffMax time.Duration

	Sink  notify.Sink
	Bus   events.Bus
	Clock clock.Clock
	Log   *zap.Logger
}

// Orchestrator runs single-flight sync passes over a queue.Store.
type Orchestrator struct {
	store    *queue.Store
	svc      service.EntityService
	detector *conflict.Detector
	online   connectivity.Checker

	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration

	sink notify.Sink
	bus  events.Bus
	clk  clock.Clock
	log  *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewOrchestrator(store *queue.Store, svc service.EntityService, online connectivity.Checker, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Bus == nil {
		opts.Bus = events.Nop{}
	}
	if opts.RetryBackoffMax <= 0 {
		opts.RetryBackoffMax = time.Hour
	}
	return &Orchestrator{
		store:      store,
		svc:        svc,
		detector:   conflict.NewDetector(svc, opts.RequireVersion, opts.Clock),
		online:     online,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		backoffMax: opts.RetryBackoffMax,
		sink:       notify.Safe(opts.Sink, opts.Log),
		bus:        opts.Bus,
		clk:        opts.Clock,
		log:        opts.Log,
	}
}

// Running reports whether a pass is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Drain performs one pass over the queue in FIFO order. It fails with
// errs.ErrOffline or errs.ErrDrainInProgress without touching the queue.
// A non-nil error together with a result means the queue could not be persisted
// and the pass stopped early.
func (o *Orchestrator) Drain(ctx context.Context) (model.SyncResult, error) {
	if !o.online.IsOnline() {
		return model.SyncResult{}, errs.ErrOffline
	}
	if !o.begin() {
		return model.SyncResult{}, errs.ErrDrainInProgress
	}
	defer o.end()

	started := o.clk.Now()
	res, err := o.pass(ctx)
	o.log.Info("sync pass finished",
		zap.Int("synced", res.SuccessfulCount),
		zap.Int("failed", res.FailedCount),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("deferred", len(res.Deferred)),
		zap.Bool("interrupted", res.Interrupted),
		zap.Duration("took", o.clk.Now().Sub(started)),
		zap.Error(err))
	o.summarize(res)
	return res, err
}

func (o *Orchestrator) pass(ctx context.Context) (model.SyncResult, error) {
	res := model.SyncResult{Conflicts: []model.SyncConflict{}, Errors: []model.OpError{}}
	// dispatched calls and their queue updates run to completion
	work := context.WithoutCancel(ctx)
	blocked := map[string]bool{}

	for _, e := range o.store.Entries() {
		if !o.online.IsOnline() || ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		ek := entityKey(e.Op)
		if ek != "" && blocked[ek] {
			res.Deferred = append(res.Deferred, e.Op.ID)
			continue
		}
		if !e.NextAttemptAt.IsZero() && o.clk.Now().Before(e.NextAttemptAt) {
			res.Deferred = append(res.Deferred, e.Op.ID)
			if ek != "" {
				blocked[ek] = true
			}
			continue
		}

		retained, err := o.process(work, e, &res)
		if errors.Is(err, errs.ErrUnauthorized) {
			// no later entry can succeed with these credentials either
			res.Interrupted = true
			o.log.Warn("sync pass stopped, credentials rejected", zap.String("op_id", e.Op.ID), zap.Error(err))
			o.sink.Notify(msgAuthRejected, map[string]any{"error": err.Error()})
			return res, nil
		}
		if err != nil {
			res.Interrupted = true
			return res, err
		}
		if retained && ek != "" {
			blocked[ek] = true
		}
	}
	return res, nil
}

// process dispatches one entry and persists its queue update. retained is true
// when the entry stays queued after a failed attempt. An errs.ErrUnauthorized
// from the service is returned as is, with the entry untouched.
func (o *Orchestrator) process(ctx context.Context, e model.QueueEntry, res *model.SyncResult) (retained bool, err error) {
	log := o.log.With(zap.String("op_id", e.Op.ID), zap.String("kind", string(e.Op.Kind)), zap.String("entity_id", e.Op.EntityID))

	c, callErr := o.dispatch(ctx, e.Op)
	now := o.clk.Now()

	switch {
	case c != nil:
		if _, err := o.store.Settle(ctx, e); err != nil {
			return false, err
		}
		res.Conflicts = append(res.Conflicts, *c)
		o.bus.Publish(events.Event{Type: events.Conflict, OperationID: e.Op.ID, Kind: e.Op.Kind, At: now})
		log.Info("conflict detected", zap.String("conflict", string(c.Kind)))
		return false, nil

	case callErr == nil:
		if _, err := o.store.Settle(ctx, e); err != nil {
			return false, err
		}
		res.SuccessfulCount++
		o.bus.Publish(events.Event{Type: events.Synced, OperationID: e.Op.ID, Kind: e.Op.Kind, At: now})
		return false, nil
	}

	if errors.Is(callErr, errs.ErrUnauthorized) {
		// the entry keeps its retry count; the pass stops
		return true, callErr
	}

	res.FailedCount++
	res.Errors = append(res.Errors, model.OpError{OperationID: e.Op.ID, Error: callErr.Error()})

	if errs.IsPermanent(callErr) || e.RetryCount+1 >= o.maxRetries {
		if _, err := o.store.Settle(ctx, e); err != nil {
			return false, err
		}
		res.Evicted = append(res.Evicted, e.Op.ID)
		log.Warn("operation evicted", zap.Int("attempts", e.RetryCount+1), zap.Error(callErr))
		o.sink.Notify(fmt.Sprintf("Could not sync a %s change. It was discarded after %d attempt(s).", e.Op.Kind, e.RetryCount+1),
			map[string]any{"operation_id": e.Op.ID, "error": callErr.Error()})
		o.bus.Publish(events.Event{Type: events.Failed, OperationID: e.Op.ID, Kind: e.Op.Kind, At: now})
		return false, nil
	}

	if _, err := o.store.RecordFailure(ctx, e, callErr, now, o.delay(e.RetryCount+1)); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// re-enqueued meanwhile; the new version is retried from scratch
			return true, nil
		}
		return false, err
	}
	log.Info("operation failed, will retry", zap.Int("retry_count", e.RetryCount+1), zap.Error(callErr))
	return true, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, op model.Operation) (*model.SyncConflict, error) {
	switch op.Kind {
	case model.OpCreate:
		c, err := o.detector.CheckCreate(ctx, op)
		if err != nil || c != nil {
			return c, err
		}
		_, err = o.svc.Create(ctx, op.TenantID, op.EntityID, op.Payload)
		if c := o.detector.FromWriteError(ctx, op, err); c != nil {
			return c, nil
		}
		return nil, err

	case model.OpUpdate:
		c, err := o.detector.CheckUpdate(ctx, op)
		if err != nil || c != nil {
			return c, err
		}
		if vu, ok := o.svc.(service.VersionedUpdater); ok && op.ExpectedVersion != nil {
			_, err = vu.UpdateIfVersion(ctx, op.EntityID, op.TenantID, op.Payload, *op.ExpectedVersion)
		} else {
			_, err = o.svc.Update(ctx, op.EntityID, op.TenantID, op.Payload)
		}
		if c := o.detector.FromWriteError(ctx, op, err); c != nil {
			return c, nil
		}
		return nil, err

	case model.OpDelete:
		_, err := o.svc.Delete(ctx, op.EntityID, op.TenantID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, op.Kind)
}

// delay is the exponential backoff before attempt n+1.
func (o *Orchestrator) delay(n int) time.Duration {
	if o.backoff <= 0 {
		return 0
	}
	d := o.backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= o.backoffMax {
			return o.backoffMax
		}
	}
	return min(d, o.backoffMax)
}

func (o *Orchestrator) summarize(res model.SyncResult) {
	if res.SuccessfulCount == 0 && res.FailedCount == 0 && len(res.Conflicts) == 0 {
		return
	}
	msg := fmt.Sprintf("%d operations synced successfully. %d operations failed.", res.SuccessfulCount, res.FailedCount)
	if n := len(res.Conflicts); n > 0 {
		msg += fmt.Sprintf(" %d conflicts need review.", n)
	}
	o.sink.Notify(msg, map[string]any{
		"synced":    res.SuccessfulCount,
		"failed":    res.FailedCount,
		"conflicts": len(res.Conflicts),
	})
}

// entityKey scopes per-entity ordering. Creates without a client id have no key.
func entityKey(op model.Operation) string {
	if op.EntityID == "" {
		return ""
	}
	return op.TenantID + "/" + op.EntityID
}
