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
	"github.com/and161185/fieldsync/internal/storage"
)

const msgSavedOffline = "Saved offline. It will sync when the connection returns."

// Config is the engine configuration for one domain.
type Config struct {
	Domain                  string
	MaxRetries              int
	ConflictRequiresVersion bool
	DrainOnSubmit           bool
	DrainOnStart            bool
	RetrySchedule           string // empty disables the retry scheduler
	RetryBackoff            time.Duration
	RetryBackoffMax         time.Duration
}

// DefaultConfig returns the defaults for domain.
func DefaultConfig(domain string) Config {
	return Config{
		Domain:                  domain,
		MaxRetries:              DefaultMaxRetries,
		ConflictRequiresVersion: true,
		DrainOnSubmit:           true,
		DrainOnStart:            true,
		RetrySchedule:           DefaultRetrySchedule,
	}
}

// Deps are the engine's collaborators. Storage, Service and Monitor are required.
type Deps struct {
	Storage storage.Storage
	Service service.EntityService
	Monitor *connectivity.Monitor
	Sink    notify.Sink
	Bus     events.Bus
	Clock   clock.Clock
	Log     *zap.Logger
}

// Status is a snapshot for UIs and the admin API.
type Status struct {
	Domain     string            `json:"domain"`
	Online     bool              `json:"online"`
	Draining   bool              `json:"draining"`
	Queue      queue.Stats       `json:"queue"`
	OldestAge  time.Duration     `json:"oldest_age_ns,omitempty"`
	Conflicts  int               `json:"conflicts"`
	LastSync   time.Time         `json:"last_sync,omitempty"`
	LastResult *model.SyncResult `json:"last_result,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// Engine wires the queue, orchestrator, conflict inbox and connectivity
// monitor for one domain.
type Engine struct {
	cfg      Config
	store    *queue.Store
	inbox    *queue.Inbox
	orch     *Orchestrator
	resolver *conflict.Resolver
	monitor  *connectivity.Monitor
	sched    *Scheduler

	sink notify.Sink
	bus  events.Bus
	clk  clock.Clock
	log  *zap.Logger

	mu       sync.Mutex
	started  bool
	unsub    func()
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	last     *model.SyncResult
	lastAt   time.Time
	lastErr  string
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("%w: empty domain", errs.ErrValidation)
	}
	if deps.Storage == nil || deps.Service == nil || deps.Monitor == nil {
		return nil, errors.New("engine: storage, service and monitor are required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Bus == nil {
		deps.Bus = events.Nop{}
	}
	log := deps.Log.With(zap.String("domain", cfg.Domain))
	sink := notify.Safe(deps.Sink, log)

	store := queue.NewStore(deps.Storage, cfg.Domain, deps.Clock, log)
	e := &Engine{
		cfg:   cfg,
		store: store,
		inbox: queue.NewInbox(deps.Storage, cfg.Domain, log),
		orch: NewOrchestrator(store, deps.Service, deps.Monitor, Options{
			MaxRetries:      cfg.MaxRetries,
			RequireVersion:  cfg.ConflictRequiresVersion,
			RetryBackoff:    cfg.RetryBackoff,
			RetryBackoffMax: cfg.RetryBackoffMax,
			Sink:            sink,
			Bus:             deps.Bus,
			Clock:           deps.Clock,
			Log:             log,
		}),
		resolver: conflict.NewResolver(deps.Service, log),
		monitor:  deps.Monitor,
		sink:     sink,
		bus:      deps.Bus,
		clk:      deps.Clock,
		log:      log,
	}
	if cfg.RetrySchedule != "" {
		s, err := NewScheduler(cfg.RetrySchedule, e.retryTick, log)
		if err != nil {
			return nil, err
		}
		e.sched = s
	}
	return e, nil
}

// Start restores persisted state, subscribes to connectivity and starts the
// retry scheduler. With DrainOnStart, pending work is drained right away when online.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.bgCtx, e.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	n := e.store.Load(ctx)
	c := e.inbox.Load(ctx)
	e.log.Info("engine started", zap.Int("queued", n), zap.Int("conflicts", c), zap.Bool("online", e.monitor.IsOnline()))

	unsub := e.monitor.Subscribe(e.kick)
	e.mu.Lock()
	e.unsub = unsub
	e.mu.Unlock()
	if e.sched != nil {
		e.sched.Start()
	}
	if e.cfg.DrainOnStart && n > 0 && e.monitor.IsOnline() {
		e.kick()
	}
	return nil
}

// Stop unsubscribes, stops the scheduler and waits for background drains.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	unsub, cancel := e.unsub, e.bgCancel
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if e.sched != nil {
		e.sched.Stop()
	}
	cancel()
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Submit validates and queues op. Offline, the user is told the change was
// saved locally; online with DrainOnSubmit a background drain starts.
func (e *Engine) Submit(ctx context.Context, op model.Operation) (model.QueueEntry, error) {
	entry, err := e.store.Enqueue(ctx, op)
	if err != nil {
		return model.QueueEntry{}, err
	}
	e.bus.Publish(events.Event{Type: events.Queued, OperationID: entry.Op.ID, Kind: entry.Op.Kind, At: e.clk.Now()})

	if !e.monitor.IsOnline() {
		e.sink.Notify(msgSavedOffline, map[string]any{"operation_id": entry.Op.ID, "kind": string(entry.Op.Kind)})
		return entry, nil
	}
	if e.cfg.DrainOnSubmit {
		e.kick()
	}
	return entry, nil
}

// Drain runs one pass and files new conflicts into the inbox.
func (e *Engine) Drain(ctx context.Context) (model.SyncResult, error) {
	res, err := e.orch.Drain(ctx)
	if errors.Is(err, errs.ErrOffline) || errors.Is(err, errs.ErrDrainInProgress) {
		return res, err
	}
	if ierr := e.inbox.Add(context.WithoutCancel(ctx), res.Conflicts...); ierr != nil {
		e.log.Error("conflict inbox not persisted", zap.Error(ierr))
		err = errors.Join(err, ierr)
	}

	e.mu.Lock()
	r := res
	e.last, e.lastAt = &r, e.clk.Now()
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
	return res, err
}

// Conflicts lists conflicts awaiting a decision.
func (e *Engine) Conflicts() []model.SyncConflict { return e.inbox.List() }

// Resolve applies choices to the inbox conflicts with the given operation ids.
// Settled conflicts leave the inbox; failed ones stay for another attempt.
func (e *Engine) Resolve(ctx context.Context, ids []string, choices []model.ResolutionChoice) ([]model.ResolveOutcome, error) {
	if len(ids) != len(choices) {
		return nil, fmt.Errorf("%w: %d conflicts but %d choices", errs.ErrValidation, len(ids), len(choices))
	}
	cs, err := e.inbox.Get(ids...)
	if err != nil {
		return nil, err
	}
	out, err := e.resolver.Resolve(ctx, cs, choices)
	if err != nil {
		return nil, err
	}
	var settled []string
	for _, o := range out {
		if o.Settled() {
			settled = append(settled, o.OperationID)
		}
	}
	if err := e.inbox.Remove(context.WithoutCancel(ctx), settled...); err != nil {
		return out, fmt.Errorf("update conflict inbox: %w", err)
	}
	return out, nil
}

func (e *Engine) Status() Status {
	st := Status{
		Domain:    e.cfg.Domain,
		Online:    e.monitor.IsOnline(),
		Draining:  e.orch.Running(),
		Queue:     e.store.Status(),
		Conflicts: e.inbox.Len(),
	}
	if !st.Queue.Oldest.IsZero() {
		st.OldestAge = e.clk.Now().Sub(st.Queue.Oldest)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last != nil {
		r := *e.last
		st.LastResult = &r
		st.LastSync = e.lastAt
	}
	st.LastError = e.lastErr
	return st
}

// Monitor exposes the connectivity monitor for manual signals.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// kick starts a background drain; it is a no-op after Stop.
func (e *Engine) kick() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	ctx := e.bgCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("background drain panic", zap.Any("panic", r))
			}
		}()
		e.drainQuietly(ctx)
	}()
}

func (e *Engine) retryTick() {
	e.mu.Lock()
	ctx := e.bgCtx
	e.mu.Unlock()
	if ctx == nil || !e.monitor.IsOnline() || e.store.Size() == 0 {
		return
	}
	e.drainQuietly(ctx)
}

func (e *Engine) drainQuietly(ctx context.Context) {
	_, err := e.Drain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrDrainInProgress), errors.Is(err, errs.ErrOffline):
		e.log.Debug("drain skipped", zap.Error(err))
	default:
		e.log.Error("drain failed", zap.Error(err))
	}
}
