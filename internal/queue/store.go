// Package queue holds pending offline operations and the conflict inbox
// and persists both through a storage.Storage.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/storage"
)

// Store is the durable FIFO of queued operations for one domain.
// Every mutation rewrites the whole queue; if that write fails the
// in-memory state is rolled back and the error returned.
type Store struct {
	mu      sync.Mutex
	st      storage.Storage
	key     string
	clk     clock.Clock
	log     *zap.Logger
	entries []model.QueueEntry // kept sorted by (FirstEnqueuedAt, Seq)
	seq     uint64
	rev     uint64
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Size   int                  `json:"size"`
	Oldest time.Time            `json:"oldest,omitempty"`
	ByKind map[model.OpKind]int `json:"by_kind"`
}

// NewStore creates an empty store; call Load to restore persisted entries.
func NewStore(st storage.Storage, domain string, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{st: st, key: QueueKey(domain), clk: clk, log: log.With(zap.String("queue", QueueKey(domain)))}
}

// Load replaces in-memory state with what storage holds and returns the entry count.
// Missing, unreadable or corrupt data yields an empty queue and a warning.
func (s *Store) Load(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.seq = 0

	raw, err := s.st.Load(ctx, s.key)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.log.Warn("queue unreadable, starting empty", zap.Error(err))
		}
		return 0
	}
	list, err := decodeList[model.QueueEntry](raw)
	if err != nil {
		s.log.Warn("queue corrupt, starting empty", zap.Error(err))
		return 0
	}
	list, dropped := sanitizeEntries(list)
	if dropped > 0 {
		s.log.Warn("dropped invalid queue records", zap.Int("dropped", dropped))
	}

	for _, e := range list {
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	for i := range list {
		if list[i].Seq == 0 {
			s.seq++
			list[i].Seq = s.seq
		}
		s.rev++
		list[i].Rev = s.rev
	}
	s.entries = list
	s.sort()
	return len(s.entries)
}

// Validate checks an operation before it may be queued.
func Validate(op model.Operation) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, op.Kind)
	}
	if op.TenantID == "" {
		return fmt.Errorf("%w: empty tenant_id", errs.ErrValidation)
	}
	switch op.Kind {
	case model.OpCreate:
		if len(op.Payload) == 0 {
			return fmt.Errorf("%w: create needs a payload", errs.ErrValidation)
		}
	case model.OpUpdate:
		if op.EntityID == "" {
			return fmt.Errorf("%w: update needs entity_id", errs.ErrValidation)
		}
		if len(op.Payload) == 0 {
			return fmt.Errorf("%w: update needs a payload", errs.ErrValidation)
		}
		if op.ExpectedVersion != nil && *op.ExpectedVersion < 0 {
			return fmt.Errorf("%w: negative expected_version", errs.ErrValidation)
		}
	case model.OpDelete:
		if op.EntityID == "" {
			return fmt.Errorf("%w: delete needs entity_id", errs.ErrValidation)
		}
	}
	if op.Kind != model.OpUpdate && op.ExpectedVersion != nil {
		return fmt.Errorf("%w: expected_version is only valid for update", errs.ErrValidation)
	}
	return nil
}

// Enqueue validates op, fills id and timestamp when absent, and stores it.
// Re-enqueuing an existing id replaces the operation, keeps its place in the
// queue and resets retry bookkeeping.
func (s *Store) Enqueue(ctx context.Context, op model.Operation) (model.QueueEntry, error) {
	if err := Validate(op); err != nil {
		return model.QueueEntry{}, err
	}
	if op.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return model.QueueEntry{}, fmt.Errorf("generate id: %w", err)
		}
		op.ID = id.String()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.clk.Now()
	}
	op.Payload = op.Payload.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, prevSeq, prevRev := slices.Clone(s.entries), s.seq, s.rev

	s.rev++
	var stored model.QueueEntry
	if i := s.indexOf(op.ID); i >= 0 {
		s.entries[i] = model.QueueEntry{
			Op:              op,
			FirstEnqueuedAt: s.entries[i].FirstEnqueuedAt,
			Seq:             s.entries[i].Seq,
			Rev:             s.rev,
		}
		stored = s.entries[i]
	} else {
		s.seq++
		stored = model.QueueEntry{Op: op, FirstEnqueuedAt: op.EnqueuedAt, Seq: s.seq, Rev: s.rev}
		s.entries = append(s.entries, stored)
		s.sort()
	}

	if err := s.persist(ctx); err != nil {
		s.entries, s.seq, s.rev = prev, prevSeq, prevRev
		return model.QueueEntry{}, err
	}
	return stored, nil
}

// Size returns the number of queued entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// OldestTimestamp returns the firstEnqueuedAt of the head entry; false when empty.
func (s *Store) OldestTimestamp() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].FirstEnqueuedAt, true
}

// Entries returns a FIFO snapshot.
func (s *Store) Entries() []model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueEntry, len(s.entries))
	for i, e := range s.entries {
		e.Op.Payload = e.Op.Payload.Clone()
		out[i] = e
	}
	return out
}

// Get returns the entry with the given operation id.
func (s *Store) Get(id string) (model.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return model.QueueEntry{}, false
	}
	e := s.entries[i]
	e.Op.Payload = e.Op.Payload.Clone()
	return e, true
}

// RemoveByIDs drops entries by operation id. Unknown ids are ignored.
func (s *Store) RemoveByIDs(ctx context.Context, ids ...string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return s.removeWhere(ctx, func(e model.QueueEntry) bool {
		_, ok := drop[e.Op.ID]
		return ok
	})
}

// Settle removes e only if it was not re-enqueued since the snapshot was taken.
// It reports whether the entry was removed.
func (s *Store) Settle(ctx context.Context, e model.QueueEntry) (bool, error) {
	removed := false
	err := s.removeWhere(ctx, func(cur model.QueueEntry) bool {
		if cur.Op.ID == e.Op.ID && cur.Rev == e.Rev {
			removed = true
			return true
		}
		return false
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// RecordFailure bumps retry bookkeeping of e. A positive backoff sets
// NextAttemptAt. errs.ErrNotFound means e was removed or replaced meanwhile.
func (s *Store) RecordFailure(ctx context.Context, e model.QueueEntry, cause error, now time.Time, backoff time.Duration) (model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(e.Op.ID)
	if i < 0 || s.entries[i].Rev != e.Rev {
		return model.QueueEntry{}, errs.ErrNotFound
	}
	old := s.entries[i]

	upd := old
	upd.RetryCount++
	upd.LastAttemptAt = now
	upd.NextAttemptAt = time.Time{}
	if cause != nil {
		upd.LastError = cause.Error()
	}
	if backoff > 0 {
		upd.NextAttemptAt = now.Add(backoff)
	}
	s.entries[i] = upd

	if err := s.persist(ctx); err != nil {
		s.entries[i] = old
		return model.QueueEntry{}, err
	}
	return upd, nil
}

// Status summarises the queue.
func (s *Store) Status() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Size: len(s.entries), ByKind: map[model.OpKind]int{}}
	if len(s.entries) > 0 {
		st.Oldest = s.entries[0].FirstEnqueuedAt
	}
	for _, e := range s.entries {
		st.ByKind[e.Op.Kind]++
	}
	return st
}

func (s *Store) removeWhere(ctx context.Context, match func(model.QueueEntry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := slices.Clone(s.entries)
	kept := make([]model.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(s.entries) {
		return nil
	}
	s.entries = kept
	if err := s.persist(ctx); err != nil {
		s.entries = prev
		return err
	}
	return nil
}

// persist must be called with mu held.
func (s *Store) persist(ctx context.Context) error {
	b, err := encodeList(s.entries)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.st.Save(ctx, s.key, b); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].Op.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) sort() {
	slices.SortStableFunc(s.entries, func(a, b model.QueueEntry) int {
		if c := a.FirstEnqueuedAt.Compare(b.FirstEnqueuedAt); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}
