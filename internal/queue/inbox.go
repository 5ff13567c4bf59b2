package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/storage"
)

// Inbox keeps conflicts awaiting a caller decision across restarts.
type Inbox struct {
	mu    sync.Mutex
	st    storage.Storage
	key   string
	log   *zap.Logger
	items []model.SyncConflict
}

func NewInbox(st storage.Storage, domain string, log *zap.Logger) *Inbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inbox{st: st, key: InboxKey(domain), log: log.With(zap.String("inbox", InboxKey(domain)))}
}

// Load restores persisted conflicts. Corrupt data yields an empty inbox.
func (in *Inbox) Load(ctx context.Context) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items = nil

	raw, err := in.st.Load(ctx, in.key)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			in.log.Warn("conflict inbox unreadable, starting empty", zap.Error(err))
		}
		return 0
	}
	list, err := decodeList[model.SyncConflict](raw)
	if err != nil {
		in.log.Warn("conflict inbox corrupt, starting empty", zap.Error(err))
		return 0
	}
	in.items = slices.DeleteFunc(list, func(c model.SyncConflict) bool { return c.OperationID == "" })
	return len(in.items)
}

// Add appends conflicts, replacing any earlier conflict for the same operation.
func (in *Inbox) Add(ctx context.Context, cs ...model.SyncConflict) error {
	if len(cs) == 0 {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	prev := slices.Clone(in.items)
	for _, c := range cs {
		if i := in.indexOf(c.OperationID); i >= 0 {
			in.items[i] = c
			continue
		}
		in.items = append(in.items, c)
	}
	if err := in.persist(ctx); err != nil {
		in.items = prev
		return err
	}
	return nil
}

// List returns all pending conflicts, oldest first.
func (in *Inbox) List() []model.SyncConflict {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.items)
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// Get returns the conflicts for ids in the given order.
func (in *Inbox) Get(ids ...string) ([]model.SyncConflict, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]model.SyncConflict, 0, len(ids))
	for _, id := range ids {
		i := in.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("conflict %q: %w", id, errs.ErrNotFound)
		}
		out = append(out, in.items[i])
	}
	return out, nil
}

// Remove drops conflicts by operation id.
func (in *Inbox) Remove(ctx context.Context, ids ...string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	prev := slices.Clone(in.items)
	kept := slices.DeleteFunc(slices.Clone(in.items), func(c model.SyncConflict) bool {
		return slices.Contains(ids, c.OperationID)
	})
	if len(kept) == len(in.items) {
		return nil
	}
	in.items = kept
	if err := in.persist(ctx); err != nil {
		in.items = prev
		return err
	}
	return nil
}

func (in *Inbox) persist(ctx context.Context) error {
	b, err := encodeList(in.items)
	if err != nil {
		return fmt.Errorf("encode inbox: %w", err)
	}
	if err := in.st.Save(ctx, in.key, b); err != nil {
		return fmt.Errorf("persist inbox: %w", err)
	}
	return nil
}

func (in *Inbox) indexOf(id string) int {
	return slices.IndexFunc(in.items, func(c model.SyncConflict) bool { return c.OperationID == id })
}
