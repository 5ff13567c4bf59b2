// Package memory is an in-process EntityRepository for development servers and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
)

type key struct {
	tenant, domain string
	id             uuid.UUID
}

// EntityRepo mirrors the PostgreSQL repository semantics, tombstones included.
type EntityRepo struct {
	mu   sync.Mutex
	rows map[key]*model.Entity
	now  func() time.Time
}

func NewEntityRepo() *EntityRepo {
	return &EntityRepo{rows: map[key]*model.Entity{}, now: time.Now}
}

func (r *EntityRepo) Insert(_ context.Context, tenantID, domain string, id uuid.UUID, data model.Payload) (*model.Entity, error) {
	norm, err := normalize(data)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenantID, domain, id}
	cur, ok := r.rows[k]
	if ok && !cur.Deleted {
		return nil, errs.ErrAlreadyExists
	}
	ver := int64(1)
	if ok {
		ver = cur.Version + 1
	}
	e := &model.Entity{ID: id.String(), TenantID: tenantID, Domain: domain, Version: ver, Data: norm, UpdatedAt: r.now()}
	r.rows[k] = e
	return copyEntity(e), nil
}

func (r *EntityRepo) Get(_ context.Context, tenantID, domain string, id uuid.UUID) (*model.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[key{tenantID, domain, id}]
	if !ok || e.Deleted {
		return nil, errs.ErrNotFound
	}
	return copyEntity(e), nil
}

func (r *EntityRepo) Patch(_ context.Context, tenantID, domain string, id uuid.UUID, data model.Payload, baseVer *int64) (*model.Entity, error) {
	norm, err := normalize(data)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[key{tenantID, domain, id}]
	if !ok || e.Deleted {
		return nil, errs.ErrNotFound
	}
	if baseVer != nil && *baseVer != e.Version {
		return nil, errs.ErrVersionConflict
	}
	for k, v := range norm {
		e.Data[k] = v
	}
	e.Version++
	e.UpdatedAt = r.now()
	return copyEntity(e), nil
}

func (r *EntityRepo) Delete(_ context.Context, tenantID, domain string, id uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[key{tenantID, domain, id}]
	if !ok || e.Deleted {
		return 0, errs.ErrNotFound
	}
	e.Deleted = true
	e.Version++
	e.UpdatedAt = r.now()
	return e.Version, nil
}

func (r *EntityRepo) FindByField(_ context.Context, tenantID, domain, field string, value any) (*model.Entity, error) {
	probe, err := normalize(model.Payload{field: value})
	if err != nil {
		return nil, err
	}
	want := probe[field]
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.Entity
	for k, e := range r.rows {
		if k.tenant != tenantID || k.domain != domain || e.Deleted {
			continue
		}
		got, ok := e.Data[field]
		if !ok || !reflect.DeepEqual(got, want) {
			continue
		}
		if best == nil || e.UpdatedAt.Before(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	return copyEntity(best), nil
}

// normalize round-trips through JSON so stored values match what the
// PostgreSQL repository returns (numbers become float64 and so on).
func normalize(p model.Payload) (model.Payload, error) {
	out := model.Payload{}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: encode data: %v", errs.ErrValidation, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyEntity(e *model.Entity) *model.Entity {
	c := *e
	c.Data = e.Data.Clone()
	return &c
}
