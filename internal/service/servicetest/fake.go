// Package servicetest provides an in-memory EntityService that records calls.
package servicetest

import (
	"context"
	"reflect"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/service"
)

// Call is one recorded service invocation.
type Call struct {
	Method   string
	EntityID string
	TenantID string
	Payload  model.Payload
	Expected *int64
}

// Fake keeps entities in memory. Hook, when set, runs before every call; a
// non-nil error from it is returned instead of applying the call.
type Fake struct {
	mu       sync.Mutex
	entities map[string]*model.Entity
	calls    []Call

	Hook       func(Call) error
	NaturalKey string // data field used by FindByNaturalKey; empty finds nothing
}

var (
	_ service.EntityService    = (*Fake)(nil)
	_ service.NaturalKeyFinder = (*Fake)(nil)
	_ service.VersionedUpdater = (*Fake)(nil)
)

func New() *Fake { return &Fake{entities: map[string]*model.Entity{}} }

// Put seeds or overwrites an entity.
func (f *Fake) Put(e model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Data = e.Data.Clone()
	f.entities[e.ID] = &e
}

// Entity returns a copy of the stored entity.
func (f *Fake) Entity(id string) (model.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, false
	}
	c := *e
	c.Data = e.Data.Clone()
	return c, true
}

// Calls returns the invocations so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Writes returns only Create, Update and Delete calls.
func (f *Fake) Writes() []Call {
	var out []Call
	for _, c := range f.Calls() {
		switch c.Method {
		case "Create", "Update", "UpdateIfVersion", "Delete":
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(c Call) error {
	c.Payload = c.Payload.Clone()
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hook := f.Hook
	f.mu.Unlock()
	if hook != nil {
		return hook(c)
	}
	return nil
}

func (f *Fake) Create(_ context.Context, tenantID, entityID string, payload model.Payload) (*model.Entity, error) {
	if err := f.record(Call{Method: "Create", EntityID: entityID, TenantID: tenantID, Payload: payload}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if entityID == "" {
		entityID = uuid.Must(uuid.NewV4()).String()
	}
	if _, ok := f.entities[entityID]; ok {
		return nil, errs.ErrAlreadyExists
	}
	e := &model.Entity{ID: entityID, TenantID: tenantID, Version: 1, Data: payload.Clone()}
	f.entities[entityID] = e
	c := *e
	return &c, nil
}

func (f *Fake) FindByID(_ context.Context, entityID, tenantID string) (*model.Entity, error) {
	if err := f.record(Call{Method: "FindByID", EntityID: entityID, TenantID: tenantID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[entityID]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	c := *e
	c.Data = e.Data.Clone()
	return &c, nil
}

func (f *Fake) Update(_ context.Context, entityID, tenantID string, payload model.Payload) (*model.Entity, error) {
	if err := f.record(Call{Method: "Update", EntityID: entityID, TenantID: tenantID, Payload: payload}); err != nil {
		return nil, err
	}
	return f.apply(entityID, tenantID, payload, nil)
}

func (f *Fake) UpdateIfVersion(_ context.Context, entityID, tenantID string, payload model.Payload, expected int64) (*model.Entity, error) {
	if err := f.record(Call{Method: "UpdateIfVersion", EntityID: entityID, TenantID: tenantID, Payload: payload, Expected: &expected}); err != nil {
		return nil, err
	}
	return f.apply(entityID, tenantID, payload, &expected)
}

func (f *Fake) apply(entityID, tenantID string, payload model.Payload, expected *int64) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[entityID]
	if !ok || e.TenantID != tenantID {
		return nil, errs.ErrNotFound
	}
	if expected != nil && *expected != e.Version {
		return nil, errs.ErrVersionConflict
	}
	if e.Data == nil {
		e.Data = model.Payload{}
	}
	for k, v := range payload {
		e.Data[k] = v
	}
	e.Version++
	c := *e
	c.Data = e.Data.Clone()
	return &c, nil
}

func (f *Fake) Delete(_ context.Context, entityID, tenantID string) (bool, error) {
	if err := f.record(Call{Method: "Delete", EntityID: entityID, TenantID: tenantID}); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[entityID]
	if !ok || e.TenantID != tenantID {
		return false, nil
	}
	delete(f.entities, entityID)
	return true, nil
}

func (f *Fake) FindByNaturalKey(_ context.Context, tenantID string, payload model.Payload) (*model.Entity, error) {
	if err := f.record(Call{Method: "FindByNaturalKey", TenantID: tenantID, Payload: payload}); err != nil {
		return nil, err
	}
	if f.NaturalKey == "" {
		return nil, nil
	}
	want, ok := payload[f.NaturalKey]
	if !ok {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if e.TenantID == tenantID && reflect.DeepEqual(e.Data[f.NaturalKey], want) {
			c := *e
			c.Data = e.Data.Clone()
			return &c, nil
		}
	}
	return nil, nil
}

// Plain hides the optional interfaces so callers see only EntityService.
func Plain(s service.EntityService) service.EntityService {
	return struct{ service.EntityService }{s}
}
